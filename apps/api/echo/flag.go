package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
)

type flagApi struct {
	svc        *flag.Service
	validate   *validator.Validate
	translator ut.Translator
}

func registerFlagAPI(g *echo.Group, jwt, webhook echo.MiddlewareFunc, deps ServerDeps) {
	api := flagApi{
		svc:        deps.FlagSvc,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	// machine callers
	g.POST("/attendance/events", api.ingest, webhook)

	fg := g.Group("/flags", jwt)
	fg.GET("", api.query, roleMiddleware(core.RoleAdmin, core.RoleTeacher))
	fg.POST("", api.create, roleMiddleware(core.RoleAdmin, core.RoleTeacher))
	fg.GET("/export", api.export, roleMiddleware(core.RoleAdmin))
	fg.POST("/bulk-notify", api.bulkNotify, roleMiddleware(core.RoleAdmin, core.RoleTeacher))

	// detail endpoints
	dg := fg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.POST("/justification", api.submitJustification)
	dg.POST("/decision", api.decide, roleMiddleware(core.RoleAdmin))
}

func (api *flagApi) check(data interface{}) error {
	if err := api.validate.Struct(data); err != nil {
		return core.ValidationErrorFrom(err, api.translator)
	}
	return nil
}

// Handlers

func (api *flagApi) query(ctx echo.Context) error {
	var ord Ordering
	ord.Bind(ctx)

	res, err := api.svc.Query(ctx.Request().Context(), bindFlagFilter(ctx), bindPage(ctx), ord.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying flags")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *flagApi) export(ctx echo.Context) error {
	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="flags.csv"`)
	res.WriteHeader(http.StatusOK)

	_, err := api.svc.Export(ctx.Request().Context(), bindFlagFilter(ctx), res)
	return errors.Wrap(err, "exporting flags")
}

func (api *flagApi) retrieve(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	detail, err := api.svc.GetFor(ctx.Request().Context(), ctx.Param("id"), actor)
	if err != nil {
		return errors.Wrap(err, "getting flag")
	}
	return ctx.JSON(http.StatusOK, detail)
}

func (api *flagApi) create(ctx echo.Context) error {
	var data flag.NewFlag
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewFlag")
	}
	if err := api.check(data); err != nil {
		return err
	}
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}
	if data.TeacherID == "" && actor.HasRole(core.RoleTeacher) {
		data.TeacherID = actor.ID
	}

	f, err := api.svc.CreateFlag(ctx.Request().Context(), data, actor)
	if err != nil {
		return errors.Wrap(err, "creating flag")
	}
	return ctx.JSON(http.StatusCreated, f)
}

func (api *flagApi) ingest(ctx echo.Context) error {
	var data flag.AttendanceEvent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AttendanceEvent")
	}
	if err := api.check(data); err != nil {
		return err
	}

	f, err := api.svc.Ingest(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "ingesting attendance event")
	}
	return ctx.JSON(http.StatusCreated, f)
}

func (api *flagApi) submitJustification(ctx echo.Context) error {
	var data flag.Justification
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Justification")
	}
	if err := api.check(data); err != nil {
		return err
	}
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	resp, err := api.svc.SubmitJustification(ctx.Request().Context(), ctx.Param("id"), data, actor)
	if err != nil {
		return errors.Wrap(err, "submitting justification")
	}
	return ctx.JSON(http.StatusCreated, resp)
}

func (api *flagApi) decide(ctx echo.Context) error {
	var data flag.DecisionInput
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DecisionInput")
	}
	if err := api.check(data); err != nil {
		return err
	}
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	f, err := api.svc.Decide(ctx.Request().Context(), ctx.Param("id"), data, actor)
	if err != nil {
		return errors.Wrap(err, "deciding flag")
	}
	return ctx.JSON(http.StatusOK, f)
}

func (api *flagApi) bulkNotify(ctx echo.Context) error {
	var data BulkNotifyRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to BulkNotifyRequest")
	}
	if err := api.check(data); err != nil {
		return err
	}
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	results, err := api.svc.BulkNotify(ctx.Request().Context(), data.FlagIDs, actor)
	if err != nil {
		return errors.Wrap(err, "bulk notifying")
	}
	return ctx.JSON(http.StatusOK, BulkNotifyResponse{Results: results})
}
