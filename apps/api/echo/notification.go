package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
)

type notificationApi struct {
	svc        *notification.Service
	logger     core.Logger
	validate   *validator.Validate
	translator ut.Translator
}

func registerNotificationAPI(g *echo.Group, jwt, webhook echo.MiddlewareFunc, deps ServerDeps) {
	api := notificationApi{
		svc:        deps.NotifSvc,
		logger:     deps.Logger,
		validate:   deps.Validate,
		translator: deps.Translator,
	}

	ng := g.Group("/notifications")

	// provider callbacks
	ng.POST("/:id/delivery-event", api.deliveryEvent, webhook)

	ag := ng.Group("", jwt, roleMiddleware(core.RoleAdmin))
	ag.GET("", api.query)
	ag.GET("/:id", api.retrieve)
	ag.POST("/:id/resend", api.resend)
	ag.POST("/:id/cancel", api.cancel)
}

// Handlers

func (api *notificationApi) query(ctx echo.Context) error {
	notifs, err := api.svc.Query(ctx.Request().Context(), bindNotificationFilter(ctx), bindPage(ctx))
	if err != nil {
		return errors.Wrap(err, "querying notifications")
	}
	return ctx.JSON(http.StatusOK, notifs)
}

func (api *notificationApi) retrieve(ctx echo.Context) error {
	n, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting notification")
	}
	return ctx.JSON(http.StatusOK, n)
}

func (api *notificationApi) resend(ctx echo.Context) error {
	n, err := api.svc.Resend(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "resending notification")
	}
	return ctx.JSON(http.StatusOK, n)
}

func (api *notificationApi) cancel(ctx echo.Context) error {
	n, err := api.svc.Cancel(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "cancelling notification")
	}
	return ctx.JSON(http.StatusOK, n)
}

// deliveryEvent never fails a provider for an event out of order: it is logged by the service,
// dropped, and acknowledged with 202 so the provider does not retry it.
func (api *notificationApi) deliveryEvent(ctx echo.Context) error {
	var data notification.DeliveryEvent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to DeliveryEvent")
	}
	if err := api.validate.Struct(data); err != nil {
		return core.ValidationErrorFrom(err, api.translator)
	}

	n, err := api.svc.RecordDeliveryCallback(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		if errors.Cause(err) == notification.ErrOutOfOrderEvent {
			return ctx.JSON(http.StatusAccepted, DeliveryEventResponse{ID: n.ID, Status: n.Status})
		}
		return errors.Wrap(err, "recording delivery event")
	}
	return ctx.JSON(http.StatusOK, DeliveryEventResponse{ID: n.ID, Status: n.Status, Applied: true})
}
