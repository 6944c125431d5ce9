package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/ledger"
)

type studentApi struct {
	ledger *ledger.Service
}

// registerStudentAPI exposes the ledger read side consumed by the gamification wallet.
func registerStudentAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := studentApi{ledger: deps.LedgerSvc}

	sg := g.Group("/students/:id", jwt, roleMiddleware(core.RoleAdmin, core.RoleTeacher, core.RoleSystem))
	sg.GET("/adjustment", api.adjustment)
	sg.GET("/ledger", api.entries)
}

func (api *studentApi) adjustment(ctx echo.Context) error {
	adj, err := api.ledger.CurrentAdjustment(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting current adjustment")
	}
	return ctx.JSON(http.StatusOK, adj)
}

func (api *studentApi) entries(ctx echo.Context) error {
	entries, err := api.ledger.EntriesForStudent(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "querying ledger entries")
	}
	return ctx.JSON(http.StatusOK, entries)
}
