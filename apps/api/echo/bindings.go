package echoapi

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/notification"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	val := ctx.QueryParam(orderingParam)
	if val == "" {
		return
	}

	for _, field := range strings.Split(val, ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		if field == "" {
			continue
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

func bindPage(ctx echo.Context) core.Page {
	var page core.Page
	page.Number, _ = strconv.Atoi(ctx.QueryParam("page"))
	page.Size, _ = strconv.Atoi(ctx.QueryParam("page_size"))
	return page.Normalize()
}

// multiParam returns the values of a repeatable query param; comma separated values are split.
func multiParam(ctx echo.Context, name string) []string {
	var vals []string
	for _, v := range ctx.QueryParams()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				vals = append(vals, part)
			}
		}
	}
	return vals
}

// bindFlagFilter reads ?status=&severity=&search=&student_id=. Unknown values are ignored.
func bindFlagFilter(ctx echo.Context) flag.QueryFilter {
	var filter flag.QueryFilter
	for _, v := range multiParam(ctx, "status") {
		if st, ok := flag.ParseStatus(v); ok {
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	for _, v := range multiParam(ctx, "severity") {
		if sev, ok := flag.ParseSeverity(v); ok {
			filter.Severities = append(filter.Severities, sev)
		}
	}
	filter.Search = ctx.QueryParam("search")
	filter.StudentID = ctx.QueryParam("student_id")
	return filter
}

// bindNotificationFilter reads ?status=&channel=&flag_id=&recipient_id=.
func bindNotificationFilter(ctx echo.Context) notification.QueryFilter {
	var filter notification.QueryFilter
	for _, v := range multiParam(ctx, "status") {
		if st := notification.Status(strings.ToLower(v)); st.IsValid() {
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	for _, v := range multiParam(ctx, "channel") {
		if ch, ok := notification.ParseChannel(v); ok {
			filter.Channels = append(filter.Channels, ch)
		}
	}
	filter.FlagID = ctx.QueryParam("flag_id")
	filter.RecipientID = ctx.QueryParam("recipient_id")
	return filter
}

type (
	BulkNotifyRequest struct {
		FlagIDs []string `json:"flag_ids" validate:"required,min=1,max=200,dive,required,ref"`
	}

	BulkNotifyResponse struct {
		Results []flag.BulkResult `json:"results"`
	}

	DeliveryEventResponse struct {
		ID      string              `json:"id"`
		Status  notification.Status `json:"status"`
		Applied bool                `json:"applied"`
	}
)
