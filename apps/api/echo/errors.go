package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
)

var (
	errUnauthorized     = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errHttpForbidden    = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errBadSignature     = echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	errMissingSignature = echo.NewHTTPError(http.StatusUnauthorized, "missing webhook signature")
)

// domainStatus returns the HTTP status of a domain error, or 0 if `err` is not one.
func domainStatus(err error) int {
	switch err {
	case flag.ErrNotFound, flag.ErrResponseNotFound, notification.ErrNotFound:
		return http.StatusNotFound
	case flag.ErrDuplicateFlag, flag.ErrFlagNotPending, flag.ErrAlreadyResponded, flag.ErrInvalidTransition,
		flag.ErrStaleFlag, notification.ErrNotResendable, notification.ErrNotCancellable,
		notification.ErrOutOfOrderEvent, notification.ErrStale:
		return http.StatusConflict
	case flag.ErrInvalidSession, notification.ErrInvalidNotification, ledger.ErrInvalidEntry:
		return http.StatusBadRequest
	case flag.ErrForbidden:
		return http.StatusForbidden
	case notification.ErrProviderUnavailable, notification.ErrDispatchTimeout:
		return http.StatusServiceUnavailable
	}
	return 0
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Error()
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if origErr.Fields != nil {
				fldErrs := make(map[string]string, len(origErr.Fields))
				for _, fErr := range origErr.Fields {
					fldErrs[fErr.Field] = fErr.Error
				}
				message = fldErrs
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
		default:
			if code = domainStatus(origErr); code != 0 {
				message = origErr.Error()
				break
			}

			// any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			args := []interface{}{errors.Wrap(err, msg)}
			if actor, aErr := getContextActor(ctx); aErr == nil {
				args = append(args, actor)
			}
			logger.Error(msg, args...)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
