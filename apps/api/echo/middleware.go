package echoapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

const signatureHeader = "X-Webhook-Signature"

// roleMiddleware lets through callers having any of `roles`.
func roleMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			actor, err := getContextActor(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context actor")
			}
			if actor.HasRole(roles...) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// webhookSignatureMiddleware authenticates machine callers (channel providers, attendance ingestion):
// the X-Webhook-Signature header must be the hex HMAC-SHA256 of the body keyed with `secret`.
func webhookSignatureMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			sig := ctx.Request().Header.Get(signatureHeader)
			if sig == "" {
				return errMissingSignature
			}
			got, err := hex.DecodeString(sig)
			if err != nil {
				return errBadSignature
			}

			body, err := io.ReadAll(ctx.Request().Body)
			if err != nil {
				return errors.Wrap(err, "reading webhook body")
			}
			ctx.Request().Body = io.NopCloser(bytes.NewReader(body))

			if !hmac.Equal(got, Sign(body, secret)) {
				return errBadSignature
			}
			return next(ctx)
		}
	}
}

// Sign returns the HMAC-SHA256 of `body` keyed with `secret`.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}
