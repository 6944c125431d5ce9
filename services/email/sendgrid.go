package emailsvc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
)

var (
	host     = "https://api.sendgrid.com"
	endpoint = "/v3/mail/send"
)

type SendgridProvider struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

var _ notification.Provider = (*SendgridProvider)(nil)

func NewSendgridProvider(conf *core.Config) *SendgridProvider {
	from := conf.Email.DefaultFromEmail
	return &SendgridProvider{
		key:        conf.Email.SendgridAPIKey,
		host:       host,
		from:       sgmail.NewEmail(from.Name, from.Address),
		subjPrefix: "[" + conf.AppName + "] ",
	}
}

func (p *SendgridProvider) Channel() notification.Channel { return notification.ChannelEmail }

func (p *SendgridProvider) prepare(msg notification.Message) *sgmail.SGMailV3 {
	per := sgmail.NewPersonalization()
	per.Subject = p.subjPrefix + msg.Subject
	per.AddTos(sgmail.NewEmail("", msg.Address))
	// echoed back by the event webhook
	per.SetCustomArg("notification_id", msg.NotificationID)

	m := sgmail.NewV3Mail()
	m.SetFrom(p.from)
	m.AddPersonalizations(per)
	m.AddContent(sgmail.NewContent("text/plain", msg.Body))
	return m
}

func (p *SendgridProvider) Send(ctx context.Context, msg notification.Message) (string, error) {
	if msg.Address == "" {
		return "", &notification.ProviderError{Code: "NO_ADDRESS", Permanent: true,
			Err: fmt.Errorf("recipient %s has no email address", msg.RecipientID)}
	}

	req := sendgrid.GetRequest(p.key, endpoint, p.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(p.prepare(msg))

	res, err := rest.SendWithContext(ctx, req)
	if err != nil {
		return "", &notification.ProviderError{Code: "TRANSPORT", Err: err}
	}
	if perr := statusError(res); perr != nil {
		return "", perr
	}
	if ids := res.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

// statusError maps a provider response to a ProviderError: 429 and 5xx are worth retrying.
func statusError(res *rest.Response) *notification.ProviderError {
	switch {
	case res.StatusCode < http.StatusBadRequest:
		return nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError:
		return &notification.ProviderError{
			Code: fmt.Sprintf("HTTP_%d", res.StatusCode),
			Err:  fmt.Errorf("provider answered %d: %s", res.StatusCode, res.Body),
		}
	}
	return &notification.ProviderError{
		Code:      fmt.Sprintf("HTTP_%d", res.StatusCode),
		Permanent: true,
		Err:       fmt.Errorf("provider rejected the message (%d): %s", res.StatusCode, res.Body),
	}
}
