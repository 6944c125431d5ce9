package gatewaysvc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sendgrid/rest"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
)

type (
	// Provider sends SMS, in-app push or voice call messages through an HTTP gateway:
	// POST {baseURL}/messages, answering {"id": "<provider message id>"}.
	Provider struct {
		channel notification.Channel
		baseURL string
		apiKey  string
	}

	sendRequest struct {
		Channel   notification.Channel  `json:"channel"`
		To        string                `json:"to"`
		Recipient string                `json:"recipient_id"`
		Subject   string                `json:"subject,omitempty"`
		Body      string                `json:"body"`
		Priority  notification.Priority `json:"priority"`
		Reference string                `json:"reference"`
	}

	sendResponse struct {
		ID string `json:"id"`
	}
)

var _ notification.Provider = (*Provider)(nil)

func NewProvider(ch notification.Channel, conf core.EndpointConfig) *Provider {
	return &Provider{
		channel: ch,
		baseURL: strings.TrimSuffix(conf.BaseURL, "/"),
		apiKey:  conf.APIKey,
	}
}

func (p *Provider) Channel() notification.Channel { return p.channel }

func (p *Provider) Send(ctx context.Context, msg notification.Message) (string, error) {
	to := msg.Address
	if to == "" {
		to = msg.RecipientID // push gateways address users directly
	}
	body, err := json.Marshal(sendRequest{
		Channel:   p.channel,
		To:        to,
		Recipient: msg.RecipientID,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Priority:  msg.Priority,
		Reference: msg.NotificationID,
	})
	if err != nil {
		return "", &notification.ProviderError{Code: "ENCODING", Permanent: true, Err: err}
	}

	res, err := rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: p.baseURL + "/messages",
		Headers: map[string]string{
			"Authorization": "Bearer " + p.apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return "", &notification.ProviderError{Code: "TRANSPORT", Err: err}
	}
	if perr := StatusError(res); perr != nil {
		return "", perr
	}

	var sr sendResponse
	if err = json.Unmarshal([]byte(res.Body), &sr); err != nil {
		// the message was accepted; only its id is lost
		return "", nil
	}
	return sr.ID, nil
}

// StatusError maps a gateway response to a ProviderError: 408, 429 and 5xx are worth retrying.
func StatusError(res *rest.Response) *notification.ProviderError {
	code := fmt.Sprintf("HTTP_%d", res.StatusCode)
	switch {
	case res.StatusCode < http.StatusBadRequest:
		return nil
	case res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode == http.StatusTooManyRequests,
		res.StatusCode >= http.StatusInternalServerError:
		return &notification.ProviderError{Code: code, Err: fmt.Errorf("gateway answered %d: %s", res.StatusCode, res.Body)}
	}
	return &notification.ProviderError{
		Code:      code,
		Permanent: true,
		Err:       fmt.Errorf("gateway rejected the message (%d): %s", res.StatusCode, res.Body),
	}
}
