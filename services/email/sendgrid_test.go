package emailsvc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
)

func newConf() *core.Config {
	return &core.Config{
		AppName: "Masomo Clearance",
		Email: core.EmailConfig{
			DefaultFromEmail: mail.Address{Name: "Masomo", Address: "noreply@test.cd"},
			SendgridAPIKey:   "sg-key",
		},
	}
}

var msg = notification.Message{
	NotificationID: "notif-1",
	RecipientID:    "parent-1",
	Address:        "parent@test.cd",
	Channel:        notification.ChannelEmail,
	Priority:       notification.PriorityMedium,
	Subject:        "Absence",
	Body:           "Your child was absent",
}

func TestSendgridProvider_Send(t *testing.T) {
	var payload struct {
		Subject          string `json:"subject"`
		Personalizations []struct {
			Subject    string            `json:"subject"`
			CustomArgs map[string]string `json:"custom_args"`
			To         []struct {
				Email string `json:"email"`
			} `json:"to"`
		} `json:"personalizations"`
		From struct {
			Email string `json:"email"`
		} `json:"from"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &payload))
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewSendgridProvider(newConf())
	p.host = srv.URL
	assert.Equal(t, notification.ChannelEmail, p.Channel())

	id, err := p.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "sg-123", id)
	assert.Equal(t, "noreply@test.cd", payload.From.Email)
	if assert.Len(t, payload.Personalizations, 1) {
		per := payload.Personalizations[0]
		assert.Equal(t, "[Masomo Clearance] Absence", per.Subject)
		assert.Equal(t, "notif-1", per.CustomArgs["notification_id"])
		if assert.Len(t, per.To, 1) {
			assert.Equal(t, "parent@test.cd", per.To[0].Email)
		}
	}
}

func TestSendgridProvider_Send_errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantCode      string
		wantPermanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, wantCode: "HTTP_400", wantPermanent: true},
		{name: "forbidden", status: http.StatusForbidden, wantCode: "HTTP_403", wantPermanent: true},
		{name: "throttled", status: http.StatusTooManyRequests, wantCode: "HTTP_429"},
		{name: "server error", status: http.StatusInternalServerError, wantCode: "HTTP_500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewSendgridProvider(newConf())
			p.host = srv.URL
			_, err := p.Send(context.Background(), msg)
			var perr *notification.ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantCode, perr.Code)
			assert.Equal(t, tt.wantPermanent, perr.Permanent)
		})
	}
}

func TestSendgridProvider_Send_noAddress(t *testing.T) {
	p := NewSendgridProvider(newConf())
	noAddr := msg
	noAddr.Address = ""
	_, err := p.Send(context.Background(), noAddr)
	var perr *notification.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "NO_ADDRESS", perr.Code)
	assert.True(t, perr.Permanent)
}

func TestConsoleProvider_Send(t *testing.T) {
	var out bytes.Buffer
	p := NewConsoleChannelProvider(notification.ChannelSMS, &out, newConf())
	assert.Equal(t, notification.ChannelSMS, p.Channel())

	id, err := p.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, id, "console-")
	assert.Contains(t, out.String(), "Channel: sms")
	assert.Contains(t, out.String(), "Subject: [Masomo Clearance] Absence")
	assert.Contains(t, out.String(), "Your child was absent")
	assert.Equal(t, []notification.Message{msg}, p.SentMessages())

	p.Reset()
	assert.Empty(t, p.SentMessages())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Send(ctx, msg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.SentMessages())
}
