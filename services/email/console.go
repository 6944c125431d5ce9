package emailsvc

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/notification"
)

// ConsoleProvider "sends" messages by writing them to `out`. It keeps every sent message
// so tests can inspect them.
type ConsoleProvider struct {
	channel          notification.Channel
	defaultFromEmail mail.Address
	subjPrefix       string
	out              io.Writer // nil disables output

	mu   sync.Mutex
	sent []notification.Message
}

var _ notification.Provider = (*ConsoleProvider)(nil)

func NewConsoleProvider(out io.Writer, conf *core.Config) *ConsoleProvider {
	return NewConsoleChannelProvider(notification.ChannelEmail, out, conf)
}

// NewConsoleChannelProvider stands in for the gateway of `ch` in local runs.
func NewConsoleChannelProvider(ch notification.Channel, out io.Writer, conf *core.Config) *ConsoleProvider {
	return &ConsoleProvider{
		channel:          ch,
		defaultFromEmail: conf.Email.DefaultFromEmail,
		subjPrefix:       "[" + conf.AppName + "] ",
		out:              out,
	}
}

func (p *ConsoleProvider) Channel() notification.Channel { return p.channel }

func (p *ConsoleProvider) Send(ctx context.Context, msg notification.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if p.out != nil {
		body := new(strings.Builder)

		// Write mail header
		_, _ = fmt.Fprintf(body, "Channel: %s\r\n", p.channel)
		_, _ = fmt.Fprintf(body, "From: %s\r\n", p.defaultFromEmail.String())
		_, _ = fmt.Fprintf(body, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
		_, _ = fmt.Fprintf(body, "To: %s <%s>\r\n", msg.RecipientID, msg.Address)
		_, _ = fmt.Fprintf(body, "Subject: %s\r\n", p.subjPrefix+msg.Subject)
		_, _ = fmt.Fprintf(body, "Priority: %s\r\n", msg.Priority)
		_, _ = fmt.Fprint(body, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
		_, _ = fmt.Fprintf(body, "%s\r\n", msg.Body)
		_, _ = fmt.Fprintln(p.out, body.String())
	}

	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	return "console-" + uuid.New().String(), nil
}

// SentMessages returns a copy of every message sent so far.
func (p *ConsoleProvider) SentMessages() []notification.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notification.Message(nil), p.sent...)
}

func (p *ConsoleProvider) Reset() {
	p.mu.Lock()
	p.sent = nil
	p.mu.Unlock()
}
