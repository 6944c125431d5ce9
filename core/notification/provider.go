package notification

import (
	"context"
	"fmt"
	"sync"
)

type (
	// Message is what a channel provider delivers.
	Message struct {
		NotificationID string
		RecipientID    string
		Address        string
		Channel        Channel
		Priority       Priority
		Subject        string
		Body           string
	}

	// Provider is an external send API (email, SMS, push, call gateway).
	// Send returns the provider's message ID, used to match delivery webhooks.
	Provider interface {
		Channel() Channel
		Send(ctx context.Context, msg Message) (string, error)
	}

	// ProviderError lets providers say whether retrying can help.
	ProviderError struct {
		Code      string
		Permanent bool
		Err       error
	}
)

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Registry maps channels to their provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[Channel]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Channel]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register sets the provider of p.Channel(), replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Channel()] = p
}

func (r *Registry) Get(ch Channel) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[ch]
	return p, ok
}

func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chans := make([]Channel, 0, len(r.providers))
	for _, ch := range Channels {
		if _, ok := r.providers[ch]; ok {
			chans = append(chans, ch)
		}
	}
	return chans
}
