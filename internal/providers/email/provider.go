package email

import "context"

// Message is a single rendered HTML email.
type Message struct {
	To       []string
	Subject  string
	HTMLBody string
}

type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Name() string { return "noop" }

func (p *NoOpProvider) Send(context.Context, Message) error {
	return nil
}
