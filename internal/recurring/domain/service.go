package domain

import "context"

// Service exposes user-driven template lifecycle transitions.
type Service interface {
	Get(ctx context.Context, id string) (Template, error)
	Pause(ctx context.Context, id string) (Template, error)
	Resume(ctx context.Context, id string) (Template, error)
	Delete(ctx context.Context, id string) error
}
