package domain

import (
	"context"
	"errors"
	"time"
)

type RecordUsageRequest struct {
	TemplateID     string    `json:"template_id"`
	Quantity       string    `json:"quantity"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	IdempotencyKey *string   `json:"idempotency_key"`
}

type Service interface {
	Record(context.Context, RecordUsageRequest) (*UsageRecord, error)
}

var (
	ErrInvalidTemplate       = errors.New("invalid_template")
	ErrTemplateNotUsageBased = errors.New("template_not_usage_based")
	ErrTemplateInactive      = errors.New("template_inactive")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidPeriod         = errors.New("invalid_period")
	ErrRateLimited           = errors.New("rate_limited")
	ErrConcurrentIngest      = errors.New("concurrent_ingest")
)
