// Package numbering allocates gapless per-organization invoice numbers.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/recurra/internal/observability/metrics"
	"github.com/smallbiznis/recurra/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidOrg = errors.New("invalid_organization")

const upsertReturning = `INSERT INTO invoice_counters (org_id, last_invoice_no, updated_at)
	VALUES (?, 1, ?)
	ON CONFLICT (org_id) DO UPDATE
	SET last_invoice_no = invoice_counters.last_invoice_no + 1, updated_at = excluded.updated_at
	RETURNING last_invoice_no`

const upsertMySQL = `INSERT INTO invoice_counters (org_id, last_invoice_no, updated_at)
	VALUES (?, 1, ?)
	ON DUPLICATE KEY UPDATE last_invoice_no = last_invoice_no + 1, updated_at = VALUES(updated_at)`

// Allocator hands out invoice numbers from the invoice_counters row of an
// organization. The increment is a single atomic upsert, so the row lock it
// takes is held until the caller's transaction ends; a rollback returns the
// number to the pool and keeps the sequence gapless.
type Allocator struct {
	log     *zap.Logger
	metrics *obsmetrics.SchedulerMetrics
	now     func() time.Time
}

func NewAllocator(log *zap.Logger) *Allocator {
	return &Allocator{
		log:     log.Named("invoice.numbering"),
		metrics: obsmetrics.Scheduler(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Next increments (or creates) the counter and returns the new value.
// tx must be the transaction that also inserts the invoice.
func (a *Allocator) Next(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (int64, error) {
	if orgID == 0 {
		return 0, ErrInvalidOrg
	}

	start := time.Now()
	var next int64
	var err error
	switch db.DialectName(tx) {
	case db.DialectMySQL:
		next, err = a.nextMySQL(ctx, tx, orgID)
	default:
		err = tx.WithContext(ctx).Raw(upsertReturning, orgID, a.now()).Scan(&next).Error
	}
	a.metrics.ObserveDBLockWait(obsmetrics.LockResourceInvoiceCounter, time.Since(start))

	if err != nil {
		return 0, fmt.Errorf("allocate invoice number: %w", err)
	}
	if next <= 0 {
		return 0, fmt.Errorf("allocate invoice number: counter returned %d", next)
	}

	a.log.Debug("invoice number allocated",
		zap.String("org_id", orgID.String()),
		zap.Int64("invoice_no", next),
	)
	return next, nil
}

func (a *Allocator) nextMySQL(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (int64, error) {
	if err := tx.WithContext(ctx).Exec(upsertMySQL, orgID, a.now()).Error; err != nil {
		return 0, err
	}
	var next int64
	err := tx.WithContext(ctx).Raw(
		`SELECT last_invoice_no FROM invoice_counters WHERE org_id = ?`,
		orgID,
	).Scan(&next).Error
	return next, err
}

// Current returns the last allocated number, or 0 when the organization has none.
func (a *Allocator) Current(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (int64, error) {
	var current int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(last_invoice_no), 0) FROM invoice_counters WHERE org_id = ?`,
		orgID,
	).Scan(&current).Error
	return current, err
}
