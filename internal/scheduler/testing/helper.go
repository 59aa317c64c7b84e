// Package testing moves recurring schedules around for manual and automated testing.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurra/internal/clock"
	"github.com/smallbiznis/recurra/internal/recurring/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites schedule dates so templates become due without waiting.
type TimeAccelerator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTimeAccelerator(db *gorm.DB, clk clock.Clock) *TimeAccelerator {
	return &TimeAccelerator{db: db, clock: clk}
}

// FastForwardTemplate makes an active template due now.
func (ta *TimeAccelerator) FastForwardTemplate(ctx context.Context, templateID snowflake.ID) error {
	now := ta.clock.Now()
	res := ta.db.WithContext(ctx).Exec(
		`UPDATE recurring_templates
		 SET next_generation_date = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now.Add(-time.Minute),
		now,
		templateID,
		domain.StatusActive,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FastForwardAllActive makes every active template with a future date due now.
func (ta *TimeAccelerator) FastForwardAllActive(ctx context.Context) (int64, error) {
	now := ta.clock.Now()
	res := ta.db.WithContext(ctx).Exec(
		`UPDATE recurring_templates
		 SET next_generation_date = ?, updated_at = ?
		 WHERE status = ? AND next_generation_date > ?`,
		now.Add(-time.Minute),
		now,
		domain.StatusActive,
		now,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// TemplateInfo shows the schedule state of one template for debugging.
type TemplateInfo struct {
	ID                 snowflake.ID  `json:"id"`
	Status             domain.Status `json:"status"`
	NextGenerationDate time.Time     `json:"next_generation_date"`
	LastGeneratedAt    *time.Time    `json:"last_generated_at,omitempty"`
	TotalGenerated     int64         `json:"total_generated"`
	TimeUntilDue       time.Duration `json:"time_until_due"`
	Due                bool          `json:"due"`
}

func (ta *TimeAccelerator) GetTemplateInfo(ctx context.Context, templateID snowflake.ID) (*TemplateInfo, error) {
	var row struct {
		ID                 snowflake.ID
		Status             domain.Status
		NextGenerationDate time.Time
		LastGeneratedAt    *time.Time
		TotalGenerated     int64
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, status, next_generation_date, last_generated_at, total_generated
		 FROM recurring_templates
		 WHERE id = ?`,
		templateID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, domain.ErrNotFound
	}

	now := ta.clock.Now()
	return &TemplateInfo{
		ID:                 row.ID,
		Status:             row.Status,
		NextGenerationDate: row.NextGenerationDate,
		LastGeneratedAt:    row.LastGeneratedAt,
		TotalGenerated:     row.TotalGenerated,
		TimeUntilDue:       row.NextGenerationDate.Sub(now),
		Due:                row.Status == domain.StatusActive && !row.NextGenerationDate.After(now),
	}, nil
}
