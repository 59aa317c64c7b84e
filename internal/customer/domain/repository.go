package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Customer, error)
	// FindByEmail matches the address case-insensitively.
	FindByEmail(ctx context.Context, db *gorm.DB, orgID snowflake.ID, email string) (*Customer, error)
}
