package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
)

// TxOptions bounds a transaction. Timeout caps the whole unit of work,
// LockTimeout caps any single row-lock wait inside it.
type TxOptions struct {
	Isolation   sql.IsolationLevel
	Timeout     time.Duration
	LockTimeout time.Duration
}

// Transact runs fn in one transaction that commits when fn returns nil and
// rolls back on error, panic or deadline expiry.
func Transact(ctx context.Context, conn *gorm.DB, opts TxOptions, fn func(tx *gorm.DB) error) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialect := DialectName(conn)
	var txOpts []*sql.TxOptions
	if dialect != DialectSQLite && opts.Isolation != sql.LevelDefault {
		txOpts = append(txOpts, &sql.TxOptions{Isolation: opts.Isolation})
	}

	return conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := applyTimeouts(tx, dialect, opts); err != nil {
			return err
		}
		return fn(tx)
	}, txOpts...)
}

func applyTimeouts(tx *gorm.DB, dialect string, opts TxOptions) error {
	switch dialect {
	case DialectPostgres:
		if opts.LockTimeout > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.LockTimeout.Milliseconds())).Error; err != nil {
				return err
			}
		}
		if opts.Timeout > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", opts.Timeout.Milliseconds())).Error; err != nil {
				return err
			}
		}
	case DialectMySQL:
		if opts.LockTimeout > 0 {
			seconds := int(math.Max(1, math.Ceil(opts.LockTimeout.Seconds())))
			if err := tx.Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", seconds)).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
