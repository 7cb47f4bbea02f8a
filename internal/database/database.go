// Package database keeps the proxy lease ledger in sqlite.
//
// Every transport install records a lease for the endpoint it was dialed
// through; replacing the transport retires the lease with a reason. Leases
// retired by rotation or reconnect mark endpoints the remote service has
// likely banned, and the provisioner avoids them for a cooldown period.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/claworc/chat-bridge/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	if dbPath != ":memory:" {
		if dbDir := filepath.Dir(dbPath); dbDir != "" {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if dbPath != ":memory:" {
		sqlDB, err := DB.DB()
		if err != nil {
			return fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := DB.AutoMigrate(&ProxyLease{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ledger records proxy leases in DB.
type Ledger struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Acquired stores a new lease and returns its ID.
func (l *Ledger) Acquired(identity, endpoint string) (uint, error) {
	lease := ProxyLease{
		Endpoint:   endpoint,
		Identity:   identity,
		AcquiredAt: l.now(),
	}
	if err := DB.Create(&lease).Error; err != nil {
		return 0, fmt.Errorf("record lease %s/%s: %w", identity, endpoint, err)
	}
	return lease.ID, nil
}

// Retired closes the lease. Retiring an already retired lease is a no-op.
func (l *Ledger) Retired(id uint, reason string) error {
	at := l.now()
	err := DB.Model(&ProxyLease{}).
		Where("id = ? AND retired_at IS NULL", id).
		Updates(map[string]interface{}{"retired_at": at, "reason": reason}).Error
	if err != nil {
		return fmt.Errorf("retire lease %d: %w", id, err)
	}
	return nil
}

// Exclusions reports endpoints retired by rotation or reconnect within the
// cooldown window. It satisfies provision.Exclusions.
type Exclusions struct {
	Cooldown time.Duration
	Now      func() time.Time
}

func (e *Exclusions) Excluded(ctx context.Context) (map[string]bool, error) {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	var endpoints []string
	err := DB.WithContext(ctx).Model(&ProxyLease{}).
		Where("reason IN ? AND retired_at >= ?", []string{ReasonRotate, ReasonReconnect}, now.Add(-e.Cooldown)).
		Distinct("endpoint").
		Pluck("endpoint", &endpoints).Error
	if err != nil {
		return nil, fmt.Errorf("load retired endpoints: %w", err)
	}
	out := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		out[ep] = true
	}
	return out, nil
}

// PruneLeases deletes retired leases older than before.
func PruneLeases(before time.Time) (int64, error) {
	res := DB.Where("retired_at IS NOT NULL AND retired_at < ?", before).Delete(&ProxyLease{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RecentLeases returns up to limit leases, newest first.
func RecentLeases(ctx context.Context, limit int) ([]ProxyLease, error) {
	var leases []ProxyLease
	if err := DB.WithContext(ctx).Order("acquired_at DESC, id DESC").Limit(limit).Find(&leases).Error; err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return leases, nil
}
