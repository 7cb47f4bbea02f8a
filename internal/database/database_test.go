package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/claworc/chat-bridge/internal/config"
)

// SetupTestDB initializes a test database in a temp dir.
func SetupTestDB(t *testing.T) func() {
	t.Helper()

	config.Cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	if err := Init(); err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	return func() { Close() }
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestLedger_AcquireAndRetire(t *testing.T) {
	cleanup := SetupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l := &Ledger{Now: fixedNow(now)}

	id, err := l.Acquired("you", "10.0.0.1:8080")
	if err != nil {
		t.Fatalf("Acquired: %v", err)
	}
	if id == 0 {
		t.Fatal("lease ID not assigned")
	}

	if err := l.Retired(id, ReasonRotate); err != nil {
		t.Fatalf("Retired: %v", err)
	}

	var lease ProxyLease
	if err := DB.First(&lease, id).Error; err != nil {
		t.Fatalf("load lease: %v", err)
	}
	if lease.RetiredAt == nil || lease.Reason != ReasonRotate {
		t.Fatalf("lease not retired: %+v", lease)
	}

	// A second retirement keeps the first reason.
	if err := l.Retired(id, ReasonShutdown); err != nil {
		t.Fatalf("Retired again: %v", err)
	}
	DB.First(&lease, id)
	if lease.Reason != ReasonRotate {
		t.Errorf("Reason = %q after second retire, want %q", lease.Reason, ReasonRotate)
	}
}

func TestExclusions_OnlyRecentBans(t *testing.T) {
	cleanup := SetupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	old := &Ledger{Now: fixedNow(now.Add(-10 * time.Hour))}
	recent := &Ledger{Now: fixedNow(now.Add(-time.Hour))}

	id, _ := old.Acquired("you", "10.0.0.1:8080")
	old.Retired(id, ReasonRotate)

	id, _ = recent.Acquired("me", "10.0.0.2:3128")
	recent.Retired(id, ReasonReconnect)

	id, _ = recent.Acquired("me", "10.0.0.3:80")
	recent.Retired(id, ReasonShutdown)

	recent.Acquired("you", "10.0.0.4:80") // still active

	ex := &Exclusions{Cooldown: 6 * time.Hour, Now: fixedNow(now)}
	got, err := ex.Excluded(context.Background())
	if err != nil {
		t.Fatalf("Excluded: %v", err)
	}
	if len(got) != 1 || !got["10.0.0.2:3128"] {
		t.Fatalf("Excluded = %v, want only 10.0.0.2:3128", got)
	}
}

func TestPruneLeases(t *testing.T) {
	cleanup := SetupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	l := &Ledger{Now: fixedNow(now.Add(-48 * time.Hour))}
	id, _ := l.Acquired("you", "10.0.0.1:8080")
	l.Retired(id, ReasonRotate)
	l.Acquired("you", "10.0.0.2:8080")

	n, err := PruneLeases(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	var count int64
	DB.Model(&ProxyLease{}).Count(&count)
	if count != 1 {
		t.Fatalf("remaining leases = %d, want 1", count)
	}
}

func TestNewPruner_RejectsBadSpec(t *testing.T) {
	if _, err := NewPruner("not a schedule", time.Hour); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestNewPruner_Schedules(t *testing.T) {
	c, err := NewPruner("@every 1h", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewPruner: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("entries = %d", len(c.Entries()))
	}
}

func TestRecentLeases_NewestFirst(t *testing.T) {
	cleanup := SetupTestDB(t)
	defer cleanup()

	base := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	for i, ep := range []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"} {
		l := &Ledger{Now: fixedNow(base.Add(time.Duration(i) * time.Minute))}
		if _, err := l.Acquired("me", ep); err != nil {
			t.Fatalf("Acquired: %v", err)
		}
	}

	leases, err := RecentLeases(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentLeases: %v", err)
	}
	if len(leases) != 2 || leases[0].Endpoint != "10.0.0.3:80" || leases[1].Endpoint != "10.0.0.2:80" {
		t.Fatalf("leases = %+v", leases)
	}
}
