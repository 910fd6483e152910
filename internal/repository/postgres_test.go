package repository

import (
	"context"
	"testing"
	"time"

	"threatgate/internal/models"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("threatgate"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	m, err := migrate.New("file://../../cmd/server/migrations", connStr)
	if err != nil {
		t.Fatalf("failed to init migrate: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("failed to run migrations: %v", err)
	}

	repo, err := NewPostgresRepository(connStr)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	t.Run("BlockLifecycle", func(t *testing.T) {
		expires := time.Now().UTC().Add(time.Hour)
		entry := models.BlockEntry{
			ClientIDHash: "hash-block-1",
			Reason:       "threat score 85",
			CreatedAt:    time.Now().UTC(),
			ExpiresAt:    &expires,
			LedgerSynced: false,
		}

		if err := repo.UpsertBlock(entry); err != nil {
			t.Fatalf("UpsertBlock failed: %v", err)
		}

		blocked, err := repo.IsBlockedLocally("hash-block-1")
		if err != nil || !blocked {
			t.Errorf("expected hash-block-1 to be blocked, got blocked=%v err=%v", blocked, err)
		}

		got, err := repo.GetBlock("hash-block-1")
		if err != nil {
			t.Fatalf("GetBlock failed: %v", err)
		}
		if got.Reason != entry.Reason {
			t.Errorf("expected reason %q, got %q", entry.Reason, got.Reason)
		}

		// Re-blocking the same client refreshes instead of failing.
		entry.Reason = "manual override"
		entry.IsManual = true
		if err := repo.UpsertBlock(entry); err != nil {
			t.Fatalf("UpsertBlock on conflict failed: %v", err)
		}
		got, _ = repo.GetBlock("hash-block-1")
		if !got.IsManual || got.Reason != "manual override" {
			t.Errorf("conflict update not applied: %+v", got)
		}

		if err := repo.DeleteBlock("hash-block-1"); err != nil {
			t.Fatalf("DeleteBlock failed: %v", err)
		}
		blocked, _ = repo.IsBlockedLocally("hash-block-1")
		if blocked {
			t.Error("expected block to be gone after delete")
		}
	})

	t.Run("ExpiredBlocksAreInactive", func(t *testing.T) {
		past := time.Now().UTC().Add(-time.Hour)
		if err := repo.UpsertBlock(models.BlockEntry{
			ClientIDHash: "hash-expired",
			CreatedAt:    time.Now().UTC().Add(-2 * time.Hour),
			ExpiresAt:    &past,
		}); err != nil {
			t.Fatalf("UpsertBlock failed: %v", err)
		}

		blocked, _ := repo.IsBlockedLocally("hash-expired")
		if blocked {
			t.Error("expired block must not count as active")
		}

		deleted, err := repo.DeleteExpiredBlocks()
		if err != nil {
			t.Fatalf("DeleteExpiredBlocks failed: %v", err)
		}
		if deleted < 1 {
			t.Errorf("expected at least one expired block deleted, got %d", deleted)
		}
	})

	t.Run("UnsyncedBlocksResync", func(t *testing.T) {
		future := time.Now().UTC().Add(time.Hour)
		if err := repo.UpsertBlock(models.BlockEntry{
			ClientIDHash: "hash-unsynced",
			CreatedAt:    time.Now().UTC(),
			ExpiresAt:    &future,
			LedgerSynced: false,
		}); err != nil {
			t.Fatalf("UpsertBlock failed: %v", err)
		}

		unsynced, err := repo.ListUnsyncedBlocks(10)
		if err != nil {
			t.Fatalf("ListUnsyncedBlocks failed: %v", err)
		}
		found := false
		for _, b := range unsynced {
			if b.ClientIDHash == "hash-unsynced" {
				found = true
			}
		}
		if !found {
			t.Fatal("expected hash-unsynced in the resync backlog")
		}

		if err := repo.MarkBlockSynced("hash-unsynced", "0xresync"); err != nil {
			t.Fatalf("MarkBlockSynced failed: %v", err)
		}
		got, _ := repo.GetBlock("hash-unsynced")
		if !got.LedgerSynced || got.LedgerTxRef == nil || *got.LedgerTxRef != "0xresync" {
			t.Errorf("expected synced block with tx ref, got %+v", got)
		}
	})

	t.Run("SecurityLogAndStatistics", func(t *testing.T) {
		entries := []models.SecurityLogEntry{
			{Timestamp: time.Now().UTC(), ClientID: "10.0.0.1", Endpoint: "/login", Method: "POST", ThreatScore: 72, ThreatLevel: models.ThreatLevelHigh, ActionTaken: models.ActionBlocked, LedgerTxRef: "0xaudit"},
			{Timestamp: time.Now().UTC(), ClientID: "10.0.0.1", Endpoint: "/login", Method: "POST", ThreatScore: 45, ThreatLevel: models.ThreatLevelMedium, ActionTaken: models.ActionCaptcha},
			{Timestamp: time.Now().UTC(), ClientID: "10.0.0.2", Endpoint: "/home", Method: "GET", ThreatScore: 5, ThreatLevel: models.ThreatLevelLow, ActionTaken: models.ActionAllowed},
		}
		for _, e := range entries {
			if err := repo.AppendSecurityLog(e); err != nil {
				t.Fatalf("AppendSecurityLog failed: %v", err)
			}
		}

		stats, err := repo.GetStatistics(24)
		if err != nil {
			t.Fatalf("GetStatistics failed: %v", err)
		}
		if stats.TotalRequests < 3 {
			t.Errorf("expected at least 3 logged requests, got %d", stats.TotalRequests)
		}
		if stats.ByAction[models.ActionBlocked] < 1 {
			t.Errorf("expected blocked action counted, got %+v", stats.ByAction)
		}
		if stats.ByLevel[models.ThreatLevelHigh] < 1 {
			t.Errorf("expected high level counted, got %+v", stats.ByLevel)
		}
	})

	t.Run("AttackPatternSync", func(t *testing.T) {
		rec := models.CoordinatedAttackRecord{
			SignatureHash: "sig-abc",
			PatternJSON:   `{"endpoint":"login","method":"POST"}`,
			ClientCount:   120,
			RequestCount:  900,
			Severity:      8,
			DetectedAt:    time.Now().UTC(),
		}
		if err := repo.InsertAttackPattern(rec); err != nil {
			t.Fatalf("InsertAttackPattern failed: %v", err)
		}

		got, err := repo.GetAttackPattern("sig-abc")
		if err != nil {
			t.Fatalf("GetAttackPattern failed: %v", err)
		}
		if got.Severity != 8 || got.ClientCount != 120 {
			t.Errorf("unexpected pattern record: %+v", got)
		}

		unsynced, err := repo.ListUnsyncedAttackPatterns(10)
		if err != nil || len(unsynced) == 0 {
			t.Fatalf("expected unsynced patterns, got %d err=%v", len(unsynced), err)
		}

		if err := repo.MarkAttackPatternSynced("sig-abc", "0xsig"); err != nil {
			t.Fatalf("MarkAttackPatternSynced failed: %v", err)
		}
		got, _ = repo.GetAttackPattern("sig-abc")
		if !got.LedgerSynced || got.LedgerTxRef != "0xsig" {
			t.Errorf("expected synced pattern with tx ref, got %+v", got)
		}
	})
}
