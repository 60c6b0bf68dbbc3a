package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/credix/internal/creditledger/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestCreateIfAbsentIsIdempotent(t *testing.T) {
	store, node, _ := setupStore(t)
	ctx := context.Background()
	orgID := int64(node.Generate())
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	first, err := store.CreateIfAbsent(ctx, orgID, 3000, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Consumed != 0 || first.CreditLimit != 3000 {
		t.Fatalf("unexpected record: %+v", first)
	}
	if !first.PeriodStart.Equal(now) {
		t.Fatalf("unexpected period start: %v", first.PeriodStart)
	}
	wantEnd := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	if !first.PeriodEnd.Equal(wantEnd) {
		t.Fatalf("unexpected period end: %v", first.PeriodEnd)
	}

	second, err := store.CreateIfAbsent(ctx, orgID, 9999, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID || second.CreditLimit != 3000 {
		t.Fatalf("second create did not return existing record: %+v", second)
	}
}

func TestCreateIfAbsentUnderConcurrency(t *testing.T) {
	store, node, _ := setupStore(t)
	ctx := context.Background()
	orgID := int64(node.Generate())
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	ids := make(chan snowflake.ID, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := store.CreateIfAbsent(ctx, orgID, 3000, now)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- record.ID
		}()
	}
	wg.Wait()
	close(ids)

	var want snowflake.ID
	for id := range ids {
		if want == 0 {
			want = id
			continue
		}
		if id != want {
			t.Fatalf("concurrent creates produced distinct records: %v vs %v", want, id)
		}
	}
}

func TestIncrementConsumedConflictsOnStaleRead(t *testing.T) {
	store, node, _ := setupStore(t)
	ctx := context.Background()
	orgID := int64(node.Generate())
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	record, err := store.CreateIfAbsent(ctx, orgID, 3000, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.IncrementConsumed(ctx, int64(record.ID), 5, 0, now)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if updated.Consumed != 5 {
		t.Fatalf("unexpected consumed: %d", updated.Consumed)
	}

	// A writer holding the pre-increment snapshot must lose.
	if _, err := store.IncrementConsumed(ctx, int64(record.ID), 5, 0, now); !errors.Is(err, creditdomain.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale expected value, got %v", err)
	}

	final, err := store.GetActive(ctx, orgID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Consumed != 5 {
		t.Fatalf("losing write mutated the record: %d", final.Consumed)
	}
}

func TestRolloverConflictsOnAdvancedPeriod(t *testing.T) {
	store, node, _ := setupStore(t)
	ctx := context.Background()
	orgID := int64(node.Generate())
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	record, err := store.CreateIfAbsent(ctx, orgID, 3000, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.IncrementConsumed(ctx, int64(record.ID), 100, 0, now); err != nil {
		t.Fatalf("increment: %v", err)
	}

	later := record.PeriodEnd.Add(time.Hour)
	newEnd := time.Date(2024, time.August, 1, 1, 0, 0, 0, time.UTC)

	rolled, err := store.Rollover(ctx, int64(record.ID), record.PeriodEnd, later, newEnd, later)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if rolled.Consumed != 0 {
		t.Fatalf("rollover did not reset consumed: %d", rolled.Consumed)
	}
	if !rolled.PeriodStart.Equal(later) || !rolled.PeriodEnd.Equal(newEnd) {
		t.Fatalf("rollover period bounds wrong: %+v", rolled)
	}

	// A second rollover against the already-closed period must conflict.
	if _, err := store.Rollover(ctx, int64(record.ID), record.PeriodEnd, later, newEnd, later); !errors.Is(err, creditdomain.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale period end, got %v", err)
	}
}

func TestGetActiveReturnsNilWhenAbsent(t *testing.T) {
	store, node, _ := setupStore(t)

	record, err := store.GetActive(context.Background(), int64(node.Generate()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil for unknown org, got %+v", record)
	}
}

func TestArchiveAppendIsIdempotentPerPeriod(t *testing.T) {
	_, node, db := setupStore(t)
	archive := ProvideArchive(db, node)
	ctx := context.Background()
	orgID := node.Generate()

	entry := &creditdomain.CreditHistory{
		OrgID:       orgID,
		Consumed:    250,
		CreditLimit: 3000,
		PeriodStart: time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:   time.Date(2024, time.June, 1, 0, 0, 1, 0, time.UTC),
	}
	if err := archive.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Replays of the same closed period are dropped silently.
	replay := *entry
	replay.ID = 0
	replay.Consumed = 999
	if err := archive.Append(ctx, &replay); err != nil {
		t.Fatalf("replay append: %v", err)
	}

	entries, err := archive.List(ctx, int64(orgID), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Consumed != 250 {
		t.Fatalf("replay overwrote original entry: %+v", entries[0])
	}
}

func TestArchiveListOrdersByPeriodEndDesc(t *testing.T) {
	_, node, db := setupStore(t)
	archive := ProvideArchive(db, node)
	ctx := context.Background()
	orgID := node.Generate()

	starts := []time.Time{
		time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
	}
	for i, start := range starts {
		err := archive.Append(ctx, &creditdomain.CreditHistory{
			OrgID:       orgID,
			Consumed:    int64(i + 1),
			CreditLimit: 3000,
			PeriodStart: start,
			PeriodEnd:   start.AddDate(0, 1, 0),
			CreatedAt:   start.AddDate(0, 1, 0),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := archive.List(ctx, int64(orgID), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].PeriodEnd.After(entries[1].PeriodEnd) {
		t.Fatalf("entries not ordered by period_end desc: %v then %v", entries[0].PeriodEnd, entries[1].PeriodEnd)
	}
	if entries[0].Consumed != 3 {
		t.Fatalf("expected most recent period first, got %+v", entries[0])
	}
}

func setupStore(t *testing.T) (creditdomain.Store, *snowflake.Node, *gorm.DB) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	statements := []string{
		`CREATE TABLE credit_ledgers (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			consumed BIGINT NOT NULL DEFAULT 0,
			credit_limit BIGINT NOT NULL,
			period_start DATETIME NOT NULL,
			period_end DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_credit_ledgers_org ON credit_ledgers (org_id)`,
		`CREATE TABLE credit_histories (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			consumed BIGINT NOT NULL,
			credit_limit BIGINT NOT NULL,
			period_start DATETIME NOT NULL,
			period_end DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_credit_histories_org_period ON credit_histories (org_id, period_end)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema: %v", err)
		}
	}

	return ProvideStore(db, node), node, db
}
