package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credix/internal/clock"
	"github.com/smallbiznis/credix/internal/config"
	creditdomain "github.com/smallbiznis/credix/internal/creditledger/domain"
	"github.com/smallbiznis/credix/internal/creditledger/repository"
	"github.com/smallbiznis/credix/internal/orgcontext"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestStatusNewOrganizationDefaults(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 3000)
	orgID := node.Generate()

	status, err := svc.Status(context.Background(), creditdomain.StatusRequest{OrganizationID: orgID.String()})
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if status.Used != 0 || status.Remaining != 3000 || status.Limit != 3000 || status.PercentUsed != 0 {
		t.Fatalf("unexpected status for new org: %+v", status)
	}
	wantEnd := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	if !status.PeriodStart.Equal(fc.Now()) || !status.PeriodEnd.Equal(wantEnd) {
		t.Fatalf("unexpected period bounds: start=%v end=%v", status.PeriodStart, status.PeriodEnd)
	}
	if count := countLedgers(t, db, orgID); count != 1 {
		t.Fatalf("expected 1 ledger record, got %d", count)
	}
}

func TestDeductInsufficientCredits(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 3000)
	orgID := node.Generate()
	ctx := context.Background()

	mustStatus(t, svc, orgID)
	setConsumed(t, db, orgID, 2999)

	resp, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 2})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected insufficient credits, got success: %+v", resp)
	}
	if resp.CreditsUsed != 2999 || resp.Remaining != 1 {
		t.Fatalf("unexpected rejection payload: %+v", resp)
	}
	if got := consumedOf(t, db, orgID); got != 2999 {
		t.Fatalf("rejected deduct mutated consumed: %d", got)
	}
}

func TestDeductBoundary(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 10)
	orgID := node.Generate()
	ctx := context.Background()

	mustStatus(t, svc, orgID)
	setConsumed(t, db, orgID, 7)

	// Exactly the remaining amount drains to zero.
	resp, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 3})
	if err != nil {
		t.Fatalf("deduct remaining: %v", err)
	}
	if !resp.Success || resp.CreditsUsed != 10 || resp.Remaining != 0 {
		t.Fatalf("unexpected boundary deduct: %+v", resp)
	}

	// One more is rejected without mutation.
	resp, err = svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 1})
	if err != nil {
		t.Fatalf("deduct past limit: %v", err)
	}
	if resp.Success || resp.CreditsUsed != 10 || resp.Remaining != 0 {
		t.Fatalf("expected rejection at zero remaining: %+v", resp)
	}
}

func TestStatusReflectsDeductWithoutRollover(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 3000)
	orgID := node.Generate()
	ctx := context.Background()

	mustStatus(t, svc, orgID)

	resp, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 5})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if !resp.Success || resp.CreditsUsed != 5 {
		t.Fatalf("unexpected deduct: %+v", resp)
	}

	status, err := svc.Status(ctx, creditdomain.StatusRequest{OrganizationID: orgID.String()})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Used != 5 || status.Remaining != 2995 {
		t.Fatalf("status does not reflect deduct: %+v", status)
	}
	if count := countHistories(t, db, orgID); count != 0 {
		t.Fatalf("unexpected history entries without rollover: %d", count)
	}
}

func TestCheckIsReadOnly(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 100)
	orgID := node.Generate()
	ctx := context.Background()

	mustStatus(t, svc, orgID)
	setConsumed(t, db, orgID, 99)

	check, err := svc.Check(ctx, creditdomain.CheckRequest{OrganizationID: orgID.String(), Amount: 1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.HasCredits || check.Remaining != 1 || check.Required != 1 {
		t.Fatalf("unexpected check: %+v", check)
	}

	check, err = svc.Check(ctx, creditdomain.CheckRequest{OrganizationID: orgID.String(), Amount: 2})
	if err != nil {
		t.Fatalf("check over remaining: %v", err)
	}
	if check.HasCredits {
		t.Fatalf("expected hasCredits=false: %+v", check)
	}

	if got := consumedOf(t, db, orgID); got != 99 {
		t.Fatalf("check mutated consumed: %d", got)
	}
}

func TestLazyRolloverArchivesClosedPeriod(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 3000)
	orgID := node.Generate()
	ctx := context.Background()

	first := mustStatus(t, svc, orgID)
	if _, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 42}); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	fc.Set(first.PeriodEnd.Add(time.Hour))

	status, err := svc.Status(ctx, creditdomain.StatusRequest{OrganizationID: orgID.String()})
	if err != nil {
		t.Fatalf("status after lapse: %v", err)
	}
	if status.Used != 0 || status.PercentUsed != 0 {
		t.Fatalf("expected fresh period, got %+v", status)
	}
	if !status.PeriodStart.After(first.PeriodStart) || !status.PeriodEnd.After(first.PeriodEnd) {
		t.Fatalf("period did not advance: %+v", status)
	}

	history, err := svc.History(ctx, creditdomain.HistoryRequest{OrganizationID: orgID.String()})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Entries) != 1 {
		t.Fatalf("expected exactly 1 history entry, got %d", len(history.Entries))
	}
	entry := history.Entries[0]
	if entry.Consumed != 42 || entry.Limit != 3000 || entry.PercentUsed != 1 {
		t.Fatalf("unexpected archived entry: %+v", entry)
	}
	if !entry.PeriodStart.Equal(first.PeriodStart) || !entry.PeriodEnd.Equal(first.PeriodEnd) {
		t.Fatalf("archived bounds mismatch: %+v vs %+v", entry, first)
	}

	// A second status call must not archive again.
	if _, err := svc.Status(ctx, creditdomain.StatusRequest{OrganizationID: orgID.String()}); err != nil {
		t.Fatalf("second status: %v", err)
	}
	if count := countHistories(t, db, orgID); count != 1 {
		t.Fatalf("rollover archived twice: %d entries", count)
	}
}

func TestConcurrentRolloverArchivesOnce(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 3000)
	orgID := node.Generate()
	ctx := context.Background()

	first := mustStatus(t, svc, orgID)
	fc.Set(first.PeriodEnd.Add(time.Minute))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Status(ctx, creditdomain.StatusRequest{OrganizationID: orgID.String()})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent status: %v", err)
		}
	}
	if count := countHistories(t, db, orgID); count != 1 {
		t.Fatalf("expected exactly 1 archived period, got %d", count)
	}
	if count := countLedgers(t, db, orgID); count != 1 {
		t.Fatalf("expected single active record, got %d", count)
	}
}

func TestConcurrentDeductsNeverExceedLimit(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 10)
	orgID := node.Generate()
	ctx := context.Background()

	mustStatus(t, svc, orgID)

	type outcome struct {
		success bool
		err     error
	}
	results := make(chan outcome, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 1})
			results <- outcome{success: err == nil && resp.Success, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for res := range results {
		if res.err != nil {
			if !errors.Is(res.err, creditdomain.ErrConflict) {
				t.Fatalf("unexpected deduct error: %v", res.err)
			}
			conflicts++
			continue
		}
		if res.success {
			successes++
		}
	}

	final := consumedOf(t, db, orgID)
	if final > 10 {
		t.Fatalf("consumed exceeded limit: %d", final)
	}
	if int64(successes) != final {
		t.Fatalf("successful deducts (%d) do not match consumed (%d)", successes, final)
	}
}

func TestConcurrentDeductsOnLastCredit(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, db, node := setupService(t, fc, 3000)
	orgID := node.Generate()
	ctx := context.Background()

	mustStatus(t, svc, orgID)
	setConsumed(t, db, orgID, 2999)

	var wg sync.WaitGroup
	results := make(chan creditdomain.DeductResponse, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 1})
			if err != nil {
				t.Errorf("deduct: %v", err)
				return
			}
			results <- resp
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for resp := range results {
		if resp.Success {
			wins++
		} else {
			losses++
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}
	if final := consumedOf(t, db, orgID); final != 3000 {
		t.Fatalf("expected consumed=3000, got %d", final)
	}
}

func TestDeductValidation(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, _, node := setupService(t, fc, 3000)
	orgID := node.Generate()
	ctx := context.Background()

	if _, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: -1}); !errors.Is(err, creditdomain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: "not-a-snowflake"}); !errors.Is(err, creditdomain.ErrInvalidOrganization) {
		t.Fatalf("expected ErrInvalidOrganization, got %v", err)
	}

	// Zero defaults to a single credit.
	resp, err := svc.Deduct(ctx, creditdomain.DeductRequest{OrganizationID: orgID.String()})
	if err != nil {
		t.Fatalf("deduct default amount: %v", err)
	}
	if !resp.Success || resp.CreditsUsed != 1 {
		t.Fatalf("expected default amount of 1: %+v", resp)
	}
}

func TestOrgResolvedFromContext(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc, _, node := setupService(t, fc, 3000)
	orgID := node.Generate()

	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))
	status, err := svc.Status(ctx, creditdomain.StatusRequest{})
	if err != nil {
		t.Fatalf("status via context org: %v", err)
	}
	if status.Limit != 3000 {
		t.Fatalf("unexpected status: %+v", status)
	}

	if _, err := svc.Status(context.Background(), creditdomain.StatusRequest{}); !errors.Is(err, creditdomain.ErrInvalidOrganization) {
		t.Fatalf("expected ErrInvalidOrganization without org, got %v", err)
	}
}

func TestDeductSurfacesConflictAfterRetries(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	node := mustNode(t)
	orgID := node.Generate()

	store := &conflictingStore{record: &creditdomain.CreditLedger{
		ID:          node.Generate(),
		OrgID:       orgID,
		Consumed:    0,
		CreditLimit: 3000,
		PeriodStart: fc.Now(),
		PeriodEnd:   fc.Now().AddDate(0, 1, 0),
	}}

	svc := NewService(ServiceParam{
		Log:     zap.NewNop(),
		Cfg:     config.Config{DefaultCreditLimit: 3000},
		Clock:   fc,
		Store:   store,
		Archive: &nopArchive{},
	})

	_, err := svc.Deduct(context.Background(), creditdomain.DeductRequest{OrganizationID: orgID.String(), Amount: 1})
	if !errors.Is(err, creditdomain.ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausted retries, got %v", err)
	}
	if store.increments != 2 {
		t.Fatalf("expected exactly 2 conditional write attempts, got %d", store.increments)
	}
}

type conflictingStore struct {
	mu         sync.Mutex
	record     *creditdomain.CreditLedger
	increments int
}

func (s *conflictingStore) GetActive(ctx context.Context, orgID int64) (*creditdomain.CreditLedger, error) {
	copy := *s.record
	return &copy, nil
}

func (s *conflictingStore) CreateIfAbsent(ctx context.Context, orgID, limit int64, now time.Time) (*creditdomain.CreditLedger, error) {
	copy := *s.record
	return &copy, nil
}

func (s *conflictingStore) IncrementConsumed(ctx context.Context, id int64, amount, expectedConsumed int64, now time.Time) (*creditdomain.CreditLedger, error) {
	s.mu.Lock()
	s.increments++
	s.mu.Unlock()
	return nil, creditdomain.ErrConflict
}

func (s *conflictingStore) Rollover(ctx context.Context, id int64, expectedPeriodEnd, newStart, newEnd, now time.Time) (*creditdomain.CreditLedger, error) {
	return nil, creditdomain.ErrConflict
}

type nopArchive struct{}

func (nopArchive) Append(ctx context.Context, entry *creditdomain.CreditHistory) error {
	return nil
}

func (nopArchive) List(ctx context.Context, orgID int64, limit int) ([]creditdomain.CreditHistory, error) {
	return nil, nil
}

func setupService(t *testing.T, fc *clock.FakeClock, limit int64) (creditdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	node := mustNode(t)
	db := openTestDB(t)
	prepareCreditSchema(t, db)

	svc := NewService(ServiceParam{
		Log:     zap.NewNop(),
		Cfg:     config.Config{DefaultCreditLimit: limit},
		Clock:   fc,
		Store:   repository.ProvideStore(db, node),
		Archive: repository.ProvideArchive(db, node),
	})
	return svc, db, node
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

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
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	return db
}

func prepareCreditSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := db.Exec(`CREATE TABLE credit_ledgers (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		consumed BIGINT NOT NULL DEFAULT 0,
		credit_limit BIGINT NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create credit_ledgers: %v", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX ux_credit_ledgers_org
		ON credit_ledgers (org_id)`).Error; err != nil {
		t.Fatalf("create ledger org index: %v", err)
	}
	if err := db.Exec(`CREATE TABLE credit_histories (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		consumed BIGINT NOT NULL,
		credit_limit BIGINT NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create credit_histories: %v", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX ux_credit_histories_org_period
		ON credit_histories (org_id, period_end)`).Error; err != nil {
		t.Fatalf("create history period index: %v", err)
	}
}

func mustStatus(t *testing.T, svc creditdomain.Service, orgID snowflake.ID) creditdomain.StatusResponse {
	t.Helper()
	status, err := svc.Status(context.Background(), creditdomain.StatusRequest{OrganizationID: orgID.String()})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return status
}

func setConsumed(t *testing.T, db *gorm.DB, orgID snowflake.ID, consumed int64) {
	t.Helper()
	if err := db.Exec(
		`UPDATE credit_ledgers SET consumed = ? WHERE org_id = ?`,
		consumed,
		orgID,
	).Error; err != nil {
		t.Fatalf("set consumed: %v", err)
	}
}

func consumedOf(t *testing.T, db *gorm.DB, orgID snowflake.ID) int64 {
	t.Helper()
	var consumed int64
	if err := db.Raw(
		`SELECT consumed FROM credit_ledgers WHERE org_id = ?`,
		orgID,
	).Scan(&consumed).Error; err != nil {
		t.Fatalf("read consumed: %v", err)
	}
	return consumed
}

func countLedgers(t *testing.T, db *gorm.DB, orgID snowflake.ID) int {
	t.Helper()
	var count int
	if err := db.Raw(
		`SELECT COUNT(1) FROM credit_ledgers WHERE org_id = ?`,
		orgID,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count ledgers: %v", err)
	}
	return count
}

func countHistories(t *testing.T, db *gorm.DB, orgID snowflake.ID) int {
	t.Helper()
	var count int
	if err := db.Raw(
		`SELECT COUNT(1) FROM credit_histories WHERE org_id = ?`,
		orgID,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count histories: %v", err)
	}
	return count
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
