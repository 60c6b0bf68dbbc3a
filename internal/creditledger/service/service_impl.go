package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credix/internal/clock"
	"github.com/smallbiznis/credix/internal/config"
	creditdomain "github.com/smallbiznis/credix/internal/creditledger/domain"
	obsmetrics "github.com/smallbiznis/credix/internal/observability/metrics"
	"github.com/smallbiznis/credix/internal/orgcontext"
	"github.com/smallbiznis/credix/internal/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// deductAttempts bounds the optimistic retry loop: the initial write plus
// one retry after a re-read.
const deductAttempts = 2

const (
	defaultHistoryLimit = 12
	maxHistoryLimit     = 100
)

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	Store      creditdomain.Store
	Archive    creditdomain.Archive
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log *zap.Logger

	defaultLimit int64
	clock        clock.Clock
	store        creditdomain.Store
	archive      creditdomain.Archive
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		log: p.Log.Named("creditledger.service"),

		defaultLimit: p.Cfg.DefaultCreditLimit,
		clock:        p.Clock,
		store:        p.Store,
		archive:      p.Archive,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) Status(ctx context.Context, req creditdomain.StatusRequest) (creditdomain.StatusResponse, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return creditdomain.StatusResponse{}, err
	}

	record, err := s.ensureCurrent(ctx, orgID)
	if err != nil {
		return creditdomain.StatusResponse{}, err
	}

	return creditdomain.StatusResponse{
		Used:        record.Consumed,
		Remaining:   record.Remaining(),
		Limit:       record.CreditLimit,
		PeriodStart: record.PeriodStart,
		PeriodEnd:   record.PeriodEnd,
		PercentUsed: percentUsed(record.Consumed, record.CreditLimit),
	}, nil
}

func (s *Service) Check(ctx context.Context, req creditdomain.CheckRequest) (creditdomain.CheckResponse, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return creditdomain.CheckResponse{}, err
	}
	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return creditdomain.CheckResponse{}, err
	}

	record, err := s.ensureCurrent(ctx, orgID)
	if err != nil {
		return creditdomain.CheckResponse{}, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCreditCheck(ctx, orgID.String())
	}

	remaining := record.Remaining()
	return creditdomain.CheckResponse{
		HasCredits: remaining >= amount,
		Remaining:  remaining,
		Required:   amount,
	}, nil
}

func (s *Service) Deduct(ctx context.Context, req creditdomain.DeductRequest) (creditdomain.DeductResponse, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return creditdomain.DeductResponse{}, err
	}
	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return creditdomain.DeductResponse{}, err
	}

	for attempt := 0; attempt < deductAttempts; attempt++ {
		record, err := s.ensureCurrent(ctx, orgID)
		if err != nil {
			return creditdomain.DeductResponse{}, err
		}

		// Over-limit deducts are rejected, never clamped; insufficient
		// credits is a routine outcome, not an error.
		if record.Consumed+amount > record.CreditLimit {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordCreditDeduct(ctx, orgID.String(), obsmetrics.OutcomeInsufficient)
			}
			return creditdomain.DeductResponse{
				Success:     false,
				CreditsUsed: record.Consumed,
				Remaining:   record.Remaining(),
			}, nil
		}

		updated, err := s.store.IncrementConsumed(ctx, int64(record.ID), amount, record.Consumed, s.clock.Now().UTC())
		if errors.Is(err, creditdomain.ErrConflict) {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordStoreConflict(ctx, orgID.String(), "deduct")
			}
			continue
		}
		if err != nil {
			return creditdomain.DeductResponse{}, err
		}

		if s.obsMetrics != nil {
			s.obsMetrics.RecordCreditDeduct(ctx, orgID.String(), obsmetrics.OutcomeSuccess)
		}
		return creditdomain.DeductResponse{
			Success:     true,
			CreditsUsed: updated.Consumed,
			Remaining:   updated.Remaining(),
		}, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCreditDeduct(ctx, orgID.String(), obsmetrics.OutcomeConflict)
	}
	s.log.Warn("deduct retry budget exhausted",
		zap.String("org_id", orgID.String()),
		zap.Int64("amount", amount),
	)
	return creditdomain.DeductResponse{}, creditdomain.ErrConflict
}

func (s *Service) History(ctx context.Context, req creditdomain.HistoryRequest) (creditdomain.HistoryResponse, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return creditdomain.HistoryResponse{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := s.archive.List(ctx, int64(orgID), limit)
	if err != nil {
		return creditdomain.HistoryResponse{}, err
	}

	entries := make([]creditdomain.HistoryEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, creditdomain.HistoryEntry{
			Consumed:    record.Consumed,
			Limit:       record.CreditLimit,
			PeriodStart: record.PeriodStart,
			PeriodEnd:   record.PeriodEnd,
			PercentUsed: percentUsed(record.Consumed, record.CreditLimit),
		})
	}
	return creditdomain.HistoryResponse{Entries: entries}, nil
}

// ensureCurrent resolves the organization's active record, creating it with
// the default limit when absent and lazily rolling over a lapsed period.
// Concurrent callers discovering the same expired period race on the
// conditional rollover; losers adopt the winner's fresh record without
// re-archiving.
func (s *Service) ensureCurrent(ctx context.Context, orgID snowflake.ID) (*creditdomain.CreditLedger, error) {
	now := s.clock.Now().UTC()

	record, err := s.store.GetActive(ctx, int64(orgID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		if s.defaultLimit <= 0 {
			return nil, creditdomain.ErrInvalidCreditLimit
		}
		return s.store.CreateIfAbsent(ctx, int64(orgID), s.defaultLimit, now)
	}
	if !record.Expired(now) {
		return record, nil
	}

	// Archive before resetting. The append is idempotent per (org,
	// period_end), so a racing caller archiving the same period is harmless.
	// A failed append never blocks the rollover: the record is the source of
	// truth and the gap is surfaced for out-of-band retry.
	entry := &creditdomain.CreditHistory{
		OrgID:       record.OrgID,
		Consumed:    record.Consumed,
		CreditLimit: record.CreditLimit,
		PeriodStart: record.PeriodStart,
		PeriodEnd:   record.PeriodEnd,
		CreatedAt:   now,
	}
	if err := s.archive.Append(ctx, entry); err != nil {
		s.log.Error("credit history append failed, audit gap",
			zap.String("org_id", orgID.String()),
			zap.Time("period_end", record.PeriodEnd),
			zap.Error(err),
		)
		if s.obsMetrics != nil {
			s.obsMetrics.RecordArchiveFailure(ctx, orgID.String())
		}
	}

	rolled, err := s.store.Rollover(ctx, int64(record.ID), record.PeriodEnd, now, period.AddMonth(now), now)
	if errors.Is(err, creditdomain.ErrConflict) {
		// Another caller rolled the period first; adopt its record.
		current, readErr := s.store.GetActive(ctx, int64(orgID))
		if readErr != nil {
			return nil, readErr
		}
		if current == nil {
			return nil, creditdomain.ErrConflict
		}
		return current, nil
	}
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRollover(ctx, orgID.String())
	}
	s.log.Info("credit period rolled over",
		zap.String("org_id", orgID.String()),
		zap.Time("period_start", rolled.PeriodStart),
		zap.Time("period_end", rolled.PeriodEnd),
	)
	return rolled, nil
}

// resolveOrg prefers the explicit organization ID carried by internal calls
// and falls back to the authenticated org in the request context.
func (s *Service) resolveOrg(ctx context.Context, explicit string) (snowflake.ID, error) {
	if value := strings.TrimSpace(explicit); value != "" {
		id, err := snowflake.ParseString(value)
		if err != nil || id == 0 {
			return 0, creditdomain.ErrInvalidOrganization
		}
		return id, nil
	}
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, creditdomain.ErrInvalidOrganization
	}
	return orgID, nil
}

func normalizeAmount(amount int64) (int64, error) {
	if amount == 0 {
		return 1, nil
	}
	if amount < 0 {
		return 0, creditdomain.ErrInvalidAmount
	}
	return amount, nil
}

func percentUsed(consumed, limit int64) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(consumed) / float64(limit)))
}
