package domain

import (
	"context"
	"errors"
	"time"
)

type StatusRequest struct {
	OrganizationID string `json:"organization_id"`
}

type StatusResponse struct {
	Used        int64     `json:"used"`
	Remaining   int64     `json:"remaining"`
	Limit       int64     `json:"limit"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	PercentUsed int       `json:"percent_used"`
}

type CheckRequest struct {
	OrganizationID string `json:"organization_id"`
	Amount         int64  `json:"amount"`
}

type CheckResponse struct {
	HasCredits bool  `json:"has_credits"`
	Remaining  int64 `json:"remaining"`
	Required   int64 `json:"required"`
}

type DeductRequest struct {
	OrganizationID string `json:"organization_id"`
	Amount         int64  `json:"amount"`
}

type DeductResponse struct {
	Success     bool  `json:"success"`
	CreditsUsed int64 `json:"credits_used"`
	Remaining   int64 `json:"remaining"`
}

type HistoryRequest struct {
	OrganizationID string `json:"organization_id"`
	Limit          int    `json:"limit"`
}

type HistoryEntry struct {
	Consumed    int64     `json:"consumed"`
	Limit       int64     `json:"limit"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	PercentUsed int       `json:"percent_used"`
}

type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// Service is the credit ledger orchestration contract. Every operation
// resolves the organization's active record first, creating it with the
// default limit when absent and lazily rolling over an expired period.
type Service interface {
	Status(context.Context, StatusRequest) (StatusResponse, error)
	Check(context.Context, CheckRequest) (CheckResponse, error)
	Deduct(context.Context, DeductRequest) (DeductResponse, error)
	History(context.Context, HistoryRequest) (HistoryResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCreditLimit  = errors.New("invalid_credit_limit")

	// ErrConflict reports an optimistic-concurrency collision that survived
	// the bounded retry budget; callers should resubmit the operation.
	ErrConflict = errors.New("credit_ledger_conflict")
)
