package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/credix/internal/creditledger/domain"
)

type creditStatusResponse struct {
	CreditsUsed      int64     `json:"credits_used"`
	CreditsRemaining int64     `json:"credits_remaining"`
	CreditLimit      int64     `json:"credit_limit"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	PercentUsed      int       `json:"percent_used"`
}

type creditHistoryEntry struct {
	CreditsUsed int64     `json:"credits_used"`
	CreditLimit int64     `json:"credit_limit"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	PercentUsed int       `json:"percent_used"`
}

type creditHistoryResponse struct {
	History []creditHistoryEntry `json:"history"`
}

type creditCheckRequest struct {
	OrganizationID string `json:"organization_id"`
	Amount         int64  `json:"amount"`
}

type creditCheckResponse struct {
	HasCredits bool  `json:"has_credits"`
	Remaining  int64 `json:"remaining"`
	Required   int64 `json:"required"`
}

type creditDeductRequest struct {
	OrganizationID string `json:"organization_id"`
	Amount         int64  `json:"amount"`
}

type creditDeductResponse struct {
	Success     bool  `json:"success"`
	CreditsUsed int64 `json:"credits_used"`
	Remaining   int64 `json:"remaining"`
}

// GetCreditStatus reports the authenticated organization's current period.
func (s *Server) GetCreditStatus(c *gin.Context) {
	status, err := s.creditSvc.Status(c.Request.Context(), creditdomain.StatusRequest{})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, creditStatusResponse{
		CreditsUsed:      status.Used,
		CreditsRemaining: status.Remaining,
		CreditLimit:      status.Limit,
		PeriodStart:      status.PeriodStart,
		PeriodEnd:        status.PeriodEnd,
		PercentUsed:      status.PercentUsed,
	})
}

// ListCreditHistory returns closed periods, most recent first.
func (s *Server) ListCreditHistory(c *gin.Context) {
	limit, err := parseHistoryLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	history, err := s.creditSvc.History(c.Request.Context(), creditdomain.HistoryRequest{Limit: limit})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries := make([]creditHistoryEntry, 0, len(history.Entries))
	for _, entry := range history.Entries {
		entries = append(entries, creditHistoryEntry{
			CreditsUsed: entry.Consumed,
			CreditLimit: entry.Limit,
			PeriodStart: entry.PeriodStart,
			PeriodEnd:   entry.PeriodEnd,
			PercentUsed: entry.PercentUsed,
		})
	}
	c.JSON(http.StatusOK, creditHistoryResponse{History: entries})
}

// CheckCredits answers whether the organization can afford an operation
// without committing anything.
func (s *Server) CheckCredits(c *gin.Context) {
	var req creditCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	check, err := s.creditSvc.Check(c.Request.Context(), creditdomain.CheckRequest{
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, creditCheckResponse{
		HasCredits: check.HasCredits,
		Remaining:  check.Remaining,
		Required:   check.Required,
	})
}

// DeductCredits consumes credits for the named organization. Insufficient
// credits is a successful response with success=false; only an exhausted
// conditional-write budget surfaces as a conflict.
func (s *Server) DeductCredits(c *gin.Context) {
	var req creditDeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.Deduct(c.Request.Context(), creditdomain.DeductRequest{
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, creditDeductResponse{
		Success:     resp.Success,
		CreditsUsed: resp.CreditsUsed,
		Remaining:   resp.Remaining,
	})
}

func parseHistoryLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, creditdomain.ErrInvalidAmount
	}
	return limit, nil
}
