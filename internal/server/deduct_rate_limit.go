package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/credix/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/credix/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	rateLimitReasonOrgRate        = "org-rate"
	rateLimitReasonOrgConcurrency = "org-concurrency"
)

type deductRateLimitKey struct {
	OrganizationID string `json:"organization_id"`
}

// DeductRateLimit gates the deduct endpoint per organization with a token
// bucket plus a short concurrency lock, mirroring the guard on the store's
// conditional-write path. Disabled limiters pass everything through.
func (s *Server) DeductRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deductLimiter == nil || !s.deductLimiter.Enabled() {
			c.Next()
			return
		}

		orgID, err := readDeductOrgID(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if orgID == "" {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		endpoint := c.FullPath()
		ctx := c.Request.Context()

		result, err := s.deductLimiter.AllowOrg(ctx, orgID)
		if err != nil {
			logger.FromContext(ctx).Warn("deduct org rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyDeductRateLimit(c, endpoint, orgID, rateLimitReasonOrgRate, s.obsMetrics)
			return
		}

		lockToken, acquired, err := s.deductLimiter.TryLockOrg(ctx, orgID)
		if err != nil {
			logger.FromContext(ctx).Warn("deduct concurrency lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !acquired {
			denyDeductRateLimit(c, endpoint, orgID, rateLimitReasonOrgConcurrency, s.obsMetrics)
			return
		}
		defer func() {
			if err := s.deductLimiter.ReleaseOrg(ctx, orgID, lockToken); err != nil {
				logger.FromContext(ctx).Warn("deduct concurrency unlock failed", zap.Error(err))
			}
		}()

		recordRateLimitAllowed(ctx, endpoint, orgID, s.obsMetrics)
		c.Next()
	}
}

func denyDeductRateLimit(c *gin.Context, endpoint, orgID, reason string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("deduct rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, orgID, reason, metrics)

	c.Header("Retry-After", "1")
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint, orgID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, orgID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, orgID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, orgID, endpoint, reason)
}

// readDeductOrgID peeks at the request body for the organization without
// consuming it for the handler.
func readDeductOrgID(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload deductRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.OrganizationID), nil
}
