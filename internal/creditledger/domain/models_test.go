package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRemainingFloorsAtZero(t *testing.T) {
	record := CreditLedger{Consumed: 100, CreditLimit: 3000}
	require.Equal(t, int64(2900), record.Remaining())

	record.Consumed = 3000
	require.Equal(t, int64(0), record.Remaining())

	// A limit lowered below existing consumption must not report negative.
	record.CreditLimit = 2000
	require.Equal(t, int64(0), record.Remaining())
}

func TestExpiredIsInclusiveOfPeriodEnd(t *testing.T) {
	end := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	record := CreditLedger{PeriodEnd: end}

	require.False(t, record.Expired(end.Add(-time.Nanosecond)))
	require.True(t, record.Expired(end))
	require.True(t, record.Expired(end.Add(time.Hour)))
}
