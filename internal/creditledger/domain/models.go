// Package domain contains persistence models for the organization credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditLedger is the single mutable current-period record for an
// organization. Exactly one row exists per org; rollover reuses the row.
type CreditLedger struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_ledgers_org"`
	Consumed    int64        `gorm:"not null;default:0"`
	CreditLimit int64        `gorm:"not null"`
	PeriodStart time.Time    `gorm:"not null"`
	PeriodEnd   time.Time    `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditLedger) TableName() string { return "credit_ledgers" }

// Remaining returns the credits still consumable this period.
func (l CreditLedger) Remaining() int64 {
	remaining := l.CreditLimit - l.Consumed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the current period has lapsed at the given instant.
func (l CreditLedger) Expired(now time.Time) bool {
	return !now.Before(l.PeriodEnd)
}

// CreditHistory is a frozen snapshot of a closed period, appended exactly
// once per (org, period_end) at rollover.
type CreditHistory struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_histories_org_period,priority:1"`
	Consumed    int64        `gorm:"not null"`
	CreditLimit int64        `gorm:"not null"`
	PeriodStart time.Time    `gorm:"not null"`
	PeriodEnd   time.Time    `gorm:"not null;uniqueIndex:ux_credit_histories_org_period,priority:2"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditHistory) TableName() string { return "credit_histories" }
