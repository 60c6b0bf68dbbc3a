package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/credix/internal/creditledger/domain"
	"github.com/smallbiznis/credix/internal/period"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ledgerStore struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// ProvideStore builds the gorm-backed ledger store.
func ProvideStore(db *gorm.DB, genID *snowflake.Node) creditdomain.Store {
	return &ledgerStore{db: db, genID: genID}
}

func (r *ledgerStore) GetActive(ctx context.Context, orgID int64) (*creditdomain.CreditLedger, error) {
	var record creditdomain.CreditLedger
	err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *ledgerStore) CreateIfAbsent(ctx context.Context, orgID, limit int64, now time.Time) (*creditdomain.CreditLedger, error) {
	if limit <= 0 {
		return nil, creditdomain.ErrInvalidCreditLimit
	}

	record := &creditdomain.CreditLedger{
		ID:          r.genID.Generate(),
		OrgID:       snowflake.ID(orgID),
		Consumed:    0,
		CreditLimit: limit,
		PeriodStart: now,
		PeriodEnd:   period.AddMonth(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected > 0 {
		return record, nil
	}

	// Lost the insert race; the winner's row is the active record.
	existing, err := r.GetActive(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, creditdomain.ErrConflict
	}
	return existing, nil
}

func (r *ledgerStore) IncrementConsumed(ctx context.Context, id int64, amount, expectedConsumed int64, now time.Time) (*creditdomain.CreditLedger, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers
		 SET consumed = consumed + ?, updated_at = ?
		 WHERE id = ? AND consumed = ?`,
		amount,
		now,
		id,
		expectedConsumed,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, creditdomain.ErrConflict
	}
	return r.getByID(ctx, id)
}

func (r *ledgerStore) Rollover(ctx context.Context, id int64, expectedPeriodEnd, newStart, newEnd, now time.Time) (*creditdomain.CreditLedger, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers
		 SET consumed = 0, period_start = ?, period_end = ?, updated_at = ?
		 WHERE id = ? AND period_end = ?`,
		newStart,
		newEnd,
		now,
		id,
		expectedPeriodEnd,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, creditdomain.ErrConflict
	}
	return r.getByID(ctx, id)
}

func (r *ledgerStore) getByID(ctx context.Context, id int64) (*creditdomain.CreditLedger, error) {
	var record creditdomain.CreditLedger
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

type historyArchive struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// ProvideArchive builds the gorm-backed closed-period archive.
func ProvideArchive(db *gorm.DB, genID *snowflake.Node) creditdomain.Archive {
	return &historyArchive{db: db, genID: genID}
}

func (r *historyArchive) Append(ctx context.Context, entry *creditdomain.CreditHistory) error {
	if entry == nil {
		return errors.New("missing_history_entry")
	}
	if entry.ID == 0 {
		entry.ID = r.genID.Generate()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "period_end"}},
			DoNothing: true,
		}).
		Create(entry).Error
}

func (r *historyArchive) List(ctx context.Context, orgID int64, limit int) ([]creditdomain.CreditHistory, error) {
	if limit <= 0 {
		limit = 12
	}
	var entries []creditdomain.CreditHistory
	err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("period_end DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
