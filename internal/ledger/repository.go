package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
)

// Repository persists account balances and their transaction log.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateBalance(ctx context.Context, balance *models.AccountBalance) error
	FindBalanceByID(ctx context.Context, id uuid.UUID) (*models.AccountBalance, error)
	FindBalanceForUpdate(ctx context.Context, id uuid.UUID) (*models.AccountBalance, error)
	UpdateBalance(ctx context.Context, balance *models.AccountBalance) error
	ListExpiredBalances(ctx context.Context, asOf time.Time, limit int) ([]models.AccountBalance, error)

	CreateTransaction(ctx context.Context, entry *models.AccountTransaction) error
	FindTransactionByKey(ctx context.Context, balanceID uuid.UUID, idempotencyKey string) (*models.AccountTransaction, error)
	ListTransactions(ctx context.Context, balanceID uuid.UUID, limit int) ([]models.AccountTransaction, error)
	SumSignedCompleted(ctx context.Context, balanceID uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a ledger repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateBalance(ctx context.Context, balance *models.AccountBalance) error {
	return r.db.WithContext(ctx).Create(balance).Error
}

func (r *repository) FindBalanceByID(ctx context.Context, id uuid.UUID) (*models.AccountBalance, error) {
	var balance models.AccountBalance
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

// FindBalanceForUpdate takes a row lock so concurrent entries against the
// same balance serialize. SQLite has no FOR UPDATE; its single-writer model
// gives the same guarantee in tests.
func (r *repository) FindBalanceForUpdate(ctx context.Context, id uuid.UUID) (*models.AccountBalance, error) {
	query := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var balance models.AccountBalance
	err := query.Where("id = ?", id).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (r *repository) UpdateBalance(ctx context.Context, balance *models.AccountBalance) error {
	return r.db.WithContext(ctx).Save(balance).Error
}

func (r *repository) ListExpiredBalances(ctx context.Context, asOf time.Time, limit int) ([]models.AccountBalance, error) {
	var rows []models.AccountBalance
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.BalanceStatusActive).
		Where("expires_at IS NOT NULL AND expires_at <= ?", asOf).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) CreateTransaction(ctx context.Context, entry *models.AccountTransaction) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) FindTransactionByKey(ctx context.Context, balanceID uuid.UUID, idempotencyKey string) (*models.AccountTransaction, error) {
	var entry models.AccountTransaction
	err := r.db.WithContext(ctx).
		Where("balance_id = ? AND idempotency_key = ?", balanceID, idempotencyKey).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListTransactions(ctx context.Context, balanceID uuid.UUID, limit int) ([]models.AccountTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.AccountTransaction
	err := r.db.WithContext(ctx).
		Where("balance_id = ?", balanceID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// SumSignedCompleted recomputes the running balance from completed entries.
func (r *repository) SumSignedCompleted(ctx context.Context, balanceID uuid.UUID) (int64, error) {
	var rows []models.AccountTransaction
	err := r.db.WithContext(ctx).
		Select("type", "amount_cents").
		Where("balance_id = ? AND status = ?", balanceID, enums.TransactionStatusCompleted).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, row := range rows {
		sum += row.SignedAmountCents()
	}
	return sum, nil
}
