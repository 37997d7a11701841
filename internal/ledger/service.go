package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/paygrid-backend/pkg/db"
	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/logger"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox/payloads"
)

// Service owns all balance mutations. Every entry is applied inside one
// transaction that locks the balance row, appends the immutable transaction
// and moves the running balance, so the ledger and the balance never diverge.
type Service interface {
	CreateBalance(ctx context.Context, input CreateBalanceInput) (*models.AccountBalance, error)
	Credit(ctx context.Context, input EntryInput) (*models.AccountTransaction, error)
	Debit(ctx context.Context, input EntryInput) (*models.AccountTransaction, error)
	GetBalance(ctx context.Context, balanceID uuid.UUID) (*models.AccountBalance, error)
	GetAvailable(ctx context.Context, balanceID uuid.UUID) (int64, error)
	ListTransactions(ctx context.Context, balanceID uuid.UUID, limit int) ([]models.AccountTransaction, error)
	ExpireDue(ctx context.Context, asOf time.Time, limit int) (int, error)
}

// CreateBalanceInput describes a new ledger head.
type CreateBalanceInput struct {
	OwnerRef            string
	Currency            string
	ReferenceCode       string
	InitialCents        int64
	CreditLimitCents    int64
	MinimumBalanceCents int64
	ExpiresAt           *time.Time
}

// EntryInput is one credit or debit request. The idempotency key scopes to
// the balance: replaying the same key returns the original entry.
type EntryInput struct {
	BalanceID      uuid.UUID
	Type           enums.TransactionType
	AmountCents    int64
	IdempotencyKey string
	Description    string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the ledger service.
type ServiceParams struct {
	Repo     Repository
	TxRunner txRunner
	Outbox   *outbox.Service
	Logger   *logger.Logger
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox *outbox.Service
	logg   *logger.Logger
}

// NewService wires a ledger service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	return &service{
		repo:   params.Repo,
		tx:     params.TxRunner,
		outbox: params.Outbox,
		logg:   params.Logger,
	}, nil
}

func (s *service) CreateBalance(ctx context.Context, input CreateBalanceInput) (*models.AccountBalance, error) {
	if input.OwnerRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner ref is required")
	}
	if input.Currency == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency is required")
	}
	if input.ReferenceCode == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reference code is required")
	}
	if input.InitialCents < 0 || input.CreditLimitCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "initial and credit limit must be non-negative")
	}

	balance := &models.AccountBalance{
		ID:                  uuid.New(),
		OwnerRef:            input.OwnerRef,
		Currency:            input.Currency,
		ReferenceCode:       input.ReferenceCode,
		CreditLimitCents:    input.CreditLimitCents,
		MinimumBalanceCents: input.MinimumBalanceCents,
		ExpiresAt:           input.ExpiresAt,
		Status:              enums.BalanceStatusActive,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateBalance(ctx, balance); err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_account_balances_owner_currency_ref") {
				return pkgerrors.New(pkgerrors.CodeConflict, "balance already exists for owner, currency and reference")
			}
			return err
		}
		if input.InitialCents > 0 {
			entry := &models.AccountTransaction{
				ID:                 uuid.New(),
				BalanceID:          balance.ID,
				Type:               enums.TransactionTypeCredit,
				AmountCents:        input.InitialCents,
				BalanceBeforeCents: 0,
				BalanceAfterCents:  input.InitialCents,
				Status:             enums.TransactionStatusCompleted,
				IdempotencyKey:     fmt.Sprintf("initial:%s", balance.ID),
				Description:        "initial balance",
			}
			if err := repo.CreateTransaction(ctx, entry); err != nil {
				return err
			}
			balance.CurrentBalanceCents = input.InitialCents
			if err := repo.UpdateBalance(ctx, balance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (s *service) Credit(ctx context.Context, input EntryInput) (*models.AccountTransaction, error) {
	if input.Type == "" {
		input.Type = enums.TransactionTypeCredit
	}
	if input.Type.Sign() <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("type %q is not a credit", input.Type))
	}
	return s.applyEntry(ctx, input)
}

func (s *service) Debit(ctx context.Context, input EntryInput) (*models.AccountTransaction, error) {
	if input.Type == "" {
		input.Type = enums.TransactionTypeDebit
	}
	if input.Type.Sign() >= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("type %q is not a debit", input.Type))
	}
	return s.applyEntry(ctx, input)
}

// errConservation carries the balance that failed verification out of the
// entry transaction so the freeze can commit separately.
type errConservation struct {
	balanceID uuid.UUID
	ownerRef  string
	stored    int64
	computed  int64
}

func (e errConservation) Error() string {
	return "ledger conservation violation"
}

func (s *service) applyEntry(ctx context.Context, input EntryInput) (*models.AccountTransaction, error) {
	if input.BalanceID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "balance id is required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction type %q", input.Type))
	}

	var out *models.AccountTransaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindTransactionByKey(ctx, input.BalanceID, input.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Type != input.Type || existing.AmountCents != input.AmountCents {
				return pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different arguments")
			}
			out = existing
			return nil
		}

		balance, err := repo.FindBalanceForUpdate(ctx, input.BalanceID)
		if err != nil {
			return err
		}
		if balance == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "balance not found")
		}
		if balance.Status != enums.BalanceStatusActive {
			return pkgerrors.New(pkgerrors.CodeBalanceNotActive, fmt.Sprintf("balance is %s", balance.Status))
		}

		computed, err := repo.SumSignedCompleted(ctx, input.BalanceID)
		if err != nil {
			return err
		}
		if computed != balance.CurrentBalanceCents {
			return errConservation{
				balanceID: balance.ID,
				ownerRef:  balance.OwnerRef,
				stored:    balance.CurrentBalanceCents,
				computed:  computed,
			}
		}

		signed := input.Type.Sign() * input.AmountCents
		if signed < 0 && input.AmountCents > balance.AvailableCents() {
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "insufficient available balance")
		}

		entry := &models.AccountTransaction{
			ID:                 uuid.New(),
			BalanceID:          balance.ID,
			Type:               input.Type,
			AmountCents:        input.AmountCents,
			BalanceBeforeCents: balance.CurrentBalanceCents,
			BalanceAfterCents:  balance.CurrentBalanceCents + signed,
			Status:             enums.TransactionStatusCompleted,
			IdempotencyKey:     input.IdempotencyKey,
			Description:        input.Description,
		}
		if err := repo.CreateTransaction(ctx, entry); err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_account_transactions_balance_idem") {
				replay, findErr := repo.FindTransactionByKey(ctx, input.BalanceID, input.IdempotencyKey)
				if findErr != nil {
					return findErr
				}
				if replay != nil {
					out = replay
					return nil
				}
			}
			return err
		}

		balance.CurrentBalanceCents = entry.BalanceAfterCents
		if err := repo.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		if violation, ok := asConservation(err); ok {
			return nil, s.freezeBalance(ctx, violation)
		}
		return nil, err
	}
	return out, nil
}

func asConservation(err error) (errConservation, bool) {
	violation, ok := err.(errConservation)
	return violation, ok
}

// freezeBalance commits the freeze in its own transaction. The returned error
// exposes only an opaque incident ref; amounts stay in the logs.
func (s *service) freezeBalance(ctx context.Context, violation errConservation) error {
	incidentRef := uuid.NewString()

	if s.logg != nil {
		fields := map[string]any{
			"balance_id":   violation.balanceID.String(),
			"incident_ref": incidentRef,
			"stored":       violation.stored,
			"computed":     violation.computed,
		}
		s.logg.Error(s.logg.WithFields(ctx, fields), "ledger conservation violation, freezing balance", violation)
	}

	freezeErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		balance, err := repo.FindBalanceForUpdate(ctx, violation.balanceID)
		if err != nil {
			return err
		}
		if balance == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "balance not found")
		}
		if balance.Status != enums.BalanceStatusFrozen {
			balance.Status = enums.BalanceStatusFrozen
			if err := repo.UpdateBalance(ctx, balance); err != nil {
				return err
			}
		}
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAccountBalanceFrozen,
			AggregateType: enums.AggregateAccountBalance,
			AggregateID:   violation.balanceID,
			Version:       1,
			Data: payloads.AccountBalanceFrozenEvent{
				BalanceID:   violation.balanceID,
				OwnerRef:    violation.ownerRef,
				IncidentRef: incidentRef,
				FrozenAt:    time.Now(),
			},
		})
	})
	if freezeErr != nil && s.logg != nil {
		s.logg.Error(ctx, "freezing balance failed", freezeErr)
	}

	return pkgerrors.New(pkgerrors.CodeConsistency, "ledger conservation violation").
		WithDetails(map[string]string{"incident_ref": incidentRef})
}

func (s *service) GetBalance(ctx context.Context, balanceID uuid.UUID) (*models.AccountBalance, error) {
	if balanceID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "balance id is required")
	}
	balance, err := s.repo.FindBalanceByID(ctx, balanceID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "balance not found")
	}
	return balance, nil
}

func (s *service) GetAvailable(ctx context.Context, balanceID uuid.UUID) (int64, error) {
	balance, err := s.GetBalance(ctx, balanceID)
	if err != nil {
		return 0, err
	}
	if balance.Status != enums.BalanceStatusActive {
		return 0, nil
	}
	return balance.AvailableCents(), nil
}

func (s *service) ListTransactions(ctx context.Context, balanceID uuid.UUID, limit int) ([]models.AccountTransaction, error) {
	if balanceID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "balance id is required")
	}
	return s.repo.ListTransactions(ctx, balanceID, limit)
}

// ExpireDue forfeits any remaining funds on balances past their expiry and
// suspends them. Each balance settles in its own transaction so one failure
// does not stall the sweep.
func (s *service) ExpireDue(ctx context.Context, asOf time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := s.repo.ListExpiredBalances(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range due {
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			balance, err := repo.FindBalanceForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if balance == nil || balance.Status != enums.BalanceStatusActive {
				return nil
			}
			if balance.ExpiresAt == nil || balance.ExpiresAt.After(asOf) {
				return nil
			}

			forfeited := balance.CurrentBalanceCents
			if forfeited > 0 {
				entry := &models.AccountTransaction{
					ID:                 uuid.New(),
					BalanceID:          balance.ID,
					Type:               enums.TransactionTypeDebit,
					AmountCents:        forfeited,
					BalanceBeforeCents: balance.CurrentBalanceCents,
					BalanceAfterCents:  0,
					Status:             enums.TransactionStatusCompleted,
					IdempotencyKey:     fmt.Sprintf("expire:%s", balance.ID),
					Description:        "balance expired, funds forfeited",
				}
				if err := repo.CreateTransaction(ctx, entry); err != nil {
					if !dbpkg.IsUniqueViolation(err, "ux_account_transactions_balance_idem") {
						return err
					}
				} else {
					balance.CurrentBalanceCents = 0
				}
			}

			balance.Status = enums.BalanceStatusSuspended
			if err := repo.UpdateBalance(ctx, balance); err != nil {
				return err
			}

			return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventAccountBalanceExpired,
				AggregateType: enums.AggregateAccountBalance,
				AggregateID:   balance.ID,
				Version:       1,
				Data: payloads.AccountBalanceExpiredEvent{
					BalanceID:      balance.ID,
					OwnerRef:       balance.OwnerRef,
					ForfeitedCents: forfeited,
					ExpiredAt:      asOf,
				},
			})
		})
		if err != nil {
			if s.logg != nil {
				logCtx := s.logg.WithBalanceID(ctx, candidate.ID.String())
				s.logg.Error(logCtx, "expiring balance failed", err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}
