package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paygrid-backend/internal/ledger"
	"github.com/angelmondragon/paygrid-backend/internal/providers"
	dbpkg "github.com/angelmondragon/paygrid-backend/pkg/db"
	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/logger"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox/payloads"
)

// Service routes one logical charge across an account balance and a payment
// provider according to the payment priority, compensating the committed half
// when the other half fails.
type Service interface {
	Charge(ctx context.Context, req ChargeRequest) (*models.Payment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByProviderRef(ctx context.Context, providerRef string) (*models.Payment, error)
	TransitionByProviderRef(ctx context.Context, providerRef string, target enums.PaymentStatus, detail string) (*models.Payment, error)
}

// ChargeRequest describes one logical charge. The idempotency key is
// forwarded to both the ledger and the provider, so a retried call converges
// on the original movements instead of double-charging either side.
type ChargeRequest struct {
	CustomerID       *uuid.UUID
	ScheduleID       *uuid.UUID
	AmountCents      int64
	Currency         string
	Priority         enums.PaymentPriority
	BalanceID        *uuid.UUID
	ProviderID       string
	MethodRef        string
	ProviderCapCents int64
	IdempotencyKey   string
	Description      string

	// AbsorbFeeFromBalance additionally debits the provider's processing fee
	// from the balance as a fee transaction once the charge settles.
	AbsorbFeeFromBalance bool
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the payment router.
type ServiceParams struct {
	Repo      Repository
	Ledger    ledger.Service
	Providers *providers.Registry
	TxRunner  txRunner
	Outbox    *outbox.Service
	Logger    *logger.Logger
}

type router struct {
	repo      Repository
	ledger    ledger.Service
	providers *providers.Registry
	tx        txRunner
	outbox    *outbox.Service
	logg      *logger.Logger
}

// NewService wires the payment router.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Providers == nil {
		return nil, fmt.Errorf("provider registry required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	return &router{
		repo:      params.Repo,
		ledger:    params.Ledger,
		providers: params.Providers,
		tx:        params.TxRunner,
		outbox:    params.Outbox,
		logg:      params.Logger,
	}, nil
}

// movements is the two-sided result of executing a policy.
type movements struct {
	balancePortion  int64
	providerPortion int64
	providerRef     string
	providerFee     int64
}

func (r *router) Charge(ctx context.Context, req ChargeRequest) (*models.Payment, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	existing, err := r.repo.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return r.replay(existing)
	}

	if r.logg != nil {
		ctx = r.logg.WithFields(ctx, map[string]any{
			"idempotency_key": req.IdempotencyKey,
			"priority":        req.Priority.String(),
			"amount_cents":    req.AmountCents,
		})
	}

	var moved movements
	var chargeErr error
	switch req.Priority {
	case enums.PaymentPriorityBalanceOnly:
		moved, chargeErr = r.chargeBalanceOnly(ctx, req)
	case enums.PaymentPriorityPaymentMethodOnly:
		moved, chargeErr = r.chargeProviderOnly(ctx, req)
	case enums.PaymentPriorityBalanceFirst:
		moved, chargeErr = r.chargeBalanceFirst(ctx, req)
	case enums.PaymentPriorityPaymentMethodFirst:
		moved, chargeErr = r.chargePaymentMethodFirst(ctx, req)
	}
	if chargeErr != nil {
		return r.persistFailure(ctx, req, chargeErr)
	}
	if err := r.absorbFee(ctx, req, moved); err != nil {
		return nil, err
	}
	return r.persistSuccess(ctx, req, moved)
}

// absorbFee passes the provider's processing fee on to the balance. The fee
// debit carries its own suffixed key, so a replayed charge never double-books
// it; a fee that cannot be booked is a bookkeeping gap, not a failed charge.
func (r *router) absorbFee(ctx context.Context, req ChargeRequest, moved movements) error {
	if !req.AbsorbFeeFromBalance || req.BalanceID == nil || moved.providerFee <= 0 {
		return nil
	}
	_, err := r.ledger.Debit(ctx, ledger.EntryInput{
		BalanceID:      *req.BalanceID,
		Type:           enums.TransactionTypeFee,
		AmountCents:    moved.providerFee,
		IdempotencyKey: req.IdempotencyKey + ":fee",
		Description:    "provider processing fee",
	})
	if err != nil {
		if r.logg != nil {
			r.logg.Error(ctx, "provider fee could not be absorbed", err)
		}
		return pkgerrors.Wrap(pkgerrors.CodeConsistency, err, "fee absorption failed after settled charge").
			WithDetails(map[string]any{"fee_cents": moved.providerFee})
	}
	return nil
}

func (r *router) validate(req ChargeRequest) error {
	if req.AmountCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if req.Currency == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "currency is required")
	}
	if req.IdempotencyKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if !req.Priority.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid payment priority %q", req.Priority))
	}
	if req.Priority.RequiresBalance() && req.BalanceID == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("priority %s requires a balance", req.Priority))
	}
	if req.Priority.RequiresPaymentMethod() && (req.ProviderID == "" || req.MethodRef == "") {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("priority %s requires a payment method", req.Priority))
	}
	if req.ProviderCapCents < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "provider cap must be non-negative")
	}
	return nil
}

// replay returns the outcome of a prior call with the same idempotency key.
func (r *router) replay(payment *models.Payment) (*models.Payment, error) {
	switch payment.Status {
	case enums.PaymentStatusSucceeded, enums.PaymentStatusRefunded:
		return payment, nil
	case enums.PaymentStatusFailed:
		msg := "payment previously failed"
		if payment.ErrorMessage != nil {
			msg = *payment.ErrorMessage
		}
		return payment, pkgerrors.New(pkgerrors.CodeDependency, msg)
	default:
		return payment, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("payment is %s", payment.Status))
	}
}

func (r *router) chargeBalanceOnly(ctx context.Context, req ChargeRequest) (movements, error) {
	_, err := r.ledger.Debit(ctx, ledger.EntryInput{
		BalanceID:      *req.BalanceID,
		AmountCents:    req.AmountCents,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		return movements{}, err
	}
	return movements{balancePortion: req.AmountCents}, nil
}

func (r *router) chargeProviderOnly(ctx context.Context, req ChargeRequest) (movements, error) {
	result, err := r.providerCharge(ctx, req, req.AmountCents)
	if err != nil {
		return movements{}, err
	}
	return movements{
		providerPortion: req.AmountCents,
		providerRef:     result.ProviderRef,
		providerFee:     result.FeeCents,
	}, nil
}

// chargeBalanceFirst draws what the balance can cover and sends the remainder
// to the provider. A provider failure after the debit committed is undone
// with a compensating credit before the failure is returned.
func (r *router) chargeBalanceFirst(ctx context.Context, req ChargeRequest) (movements, error) {
	available, err := r.ledger.GetAvailable(ctx, *req.BalanceID)
	if err != nil {
		return movements{}, err
	}

	balancePortion := available
	if balancePortion > req.AmountCents {
		balancePortion = req.AmountCents
	}
	if balancePortion < 0 {
		balancePortion = 0
	}
	remainder := req.AmountCents - balancePortion

	if remainder > 0 && (req.ProviderID == "" || req.MethodRef == "") {
		return movements{}, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "balance cannot cover amount and no payment method configured")
	}

	if balancePortion > 0 {
		if _, err := r.ledger.Debit(ctx, ledger.EntryInput{
			BalanceID:      *req.BalanceID,
			AmountCents:    balancePortion,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
		}); err != nil {
			return movements{}, err
		}
	}
	if remainder == 0 {
		return movements{balancePortion: balancePortion}, nil
	}

	result, err := r.providerCharge(ctx, req, remainder)
	if err != nil {
		if balancePortion > 0 {
			if compErr := r.compensateDebit(ctx, req, balancePortion); compErr != nil {
				return movements{}, pkgerrors.Wrap(pkgerrors.CodeConsistency, compErr, "provider charge failed and balance compensation also failed")
			}
		}
		return movements{}, err
	}

	return movements{
		balancePortion:  balancePortion,
		providerPortion: remainder,
		providerRef:     result.ProviderRef,
		providerFee:     result.FeeCents,
	}, nil
}

// chargePaymentMethodFirst charges the provider up to the configured cap and
// draws any residual from the balance. A balance failure after the provider
// charge committed is undone with a synchronous provider refund.
func (r *router) chargePaymentMethodFirst(ctx context.Context, req ChargeRequest) (movements, error) {
	providerPortion := req.AmountCents
	if req.ProviderCapCents > 0 && req.ProviderCapCents < providerPortion {
		providerPortion = req.ProviderCapCents
	}
	residual := req.AmountCents - providerPortion

	if residual > 0 && req.BalanceID == nil {
		return movements{}, pkgerrors.New(pkgerrors.CodeValidation, "provider cap leaves a residual but no balance configured")
	}

	result, err := r.providerCharge(ctx, req, providerPortion)
	if err != nil {
		return movements{}, err
	}
	if residual == 0 {
		return movements{
			providerPortion: providerPortion,
			providerRef:     result.ProviderRef,
			providerFee:     result.FeeCents,
		}, nil
	}

	if _, err := r.ledger.Debit(ctx, ledger.EntryInput{
		BalanceID:      *req.BalanceID,
		AmountCents:    residual,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	}); err != nil {
		if refundErr := r.compensateCharge(ctx, req, result.ProviderRef, providerPortion); refundErr != nil {
			return movements{}, pkgerrors.Wrap(pkgerrors.CodeConsistency, refundErr, "balance debit failed and provider refund also failed")
		}
		return movements{}, err
	}

	return movements{
		balancePortion:  residual,
		providerPortion: providerPortion,
		providerRef:     result.ProviderRef,
		providerFee:     result.FeeCents,
	}, nil
}

func (r *router) providerCharge(ctx context.Context, req ChargeRequest, amountCents int64) (*providers.ChargeResult, error) {
	adapter, err := r.providers.Get(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if !providers.Supports(adapter, providers.CapabilityCharge) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider does not support charges").
			WithDetails(map[string]any{"provider_id": req.ProviderID})
	}
	customerRef := ""
	if req.CustomerID != nil {
		customerRef = req.CustomerID.String()
	}
	return adapter.Charge(ctx, providers.ChargeInput{
		CustomerRef:    customerRef,
		MethodRef:      req.MethodRef,
		AmountCents:    amountCents,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
}

func (r *router) compensateDebit(ctx context.Context, req ChargeRequest, amountCents int64) error {
	_, err := r.ledger.Credit(ctx, ledger.EntryInput{
		BalanceID:      *req.BalanceID,
		Type:           enums.TransactionTypeRefund,
		AmountCents:    amountCents,
		IdempotencyKey: req.IdempotencyKey + ":comp",
		Description:    "compensation for failed provider charge",
	})
	if err != nil && r.logg != nil {
		r.logg.Error(ctx, "balance compensation failed", err)
	}
	return err
}

func (r *router) compensateCharge(ctx context.Context, req ChargeRequest, providerRef string, amountCents int64) error {
	adapter, err := r.providers.Get(req.ProviderID)
	if err != nil {
		return err
	}
	if !providers.Supports(adapter, providers.CapabilityRefund) {
		return pkgerrors.New(pkgerrors.CodeConsistency, "provider cannot refund its own charge").
			WithDetails(map[string]any{"provider_id": req.ProviderID})
	}
	_, err = adapter.Refund(ctx, providers.RefundInput{
		ProviderRef:    providerRef,
		AmountCents:    amountCents,
		IdempotencyKey: req.IdempotencyKey + ":refund",
		Reason:         "compensation for failed balance debit",
	})
	if err != nil && r.logg != nil {
		r.logg.Error(ctx, "provider compensation failed", err)
	}
	return err
}

func (r *router) persistSuccess(ctx context.Context, req ChargeRequest, moved movements) (*models.Payment, error) {
	payment := r.buildPayment(req, moved)
	payment.Status = enums.PaymentStatusSucceeded

	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		if err := repo.Create(ctx, payment); err != nil {
			return err
		}
		return r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentSucceeded,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Version:       1,
			Data: payloads.PaymentSucceededEvent{
				PaymentID:            payment.ID,
				CustomerID:           payment.CustomerID,
				ScheduleID:           req.ScheduleID,
				AmountCents:          payment.AmountCents,
				Currency:             payment.Currency,
				Source:               payment.Source(),
				BalancePortionCents:  payment.BalancePortionCents,
				ProviderPortionCents: payment.ProviderPortionCents,
			},
		})
	})
	if err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_payments_idempotency_key") {
			prior, findErr := r.repo.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if findErr == nil && prior != nil {
				return r.replay(prior)
			}
		}
		return nil, err
	}
	return payment, nil
}

func (r *router) persistFailure(ctx context.Context, req ChargeRequest, chargeErr error) (*models.Payment, error) {
	payment := r.buildPayment(req, movements{})
	payment.Status = enums.PaymentStatusFailed
	msg := chargeErr.Error()
	payment.ErrorMessage = &msg

	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		if err := repo.Create(ctx, payment); err != nil {
			return err
		}
		return r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Version:       1,
			Data: payloads.PaymentFailedEvent{
				PaymentID:   payment.ID,
				CustomerID:  payment.CustomerID,
				ScheduleID:  req.ScheduleID,
				AmountCents: payment.AmountCents,
				Currency:    payment.Currency,
				Reason:      msg,
			},
		})
	})
	if err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_payments_idempotency_key") {
			prior, findErr := r.repo.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if findErr == nil && prior != nil {
				return r.replay(prior)
			}
		}
		return nil, err
	}
	return payment, chargeErr
}

func (r *router) buildPayment(req ChargeRequest, moved movements) *models.Payment {
	payment := &models.Payment{
		ID:                   uuid.New(),
		CustomerID:           req.CustomerID,
		AmountCents:          req.AmountCents,
		Currency:             req.Currency,
		BalancePortionCents:  moved.balancePortion,
		ProviderPortionCents: moved.providerPortion,
		ProviderFeeCents:     moved.providerFee,
		IdempotencyKey:       req.IdempotencyKey,
	}
	if req.ProviderID != "" && moved.providerPortion > 0 {
		providerID := req.ProviderID
		payment.ProviderID = &providerID
	}
	if moved.providerRef != "" {
		providerRef := moved.providerRef
		payment.ProviderRef = &providerRef
	}
	return payment
}

func (r *router) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	payment, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return payment, nil
}

func (r *router) FindByProviderRef(ctx context.Context, providerRef string) (*models.Payment, error) {
	if providerRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider ref is required")
	}
	return r.repo.FindByProviderRef(ctx, providerRef)
}

// TransitionByProviderRef applies a provider-reported status change. Repeated
// deliveries of the same outcome are no-ops; contradictory ones are rejected.
func (r *router) TransitionByProviderRef(ctx context.Context, providerRef string, target enums.PaymentStatus, detail string) (*models.Payment, error) {
	if providerRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider ref is required")
	}
	payment, err := r.repo.FindByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no payment for provider ref %q", providerRef))
	}
	if payment.Status == target {
		return payment, nil
	}
	if !transitionAllowed(payment.Status, target) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("cannot move payment from %s to %s", payment.Status, target))
	}

	err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		payment.Status = target
		if detail != "" {
			payment.ErrorMessage = &detail
		}
		if err := repo.Update(ctx, payment); err != nil {
			return err
		}
		return r.emitTransition(ctx, tx, payment, target)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func transitionAllowed(from, to enums.PaymentStatus) bool {
	switch to {
	case enums.PaymentStatusSucceeded, enums.PaymentStatusFailed:
		return from == enums.PaymentStatusPending ||
			from == enums.PaymentStatusRequiresAction ||
			from == enums.PaymentStatusProcessing
	case enums.PaymentStatusRefunded:
		return from == enums.PaymentStatusSucceeded
	default:
		return false
	}
}

func (r *router) emitTransition(ctx context.Context, tx *gorm.DB, payment *models.Payment, target enums.PaymentStatus) error {
	switch target {
	case enums.PaymentStatusSucceeded:
		return r.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentSucceeded,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Version:       1,
			Data: payloads.PaymentSucceededEvent{
				PaymentID:            payment.ID,
				CustomerID:           payment.CustomerID,
				AmountCents:          payment.AmountCents,
				Currency:             payment.Currency,
				Source:               payment.Source(),
				BalancePortionCents:  payment.BalancePortionCents,
				ProviderPortionCents: payment.ProviderPortionCents,
			},
		})
	case enums.PaymentStatusFailed:
		reason := ""
		if payment.ErrorMessage != nil {
			reason = *payment.ErrorMessage
		}
		return r.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Version:       1,
			Data: payloads.PaymentFailedEvent{
				PaymentID:   payment.ID,
				CustomerID:  payment.CustomerID,
				AmountCents: payment.AmountCents,
				Currency:    payment.Currency,
				Reason:      reason,
			},
		})
	case enums.PaymentStatusRefunded:
		providerID := ""
		if payment.ProviderID != nil {
			providerID = *payment.ProviderID
		}
		providerRef := ""
		if payment.ProviderRef != nil {
			providerRef = *payment.ProviderRef
		}
		return r.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentRefunded,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Version:       1,
			Data: payloads.PaymentRefundedEvent{
				PaymentID:           payment.ID,
				ProviderID:          providerID,
				ProviderRef:         providerRef,
				RefundedAmountCents: payment.ProviderPortionCents,
				RefundedAt:          time.Now(),
			},
		})
	default:
		return nil
	}
}
