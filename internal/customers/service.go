package customers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paygrid-backend/pkg/db/models"
	"github.com/angelmondragon/paygrid-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/paygrid-backend/pkg/errors"
	"github.com/angelmondragon/paygrid-backend/pkg/logger"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox"
	"github.com/angelmondragon/paygrid-backend/pkg/outbox/payloads"
)

// Service manages billing identities. A guest checkout creates a customer
// with a guest owner; registration converts it to a user without changing
// the id, so payments, schedules, and balances keep their references.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.Customer, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	FindOrCreateGuest(ctx context.Context, guestRef string, currency string) (*models.Customer, error)
	ConvertGuest(ctx context.Context, id uuid.UUID, userRef string) (*models.Customer, error)
	AddPaymentMethod(ctx context.Context, input AddPaymentMethodInput) (*models.PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, customerID, methodID uuid.UUID) error
	ListPaymentMethods(ctx context.Context, customerID uuid.UUID) ([]models.PaymentMethod, error)
	FindPaymentMethod(ctx context.Context, id uuid.UUID) (*models.PaymentMethod, error)
}

// CreateInput describes a new billing identity.
type CreateInput struct {
	OwnerKind       enums.OwnerKind
	OwnerRef        string
	DefaultCurrency string
}

// AddPaymentMethodInput stores a provider-tokenized instrument.
type AddPaymentMethodInput struct {
	CustomerID        uuid.UUID
	ProviderID        string
	ProviderMethodRef string
	MakeDefault       bool
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the customer service.
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

// NewService wires the customer service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("customers repository required")
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

func (s *service) Create(ctx context.Context, input CreateInput) (*models.Customer, error) {
	if !input.OwnerKind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid owner kind %q", input.OwnerKind))
	}
	if input.OwnerRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner ref is required")
	}
	currency := input.DefaultCurrency
	if currency == "" {
		currency = "usd"
	}

	existing, err := s.repo.FindByOwner(ctx, input.OwnerKind.String(), input.OwnerRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "customer already exists for owner")
	}

	customer := &models.Customer{
		ID:              uuid.New(),
		OwnerKind:       input.OwnerKind,
		OwnerRef:        input.OwnerRef,
		DefaultCurrency: currency,
	}
	if err := s.repo.Create(ctx, customer); err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	customer, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	return customer, nil
}

func (s *service) FindOrCreateGuest(ctx context.Context, guestRef string, currency string) (*models.Customer, error) {
	if guestRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "guest ref is required")
	}
	existing, err := s.repo.FindByOwner(ctx, enums.OwnerKindGuest.String(), guestRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return s.Create(ctx, CreateInput{
		OwnerKind:       enums.OwnerKindGuest,
		OwnerRef:        guestRef,
		DefaultCurrency: currency,
	})
}

// ConvertGuest rewrites the owner in place and emits customer_converted.
// Repeating the call with the same user ref is a no-op.
func (s *service) ConvertGuest(ctx context.Context, id uuid.UUID, userRef string) (*models.Customer, error) {
	if userRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user ref is required")
	}
	customer, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if customer.OwnerKind == enums.OwnerKindUser && customer.OwnerRef == userRef {
		return customer, nil
	}
	if customer.OwnerKind != enums.OwnerKindGuest {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("customer is %s, only guests convert", customer.OwnerKind))
	}

	taken, err := s.repo.FindByOwner(ctx, enums.OwnerKindUser.String(), userRef)
	if err != nil {
		return nil, err
	}
	if taken != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "user ref already has a customer")
	}

	oldRef := customer.OwnerRef
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		customer.OwnerKind = enums.OwnerKindUser
		customer.OwnerRef = userRef
		if err := repo.Update(ctx, customer); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCustomerConverted,
			AggregateType: enums.AggregateCustomer,
			AggregateID:   customer.ID,
			Version:       1,
			Data: payloads.CustomerConvertedEvent{
				CustomerID:  customer.ID,
				OldOwnerRef: oldRef,
				NewOwnerRef: userRef,
				ConvertedAt: time.Now(),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "customer_id", customer.ID.String()), "guest customer converted")
	}
	return customer, nil
}

func (s *service) AddPaymentMethod(ctx context.Context, input AddPaymentMethodInput) (*models.PaymentMethod, error) {
	if input.ProviderID == "" || input.ProviderMethodRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider id and method ref are required")
	}
	if _, err := s.GetByID(ctx, input.CustomerID); err != nil {
		return nil, err
	}

	method := &models.PaymentMethod{
		ID:                uuid.New(),
		CustomerID:        input.CustomerID,
		ProviderID:        input.ProviderID,
		ProviderMethodRef: input.ProviderMethodRef,
		IsDefault:         input.MakeDefault,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if input.MakeDefault {
			if err := repo.ClearDefaultPaymentMethod(ctx, input.CustomerID); err != nil {
				return err
			}
		}
		return repo.CreatePaymentMethod(ctx, method)
	})
	if err != nil {
		return nil, err
	}
	return method, nil
}

func (s *service) RemovePaymentMethod(ctx context.Context, customerID, methodID uuid.UUID) error {
	method, err := s.repo.FindPaymentMethod(ctx, methodID)
	if err != nil {
		return err
	}
	if method == nil || method.CustomerID != customerID {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment method not found")
	}
	return s.repo.DeletePaymentMethod(ctx, methodID)
}

func (s *service) ListPaymentMethods(ctx context.Context, customerID uuid.UUID) ([]models.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx, customerID)
}

func (s *service) FindPaymentMethod(ctx context.Context, id uuid.UUID) (*models.PaymentMethod, error) {
	return s.repo.FindPaymentMethod(ctx, id)
}
