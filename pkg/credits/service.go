package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service contains the credit ledger rules over a Store.
type Service struct {
	store              Store
	policy             Policy
	nowFn              func() time.Time
	logger             OperationLogger
	tierLookupObserver func(ctx context.Context, userID UserID, err error)
}

// NewService wires a Service.
func NewService(store Store, policy Policy, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	service := &Service{store: store, policy: policy.Clone(), nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithStore returns a copy of the service bound to another store, typically an open transaction.
func (service *Service) WithStore(store Store) *Service {
	bound := *service
	bound.store = store
	return &bound
}

// Policy returns the injected policy table.
func (service *Service) Policy() Policy {
	return service.policy
}

// Now returns the service clock reading.
func (service *Service) Now() time.Time {
	return service.nowFn().UTC()
}

func (service *Service) today() time.Time {
	return DateOf(service.nowFn())
}

// ActiveCredits returns the non-expired balance, never negative.
func (service *Service) ActiveCredits(ctx context.Context, userID UserID) (int64, error) {
	return activeCredits(ctx, service.store, userID, service.today())
}

func activeCredits(ctx context.Context, store LedgerStore, userID UserID, today time.Time) (int64, error) {
	entries, err := store.ListActiveEntries(ctx, userID, today)
	if err != nil {
		return 0, err
	}
	return ActiveBalance(entries, today), nil
}

// UserTier reads the profile tier and degrades to the default tier on any failure.
func (service *Service) UserTier(ctx context.Context, userID UserID) Tier {
	profile, err := service.store.GetProfile(ctx, userID)
	if err != nil {
		if service.tierLookupObserver != nil {
			service.tierLookupObserver(ctx, userID, err)
		}
		return DefaultTier
	}
	if _, known := service.policy.Tiers[profile.Tier]; !known {
		return DefaultTier
	}
	return profile.Tier
}

// CanPurchaseTopUp reports whether the projected balance stays within the tier cap.
func (service *Service) CanPurchaseTopUp(ctx context.Context, userID UserID, tier Tier, addCredits int64) (bool, error) {
	err := service.CheckTopUp(ctx, userID, tier, addCredits)
	if errors.Is(err, ErrCapExceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CheckTopUp returns a *CapExceededError when the top-up would lift the balance over the cap.
func (service *Service) CheckTopUp(ctx context.Context, userID UserID, tier Tier, addCredits int64) error {
	if addCredits <= 0 {
		return fmt.Errorf("%w: top-up must be positive", ErrInvalidCredits)
	}
	current, err := service.ActiveCredits(ctx, userID)
	if err != nil {
		return err
	}
	creditCap := service.policy.Tier(tier).CreditCap
	if current+addCredits > creditCap {
		return &CapExceededError{Tier: tier, Current: current, Requested: addCredits, Cap: creditCap}
	}
	return nil
}

// GrantMonthlyCredits trims the balance down to the rollover ceiling and appends the monthly grant.
func (service *Service) GrantMonthlyCredits(ctx context.Context, userID UserID, tier Tier) (GrantResult, error) {
	tierPolicy := service.policy.Tier(tier)
	var result GrantResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUser(ctx, userID); err != nil {
			return err
		}
		now := service.Now()
		current, err := activeCredits(ctx, transactionStore, userID, DateOf(now))
		if err != nil {
			return err
		}
		result = GrantResult{BalanceBefore: current}

		allowed := int64(0)
		if tierPolicy.RolloverAllowed {
			allowed = min(current, tierPolicy.MaxRollover)
		}
		if current > allowed {
			trim, err := NewEntryInput(userID, -(current - allowed), SourceRolloverTrim, nil, now)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertEntries(ctx, []EntryInput{trim}); err != nil {
				return err
			}
			result.Trimmed = current - allowed
		}

		grant, err := NewEntryInput(userID, tierPolicy.MonthlyCredits, SourceMonthly, nil, now)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntries(ctx, []EntryInput{grant}); err != nil {
			return err
		}
		result.Granted = tierPolicy.MonthlyCredits
		result.BalanceAfter, err = activeCredits(ctx, transactionStore, userID, DateOf(now))
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrantMonthly,
		UserID:    userID,
		Credits:   tierPolicy.MonthlyCredits,
		Source:    SourceMonthly,
		Error:     operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// SpendCreditsFIFO consumes amount credits, soonest-expiring first, or nothing at all.
func (service *Service) SpendCreditsFIFO(ctx context.Context, userID UserID, amount int64) (SpendResult, error) {
	var result SpendResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUser(ctx, userID); err != nil {
			return err
		}
		now := service.Now()
		today := DateOf(now)
		entries, err := transactionStore.ListActiveEntries(ctx, userID, today)
		if err != nil {
			return err
		}
		allocations, err := PlanSpend(entries, amount, today)
		if err != nil {
			return err
		}
		inputs := make([]EntryInput, 0, len(allocations))
		for _, allocation := range allocations {
			input, err := NewEntryInput(userID, -allocation.Credits, SourceSpend, allocation.ExpiresAt, now)
			if err != nil {
				return err
			}
			inputs = append(inputs, input)
		}
		if err := transactionStore.InsertEntries(ctx, inputs); err != nil {
			return err
		}
		result = SpendResult{Amount: amount, Allocations: allocations}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		Credits:   amount,
		Source:    SourceSpend,
		Error:     operationError,
	})
	if operationError != nil {
		return SpendResult{}, operationError
	}
	return result, nil
}

// AddTopUp appends purchased credits that expire after the top-up validity window.
func (service *Service) AddTopUp(ctx context.Context, userID UserID, credits int64, sourceRef string) error {
	source := TopUpSource(sourceRef)
	operationError := func() error {
		if strings.TrimSpace(sourceRef) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidSourceRef)
		}
		if credits <= 0 {
			return fmt.Errorf("%w: top-up must be positive", ErrInvalidCredits)
		}
		now := service.Now()
		expiresAt := DateOf(now).AddDate(0, 0, service.policy.TopUpValidityDays)
		return service.appendEntry(ctx, userID, credits, source, &expiresAt, now)
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationTopUp,
		UserID:    userID,
		Credits:   credits,
		Source:    source,
		Error:     operationError,
	})
	return operationError
}

// AddPenalty appends a never-expiring debit; the sign of credits is ignored.
func (service *Service) AddPenalty(ctx context.Context, userID UserID, credits int64, reason string) error {
	magnitude := credits
	if magnitude < 0 {
		magnitude = -magnitude
	}
	source := PenaltySource(reason)
	operationError := service.appendEntry(ctx, userID, -magnitude, source, nil, service.Now())
	service.logOperation(ctx, OperationLog{
		Operation: operationPenalty,
		UserID:    userID,
		Credits:   magnitude,
		Source:    source,
		Error:     operationError,
	})
	return operationError
}

// AddRefund appends restored credits that keep the expiration of the credits they replace.
func (service *Service) AddRefund(ctx context.Context, userID UserID, credits int64, originalExpiration *time.Time, reason string) error {
	return service.RefundAllocations(ctx, userID, []Allocation{{Credits: credits, ExpiresAt: originalExpiration}}, reason)
}

// RefundAllocations restores a recorded spend allocation by allocation, all or nothing.
func (service *Service) RefundAllocations(ctx context.Context, userID UserID, allocations []Allocation, reason string) error {
	source := RefundSource(reason)
	var total int64
	operationError := func() error {
		now := service.Now()
		inputs := make([]EntryInput, 0, len(allocations))
		for _, allocation := range allocations {
			if allocation.Credits <= 0 {
				return fmt.Errorf("%w: refund must be positive", ErrInvalidCredits)
			}
			input, err := NewEntryInput(userID, allocation.Credits, source, allocation.ExpiresAt, now)
			if err != nil {
				return err
			}
			inputs = append(inputs, input)
			total += allocation.Credits
		}
		if len(inputs) == 0 {
			return nil
		}
		return service.store.InsertEntries(ctx, inputs)
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Credits:   total,
		Source:    source,
		Error:     operationError,
	})
	return operationError
}

// CreditBreakdown splits the active balance into never-expiring credits and dated buckets.
func (service *Service) CreditBreakdown(ctx context.Context, userID UserID) (Breakdown, error) {
	today := service.today()
	entries, err := service.store.ListActiveEntries(ctx, userID, today)
	if err != nil {
		return Breakdown{}, err
	}
	return BreakdownOf(entries, today), nil
}

// ListEntries lists ledger entries for a user created before a cutoff time.
func (service *Service) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	if before.IsZero() {
		before = service.Now().Add(time.Second)
	}
	return service.store.ListEntries(ctx, userID, before, limit)
}

// Profile reads a member profile.
func (service *Service) Profile(ctx context.Context, userID UserID) (Profile, error) {
	return service.store.GetProfile(ctx, userID)
}

func (service *Service) appendEntry(ctx context.Context, userID UserID, delta int64, source Source, expiresAt *time.Time, now time.Time) error {
	input, err := NewEntryInput(userID, delta, source, expiresAt, now)
	if err != nil {
		return err
	}
	return service.store.InsertEntries(ctx, []EntryInput{input})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
