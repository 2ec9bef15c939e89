package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HasActiveTouristPass returns the most recent usable pass, or nil when there is none.
func (service *Service) HasActiveTouristPass(ctx context.Context, userID UserID) (*PassSummary, error) {
	now := service.Now()
	pass, err := service.store.FindActiveTouristPass(ctx, userID, now)
	if errors.Is(err, ErrNoActiveTouristPass) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !pass.ActiveAt(now) {
		return nil, nil
	}
	return &PassSummary{PassID: pass.PassID, Remaining: pass.Remaining(), ExpiresAt: pass.EndsAt}, nil
}

// ConsumeTouristPass uses one class of a pass; exhausted passes are left untouched.
func (service *Service) ConsumeTouristPass(ctx context.Context, passID string) error {
	var owner UserID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		pass, err := transactionStore.GetTouristPassForUpdate(ctx, passID)
		if err != nil {
			return err
		}
		owner = pass.UserID
		if pass.ClassesUsed >= pass.ClassesTotal {
			return WrapError(errorOperationService, errorSubjectPass, errorCodeExhausted, ErrTouristPassExhausted)
		}
		return transactionStore.IncrementTouristPassUsage(ctx, passID, pass.ClassesUsed)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConsumePass,
		UserID:    owner,
		PassID:    passID,
		Credits:   1,
		Error:     operationError,
	})
	return operationError
}

// AddTouristPass activates a pass starting now.
func (service *Service) AddTouristPass(ctx context.Context, userID UserID, durationDays int, totalClasses int, sourceRef string) (TouristPass, error) {
	var pass TouristPass
	operationError := func() error {
		if durationDays <= 0 || totalClasses <= 0 {
			return fmt.Errorf("%w: duration and classes must be positive", ErrInvalidCredits)
		}
		if strings.TrimSpace(sourceRef) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidSourceRef)
		}
		now := service.Now().Truncate(time.Second)
		pass = TouristPass{
			PassID:       uuid.NewString(),
			UserID:       userID,
			StartsAt:     now,
			EndsAt:       now.Add(time.Duration(durationDays) * hoursPerDay * time.Hour),
			ClassesTotal: totalClasses,
			ClassesUsed:  0,
			SourceRef:    strings.TrimSpace(sourceRef),
			CreatedAt:    now,
		}
		return service.store.InsertTouristPass(ctx, pass)
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationAddPass,
		UserID:    userID,
		PassID:    pass.PassID,
		Credits:   int64(totalClasses),
		Error:     operationError,
	})
	if operationError != nil {
		return TouristPass{}, operationError
	}
	return pass, nil
}
