package app

import (
	"context"
	"fmt"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/shopspring/decimal"
)

const maxWalletEntries = 100

// GetUser returns the caller's profile, creating it on first contact.
func (s *Service) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	return s.repo.EnsureUser(ctx, userID, s.now())
}

// WalletEntries returns the most recent ledger entries, newest first.
func (s *Service) WalletEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > maxWalletEntries {
		limit = maxWalletEntries
	}
	return s.repo.ListWalletEntries(ctx, userID, limit)
}

// TopUp credits a wallet from an external funding source.
func (s *Service) TopUp(ctx context.Context, userID string, amount decimal.Decimal) (*domain.LedgerEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: top-up amount must be greater than zero", domain.ErrInvalidInput)
	}
	if err := domain.ValidateCents("top-up amount", amount); err != nil {
		return nil, err
	}
	amount = amount.Round(2)
	entry, err := s.repo.TopUpWallet(ctx, userID, amount, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet topped up", "user_id", userID, "amount", amount.StringFixed(2))
	return entry, nil
}
