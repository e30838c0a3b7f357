// Package tracker records every exchange order attempt to the order log,
// keeping an audit trail per position.
package tracker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
)

// Purpose values for order log rows.
const (
	PurposeEntryBatch1 = "entry_batch_1"
	PurposeEntryBatch2 = "entry_batch_2"
	PurposeEntryBatch3 = "entry_batch_3"
	PurposeClose       = "close"
)

// OrderLogRepository is the persistence slice the tracker needs.
type OrderLogRepository interface {
	CreateOrderLog(ctx context.Context, e *database.OrderLogEntry) error
	GetOrderLogByPosition(ctx context.Context, positionID string) ([]*database.OrderLogEntry, error)
}

// OrderTracker writes order attempts to the DB and a structured audit log.
type OrderTracker struct {
	mu        sync.Mutex
	repo      OrderLogRepository
	logger    zerolog.Logger
	accountID string

	attempts int
	failures int
}

// NewOrderTracker creates a tracker for one account.
func NewOrderTracker(repo OrderLogRepository, logger zerolog.Logger, accountID string) *OrderTracker {
	return &OrderTracker{
		repo:      repo,
		logger:    logger.With().Str("component", "OrderTracker").Str("account", accountID).Logger(),
		accountID: accountID,
	}
}

// RecordFill logs a successful order execution.
func (t *OrderTracker) RecordFill(ctx context.Context, positionID, symbol, purpose string, result *exchange.OrderResult, orderType exchange.OrderType, fee decimal.Decimal) {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()

	entry := &database.OrderLogEntry{
		PositionID: positionID,
		AccountID:  t.accountID,
		Symbol:     symbol,
		Side:       string(result.Side),
		OrderType:  string(orderType),
		Purpose:    purpose,
		Quantity:   result.FillQty,
		Price:      result.FillPrice,
		Fee:        fee,
		Ok:         true,
		ExchangeID: result.ExchangeID,
	}
	if err := t.repo.CreateOrderLog(ctx, entry); err != nil {
		t.logger.Error().Err(err).
			Str("position_id", positionID).
			Str("purpose", purpose).
			Msg("Failed to persist order log entry")
	}

	t.logger.Info().
		Str("position_id", positionID).
		Str("symbol", symbol).
		Str("purpose", purpose).
		Str("side", string(result.Side)).
		Str("price", result.FillPrice.String()).
		Str("qty", result.FillQty.String()).
		Str("exchange_id", result.ExchangeID).
		Msg("Order filled")
}

// RecordFailure logs a rejected or errored order attempt.
func (t *OrderTracker) RecordFailure(ctx context.Context, positionID, symbol, side, purpose string, orderType exchange.OrderType, qty, price decimal.Decimal, reason string) {
	t.mu.Lock()
	t.attempts++
	t.failures++
	t.mu.Unlock()

	entry := &database.OrderLogEntry{
		PositionID: positionID,
		AccountID:  t.accountID,
		Symbol:     symbol,
		Side:       side,
		OrderType:  string(orderType),
		Purpose:    purpose,
		Quantity:   qty,
		Price:      price,
		Ok:         false,
		Reason:     reason,
	}
	if err := t.repo.CreateOrderLog(ctx, entry); err != nil {
		t.logger.Error().Err(err).
			Str("position_id", positionID).
			Str("purpose", purpose).
			Msg("Failed to persist order log entry")
	}

	t.logger.Warn().
		Str("position_id", positionID).
		Str("symbol", symbol).
		Str("purpose", purpose).
		Str("reason", reason).
		Msg("Order failed")
}

// History returns the order trail of one position.
func (t *OrderTracker) History(ctx context.Context, positionID string) ([]*database.OrderLogEntry, error) {
	return t.repo.GetOrderLogByPosition(ctx, positionID)
}

// Stats returns attempt and failure counters since startup.
func (t *OrderTracker) Stats() (attempts, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts, t.failures
}

// EntryPurpose maps a batch number to its purpose label.
func EntryPurpose(batch int) string {
	switch batch {
	case 1:
		return PurposeEntryBatch1
	case 2:
		return PurposeEntryBatch2
	default:
		return PurposeEntryBatch3
	}
}
