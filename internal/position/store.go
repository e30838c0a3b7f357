package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
)

// ErrAlreadyClosed reports a close attempt on a closed position.
var ErrAlreadyClosed = errors.New("position: already closed")

// Repository is the persistence slice the store mutates. Implemented by
// *database.Repository.
type Repository interface {
	CreatePosition(ctx context.Context, p *database.Position) error
	UpdatePositionFill(ctx context.Context, p *database.Position) error
	UpdatePositionMark(ctx context.Context, id string, unrealized decimal.Decimal, maxProfitPct float64) error
	ExtendPlannedClose(ctx context.Context, id string, until time.Time) error
	GetPosition(ctx context.Context, id string) (*database.Position, error)
	ClosePosition(ctx context.Context, id string, closeTime time.Time, closePrice, realizedPnL decimal.Decimal, reason string) error
	FreezeMargin(ctx context.Context, accountID string, margin decimal.Decimal) error
	ApplyClose(ctx context.Context, accountID string, realizedPnL, releasedMargin decimal.Decimal) error
}

// Store serializes mutations per position id. Entry executors and exit
// monitors for the same position never write concurrently.
type Store struct {
	repo   Repository
	pricer Pricer
	clock  clock.Clock
	bus    *events.Bus
	log    *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore builds a store for one account's trading type.
func NewStore(repo Repository, pricer Pricer, clk clock.Clock, bus *events.Bus) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		repo:   repo,
		pricer: pricer,
		clock:  clk,
		bus:    bus,
		log:    logging.WithComponent("position_store"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Pricer exposes the contract arithmetic for entry and exit callers.
func (s *Store) Pricer() Pricer {
	return s.pricer
}

// Repo exposes read-only queries the store does not wrap.
func (s *Store) Repo() Repository {
	return s.repo
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) releaseLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

// Create inserts a building position and freezes its margin.
func (s *Store) Create(ctx context.Context, p *database.Position) error {
	l := s.lockFor(p.ID)
	l.Lock()
	defer l.Unlock()

	if err := s.repo.CreatePosition(ctx, p); err != nil {
		return err
	}
	return s.repo.FreezeMargin(ctx, p.AccountID, p.Margin)
}

// RecordFill persists batch-fill progress. addedMargin is the margin delta
// for the new batch, frozen on the account.
func (s *Store) RecordFill(ctx context.Context, p *database.Position, addedMargin decimal.Decimal) error {
	l := s.lockFor(p.ID)
	l.Lock()
	defer l.Unlock()

	if err := s.repo.UpdatePositionFill(ctx, p); err != nil {
		return err
	}
	if addedMargin.IsPositive() {
		return s.repo.FreezeMargin(ctx, p.AccountID, addedMargin)
	}
	return nil
}

// UpdateMark writes unrealized pnl and peak profit for an open position.
func (s *Store) UpdateMark(ctx context.Context, id string, unrealized decimal.Decimal, maxProfitPct float64) error {
	return s.repo.UpdatePositionMark(ctx, id, unrealized, maxProfitPct)
}

// ExtendPlannedClose pushes the planned close forward once.
func (s *Store) ExtendPlannedClose(ctx context.Context, id string, until time.Time) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.repo.ExtendPlannedClose(ctx, id, until)
}

// Close transitions a position to closed exactly once: computes realized
// pnl net of the close fee, releases margin, applies the balance delta, and
// publishes the close event. Returns ErrAlreadyClosed on a racing close.
func (s *Store) Close(ctx context.Context, id string, closePrice decimal.Decimal, reason string) (*database.Position, error) {
	l := s.lockFor(id)
	l.Lock()
	defer func() {
		l.Unlock()
		s.releaseLock(id)
	}()

	p, err := s.repo.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == database.PositionClosed {
		return p, ErrAlreadyClosed
	}

	closeTime := s.clock.Now()
	closeFee := s.pricer.Fee(p.Quantity, closePrice)
	pnl := s.pricer.PnL(p.Quantity, p.AvgEntryPrice, closePrice, p.Side).Sub(closeFee)
	// entry fees were recorded per batch fill and settle at close
	for _, fill := range p.BatchFilled {
		pnl = pnl.Sub(fill.Fee)
	}
	if reason == database.CloseReasonEntryFailed {
		pnl = decimal.Zero
	}

	if err := s.repo.ClosePosition(ctx, id, closeTime, closePrice, pnl, reason); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return p, ErrAlreadyClosed
		}
		return nil, err
	}
	if err := s.repo.ApplyClose(ctx, p.AccountID, pnl, p.Margin); err != nil {
		return nil, err
	}

	p.Status = database.PositionClosed
	p.CloseTime = &closeTime
	p.ClosePrice = &closePrice
	p.CloseReason = &reason
	p.RealizedPnL = &pnl

	pnlStr := pnl.StringFixed(4)
	s.log.Info("Position closed",
		"position_id", id, "symbol", p.Symbol, "side", p.Side,
		"reason", reason, "pnl", pnlStr, "close_price", closePrice.String())
	if s.bus != nil {
		pnlF, _ := pnl.Float64()
		s.bus.PublishPositionClosed(p.AccountID, id, p.Symbol, p.Side, reason, pnlF)
	}
	return p, nil
}

// Abort ends a building position that never opened: zero pnl, margin
// released without a balance delta.
func (s *Store) Abort(ctx context.Context, id string, lastPrice decimal.Decimal) (*database.Position, error) {
	return s.Close(ctx, id, lastPrice, database.CloseReasonEntryFailed)
}
