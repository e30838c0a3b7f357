package monitor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/notification"
	"futures-trading-engine/internal/position"
)

// Repository is the read slice the supervisor reconciles against.
type Repository interface {
	GetLivePositions(ctx context.Context, accountID string) ([]*database.Position, error)
	GetTimedOutPositions(ctx context.Context, accountID string, now time.Time, extension time.Duration) ([]*database.Position, error)
}

// Supervisor reconciles running monitors against the database every cycle.
// The database is the source of truth: any drift cancels all monitors and
// rebuilds them from the live rows.
type Supervisor struct {
	accountID   string
	repo        Repository
	manager     *Manager
	store       *position.Store
	notifier    *notification.Manager
	bus         *events.Bus
	clock       clock.Clock
	log         *logging.Logger
	interval    time.Duration
	entryWindow time.Duration
	extension   time.Duration

	restarts      int
	lastHeartbeat time.Time
}

// NewSupervisor builds the reconciliation loop for one account.
func NewSupervisor(accountID string, repo Repository, manager *Manager, store *position.Store,
	notifier *notification.Manager, bus *events.Bus, clk clock.Clock,
	entryWindow, extension time.Duration) *Supervisor {

	if clk == nil {
		clk = clock.Real{}
	}
	return &Supervisor{
		accountID:   accountID,
		repo:        repo,
		manager:     manager,
		store:       store,
		notifier:    notifier,
		bus:         bus,
		clock:       clk,
		log:         logging.WithComponent("supervisor").WithField("account", accountID),
		interval:    time.Minute,
		entryWindow: entryWindow,
		extension:   extension,
	}
}

// Run blocks until the context ends, reconciling once per interval.
func (s *Supervisor) Run(ctx context.Context) error {
	s.lastHeartbeat = s.clock.Now()
	s.Reconcile(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile runs one supervision cycle.
func (s *Supervisor) Reconcile(ctx context.Context) {
	now := s.clock.Now()

	live, err := s.repo.GetLivePositions(ctx, s.accountID)
	if err != nil {
		s.log.Error("Failed to load live positions", "error", err.Error())
		return
	}

	var open []*database.Position
	for _, p := range live {
		switch p.Status {
		case database.PositionOpen:
			open = append(open, p)
		case database.PositionBuilding:
			if s.adoptBuilding(ctx, p, now) {
				open = append(open, p)
			}
		}
	}

	timedOut, err := s.repo.GetTimedOutPositions(ctx, s.accountID, now, s.extension)
	if err != nil {
		s.log.Error("Failed to load timed out positions", "error", err.Error())
		timedOut = nil
	}
	closedNow := make(map[string]struct{}, len(timedOut))
	for _, p := range timedOut {
		s.log.Warn("Force closing timed out position",
			"position_id", p.ID, "symbol", p.Symbol,
			"planned_close", p.PlannedCloseTime.Format(time.RFC3339))
		s.manager.CloseNow(ctx, p, database.CloseReasonPlannedTimeout)
		closedNow[p.ID] = struct{}{}
	}

	dbIDs := make([]string, 0, len(open))
	for _, p := range open {
		if _, gone := closedNow[p.ID]; gone {
			continue
		}
		dbIDs = append(dbIDs, p.ID)
	}
	monIDs := s.manager.Active()

	if !sameIDSet(dbIDs, monIDs) {
		s.restarts++
		s.log.Warn("Monitor drift detected, restarting all monitors",
			"db_count", len(dbIDs), "monitor_count", len(monIDs), "timed_out", len(timedOut))
		s.manager.StopAll()
		for _, p := range open {
			s.manager.Watch(ctx, p)
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type: events.EventSupervisorRestart, Account: s.accountID, Timestamp: now,
				Data: map[string]interface{}{
					"db_count":      len(dbIDs),
					"monitor_count": len(monIDs),
					"timed_out":     len(timedOut),
				},
			})
		}
		if s.notifier != nil {
			s.notifier.SendSupervisorRestart(s.accountID, len(dbIDs), len(monIDs), len(timedOut))
		}
	}

	if now.Sub(s.lastHeartbeat) >= 10*time.Minute {
		s.lastHeartbeat = now
		s.log.Info("Supervisor heartbeat",
			"monitors", len(s.manager.Active()), "live_positions", len(live), "restarts", s.restarts)
	}
}

// Restarts returns how many times the supervisor rebuilt the monitor set.
func (s *Supervisor) Restarts() int {
	return s.restarts
}

// adoptBuilding resolves positions stranded mid-entry by a crash: with no
// fills past the entry window they close as failed, with fills they open at
// their partial size and get a monitor. Returns true when the position was
// promoted to open.
func (s *Supervisor) adoptBuilding(ctx context.Context, p *database.Position, now time.Time) bool {
	deadline := p.EntrySignalTime.Add(s.entryWindow + 2*time.Minute)
	if now.Before(deadline) {
		return false // the entry executor still owns it
	}

	if len(p.BatchFilled) == 0 {
		s.log.Warn("Abandoned building position with no fills, closing",
			"position_id", p.ID, "symbol", p.Symbol)
		if _, err := s.store.Abort(ctx, p.ID, p.AvgEntryPrice); err != nil {
			s.log.Error("Failed to close abandoned position", "position_id", p.ID, "error", err.Error())
		}
		return false
	}

	s.log.Warn("Adopting partially filled building position",
		"position_id", p.ID, "symbol", p.Symbol, "batches", len(p.BatchFilled))
	p.Status = database.PositionOpen
	if err := s.store.RecordFill(ctx, p, decimal.Zero); err != nil {
		s.log.Error("Failed to open adopted position", "position_id", p.ID, "error", err.Error())
		return false
	}
	s.manager.Watch(ctx, p)
	return true
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}
