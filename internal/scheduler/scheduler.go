// Package scheduler drives the periodic maintenance tick: environment growth,
// inactivity reaping, and the cadence state broadcast for every room. A panic
// or error inside one room's tick is contained to that room and that cycle.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"zombiesurvivor/coordinator/internal/broadcast"
	"zombiesurvivor/coordinator/internal/dispatch"
	"zombiesurvivor/coordinator/internal/logging"
	"zombiesurvivor/coordinator/internal/protocol"
	"zombiesurvivor/coordinator/internal/room"
	"zombiesurvivor/coordinator/internal/session"
)

// Config carries the tick loop tunables.
type Config struct {
	TickInterval  time.Duration
	IdleTimeout   time.Duration
	BotSpawnBatch int
}

// Scheduler owns the maintenance loop over every room in the registry.
type Scheduler struct {
	registry *session.Registry
	caster   *broadcast.Broadcaster
	log      *logging.Logger
	now      func() time.Time
	cfg      Config

	ticks atomic.Int64
}

// Option configures optional scheduler behaviour at construction time.
type Option func(*Scheduler)

// WithClock overrides the scheduler time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs the maintenance scheduler.
func New(registry *session.Registry, caster *broadcast.Broadcaster, logger *logging.Logger, cfg Config, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.L()
	}
	s := &Scheduler{
		registry: registry,
		caster:   caster,
		log:      logger,
		now:      time.Now,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, ticking every configured interval until the context is
// cancelled. A failing cycle is logged and the loop continues; the loop never
// exits for any reason other than cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failed := s.Tick(); failed > 0 {
				// A failing cycle pauses one extra interval so a persistent
				// fault cannot spin the loop at full rate.
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.TickInterval):
				}
			}
		}
	}
}

// Tick runs one maintenance cycle across all rooms and reports how many room
// ticks failed. Exposed so tests can drive cycles deterministically without a
// ticker.
func (s *Scheduler) Tick() int {
	s.ticks.Add(1)
	now := s.now()
	failed := 0
	spawned := false
	for _, rm := range s.registry.Rooms() {
		advanced, err := s.tickRoom(rm, now)
		spawned = spawned || advanced
		if err != nil {
			failed++
			s.log.Error("room tick failed", logging.String("room", rm.ID()), logging.Error(err))
		}
	}
	//1.- The bot batch is a per-cycle figure, not a per-room one.
	if spawned {
		s.registry.RecordBotSpawn(s.cfg.BotSpawnBatch)
	}
	return failed
}

// tickRoom advances one room: environment growth, inactivity reaping, then a
// state broadcast when anyone is left to hear it. advanced reports whether the
// room crossed a spawn interval this cycle.
func (s *Scheduler) tickRoom(rm *room.Room, now time.Time) (advanced bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("room tick panicked: %v", recovered)
		}
	}()

	//1.- Environment growth fires at most once per spawn interval.
	if rm.AdvanceEnvironment(now) {
		advanced = true
		s.log.Info("environment advanced",
			logging.String("room", rm.ID()),
			logging.Int("zombies", rm.ZombieCount()))
	}

	//2.- Reap idle players and announce each departure to the survivors.
	for _, departed := range rm.ReapInactive(now, s.cfg.IdleTimeout) {
		s.log.Info("reaped inactive player",
			logging.String("room", rm.ID()),
			logging.String("uid", departed.UID))
		dispatch.AnnounceDeparture(s.registry, s.caster, rm, departed.Name, now, s.log)
		if closer, canClose := departed.Conn.(interface{ Close() error }); canClose {
			closer.Close()
		}
	}

	//3.- The cadence broadcast keeps clients converged even when nobody moves.
	if rm.Len() > 0 {
		update := protocol.NewRoomUpdate(rm.Snapshot(), s.registry.SnapshotStats(), now)
		return advanced, s.caster.Deliver(broadcast.KindState, protocol.TypeRoomUpdate, rm.Recipients(), update)
	}
	return advanced, nil
}

// Ticks reports how many maintenance cycles have run.
func (s *Scheduler) Ticks() int64 {
	if s == nil {
		return 0
	}
	return s.ticks.Load()
}
