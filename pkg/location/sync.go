package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/session"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

// DefaultInterval is the polling cadence for sources without push updates.
const DefaultInterval = 5 * time.Second

// Config configures a Sync.
type Config struct {
	// Interval between samples when the source is not a Watcher.
	Interval time.Duration

	Logger *slog.Logger

	// OnUnavailable is called for every failed observation.
	OnUnavailable func(error)

	// OnCounterpart is called with each counterpart location received.
	// It must not call Stop.
	OnCounterpart func(geo.TrackedLocation)
}

// Sync publishes the local position to the participant's own slot and
// caches the counterpart's position.
type Sync struct {
	source Source
	slots  *session.LocationSlots
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	counterpart *geo.TrackedLocation
	lastWritten time.Time
	err         error
	started     bool
	cancel      context.CancelFunc
	sub         sharedstate.Subscription

	wg sync.WaitGroup
}

// NewSync creates a stopped Sync.
func NewSync(source Source, slots *session.LocationSlots, cfg Config) *Sync {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sync{
		source: source,
		slots:  slots,
		cfg:    cfg,
		logger: log.Component(cfg.Logger, "location").With("session", slots.Participants().SessionID),
	}
}

// Start begins observing the position source and following the
// counterpart's slot. Starting a running Sync is a no-op.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := s.slots.SubscribeOther(ctx)
	if err != nil {
		cancel()
		return err
	}

	s.started = true
	s.cancel = cancel
	s.sub = sub

	s.wg.Add(2)
	go s.observe(ctx)
	go s.follow(sub)
	return nil
}

// Stop ends observation and the counterpart subscription and waits for both
// to finish. It is safe to call more than once, and before Start.
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, sub := s.cancel, s.sub
	s.cancel, s.sub = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	s.wg.Wait()
}

// Counterpart returns the most recent counterpart location.
func (s *Sync) Counterpart() (geo.TrackedLocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counterpart == nil {
		return geo.TrackedLocation{}, false
	}
	return *s.counterpart, true
}

// Err returns the current unavailability error, or nil once a fix has been
// published again.
func (s *Sync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sync) observe(ctx context.Context) {
	defer s.wg.Done()

	if w, ok := s.source.(Watcher); ok {
		updates, err := w.Watch(ctx)
		if err == nil {
			for obs := range updates {
				s.handle(ctx, obs.Location, obs.Err)
			}
			return
		}
		s.logger.Warn("push observation unavailable, polling instead", "error", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		loc, err := s.source.Current(ctx)
		if ctx.Err() != nil {
			return
		}
		s.handle(ctx, loc, err)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sync) handle(ctx context.Context, loc geo.TrackedLocation, err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		err = Unavailable(err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		s.logger.Warn("location unavailable", "error", err)
		if s.cfg.OnUnavailable != nil {
			s.cfg.OnUnavailable(err)
		}
		return
	}

	s.mu.Lock()
	stale := !loc.ObservedAt.After(s.lastWritten)
	s.mu.Unlock()
	if stale {
		return
	}

	if err := s.slots.WriteOwn(ctx, loc); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("publish location failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	s.lastWritten = loc.ObservedAt
	s.err = nil
	s.mu.Unlock()
	s.logger.Debug("location published", "coordinate", loc.Coordinate.String())
}

func (s *Sync) follow(sub sharedstate.Subscription) {
	defer s.wg.Done()

	for doc := range sub.C() {
		loc, ok, err := session.DecodeLocation(doc)
		if err != nil {
			s.logger.Warn("bad counterpart location", "error", err)
			continue
		}
		if !ok {
			continue
		}

		s.mu.Lock()
		s.counterpart = &loc
		s.mu.Unlock()

		if s.cfg.OnCounterpart != nil {
			s.cfg.OnCounterpart(loc)
		}
	}
}
