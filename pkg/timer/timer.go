// Package timer schedules callbacks tied to an entity identity and retracts
// them when that identity is removed.
package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// Canceller retracts every timer scheduled for an identity. It returns the
// number of timers cancelled.
type Canceller interface {
	CancelTimers(component string, key entity.PrimaryKey) int
}

// NopCanceller cancels nothing.
type NopCanceller struct{}

// CancelTimers implements Canceller.
func (NopCanceller) CancelTimers(string, entity.PrimaryKey) int { return 0 }

type identity struct {
	component string
	key       entity.PrimaryKey
}

type entry struct {
	id    uint64
	timer *time.Timer
}

// Stats reports lifetime timer counters
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Fired     int64 `json:"fired"`
	Cancelled int64 `json:"cancelled"`
	Pending   int   `json:"pending"`
}

// Service is an in-memory timer service keyed by entity identity.
type Service struct {
	logger *zap.Logger

	mu      sync.Mutex
	timers  map[identity]map[uint64]*entry
	stopped bool

	nextID    atomic.Uint64
	scheduled atomic.Int64
	fired     atomic.Int64
	cancelled atomic.Int64
}

// NewService creates a timer service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger: logger.With(zap.String("service", "timer")),
		timers: make(map[identity]map[uint64]*entry),
	}
}

// Handle identifies one scheduled timer.
type Handle struct {
	svc *Service
	who identity
	id  uint64
}

// Cancel retracts the timer. It reports false when the timer already fired
// or was cancelled.
func (h Handle) Cancel() bool {
	if h.svc == nil {
		return false
	}
	h.svc.mu.Lock()
	e, ok := h.svc.take(h.who, h.id)
	h.svc.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	h.svc.cancelled.Add(1)
	return true
}

// Schedule runs fn once after delay unless the identity's timers are
// cancelled first. fn runs on its own goroutine; a panic in it is logged.
func (s *Service) Schedule(component string, key entity.PrimaryKey, delay time.Duration, fn func()) (Handle, error) {
	if err := entity.ValidateKey(key); err != nil {
		return Handle{}, err
	}
	who := identity{component: component, key: key}
	id := s.nextID.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Handle{}, entityerrors.New(entityerrors.ErrorTypeIllegalState, "timer service stopped")
	}

	e := &entry{id: id}
	e.timer = time.AfterFunc(delay, func() { s.fire(who, id, fn) })
	byID, ok := s.timers[who]
	if !ok {
		byID = make(map[uint64]*entry)
		s.timers[who] = byID
	}
	byID[id] = e
	s.scheduled.Add(1)

	return Handle{svc: s, who: who, id: id}, nil
}

func (s *Service) fire(who identity, id uint64, fn func()) {
	s.mu.Lock()
	_, ok := s.take(who, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer callback panicked",
				zap.String("component", who.component),
				zap.Any("key", who.key),
				zap.Any("panic", r))
		}
		s.fired.Add(1)
	}()
	fn()
}

// take must be called with s.mu held.
func (s *Service) take(who identity, id uint64) (*entry, bool) {
	byID, ok := s.timers[who]
	if !ok {
		return nil, false
	}
	e, ok := byID[id]
	if !ok {
		return nil, false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(s.timers, who)
	}
	return e, true
}

// CancelTimers implements Canceller.
func (s *Service) CancelTimers(component string, key entity.PrimaryKey) int {
	if entity.ValidateKey(key) != nil {
		return 0
	}
	who := identity{component: component, key: key}

	s.mu.Lock()
	byID := s.timers[who]
	delete(s.timers, who)
	s.mu.Unlock()

	for _, e := range byID {
		e.timer.Stop()
	}
	if n := len(byID); n > 0 {
		s.cancelled.Add(int64(n))
		s.logger.Debug("timers cancelled",
			zap.String("component", component),
			zap.Any("key", key),
			zap.Int("count", n))
	}
	return len(byID)
}

// Pending returns the number of timers waiting for an identity.
func (s *Service) Pending(component string, key entity.PrimaryKey) int {
	if entity.ValidateKey(key) != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[identity{component: component, key: key}])
}

// Stop cancels every pending timer and rejects new ones.
func (s *Service) Stop() {
	s.mu.Lock()
	all := s.timers
	s.timers = make(map[identity]map[uint64]*entry)
	s.stopped = true
	s.mu.Unlock()

	for _, byID := range all {
		for _, e := range byID {
			e.timer.Stop()
			s.cancelled.Add(1)
		}
	}
}

// Stats returns the service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	pending := 0
	for _, byID := range s.timers {
		pending += len(byID)
	}
	s.mu.Unlock()

	return Stats{
		Scheduled: s.scheduled.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
		Pending:   pending,
	}
}
