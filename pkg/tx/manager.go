package tx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/logger"
)

var (
	// ErrNoTransaction is returned when ctx carries no active transaction
	ErrNoTransaction = entityerrors.New(entityerrors.ErrorTypeIllegalState, "no transaction associated with context")
	// ErrNotActive is returned when a completed or completing transaction is used
	ErrNotActive = entityerrors.New(entityerrors.ErrorTypeIllegalState, "transaction is not active")
	// ErrNestedTransaction is returned by Begin when ctx already carries an active transaction
	ErrNestedTransaction = entityerrors.New(entityerrors.ErrorTypeIllegalState, "nested transactions are not supported")
	// ErrRolledBack is returned by Commit when the transaction rolled back instead
	ErrRolledBack = entityerrors.New(entityerrors.ErrorTypeTransaction, "transaction rolled back")
)

type contextKey struct{}

// NewContext returns a copy of ctx associated with t.
func NewContext(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the transaction associated with ctx, completed or not.
func FromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(contextKey{}).(*Transaction)
	return t, ok && t != nil
}

// Suspend returns a copy of ctx with no transaction association.
func Suspend(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, (*Transaction)(nil))
}

// Transaction is an in-memory transaction. It has no resources of its own;
// its only job is to drive registered synchronizations through completion.
type Transaction struct {
	key     Key
	manager *Manager
	logger  *zap.Logger

	mu           sync.Mutex
	status       Status
	completing   bool
	syncs        []Synchronization
	interposed   []Synchronization
	startTime    time.Time
	endTime      time.Time
	timeoutTimer *time.Timer
	timedOut     bool
	cancel       context.CancelFunc
}

// Key returns the transaction key.
func (t *Transaction) Key() Key {
	return t.key
}

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TimedOut reports whether the timeout fired while the transaction was
// still active. That marks it rollback-only and cancels its context; the
// rollback itself happens when the owner completes it.
func (t *Transaction) TimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOut
}

// Duration returns how long the transaction ran, or has been running.
func (t *Transaction) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endTime.IsZero() {
		return time.Since(t.startTime)
	}
	return t.endTime.Sub(t.startTime)
}

// RegisterSynchronization registers a regular synchronization.
func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	return t.register(s, false)
}

// RegisterInterposedSynchronization registers an interposed synchronization.
func (t *Transaction) RegisterInterposedSynchronization(s Synchronization) error {
	return t.register(s, true)
}

func (t *Transaction) register(s Synchronization, interposed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusActive, StatusMarkedRollback, StatusPreparing:
	default:
		return ErrNotActive
	}

	if interposed {
		t.interposed = append(t.interposed, s)
	} else {
		t.syncs = append(t.syncs, s)
	}
	return nil
}

// SetRollbackOnly dooms the transaction.
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusActive, StatusPreparing:
		t.status = StatusMarkedRollback
		return nil
	case StatusMarkedRollback:
		return nil
	default:
		return ErrNotActive
	}
}

// Commit completes the transaction. Before-completion callbacks run first,
// regular ones before interposed ones; a failing callback or a rollback-only
// mark turns the commit into a rollback and ErrRolledBack is returned.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.completing {
		t.mu.Unlock()
		return ErrNotActive
	}
	t.completing = true
	if t.status == StatusMarkedRollback {
		t.mu.Unlock()
		t.finish(StatusRolledBack)
		return ErrRolledBack
	}
	t.status = StatusPreparing
	t.mu.Unlock()

	if err := t.beforeCompletion(); err != nil {
		t.finish(StatusRolledBack)
		return entityerrors.Wrap(err, entityerrors.ErrorTypeTransaction, "before completion failed").
			WithDetail("transaction", string(t.key))
	}

	t.mu.Lock()
	doomed := t.status == StatusMarkedRollback
	t.mu.Unlock()
	if doomed {
		t.finish(StatusRolledBack)
		return ErrRolledBack
	}

	t.finish(StatusCommitted)
	return nil
}

// Rollback rolls the transaction back. Before-completion callbacks do not run.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if t.completing {
		t.mu.Unlock()
		return ErrNotActive
	}
	t.completing = true
	t.mu.Unlock()

	t.finish(StatusRolledBack)
	return nil
}

// beforeCompletion walks the registered synchronizations by index so that
// synchronizations registered by earlier callbacks are also run.
func (t *Transaction) beforeCompletion() error {
	for i := 0; ; i++ {
		t.mu.Lock()
		total := len(t.syncs) + len(t.interposed)
		if i >= total {
			t.mu.Unlock()
			return nil
		}
		var s Synchronization
		if i < len(t.syncs) {
			s = t.syncs[i]
		} else {
			s = t.interposed[i-len(t.syncs)]
		}
		t.mu.Unlock()

		if err := t.callBefore(s); err != nil {
			return err
		}
	}
}

func (t *Transaction) callBefore(s Synchronization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = entityerrors.FromPanic(r)
		}
	}()
	return s.BeforeCompletion()
}

func (t *Transaction) finish(status Status) {
	t.mu.Lock()
	t.status = status
	t.endTime = time.Now()
	if t.timeoutTimer != nil {
		t.timeoutTimer.Stop()
	}
	interposed := append([]Synchronization(nil), t.interposed...)
	syncs := append([]Synchronization(nil), t.syncs...)
	t.mu.Unlock()

	t.manager.forget(t, status)

	for _, s := range interposed {
		t.callAfter(s, status)
	}
	for _, s := range syncs {
		t.callAfter(s, status)
	}

	t.logger.Debug("transaction completed",
		zap.String("status", status.String()),
		zap.Duration("duration", t.Duration()))
}

func (t *Transaction) callAfter(s Synchronization, status Status) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("after completion callback panicked",
				zap.Any("panic", r),
				zap.String("status", status.String()))
		}
	}()
	s.AfterCompletion(status)
}

// expire dooms a transaction that outlived its timeout and cancels its
// context, so calls blocked on its behalf give up. Completion stays with
// whoever owns the transaction.
func (t *Transaction) expire() {
	t.mu.Lock()
	if t.completing {
		t.mu.Unlock()
		return
	}
	t.timedOut = true
	if t.status == StatusActive {
		t.status = StatusMarkedRollback
	}
	t.mu.Unlock()

	t.logger.Warn("transaction timed out, marked for rollback")
	t.cancel()
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithDefaultTimeout sets the timeout applied to transactions begun without
// an explicit one. Zero disables timeouts.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.defaultTimeout = d
	}
}

// BeginOption configures a single transaction
type BeginOption func(*beginOptions)

type beginOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout marks the transaction rollback-only and cancels its context
// if it is still active after d.
func WithTimeout(d time.Duration) BeginOption {
	return func(o *beginOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// ManagerStats reports transaction counters
type ManagerStats struct {
	Begun      int64 `json:"begun"`
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	TimedOut   int64 `json:"timed_out"`
	Active     int   `json:"active"`
}

// Manager is an in-memory transaction manager and the Registry for the
// transactions it creates.
type Manager struct {
	logger         *zap.Logger
	defaultTimeout time.Duration

	mu     sync.RWMutex
	active map[Key]*Transaction

	begun      atomic.Int64
	committed  atomic.Int64
	rolledBack atomic.Int64
	timedOut   atomic.Int64
}

// NewManager creates a transaction manager.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger: logger.With(zap.String("component", "tx_manager")),
		active: make(map[Key]*Transaction),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a transaction and returns a context associated with it.
func (m *Manager) Begin(ctx context.Context, opts ...BeginOption) (context.Context, *Transaction, error) {
	if current, ok := FromContext(ctx); ok && !current.Status().IsCompleted() {
		return ctx, nil, ErrNestedTransaction
	}

	o := beginOptions{timeout: m.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	key := Key(uuid.NewString())
	txCtx, cancel := context.WithCancel(ctx)
	t := &Transaction{
		key:       key,
		manager:   m,
		logger:    m.logger.With(zap.String("transaction", string(key))),
		status:    StatusActive,
		startTime: time.Now(),
		cancel:    cancel,
	}
	if o.timeout > 0 {
		t.timeoutTimer = time.AfterFunc(o.timeout, t.expire)
	}

	m.mu.Lock()
	m.active[key] = t
	m.mu.Unlock()
	m.begun.Add(1)

	txCtx = logger.WithTransaction(txCtx, string(key))
	return NewContext(txCtx, t), t, nil
}

// Run executes fn inside a new transaction, committing when fn succeeds and
// rolling back when it fails.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error, opts ...BeginOption) error {
	txCtx, t, err := m.Begin(ctx, opts...)
	if err != nil {
		return err
	}

	if err := fn(txCtx); err != nil {
		if rbErr := t.Rollback(); rbErr != nil {
			m.logger.Warn("rollback failed", zap.Error(rbErr), zap.String("transaction", string(t.key)))
		}
		return err
	}
	return t.Commit()
}

// Get returns an active transaction by key.
func (m *Manager) Get(key Key) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[key]
	return t, ok
}

// Active returns all active transactions.
func (m *Manager) Active() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*Transaction, 0, len(m.active))
	for _, t := range m.active {
		active = append(active, t)
	}
	return active
}

// Count returns the number of active transactions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Stats returns the manager counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Begun:      m.begun.Load(),
		Committed:  m.committed.Load(),
		RolledBack: m.rolledBack.Load(),
		TimedOut:   m.timedOut.Load(),
		Active:     m.Count(),
	}
}

func (m *Manager) forget(t *Transaction, status Status) {
	m.mu.Lock()
	delete(m.active, t.key)
	m.mu.Unlock()

	switch status {
	case StatusCommitted:
		m.committed.Add(1)
	case StatusRolledBack:
		m.rolledBack.Add(1)
	}
	if t.TimedOut() {
		m.timedOut.Add(1)
	}
}

// current returns the active transaction associated with ctx.
func (m *Manager) current(ctx context.Context) (*Transaction, bool) {
	t, ok := FromContext(ctx)
	if !ok || t.Status().IsCompleted() {
		return nil, false
	}
	return t, true
}

// CurrentTransactionKey implements Registry.
func (m *Manager) CurrentTransactionKey(ctx context.Context) (Key, bool) {
	t, ok := m.current(ctx)
	if !ok {
		return "", false
	}
	return t.key, true
}

// RegisterInterposedSynchronization implements Registry.
func (m *Manager) RegisterInterposedSynchronization(ctx context.Context, s Synchronization) error {
	t, ok := m.current(ctx)
	if !ok {
		return ErrNoTransaction
	}
	return t.RegisterInterposedSynchronization(s)
}

// SetRollbackOnly implements Registry.
func (m *Manager) SetRollbackOnly(ctx context.Context) error {
	t, ok := m.current(ctx)
	if !ok {
		return ErrNoTransaction
	}
	return t.SetRollbackOnly()
}
