package interceptor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/lock"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

// currentOwner resolves the lock owner of the calling path: the ambient
// transaction, or the calling goroutine without one.
func currentOwner(ctx context.Context, registry tx.Registry) (lock.Owner, tx.Key, bool) {
	if key, ok := registry.CurrentTransactionKey(ctx); ok {
		return lock.TransactionOwner(string(key)), key, true
	}
	return lock.CurrentGoroutine(), "", false
}

// SynchronizationInterceptor serializes calls on an instance with its
// ownership lock and ties the release of the lock to the ambient
// transaction.
//
// Inside a transaction, the first call of that transaction on the instance
// registers an interposed synchronization and leaves the lock held; the
// synchronization's AfterCompletion is then the only place that releases
// the instance and unlocks it. Every other call, and every call without a
// transaction, unlocks its own hold before returning.
type SynchronizationInterceptor struct {
	registry       tx.Registry
	cache          entity.InstanceCache
	collector      *metrics.Collector
	logger         *zap.Logger
	acquireTimeout time.Duration
}

// NewSynchronizationInterceptor creates the stage. acquireTimeout bounds
// the lock wait when positive; the caller's context always does.
func NewSynchronizationInterceptor(registry tx.Registry, cache entity.InstanceCache, acquireTimeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *SynchronizationInterceptor {
	if registry == nil {
		registry = tx.NoTransactions{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SynchronizationInterceptor{
		registry:       registry,
		cache:          cache,
		collector:      collector,
		logger:         logger,
		acquireTimeout: acquireTimeout,
	}
}

// Invoke implements Interceptor.
func (s *SynchronizationInterceptor) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	inst := inv.Instance
	l := inst.Lock()

	owner, txKey, inTx := currentOwner(ctx, s.registry)
	l.PushOwner(owner)
	defer l.PopOwner()

	if err := s.acquire(ctx, inv); err != nil {
		return nil, err
	}

	// registered is set once this call handed its hold to a
	// synchronization; the deferred unlock must not run then.
	registered := false
	defer func() {
		if !registered {
			l.Unlock()
		}
	}()

	if inst.IsRemoved() || inst.IsDiscarded() {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeNotFound,
			"%s was removed while waiting for it", inst).WithDetail("method", inv.Method)
	}

	if !inTx {
		return s.invokeInline(ctx, inv, next)
	}

	if inst.ClaimSync(txKey) {
		if err := s.register(ctx, inst, txKey); err != nil {
			return nil, err
		}
		registered = true
	} else if holder := inst.SyncTransaction(); holder != txKey {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"%s is synchronized with transaction %s while locked by %s", inst, holder, txKey)
	}

	return next(ctx, inv)
}

// acquire takes the ownership lock, waiting only when it is contended.
func (s *SynchronizationInterceptor) acquire(ctx context.Context, inv *Invocation) error {
	l := inv.Instance.Lock()
	if l.TryLock() {
		s.collector.LockAcquired(0, false)
		return nil
	}

	start := time.Now()
	waitCtx := ctx
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}

	if err := l.Lock(waitCtx); err != nil {
		s.logger.Debug("lock wait abandoned",
			zap.Stringer("instance", inv.Instance),
			zap.Stringer("holder", l.Holder()),
			zap.Duration("waited", time.Since(start)),
			zap.Error(err))
		return entityerrors.Wrap(err, entityerrors.ErrorTypeTimeout,
			fmt.Sprintf("waiting for the lock of %s", inv.Instance)).
			WithDetail("method", inv.Method)
	}
	s.collector.LockAcquired(time.Since(start), true)
	return nil
}

// register pins the instance for the transaction and hands it a
// synchronization. On failure the claim and the pin are undone.
func (s *SynchronizationInterceptor) register(ctx context.Context, inst *entity.Instance, key tx.Key) error {
	if err := s.cache.Reference(inst); err != nil {
		inst.ReleaseSync(key)
		return err
	}

	hook := &instanceSynchronization{
		ctx:       context.WithoutCancel(ctx),
		inst:      inst,
		key:       key,
		cache:     s.cache,
		collector: s.collector,
		logger:    s.logger,
	}
	if err := s.registry.RegisterInterposedSynchronization(ctx, hook); err != nil {
		inst.ReleaseSync(key)
		s.cache.Release(inst, true)
		return entityerrors.Wrap(err, entityerrors.ErrorTypeTransaction,
			fmt.Sprintf("registering synchronization for %s", inst))
	}

	s.collector.Synchronization("registered")
	s.logger.Debug("synchronization registered",
		zap.Stringer("instance", inst),
		zap.String("tx", string(key)))
	return nil
}

// invokeInline runs a call without a transaction: the instance is flushed
// and released before the lock is given up.
func (s *SynchronizationInterceptor) invokeInline(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	inst := inv.Instance
	if err := s.cache.Reference(inst); err != nil {
		return nil, err
	}

	result, err := next(ctx, inv)

	if !inst.IsRemoved() && !inst.IsDiscarded() {
		if serr := store(ctx, inst); serr != nil {
			s.logger.Warn("store failed, discarding instance",
				zap.Stringer("instance", inst), zap.Error(serr))
			s.cache.Discard(inst)
			if err == nil {
				result, err = nil, serr
			}
		}
	}
	s.cache.Release(inst, !inst.IsDiscarded())

	return result, err
}

// store runs the bean's Storer hook, turning a panic into an error.
func store(ctx context.Context, inst *entity.Instance) (err error) {
	st, ok := inst.Bean().(entity.Storer)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = entityerrors.FromPanic(r)
		}
	}()
	if err := st.Store(ctx); err != nil {
		return entityerrors.Wrap(err, entityerrors.ErrorTypeInternal, fmt.Sprintf("storing %s", inst))
	}
	return nil
}

// instanceSynchronization completes the unit of work of one instance in
// one transaction.
type instanceSynchronization struct {
	ctx       context.Context
	inst      *entity.Instance
	key       tx.Key
	cache     entity.InstanceCache
	collector *metrics.Collector
	logger    *zap.Logger
	once      sync.Once
}

// BeforeCompletion flushes the instance while its lock is still held.
func (s *instanceSynchronization) BeforeCompletion() error {
	if s.inst.IsRemoved() || s.inst.IsDiscarded() {
		return nil
	}
	return store(s.ctx, s.inst)
}

// AfterCompletion releases the transaction's pin and its hold on the lock.
// It acts once; a repeated completion is logged and ignored.
func (s *instanceSynchronization) AfterCompletion(status tx.Status) {
	done := false
	s.once.Do(func() {
		done = true
		s.complete(status)
	})
	if !done {
		s.logger.DPanic("synchronization completed twice",
			zap.Stringer("instance", s.inst),
			zap.String("tx", string(s.key)),
			zap.Stringer("status", status))
	}
}

func (s *instanceSynchronization) complete(status tx.Status) {
	l := s.inst.Lock()
	l.PushOwner(lock.TransactionOwner(string(s.key)))
	defer l.PopOwner()

	committed := status == tx.StatusCommitted
	if committed {
		s.inst.ConfirmCreate()
	}

	// the record goes first so the next owner can claim a synchronization
	// as soon as it holds the lock
	s.inst.ReleaseSync(s.key)
	s.cache.Release(s.inst, committed)
	s.collector.Synchronization(status.String())
	l.Unlock()

	s.logger.Debug("synchronization completed",
		zap.Stringer("instance", s.inst),
		zap.String("tx", string(s.key)),
		zap.Stringer("status", status))
}
