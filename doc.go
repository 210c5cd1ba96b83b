// Package entitycore manages the instances of stateful entity components:
// pooled beans bound to business identities, with exclusive ownership per
// identity and release tied to transaction completion.
//
// # Architecture
//
// A component is assembled from four parts:
//
// 1. Instance pool (pkg/entity.InstancePool): idle beans with no identity,
// reset before reuse and destroyed when a fault makes them unsafe.
//
// 2. Identity cache (pkg/entity.ReferenceCountingCache): at most one live
// instance per primary key, pinned while calls or transactions use it and
// evicted only when idle.
//
// 3. Ownership lock (pkg/lock): a reentrant lock owned by a transaction or,
// outside one, by a goroutine. A transaction keeps the lock until it
// completes.
//
// 4. Interceptor chains (pkg/interceptor): every call passes through
// observation, association, synchronization, the reentrancy guard and
// dispatch. Create, remove, finder and identity calls use their own chains.
//
// # Quick Start
//
//	txm := tx.NewManager(log)
//	accounts, err := component.New("Account", newAccount, cfg,
//	    component.WithTransactions[*Account](txm),
//	    component.WithMethod("Deposit", deposit),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := accounts.Start(ctx); err != nil {
//	    return err
//	}
//	defer accounts.Stop()
//
//	ref, err := accounts.Create(ctx, "acct-1")
//	if err != nil {
//	    return err
//	}
//	err = txm.Run(ctx, func(ctx context.Context) error {
//	    _, err := ref.Invoke(ctx, "Deposit", int64(100))
//	    return err
//	})
//
// # Observability
//
// Components publish Prometheus metrics (pkg/metrics), OpenTelemetry spans
// and counters (pkg/observability) and structured zap logs (pkg/logger).
//
// # Command Line
//
// cmd/entitycore manages configuration files and runs a contention workload
// (internal/simulation) that reports pool, cache, lock and transaction
// statistics.
package entitycore
