// Package recovery wraps arbitrary fallible operations with a
// configurable failure policy. Each failure is classified into an
// error kind, the kind resolves to a strategy (retry, rollback, skip,
// escalate, or manual), and the manager carries the operation through
// that strategy while persisting checkpoints and an append-only audit
// trail of every attempt.
//
//	mgr := recovery.New(store,
//		recovery.WithMaxRetries(5),
//		recovery.WithStrategy(recovery.KindTimeout, recovery.StrategyEscalate),
//	)
//
//	result, err := mgr.Execute(ctx, "import-users", func(ctx context.Context) (any, error) {
//		return importUsers(ctx)
//	})
//
// Retries back off exponentially with jitter by default. Rollback
// restores sibling .bak files registered through Backup or
// RegisterBackup. Skip swallows the failure and yields a nil result.
package recovery
