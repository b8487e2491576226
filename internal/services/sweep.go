package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kitabu/kitabu-gobackend/internal/store"
)

const sweepBatchSize = 100

// Sweeper repairs what the callback path cannot guarantee on its own:
// completed payments whose premium activation failed, and pending payments
// whose callback never arrived.
type Sweeper struct {
	txns          store.TransactionStore
	activator     EntitlementActivator
	pendingExpiry time.Duration
	now           func() time.Time
}

func NewSweeper(txns store.TransactionStore, activator EntitlementActivator, pendingExpiry time.Duration) *Sweeper {
	return &Sweeper{txns: txns, activator: activator, pendingExpiry: pendingExpiry, now: time.Now}
}

// GrantMissing activates premium for completed transactions that have no
// recorded activation.
func (s *Sweeper) GrantMissing(ctx context.Context) (int, error) {
	txns, err := s.txns.ListUngranted(ctx, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	granted := 0
	for _, txn := range txns {
		at := s.now()
		if err := s.activator.ActivatePremium(ctx, txn.UserRef, at); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Error("Completed payment has no owner", "transaction_id", txn.ID, "user_id", txn.UserRef)
				continue
			}
			return granted, err
		}
		if err := s.txns.MarkEntitlementGranted(ctx, txn.ID, at); err != nil {
			return granted, err
		}
		slog.Info("Sweep granted missing premium", "transaction_id", txn.ID, "user_id", txn.UserRef)
		granted++
	}
	return granted, nil
}

// ExpireStale cancels pending transactions older than the expiry window.
// This is the only path to the cancelled state.
func (s *Sweeper) ExpireStale(ctx context.Context) (int64, error) {
	if s.pendingExpiry <= 0 {
		return 0, nil
	}
	now := s.now()
	n, err := s.txns.ExpirePending(ctx, now.Add(-s.pendingExpiry), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Sweep cancelled stale pending payments", "count", n)
	}
	return n, nil
}

func (s *Sweeper) RunOnce(ctx context.Context) error {
	if _, err := s.GrantMissing(ctx); err != nil {
		return err
	}
	_, err := s.ExpireStale(ctx)
	return err
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.Error("Sweep failed", "error", err)
			}
		}
	}
}
