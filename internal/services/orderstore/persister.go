package orderstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

// RunPersister writes finalized orders to every HistoryWriter until ctx is
// cancelled, then flushes what is already queued. Write failures are logged;
// the in-memory history stays authoritative.
func (s *Store) RunPersister(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drainPersist()
			return nil
		case entry := <-s.persist:
			s.write(ctx, entry)
		}
	}
}

func (s *Store) drainPersist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistDrainTimeout)
	defer cancel()

	for {
		select {
		case entry := <-s.persist:
			s.write(ctx, entry)
		default:
			return
		}
	}
}

func (s *Store) write(ctx context.Context, entry domain.HistoryEntry) {
	for _, w := range s.writers {
		if err := w.UpsertFinal(ctx, entry); err != nil {
			s.metrics.HistoryWriteFailed(ctx)
			s.l.Error("failed to persist finalized order",
				zap.Int64("order_id", entry.OrderID),
				zap.String("status", string(entry.Status)),
				zap.Error(err))
		}
	}
}
