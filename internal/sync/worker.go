package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"cashcompass/internal/log"
	"cashcompass/internal/store"
)

type Publisher interface {
	Publish(ctx context.Context, msg *ChangeMessage) error
}

type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, *ChangeMessage) error) error
}

// Worker keeps the local store and the remote sink converged. It
// pushes rows the store has marked pending, including the tombstones
// left by local deletes, and applies inbound changes from other
// devices. Sync failures surface on the status feed; local writes
// never wait on the network.
type Worker struct {
	store     *store.Store
	publisher Publisher
	consumer  Consumer
	status    *StatusFeed
	logger    *log.Logger

	batchSize int
	interval  time.Duration
}

func NewWorker(s *store.Store, pub Publisher, cons Consumer, batchSize int, interval time.Duration, logger *log.Logger) *Worker {
	return &Worker{
		store:     s,
		publisher: pub,
		consumer:  cons,
		status:    NewStatusFeed(),
		logger:    logger.WithComponent(log.ComponentSync),
		batchSize: batchSize,
		interval:  interval,
	}
}

func (w *Worker) Status() *StatusFeed {
	return w.status
}

// Run blocks until ctx is cancelled, driving the push poller and the
// inbox consumer.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.pushLoop(ctx)
	})
	g.Go(func() error {
		err := w.consumer.Consume(ctx, w.applyRemote)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.status.set(StateError, err)
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StartupCheck re-queues rows stranded in the error state by a failed
// push, then drains the pending backlog once with a larger batch, so
// changes made while the worker was down go out before the
// steady-state polling starts.
func (w *Worker) StartupCheck(ctx context.Context) error {
	w.logger.InfoContext(ctx, "checking pending backlog", log.FieldOperation, log.OpStartup)
	reset, err := w.store.ResetSyncErrors(ctx)
	if err != nil {
		w.status.set(StateError, err)
		return fmt.Errorf("reset sync errors: %w", err)
	}
	if reset > 0 {
		w.logger.InfoContext(ctx, "re-queued failed pushes", log.FieldCount, reset)
	}
	return w.pushPending(ctx, w.batchSize*10)
}

func (w *Worker) pushLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.pushPending(ctx, w.batchSize); err != nil {
				w.logger.ErrorContext(ctx, "push cycle failed", log.FieldError, err)
			}
		}
	}
}

func (w *Worker) pushPending(ctx context.Context, limit int) error {
	pending, err := w.store.PendingSync(ctx, limit)
	if err != nil {
		w.status.set(StateError, err)
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	w.status.set(StateSyncing, nil)
	w.logger.InfoContext(ctx, "pushing pending changes", log.FieldCount, len(pending))

	var failed int
	for _, p := range pending {
		if err := w.pushOne(ctx, p); err != nil {
			failed++
			w.logger.ErrorContext(ctx, "push failed",
				log.FieldCollection, p.Collection,
				log.FieldEntityID, p.ID,
				log.FieldError, err,
			)
			if markErr := w.markError(ctx, p); markErr != nil {
				w.logger.ErrorContext(ctx, "mark sync error failed", log.FieldError, markErr)
			}
		}
	}

	if failed > 0 {
		err := fmt.Errorf("%d of %d changes failed to push", failed, len(pending))
		w.status.set(StateError, err)
		return err
	}
	w.status.set(StateOK, nil)
	return nil
}

func (w *Worker) pushOne(ctx context.Context, p store.PendingChange) error {
	msg, err := w.messageFor(ctx, p)
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, msg); err != nil {
		return err
	}
	// The version guard keeps rows modified mid-push pending.
	if p.Deleted {
		return w.store.MarkTombstoneSynced(ctx, p.Collection, p.ID, p.Version)
	}
	return w.store.MarkSynced(ctx, p.Collection, p.ID, p.Version)
}

func (w *Worker) markError(ctx context.Context, p store.PendingChange) error {
	if p.Deleted {
		return w.store.MarkTombstoneSyncError(ctx, p.Collection, p.ID)
	}
	return w.store.MarkSyncError(ctx, p.Collection, p.ID)
}

func (w *Worker) messageFor(ctx context.Context, p store.PendingChange) (*ChangeMessage, error) {
	if p.Deleted {
		return NewChangeMessage(p.Collection, OpDelete, p.ID, p.Version, nil)
	}
	switch p.Collection {
	case store.CollectionCategory:
		c, err := w.store.GetCategory(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return NewChangeMessage(p.Collection, OpUpsert, p.ID, p.Version, CategoryToPayload(*c))
	case store.CollectionAccount:
		a, err := w.store.GetAccount(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return NewChangeMessage(p.Collection, OpUpsert, p.ID, p.Version, AccountToPayload(*a))
	case store.CollectionTx:
		t, err := w.store.GetTransaction(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return NewChangeMessage(p.Collection, OpUpsert, p.ID, p.Version, TransactionToPayload(*t))
	default:
		return nil, fmt.Errorf("unknown collection %q", p.Collection)
	}
}

// applyRemote applies one inbound change. Stale versions are skipped
// without error so the message is acked and not redelivered.
func (w *Worker) applyRemote(ctx context.Context, msg *ChangeMessage) error {
	if msg.Op == OpDelete {
		if _, err := w.store.ApplyRemoteDelete(ctx, msg.Collection, msg.EntityID, msg.Version); err != nil {
			return fmt.Errorf("apply remote delete: %w", err)
		}
		return nil
	}

	applied, err := w.applyRemoteUpsert(ctx, msg)
	if err != nil {
		return fmt.Errorf("apply remote upsert: %w", err)
	}
	if !applied {
		w.logger.DebugContext(ctx, "skipped stale change",
			log.FieldCollection, msg.Collection,
			log.FieldEntityID, msg.EntityID,
			log.FieldVersion, msg.Version,
		)
	}
	return nil
}

func (w *Worker) applyRemoteUpsert(ctx context.Context, msg *ChangeMessage) (bool, error) {
	switch msg.Collection {
	case store.CollectionCategory:
		var p CategoryPayload
		if err := decodePayload(msg, &p); err != nil {
			return false, err
		}
		return w.store.ApplyRemoteCategory(ctx, p.ToCore(), msg.Version)
	case store.CollectionAccount:
		var p AccountPayload
		if err := decodePayload(msg, &p); err != nil {
			return false, err
		}
		return w.store.ApplyRemoteAccount(ctx, p.ToCore(), msg.Version)
	case store.CollectionTx:
		var p TransactionPayload
		if err := decodePayload(msg, &p); err != nil {
			return false, err
		}
		t, err := p.ToCore()
		if err != nil {
			return false, err
		}
		return w.store.ApplyRemoteTransaction(ctx, t, msg.Version)
	default:
		return false, fmt.Errorf("unknown collection %q: %w", msg.Collection, ErrDiscardMessage)
	}
}

func decodePayload(msg *ChangeMessage, out any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("upsert for %s/%s has no payload: %w", msg.Collection, msg.EntityID, ErrDiscardMessage)
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("decode payload for %s/%s: %v: %w", msg.Collection, msg.EntityID, err, ErrDiscardMessage)
	}
	return nil
}
