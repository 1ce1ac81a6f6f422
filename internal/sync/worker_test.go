package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cashcompass/internal/core"
	"cashcompass/internal/log"
	"cashcompass/internal/store"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []*ChangeMessage
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, msg *ChangeMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakePublisher) published() []*ChangeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ChangeMessage(nil), f.messages...)
}

type fakeConsumer struct{}

func (fakeConsumer) Consume(ctx context.Context, _ func(context.Context, *ChangeMessage) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestWorker(t *testing.T) (*Worker, *store.Store, *fakePublisher) {
	t.Helper()
	logger := log.New(log.Config{Handler: slog.NewTextHandler(io.Discard, nil)})
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pub := &fakePublisher{}
	w := NewWorker(s, pub, fakeConsumer{}, 10, time.Second, logger)
	return w, s, pub
}

func TestPushPendingPublishesAndMarksSynced(t *testing.T) {
	w, s, pub := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateCategory(ctx, core.Category{Label: "Food"})
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}

	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("pushPending() error = %v", err)
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Collection != store.CollectionCategory || msg.Op != OpUpsert || msg.EntityID != created.ID {
		t.Errorf("message = %+v, want category upsert for %s", msg, created.ID)
	}
	if msg.Version != 1 {
		t.Errorf("version = %d, want 1", msg.Version)
	}

	pending, err := s.PendingSync(ctx, 10)
	if err != nil {
		t.Fatalf("PendingSync() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want drained", pending)
	}

	if got := w.Status().Last(); got.State != StateOK {
		t.Errorf("status = %+v, want ok", got)
	}
}

func TestPushPendingTransactionCarriesSnapshots(t *testing.T) {
	w, s, pub := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateTransaction(ctx, core.Transaction{
		Timestamp: "2024-03-15T10:30:00Z",
		Amount:    decimal.NewFromInt(-42),
		Label:     "lunch",
		Category:  &core.Category{ID: "c1", Label: "Food"},
		Account:   &core.Account{ID: "a1", Label: "Card", AccountType: core.Expenses},
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("pushPending() error = %v", err)
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}

	var payload TransactionPayload
	if err := decodePayload(msgs[0], &payload); err != nil {
		t.Fatalf("decodePayload() error = %v", err)
	}
	if payload.ID != created.ID || payload.Amount != "-42" {
		t.Errorf("payload = %+v, want id %s amount -42", payload, created.ID)
	}
	if payload.Category == nil || payload.Category.Label != "Food" {
		t.Errorf("payload category = %+v, want embedded snapshot", payload.Category)
	}
	if payload.Account == nil || payload.Account.AccountType != "expenses" {
		t.Errorf("payload account = %+v, want embedded snapshot", payload.Account)
	}
}

func TestPushPendingPublishFailureMarksErrorState(t *testing.T) {
	w, s, pub := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateCategory(ctx, core.Category{Label: "Food"})
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}

	pub.err = errors.New("broker unreachable")
	if err := w.pushPending(ctx, 10); err == nil {
		t.Fatal("pushPending() = nil, want error")
	}

	if got := w.Status().Last(); got.State != StateError {
		t.Errorf("status = %+v, want error", got)
	}

	// The row is flagged but stays visible for later retries once it
	// is written again; a fresh write resets it to pending.
	label := "Dining"
	if _, err := s.UpdateCategory(ctx, created.ID, store.CategoryPatch{Label: &label}); err != nil {
		t.Fatalf("UpdateCategory() error = %v", err)
	}

	pub.err = nil
	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("retry pushPending() error = %v", err)
	}
	if len(pub.published()) != 1 {
		t.Errorf("published %d messages, want 1 after retry", len(pub.published()))
	}
}

func TestApplyRemoteUpsertWritesThroughStore(t *testing.T) {
	w, s, _ := newTestWorker(t)
	ctx := context.Background()

	msg, err := NewChangeMessage(store.CollectionCategory, OpUpsert, "c1", 3,
		CategoryPayload{ID: "c1", Label: "Food"})
	if err != nil {
		t.Fatalf("NewChangeMessage() error = %v", err)
	}

	if err := w.applyRemote(ctx, msg); err != nil {
		t.Fatalf("applyRemote() error = %v", err)
	}

	got, err := s.GetCategory(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCategory() error = %v", err)
	}
	if got.Label != "Food" {
		t.Errorf("label = %q, want Food", got.Label)
	}
}

func TestApplyRemoteStaleUpsertIsNotAnError(t *testing.T) {
	w, s, _ := newTestWorker(t)
	ctx := context.Background()

	if _, err := s.ApplyRemoteCategory(ctx, core.Category{ID: "c1", Label: "New"}, 5); err != nil {
		t.Fatalf("seed: %v", err)
	}

	msg, err := NewChangeMessage(store.CollectionCategory, OpUpsert, "c1", 2,
		CategoryPayload{ID: "c1", Label: "Old"})
	if err != nil {
		t.Fatalf("NewChangeMessage() error = %v", err)
	}

	// Stale changes must be swallowed so the message gets acked.
	if err := w.applyRemote(ctx, msg); err != nil {
		t.Fatalf("applyRemote() error = %v", err)
	}

	got, err := s.GetCategory(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCategory() error = %v", err)
	}
	if got.Label != "New" {
		t.Errorf("label = %q, want newer local value kept", got.Label)
	}
}

func TestApplyRemoteDeleteMessage(t *testing.T) {
	w, s, _ := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateTransaction(ctx, core.Transaction{
		Timestamp: "2024-03-15T10:30:00Z",
		Amount:    decimal.NewFromInt(-5),
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	msg, err := NewChangeMessage(store.CollectionTx, OpDelete, created.ID, 99, nil)
	if err != nil {
		t.Fatalf("NewChangeMessage() error = %v", err)
	}
	if err := w.applyRemote(ctx, msg); err != nil {
		t.Fatalf("applyRemote() error = %v", err)
	}

	if _, err := s.GetTransaction(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTransaction() error = %v, want ErrNotFound", err)
	}
}

func TestApplyRemoteUnknownCollection(t *testing.T) {
	w, _, _ := newTestWorker(t)

	msg, err := NewChangeMessage("ledger", OpUpsert, "x", 1, CategoryPayload{ID: "x"})
	if err != nil {
		t.Fatalf("NewChangeMessage() error = %v", err)
	}
	err = w.applyRemote(context.Background(), msg)
	if !errors.Is(err, ErrDiscardMessage) {
		t.Errorf("applyRemote() error = %v, want ErrDiscardMessage", err)
	}
}

func TestPushPendingForwardsLocalDeletes(t *testing.T) {
	w, s, pub := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateTransaction(ctx, core.Transaction{
		Timestamp: "2024-03-15T10:30:00Z",
		Amount:    decimal.NewFromInt(-5),
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("pushPending() error = %v", err)
	}

	// A subscriber that never drains must not affect delivery: the
	// tombstone rides the poll, not the change events. The extra write
	// occupies the subscriber's one-slot buffer before the delete.
	sub := s.Subscribe(store.CollectionCategory, store.CollectionTx)
	defer sub.Close()
	if _, err := s.CreateCategory(ctx, core.Category{Label: "Noise"}); err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}
	if err := s.DeleteTransaction(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTransaction() error = %v", err)
	}

	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("pushPending() error = %v", err)
	}

	var deletes []*ChangeMessage
	for _, m := range pub.published() {
		if m.Op == OpDelete {
			deletes = append(deletes, m)
		}
	}
	if len(deletes) != 1 {
		t.Fatalf("published %d delete messages, want 1", len(deletes))
	}
	if deletes[0].EntityID != created.ID || deletes[0].Collection != store.CollectionTx {
		t.Errorf("delete message = %+v, want tx %s", deletes[0], created.ID)
	}
	if deletes[0].Version != 2 {
		t.Errorf("delete version = %d, want deleted row version + 1", deletes[0].Version)
	}

	pending, err := s.PendingSync(ctx, 10)
	if err != nil {
		t.Fatalf("PendingSync() error = %v", err)
	}
	for _, p := range pending {
		if p.Deleted {
			t.Errorf("tombstone %+v still pending after push", p)
		}
	}
}

func TestPushPendingSkipsRemoteDeletes(t *testing.T) {
	w, s, pub := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateTransaction(ctx, core.Transaction{
		Timestamp: "2024-03-15T10:30:00Z",
		Amount:    decimal.NewFromInt(-5),
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("pushPending() error = %v", err)
	}

	// Remote deletes leave no tombstone, so nothing echoes back.
	if _, err := s.ApplyRemoteDelete(ctx, store.CollectionTx, created.ID, 99); err != nil {
		t.Fatalf("ApplyRemoteDelete() error = %v", err)
	}
	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("pushPending() error = %v", err)
	}

	for _, m := range pub.published() {
		if m.Op == OpDelete {
			t.Errorf("remote delete echoed back: %+v", m)
		}
	}
}

func TestStartupCheckRetriesFailedPushes(t *testing.T) {
	w, s, pub := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateCategory(ctx, core.Category{Label: "Food"})
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}

	pub.err = errors.New("broker unreachable")
	if err := w.pushPending(ctx, 10); err == nil {
		t.Fatal("pushPending() = nil, want error")
	}

	// The failed row is out of the pending poll until it is re-queued.
	pending, err := s.PendingSync(ctx, 10)
	if err != nil {
		t.Fatalf("PendingSync() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want failed row excluded", pending)
	}

	pub.err = nil
	if err := w.StartupCheck(ctx); err != nil {
		t.Fatalf("StartupCheck() error = %v", err)
	}

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1 after startup retry", len(msgs))
	}
	if msgs[0].EntityID != created.ID {
		t.Errorf("retried message for %s, want %s", msgs[0].EntityID, created.ID)
	}
	if got := w.Status().Last(); got.State != StateOK {
		t.Errorf("status = %+v, want ok", got)
	}
}

func TestStartupCheckRetriesFailedDeletes(t *testing.T) {
	w, s, pub := newTestWorker(t)
	ctx := context.Background()

	created, err := s.CreateTransaction(ctx, core.Transaction{
		Timestamp: "2024-03-15T10:30:00Z",
		Amount:    decimal.NewFromInt(-5),
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if err := w.pushPending(ctx, 10); err != nil {
		t.Fatalf("pushPending() error = %v", err)
	}
	if err := s.DeleteTransaction(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTransaction() error = %v", err)
	}

	pub.err = errors.New("broker unreachable")
	if err := w.pushPending(ctx, 10); err == nil {
		t.Fatal("pushPending() = nil, want error")
	}

	pub.err = nil
	if err := w.StartupCheck(ctx); err != nil {
		t.Fatalf("StartupCheck() error = %v", err)
	}

	var deletes []*ChangeMessage
	for _, m := range pub.published() {
		if m.Op == OpDelete {
			deletes = append(deletes, m)
		}
	}
	if len(deletes) != 1 {
		t.Fatalf("published %d delete messages, want 1 after startup retry", len(deletes))
	}
	if deletes[0].EntityID != created.ID {
		t.Errorf("retried delete for %s, want %s", deletes[0].EntityID, created.ID)
	}
}
