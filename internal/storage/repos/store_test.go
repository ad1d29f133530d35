package repos

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"corral/internal/config"
	"corral/internal/model"
	"corral/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "repos-test.db")

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return New(db)
}

func testMessage() model.Message {
	return model.Message{
		ID:        newID(),
		Topic:     model.TopicDeployment,
		Payload:   map[string]any{"deployment_id": "d-1", "status": "succeeded"},
		Priority:  model.PriorityHigh,
		SenderID:  "bridge",
		CreatedAt: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msg := testMessage()
	entry, err := store.AddDeadLetter(ctx, msg, "validator unreachable", 3)
	if err != nil {
		t.Fatalf("add dead letter: %v", err)
	}

	got, err := store.GetDeadLetter(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get dead letter: %v", err)
	}
	if got.FailureReason != "validator unreachable" || got.RetryCount != 3 {
		t.Fatalf("entry = %+v", got)
	}
	if got.Message.ID != msg.ID || got.Message.Topic != msg.Topic {
		t.Fatalf("message round trip lost fields: %+v", got.Message)
	}
	if got.Message.Payload["deployment_id"] != "d-1" {
		t.Fatalf("payload = %v", got.Message.Payload)
	}

	if err := store.TouchDeadLetter(ctx, entry.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = store.GetDeadLetter(ctx, entry.ID)
	if got.RetryCount != 4 {
		t.Fatalf("retry count = %d, want 4", got.RetryCount)
	}
	if !got.LastAttemptAt.After(got.FirstFailedAt.Add(-time.Second)) {
		t.Fatalf("last attempt %v not refreshed", got.LastAttemptAt)
	}

	if err := store.RemoveDeadLetter(ctx, entry.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.GetDeadLetter(ctx, entry.ID); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("err = %v, want ErrDeadLetterNotFound", err)
	}
	if err := store.RemoveDeadLetter(ctx, entry.ID); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("double remove err = %v", err)
	}
}

func TestListDeadLettersOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := store.AddDeadLetter(ctx, testMessage(), "boom", i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct first_failed_at ordering
	}
	entries, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[0].RetryCount != 0 || entries[2].RetryCount != 2 {
		t.Fatalf("ordering wrong: %+v", entries)
	}
	depth, err := store.DeadLetterDepth(ctx)
	if err != nil || depth != 3 {
		t.Fatalf("depth = %d (%v), want 3", depth, err)
	}

	limited, _ := store.ListDeadLetters(ctx, 2)
	if len(limited) != 2 {
		t.Fatalf("limited len = %d, want 2", len(limited))
	}
}

func TestBreakerStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.GetBreakerState(ctx, "validator"); !errors.Is(err, ErrBreakerNotFound) {
		t.Fatalf("err = %v, want ErrBreakerNotFound", err)
	}

	opened := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	st := model.CircuitBreakerState{
		Channel:             "validator",
		State:               model.CircuitOpen,
		ConsecutiveFailures: 5,
		OpenedAt:            &opened,
		ProbeBudget:         0,
	}
	if err := store.SaveBreakerState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetBreakerState(ctx, "validator")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.CircuitOpen || got.ConsecutiveFailures != 5 {
		t.Fatalf("state = %+v", got)
	}
	if got.OpenedAt == nil || !got.OpenedAt.Equal(opened) {
		t.Fatalf("opened_at = %v, want %v", got.OpenedAt, opened)
	}

	// Upsert: a recovery overwrites the row.
	st.State = model.CircuitClosed
	st.ConsecutiveFailures = 0
	st.OpenedAt = nil
	st.ProbeBudget = 3
	if err := store.SaveBreakerState(ctx, st); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, _ = store.GetBreakerState(ctx, "validator")
	if got.State != model.CircuitClosed || got.OpenedAt != nil || got.ProbeBudget != 3 {
		t.Fatalf("upsert lost fields: %+v", got)
	}
}

func TestConflictAudit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	win := model.ActionRequest{SourceID: "a", Resource: "gpu-0", Action: "acquire", PriorityScore: 0.9, RequestedAt: at}
	lose := model.ActionRequest{SourceID: "b", Resource: "gpu-0", Action: "acquire", PriorityScore: 0.4, RequestedAt: at}
	rec := model.ConflictRecord{
		ID:         newID(),
		Resource:   "gpu-0",
		Resolution: win,
		Outcomes: []model.RequestOutcome{
			{Request: win, Won: true},
			{Request: lose, Won: false},
		},
		ResolvedAt: at,
	}
	if err := store.AddConflict(ctx, rec); err != nil {
		t.Fatalf("add conflict: %v", err)
	}
	other := rec
	other.ID = newID()
	other.Resource = "db-lock"
	other.ResolvedAt = at.Add(time.Minute)
	if err := store.AddConflict(ctx, other); err != nil {
		t.Fatalf("add second conflict: %v", err)
	}

	all, err := store.ListConflicts(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].Resource != "db-lock" {
		t.Fatalf("newest-first ordering wrong: %+v", all)
	}

	byRes, err := store.ListConflicts(ctx, "gpu-0", 10)
	if err != nil {
		t.Fatalf("list by resource: %v", err)
	}
	if len(byRes) != 1 {
		t.Fatalf("len = %d, want 1", len(byRes))
	}
	got := byRes[0]
	if got.Resolution.SourceID != "a" {
		t.Fatalf("resolution rebuilt wrong: %+v", got.Resolution)
	}
	if len(got.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", got.Outcomes)
	}
}
