package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/nudge/internal/clock"
	"github.com/dukerupert/nudge/internal/database"
	"github.com/dukerupert/nudge/internal/store"
)

var epoch = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	To      string
	Subject string
	HTML    string
	At      time.Time
}

// fakeSender records every call. The first failFirst calls fail; a negative
// failFirst fails every call. hook, if set, runs before the result is decided.
type fakeSender struct {
	mu        sync.Mutex
	clk       clock.Clock
	failFirst int
	hook      func()
	calls     []sentMessage
}

func (f *fakeSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sentMessage{To: to, Subject: subject, HTML: htmlBody, At: f.clk.Now()})
	n := len(f.calls)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if f.failFirst < 0 || n <= f.failFirst {
		return errors.New("smtp: connection refused")
	}
	return nil
}

func (f *fakeSender) Calls() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.calls...)
}

// flakyStore fails MarkReminded with markErr when it is set.
type flakyStore struct {
	*store.EventStore
	markErr error
}

func (f *flakyStore) MarkReminded(id int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.EventStore.MarkReminded(id)
}

type harness struct {
	clk      *clock.Fake
	store    *store.EventStore
	sender   *fakeSender
	svc      *Service
	mu       sync.Mutex
	statuses []Status
}

func newHarness(t *testing.T, failFirst int) *harness {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		clk:   clock.NewFake(epoch),
		store: store.NewEventStore(db),
	}
	h.sender = &fakeSender{clk: h.clk, failFirst: failFirst}
	h.svc = h.newService(h.store)
	t.Cleanup(h.svc.Stop)
	return h
}

func (h *harness) newService(es EventStore) *Service {
	cfg := Config{Recipient: "me@example.com", RetryInterval: time.Minute, MaxAttempts: 10}
	return NewService(es, h.sender, cfg, h.clk, h.record, discardLogger())
}

func (h *harness) record(s Status) {
	h.mu.Lock()
	h.statuses = append(h.statuses, s)
	h.mu.Unlock()
}

func (h *harness) lastStatus(t *testing.T) Status {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 {
		t.Fatal("no status reported")
	}
	return h.statuses[len(h.statuses)-1]
}

func (h *harness) create(t *testing.T, title string, at time.Time, hours float64) int64 {
	t.Helper()
	ev, err := h.store.Create(title, at, hours, "", "")
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	h.svc.OnEventCreated(*ev)
	return ev.ID
}

func (h *harness) reminded(t *testing.T, id int64) bool {
	t.Helper()
	ev, err := h.store.GetByID(id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev == nil {
		t.Fatalf("event %d missing", id)
	}
	return ev.Reminded
}

func TestFireTimeHonorsLead(t *testing.T) {
	h := newHarness(t, 0)

	id := h.create(t, "Dinner", epoch.Add(48*time.Hour), 24)

	fireAt, ok := h.svc.NextFire(id)
	if !ok {
		t.Fatal("expected a pending reminder")
	}
	if want := epoch.Add(24 * time.Hour); !fireAt.Equal(want) {
		t.Errorf("fire at = %v, want %v", fireAt, want)
	}

	h.clk.Advance(24*time.Hour - time.Second)
	if got := len(h.sender.Calls()); got != 0 {
		t.Fatalf("sent %d before fire time, want 0", got)
	}

	h.clk.Advance(time.Second)
	calls := h.sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("sent %d, want 1", len(calls))
	}
	if !calls[0].At.Equal(epoch.Add(24 * time.Hour)) {
		t.Errorf("sent at %v, want %v", calls[0].At, epoch.Add(24*time.Hour))
	}
	if !h.reminded(t, id) {
		t.Error("expected reminded = true")
	}
}

func TestPastDueAtCreationFiresImmediately(t *testing.T) {
	h := newHarness(t, 0)

	// Window opened 23 hours ago.
	id := h.create(t, "Call mom", epoch.Add(time.Hour), 24)

	fireAt, _ := h.svc.NextFire(id)
	if !fireAt.Equal(epoch) {
		t.Errorf("fire at = %v, want now (%v)", fireAt, epoch)
	}

	h.clk.Advance(0)
	if got := len(h.sender.Calls()); got != 1 {
		t.Fatalf("sent %d, want 1", got)
	}
	if !h.reminded(t, id) {
		t.Error("expected reminded = true")
	}
}

func TestEventInThePastIsStillDelivered(t *testing.T) {
	h := newHarness(t, 0)

	id := h.create(t, "Yesterday", epoch.Add(-24*time.Hour), 1)
	h.clk.Advance(0)

	if got := len(h.sender.Calls()); got != 1 {
		t.Fatalf("sent %d, want 1", got)
	}
	if !h.reminded(t, id) {
		t.Error("expected reminded = true")
	}
}

func TestRecoveryReschedulesFromStore(t *testing.T) {
	h := newHarness(t, 0)

	pastDue, _ := h.store.Create("Overdue", epoch.Add(2*time.Hour), 24, "", "")
	future, _ := h.store.Create("Later", epoch.Add(72*time.Hour), 24, "", "")
	done, _ := h.store.Create("Done", epoch.Add(time.Hour), 24, "", "")
	h.store.MarkReminded(done.ID)

	n, err := h.svc.OnStartup(context.Background())
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if n != 2 {
		t.Errorf("scheduled = %d, want 2", n)
	}

	fireAt, ok := h.svc.NextFire(future.ID)
	if !ok || !fireAt.Equal(epoch.Add(48*time.Hour)) {
		t.Errorf("future fire at = %v (%v), want %v", fireAt, ok, epoch.Add(48*time.Hour))
	}
	if _, ok := h.svc.NextFire(done.ID); ok {
		t.Error("reminded event must not be scheduled")
	}

	h.clk.Advance(0)
	calls := h.sender.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Subject, "Overdue") {
		t.Fatalf("calls = %+v, want one for Overdue", calls)
	}
	if !h.reminded(t, pastDue.ID) {
		t.Error("overdue event should be reminded after recovery")
	}
}

func TestRecoveryTwiceDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, 0)

	ev, _ := h.store.Create("Standup", epoch.Add(30*time.Minute), 1, "", "")

	if _, err := h.svc.OnStartup(context.Background()); err != nil {
		t.Fatalf("first startup: %v", err)
	}
	// A second pass before anything fired replaces the first timer.
	if _, err := h.svc.OnStartup(context.Background()); err != nil {
		t.Fatalf("second startup: %v", err)
	}
	h.clk.Advance(0)

	// Simulate a restart: a brand new service over the same store.
	restarted := h.newService(h.store)
	defer restarted.Stop()
	n, err := restarted.OnStartup(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if n != 0 {
		t.Errorf("restart scheduled %d, want 0", n)
	}

	h.clk.Advance(24 * time.Hour)
	if got := len(h.sender.Calls()); got != 1 {
		t.Errorf("sent %d, want exactly 1", got)
	}
	if !h.reminded(t, ev.ID) {
		t.Error("expected reminded = true")
	}
}

func TestRecoveryStoreFailureIsFatal(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	es := store.NewEventStore(db)
	db.Close()

	clk := clock.NewFake(epoch)
	svc := NewService(es, &fakeSender{clk: clk}, Config{}, clk, nil, discardLogger())
	defer svc.Stop()

	if _, err := svc.OnStartup(context.Background()); err == nil {
		t.Fatal("expected error when store is unavailable")
	}
	if got := svc.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestRescheduleReplacesTimer(t *testing.T) {
	h := newHarness(t, 0)

	ev, _ := h.store.Create("Review", epoch.Add(48*time.Hour), 24, "", "")
	h.svc.OnEventCreated(*ev)
	h.svc.OnEventCreated(*ev)

	if got := h.svc.Pending(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	if got := h.clk.Pending(); got != 1 {
		t.Errorf("armed timers = %d, want 1", got)
	}

	moved, _ := h.store.Update(ev.ID, ev.Title, epoch.Add(72*time.Hour), 24, "", "")
	h.svc.OnEventUpdated(*moved)

	fireAt, _ := h.svc.NextFire(ev.ID)
	if want := epoch.Add(48 * time.Hour); !fireAt.Equal(want) {
		t.Errorf("fire at = %v, want %v", fireAt, want)
	}

	h.clk.Advance(47 * time.Hour)
	if got := len(h.sender.Calls()); got != 0 {
		t.Fatalf("stale timer fired: %d sends", got)
	}
	h.clk.Advance(time.Hour)
	if got := len(h.sender.Calls()); got != 1 {
		t.Errorf("sent %d, want 1", got)
	}
}

func TestDeleteCancelsPendingDelivery(t *testing.T) {
	h := newHarness(t, 0)

	id := h.create(t, "Haircut", epoch.Add(5*time.Hour), 2)

	h.svc.OnEventDeleted(id)
	if err := h.store.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	h.clk.Advance(10 * time.Hour)
	if got := len(h.sender.Calls()); got != 0 {
		t.Errorf("sent %d after delete, want 0", got)
	}
	if got := h.clk.Pending(); got != 0 {
		t.Errorf("armed timers = %d, want 0", got)
	}
}

func TestRowDeletedWithoutCancelIsBenign(t *testing.T) {
	h := newHarness(t, 0)

	id := h.create(t, "Orphan", epoch.Add(2*time.Hour), 1)
	h.store.Delete(id)

	h.clk.Advance(2 * time.Hour)
	if got := len(h.sender.Calls()); got != 0 {
		t.Errorf("sent %d for deleted row, want 0", got)
	}
	if got := h.svc.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestRetryBoundWhenSenderAlwaysFails(t *testing.T) {
	h := newHarness(t, -1)

	id := h.create(t, "Taxes", epoch.Add(time.Hour), 24)

	h.clk.Advance(0)
	h.clk.Advance(2 * time.Hour)

	calls := h.sender.Calls()
	if len(calls) != 10 {
		t.Fatalf("attempts = %d, want 10", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].At.Sub(calls[i-1].At); gap != time.Minute {
			t.Errorf("gap before attempt %d = %v, want 1m", i+1, gap)
		}
	}
	if h.reminded(t, id) {
		t.Error("reminded must stay false after abandonment")
	}
	if st := h.lastStatus(t); st.Outcome != OutcomeAbandoned || st.Attempt != 10 {
		t.Errorf("last status = %+v, want abandoned at attempt 10", st)
	}
	if got := h.svc.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestAbandonedEventGetsFreshBudgetAfterRestart(t *testing.T) {
	h := newHarness(t, -1)

	h.create(t, "Renew passport", epoch.Add(time.Hour), 24)
	h.clk.Advance(time.Hour)
	if got := len(h.sender.Calls()); got != 10 {
		t.Fatalf("attempts before restart = %d, want 10", got)
	}

	h.svc.Stop()
	h.sender.failFirst = 0
	restarted := h.newService(h.store)
	defer restarted.Stop()

	n, err := restarted.OnStartup(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("restart scheduled %d (%v), want 1", n, err)
	}
	h.clk.Advance(0)
	if got := len(h.sender.Calls()); got != 11 {
		t.Errorf("attempts after restart = %d, want 11", got)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t, 2)

	id := h.create(t, "Pick up kids", epoch.Add(time.Hour), 1)

	h.clk.Advance(0)
	if h.reminded(t, id) {
		t.Fatal("reminded after a failed attempt")
	}
	h.clk.Advance(10 * time.Minute)

	if got := len(h.sender.Calls()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if !h.reminded(t, id) {
		t.Error("expected reminded = true")
	}
	if st := h.lastStatus(t); st.Outcome != OutcomeDelivered || st.Attempt != 3 {
		t.Errorf("last status = %+v, want delivered at attempt 3", st)
	}
}

func TestDeleteBetweenRetriesStopsRetrying(t *testing.T) {
	h := newHarness(t, -1)

	id := h.create(t, "Vet", epoch, 0)
	h.clk.Advance(0)

	h.svc.OnEventDeleted(id)
	h.clk.Advance(time.Hour)

	if got := len(h.sender.Calls()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestCancelDuringAttemptDropsRetry(t *testing.T) {
	h := newHarness(t, -1)

	id := h.create(t, "Plumber", epoch, 0)
	h.sender.hook = func() { h.svc.OnEventDeleted(id) }

	h.clk.Advance(time.Hour)
	if got := len(h.sender.Calls()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := h.svc.Pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestRowDeletedDuringSendIsBenign(t *testing.T) {
	h := newHarness(t, 0)

	id := h.create(t, "Recital", epoch, 0)
	h.sender.hook = func() { h.store.Delete(id) }

	h.clk.Advance(time.Hour)
	if got := len(h.sender.Calls()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.statuses {
		if st.Err != nil {
			t.Errorf("unexpected error status: %+v", st)
		}
	}
}

func TestPersistFailureIsSurfacedWithoutResend(t *testing.T) {
	h := newHarness(t, 0)
	flaky := &flakyStore{EventStore: h.store, markErr: errors.New("disk I/O error")}
	h.svc.Stop()
	h.svc = h.newService(flaky)
	defer h.svc.Stop()

	ev, _ := h.store.Create("Board meeting", epoch, 0, "", "")
	h.svc.OnEventCreated(*ev)
	h.clk.Advance(time.Hour)

	if got := len(h.sender.Calls()); got != 1 {
		t.Errorf("sends = %d, want 1", got)
	}
	st := h.lastStatus(t)
	if st.Outcome != OutcomePersistFailed || st.Err == nil {
		t.Errorf("status = %+v, want persist_failed with error", st)
	}
	if h.reminded(t, ev.ID) {
		t.Error("reminded must not be set when the store update failed")
	}
}

func TestIndependentEventsFireTogether(t *testing.T) {
	h := newHarness(t, 0)

	at := epoch.Add(3 * time.Hour)
	var ids []int64
	for _, title := range []string{"A", "B", "C", "D"} {
		ids = append(ids, h.create(t, title, at, 1))
	}

	h.clk.Advance(2 * time.Hour)
	if got := len(h.sender.Calls()); got != 4 {
		t.Fatalf("sent %d, want 4", got)
	}
	for _, id := range ids {
		if !h.reminded(t, id) {
			t.Errorf("event %d not reminded", id)
		}
	}
}

func TestEndToEndStandup(t *testing.T) {
	h := newHarness(t, 0)

	id := h.create(t, "Standup", epoch.Add(2*time.Hour), 1)

	h.clk.Advance(time.Hour)

	calls := h.sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("sent %d, want 1", len(calls))
	}
	if !strings.Contains(calls[0].Subject, "Standup") {
		t.Errorf("subject = %q, want it to contain Standup", calls[0].Subject)
	}
	if calls[0].To != "me@example.com" {
		t.Errorf("to = %q, want me@example.com", calls[0].To)
	}
	if !h.reminded(t, id) {
		t.Error("expected reminded = true")
	}
}

func TestStopCancelsEverything(t *testing.T) {
	h := newHarness(t, 0)

	h.create(t, "Later", epoch.Add(48*time.Hour), 1)
	h.svc.Stop()

	h.clk.Advance(72 * time.Hour)
	if got := len(h.sender.Calls()); got != 0 {
		t.Errorf("sent %d after stop, want 0", got)
	}
}
