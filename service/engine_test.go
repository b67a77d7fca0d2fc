package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// fakeClock is shared by the engine and the memory store so cooldown math is exact.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	recipient string
	subject   string
	plainBody string
}

// mockNotifier records sends and fails for recipients listed in fail.
type mockNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]error
}

func (m *mockNotifier) Notify(ctx context.Context, recipient, subject, plainBody, htmlBody string) error {
	if err := m.fail[recipient]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{recipient, subject, plainBody})
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []GeofenceEvent
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, evt GeofenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.err
}

type failingFenceStore struct{ err error }

func (s failingFenceStore) GetByAssetID(ctx context.Context, assetID string) ([]GeoFence, error) {
	return nil, s.err
}

// stubUpdateStore wraps a MemoryUpdateStore and injects failures.
type stubUpdateStore struct {
	*MemoryUpdateStore
	latestErr error
	appendErr map[int64]error
	appends   int
}

func (s *stubUpdateStore) Latest(ctx context.Context, assetID string) (map[int64]Update, error) {
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.MemoryUpdateStore.Latest(ctx, assetID)
}

func (s *stubUpdateStore) Append(ctx context.Context, prev *Update, next Update) (Update, error) {
	s.appends++
	if err := s.appendErr[next.GeoFenceID]; err != nil {
		return Update{}, err
	}
	return s.MemoryUpdateStore.Append(ctx, prev, next)
}

const testAsset = "X1"

var (
	insidePoint  = Point{Lat: 25.0330, Lon: 121.5654}
	outsidePoint = Point{Lat: 25.2000, Lon: 121.5654} // ~18 km north
)

func circleFence(id int64, name string, cooldown int, emails ...string) GeoFence {
	return GeoFence{
		ID:           id,
		Name:         name,
		FenceType:    FenceInbound,
		Cooldown:     cooldown,
		Emails:       emails,
		Geometry:     geojson.NewGeometry(orb.Point{insidePoint.Lon, insidePoint.Lat}),
		RadiusMeters: 500,
		AssetIDs:     []string{testAsset},
	}
}

type engineFixture struct {
	clock     *fakeClock
	updates   *MemoryUpdateStore
	notifier  *mockNotifier
	publisher *mockPublisher
	engine    *Engine
}

func newEngineFixture(fences ...GeoFence) *engineFixture {
	clock := newFakeClock()
	fx := &engineFixture{
		clock:     clock,
		updates:   NewMemoryUpdateStore().WithClock(clock.Now),
		notifier:  &mockNotifier{},
		publisher: &mockPublisher{},
	}
	fx.engine = NewEngine(NewMemoryFenceStore(fences...), fx.updates, fx.notifier,
		WithClock(clock.Now), WithPublisher(fx.publisher))
	return fx
}

func mustEvaluate(t *testing.T, e *Engine, points ...Point) []int64 {
	t.Helper()
	got, err := e.Evaluate(context.Background(), testAsset, points)
	if err != nil {
		t.Fatalf("Evaluate: unexpected error: %v", err)
	}
	return got
}

func TestEngine_CooldownScenario(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "F", 10, "ops@example.com"))

	// t=0: inside, first evaluation
	if got := mustEvaluate(t, fx.engine, insidePoint); !slices.Equal(got, []int64{1}) {
		t.Fatalf("t=0: got %v, want [1]", got)
	}
	if fx.notifier.count() != 1 {
		t.Fatalf("t=0: got %d notifications, want 1", fx.notifier.count())
	}

	// t=5: outside, still cooling down, fence not evaluated
	fx.clock.Advance(5 * time.Minute)
	if got := mustEvaluate(t, fx.engine, outsidePoint); len(got) != 0 {
		t.Fatalf("t=5: got %v, want []", got)
	}
	if h := fx.updates.History(1, testAsset); len(h) != 1 {
		t.Fatalf("t=5: got %d history records, want 1", len(h))
	}

	// t=15: outside, cooldown over, exit recorded silently
	fx.clock.Advance(10 * time.Minute)
	if got := mustEvaluate(t, fx.engine, outsidePoint); len(got) != 0 {
		t.Fatalf("t=15: got %v, want []", got)
	}
	h := fx.updates.History(1, testAsset)
	if len(h) != 2 {
		t.Fatalf("t=15: got %d history records, want 2", len(h))
	}
	if h[1].Status != NotTriggered {
		t.Errorf("t=15: got status %s, want %s", h[1].Status, NotTriggered)
	}
	if fx.notifier.count() != 1 {
		t.Errorf("t=15: got %d notifications, want 1", fx.notifier.count())
	}
}

func TestEngine_CooldownSuppressesReentry(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "F", 10, "ops@example.com"))

	mustEvaluate(t, fx.engine, insidePoint)
	fx.clock.Advance(2 * time.Minute)
	mustEvaluate(t, fx.engine, outsidePoint)
	fx.clock.Advance(2 * time.Minute)
	if got := mustEvaluate(t, fx.engine, insidePoint); len(got) != 0 {
		t.Fatalf("got %v, want [] while cooling down", got)
	}
	if fx.notifier.count() != 1 {
		t.Errorf("got %d notifications, want 1", fx.notifier.count())
	}
}

func TestEngine_NoChangeIsNoOp(t *testing.T) {
	tests := []struct {
		name  string
		point Point
	}{
		{"stays outside", outsidePoint},
		{"stays inside", insidePoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newEngineFixture(circleFence(1, "F", 0, "ops@example.com"))

			mustEvaluate(t, fx.engine, tt.point)
			fx.clock.Advance(time.Minute)
			if got := mustEvaluate(t, fx.engine, tt.point); len(got) != 0 {
				t.Errorf("second evaluation: got %v, want []", got)
			}
			if h := fx.updates.History(1, testAsset); len(h) != 1 {
				t.Errorf("got %d history records, want 1", len(h))
			}
		})
	}
}

func TestEngine_EntryNotifiesExitDoesNot(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "Depot", 0, "a@example.com", "b@example.com"))

	mustEvaluate(t, fx.engine, outsidePoint) // first record, not triggered
	if fx.notifier.count() != 0 {
		t.Fatalf("got %d notifications for a not-triggered first record, want 0", fx.notifier.count())
	}

	fx.clock.Advance(time.Minute)
	if got := mustEvaluate(t, fx.engine, insidePoint); !slices.Equal(got, []int64{1}) {
		t.Fatalf("entry: got %v, want [1]", got)
	}
	if fx.notifier.count() != 2 {
		t.Fatalf("entry: got %d notifications, want 2", fx.notifier.count())
	}

	fx.clock.Advance(time.Minute)
	if got := mustEvaluate(t, fx.engine, outsidePoint); len(got) != 0 {
		t.Fatalf("exit: got %v, want []", got)
	}
	if fx.notifier.count() != 2 {
		t.Errorf("exit: got %d notifications, want 2", fx.notifier.count())
	}

	fx.clock.Advance(time.Minute)
	if got := mustEvaluate(t, fx.engine, insidePoint); !slices.Equal(got, []int64{1}) {
		t.Fatalf("re-entry: got %v, want [1]", got)
	}
	if fx.notifier.count() != 4 {
		t.Errorf("re-entry: got %d notifications, want 4", fx.notifier.count())
	}
}

func TestEngine_NotificationContent(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "Depot", 0, "ops@example.com"))
	mustEvaluate(t, fx.engine, insidePoint)

	if fx.notifier.count() != 1 {
		t.Fatalf("got %d notifications, want 1", fx.notifier.count())
	}
	msg := fx.notifier.sent[0]
	if msg.recipient != "ops@example.com" {
		t.Errorf("got recipient %q, want ops@example.com", msg.recipient)
	}
	if msg.subject != "Depot Geofence was triggered by asset X1" {
		t.Errorf("got subject %q", msg.subject)
	}
	for _, want := range []string{"Depot", "Inbound", testAsset, "2024-03-01 12:00:00 UTC"} {
		if !strings.Contains(msg.plainBody, want) {
			t.Errorf("plain body %q does not mention %q", msg.plainBody, want)
		}
	}
}

func TestEngine_IdempotentReplay(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "F", 0, "ops@example.com"))

	mustEvaluate(t, fx.engine, insidePoint, outsidePoint)
	if got := mustEvaluate(t, fx.engine, insidePoint, outsidePoint); len(got) != 0 {
		t.Errorf("replay: got %v, want []", got)
	}
	if fx.notifier.count() != 1 {
		t.Errorf("got %d notifications, want 1", fx.notifier.count())
	}
	if h := fx.updates.History(1, testAsset); len(h) != 1 {
		t.Errorf("got %d history records, want 1", len(h))
	}
}

func TestEngine_BatchOR(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		want   []int64
	}{
		{"single inside point among outside ones", []Point{outsidePoint, insidePoint, outsidePoint}, []int64{1}},
		{"all outside", []Point{outsidePoint, outsidePoint}, []int64{}},
		{"empty batch", nil, []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newEngineFixture(circleFence(1, "F", 0))
			got := mustEvaluate(t, fx.engine, tt.points...)
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_ResultFollowsFenceOrder(t *testing.T) {
	fx := newEngineFixture(circleFence(3, "C", 0), circleFence(1, "A", 0), circleFence(2, "B", 0))
	if got := mustEvaluate(t, fx.engine, insidePoint); !slices.Equal(got, []int64{3, 1, 2}) {
		t.Errorf("got %v, want [3 1 2]", got)
	}
}

func TestEngine_NoFences(t *testing.T) {
	fx := newEngineFixture()
	got := mustEvaluate(t, fx.engine, insidePoint)
	if got == nil || len(got) != 0 {
		t.Errorf("got %#v, want empty non-nil slice", got)
	}
}

func TestEngine_PublishesEnterAndExit(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "Depot", 0))
	fx.publisher.err = errors.New("broker down") // must not affect the result

	if got := mustEvaluate(t, fx.engine, insidePoint); !slices.Equal(got, []int64{1}) {
		t.Fatalf("got %v, want [1]", got)
	}
	fx.clock.Advance(time.Minute)
	mustEvaluate(t, fx.engine, outsidePoint)

	if len(fx.publisher.events) != 2 {
		t.Fatalf("got %d events, want 2", len(fx.publisher.events))
	}
	enter, exit := fx.publisher.events[0], fx.publisher.events[1]
	if enter.EventType != EventEnter || exit.EventType != EventExit {
		t.Errorf("got event types %s, %s; want enter, exit", enter.EventType, exit.EventType)
	}
	if enter.EventID == "" || enter.EventID == exit.EventID {
		t.Errorf("event IDs must be unique and non-empty: %q, %q", enter.EventID, exit.EventID)
	}
	if enter.GeofenceName != "Depot" || enter.AssetID != testAsset {
		t.Errorf("unexpected enter event: %+v", enter)
	}
}

func TestEngine_OutboundFence(t *testing.T) {
	f := circleFence(1, "Yard", 0, "ops@example.com")
	f.FenceType = FenceOutbound
	fx := newEngineFixture(f)

	if got := mustEvaluate(t, fx.engine, insidePoint); len(got) != 0 {
		t.Fatalf("inside outbound fence: got %v, want []", got)
	}
	fx.clock.Advance(time.Minute)
	if got := mustEvaluate(t, fx.engine, outsidePoint); !slices.Equal(got, []int64{1}) {
		t.Fatalf("left outbound fence: got %v, want [1]", got)
	}
	if fx.notifier.sent[0].subject != "Yard Geofence was triggered by asset X1" {
		t.Errorf("got subject %q", fx.notifier.sent[0].subject)
	}
}

func TestEngine_ConcurrentSameAssetNotifiesOnce(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "F", 10, "ops@example.com"))

	const callers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := fx.engine.Evaluate(context.Background(), testAsset, []Point{insidePoint})
			if err != nil {
				t.Errorf("Evaluate: %v", err)
			}
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Errorf("fence returned %d times, want 1", total)
	}
	if fx.notifier.count() != 1 {
		t.Errorf("got %d notifications, want 1", fx.notifier.count())
	}
}

func TestEngine_ConcurrentEnginesShareStore(t *testing.T) {
	clock := newFakeClock()
	updates := NewMemoryUpdateStore().WithClock(clock.Now)
	fences := NewMemoryFenceStore(circleFence(1, "F", 10, "ops@example.com"))
	notifier := &mockNotifier{}

	// Separate engines have separate key locks, like separate processes.
	engines := []*Engine{
		NewEngine(fences, updates, notifier, WithClock(clock.Now)),
		NewEngine(fences, updates, notifier, WithClock(clock.Now)),
		NewEngine(fences, updates, notifier, WithClock(clock.Now)),
	}

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Evaluate(context.Background(), testAsset, []Point{insidePoint}); err != nil {
				t.Errorf("Evaluate: %v", err)
			}
		}()
	}
	wg.Wait()

	if notifier.count() != 1 {
		t.Errorf("got %d notifications, want 1", notifier.count())
	}
	if h := updates.History(1, testAsset); len(h) != 1 {
		t.Errorf("got %d history records, want 1", len(h))
	}
}

func TestEngine_VersionConflictIsSkipped(t *testing.T) {
	clock := newFakeClock()
	updates := &stubUpdateStore{
		MemoryUpdateStore: NewMemoryUpdateStore().WithClock(clock.Now),
		appendErr:         map[int64]error{1: ErrVersionConflict},
	}
	notifier := &mockNotifier{}
	e := NewEngine(NewMemoryFenceStore(circleFence(1, "F", 0, "ops@example.com"), circleFence(2, "G", 0)),
		updates, notifier, WithClock(clock.Now))

	got, err := e.Evaluate(context.Background(), testAsset, []Point{insidePoint})
	if err != nil {
		t.Fatalf("conflict must not surface as an error, got %v", err)
	}
	if !slices.Equal(got, []int64{2}) {
		t.Errorf("got %v, want [2]", got)
	}
	if notifier.count() != 0 {
		t.Errorf("got %d notifications, want 0", notifier.count())
	}
}

func TestEngine_WriteFailureContinues(t *testing.T) {
	clock := newFakeClock()
	boom := errors.New("disk full")
	updates := &stubUpdateStore{
		MemoryUpdateStore: NewMemoryUpdateStore().WithClock(clock.Now),
		appendErr:         map[int64]error{1: boom},
	}
	notifier := &mockNotifier{}
	e := NewEngine(NewMemoryFenceStore(circleFence(1, "F", 0, "a@example.com"), circleFence(2, "G", 0, "b@example.com")),
		updates, notifier, WithClock(clock.Now))

	got, err := e.Evaluate(context.Background(), testAsset, []Point{insidePoint})
	if !slices.Equal(got, []int64{2}) {
		t.Errorf("got %v, want [2]", got)
	}

	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("got error %v, want *EvaluationError", err)
	}
	if len(evalErr.Write) != 1 || evalErr.Write[0].GeoFenceID != 1 {
		t.Errorf("unexpected write errors: %v", evalErr.Write)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error chain does not contain the store error")
	}
	var werr *StoreWriteError
	if !errors.As(err, &werr) {
		t.Errorf("errors.As(*StoreWriteError) failed")
	}
	if notifier.count() != 1 || notifier.sent[0].recipient != "b@example.com" {
		t.Errorf("unexpected notifications: %+v", notifier.sent)
	}
}

func TestEngine_NotifyFailureKeepsFence(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "F", 0, "bad@example.com", "good@example.com"))
	fx.notifier.fail = map[string]error{"bad@example.com": errors.New("mailbox unavailable")}

	got, err := fx.engine.Evaluate(context.Background(), testAsset, []Point{insidePoint})
	if !slices.Equal(got, []int64{1}) {
		t.Errorf("got %v, want [1]", got)
	}

	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("got error %v, want *EvaluationError", err)
	}
	if len(evalErr.Notify) != 1 || evalErr.Notify[0].Recipient != "bad@example.com" {
		t.Errorf("unexpected notify errors: %v", evalErr.Notify)
	}
	if fx.notifier.count() != 1 {
		t.Errorf("got %d delivered notifications, want 1", fx.notifier.count())
	}
	if h := fx.updates.History(1, testAsset); len(h) != 1 || h[0].Status != Triggered {
		t.Errorf("transition must stay recorded, history: %+v", h)
	}
}

func TestEngine_EveryRecipientAttempted(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "F", 0, "a@example.com", "b@example.com", "c@example.com"))
	fx.notifier.fail = map[string]error{
		"a@example.com": errors.New("mailbox unavailable"),
		"c@example.com": errors.New("relay denied"),
	}

	_, err := fx.engine.Evaluate(context.Background(), testAsset, []Point{insidePoint})

	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("got error %v, want *EvaluationError", err)
	}
	failed := make([]string, 0, len(evalErr.Notify))
	for _, n := range evalErr.Notify {
		failed = append(failed, n.Recipient)
	}
	slices.Sort(failed)
	if !slices.Equal(failed, []string{"a@example.com", "c@example.com"}) {
		t.Errorf("got failed recipients %v", failed)
	}
	if fx.notifier.count() != 1 {
		t.Errorf("got %d delivered notifications, want 1", fx.notifier.count())
	}
}

func TestEngine_ReadFailures(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name    string
		fences  FenceStore
		updates *stubUpdateStore
		wantOp  string
	}{
		{
			name:    "fence store",
			fences:  failingFenceStore{err: boom},
			updates: &stubUpdateStore{MemoryUpdateStore: NewMemoryUpdateStore()},
			wantOp:  "get fences",
		},
		{
			name:    "update history",
			fences:  NewMemoryFenceStore(circleFence(1, "F", 0, "ops@example.com")),
			updates: &stubUpdateStore{MemoryUpdateStore: NewMemoryUpdateStore(), latestErr: boom},
			wantOp:  "get latest updates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &mockNotifier{}
			e := NewEngine(tt.fences, tt.updates, notifier)

			got, err := e.Evaluate(context.Background(), testAsset, []Point{insidePoint})
			if got != nil {
				t.Errorf("got %v, want nil", got)
			}
			var readErr *StoreReadError
			if !errors.As(err, &readErr) {
				t.Fatalf("got error %v, want *StoreReadError", err)
			}
			if readErr.Op != tt.wantOp || readErr.AssetID != testAsset {
				t.Errorf("got %+v", readErr)
			}
			if !errors.Is(err, boom) {
				t.Errorf("error chain does not contain the store error")
			}
			if tt.updates.appends != 0 || notifier.count() != 0 {
				t.Errorf("nothing may be written or sent: appends=%d notifications=%d", tt.updates.appends, notifier.count())
			}
		})
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	fx := newEngineFixture(circleFence(1, "F", 0, "ops@example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := fx.engine.Evaluate(ctx, testAsset, []Point{insidePoint})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got error %v, want context.Canceled", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want []", got)
	}
	if h := fx.updates.History(1, testAsset); len(h) != 0 {
		t.Errorf("got %d history records, want 0", len(h))
	}
}

func TestEngine_CustomTrigger(t *testing.T) {
	clock := newFakeClock()
	always := func(Point, GeoFence) bool { return true }
	e := NewEngine(NewMemoryFenceStore(circleFence(1, "F", 0)), NewMemoryUpdateStore().WithClock(clock.Now), nil,
		WithClock(clock.Now), WithTrigger(always))

	if got := mustEvaluate(t, e, outsidePoint); !slices.Equal(got, []int64{1}) {
		t.Errorf("got %v, want [1]", got)
	}
}
