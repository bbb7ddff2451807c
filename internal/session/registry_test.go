package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sessionhub/internal/cache"
	"sessionhub/internal/errs"
	"sessionhub/internal/eventbus"
	"sessionhub/internal/events"
	"sessionhub/internal/platform"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"
)

type fakeClient struct {
	events    chan platform.Event
	connected atomic.Bool
	destroyed atomic.Bool

	initErr error
	// onInit runs inside Initialize after the client is marked connected.
	onInit func(c *fakeClient)
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan platform.Event, 32)}
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	if c.initErr != nil {
		return c.initErr
	}
	c.connected.Store(true)
	if c.onInit != nil {
		c.onInit(c)
	}
	return nil
}

func (c *fakeClient) Events() <-chan platform.Event { return c.events }

func (c *fakeClient) emit(ev platform.Event) { c.events <- ev }

func (c *fakeClient) SendText(ctx context.Context, to, body string) (string, error) {
	if !c.connected.Load() {
		return "", errors.New("not connected")
	}
	return "pm-1", nil
}

func (c *fakeClient) SendMedia(ctx context.Context, to string, m platform.Media, caption string) (string, error) {
	return "pm-2", nil
}

func (c *fakeClient) SendContact(ctx context.Context, to string, ct platform.Contact) (string, error) {
	return "pm-3", nil
}

func (c *fakeClient) DownloadMedia(ctx context.Context, mediaID string) (platform.Media, error) {
	return platform.Media{Ref: "resolved/" + mediaID}, nil
}

func (c *fakeClient) IsConnected() bool { return c.connected.Load() }

func (c *fakeClient) Destroy() error {
	c.connected.Store(false)
	c.destroyed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	calls   int
	clients []*fakeClient
	// build produces the next client; default is a plain fake.
	build func(n int) *fakeClient
}

func (f *fakeFactory) New(sessionID string) (platform.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	c := newFakeClient()
	if f.build != nil {
		c = f.build(f.calls)
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRegistry(t *testing.T, cfg Config, f *fakeFactory) (*Registry, storage.Store, eventbus.Bus) {
	t.Helper()
	store := storage.NewMemory()
	c := cache.New(cache.Config{}, logx.Nop())
	bus := eventbus.New()
	r := NewRegistry(cfg, store, c, bus, nil, f, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r, store, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func TestCreatePersistsDisconnected(t *testing.T) {
	r, store, _ := testRegistry(t, Config{}, &fakeFactory{})

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{Metadata: map[string]string{"plan": "pro"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected generated session id")
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != storage.StatusDisconnected {
		t.Fatalf("expected disconnected, got %q", got.Status)
	}
	if got.Metadata["plan"] != "pro" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestConnectUnknownSession(t *testing.T) {
	r, _, _ := testRegistry(t, Config{}, &fakeFactory{})

	_, err := r.Connect(context.Background(), "nope")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConnectBecomesReady(t *testing.T) {
	f := &fakeFactory{build: func(int) *fakeClient {
		c := newFakeClient()
		c.onInit = func(c *fakeClient) {
			c.emit(platform.Event{Kind: platform.EventQR, QR: "qr-data"})
			c.emit(platform.Event{Kind: platform.EventReady, PhoneNumber: "15551234567", Username: "u1bot"})
		}
		return c
	}}
	r, store, bus := testRegistry(t, Config{}, f)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := r.Connect(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !h.Connected() {
		t.Fatal("expected connected handle")
	}

	waitEvent(t, ch, events.SessionQR, time.Second)
	waitEvent(t, ch, events.SessionReady, time.Second)

	// The ready transition persists asynchronously relative to the bus event.
	deadline := time.Now().Add(time.Second)
	for {
		got, err := store.GetSession(context.Background(), sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Status == storage.StatusConnected {
			if got.PhoneNumber != "15551234567" {
				t.Fatalf("phone not persisted: %+v", got)
			}
			if got.QRCode != "" {
				t.Fatal("qr code should be cleared once ready")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached connected, status=%q", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectIdempotent(t *testing.T) {
	f := &fakeFactory{}
	r, _, _ := testRegistry(t, Config{}, f)

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h1, err := r.Connect(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h2, err := r.Connect(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Connect again: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected same handle for repeated connect")
	}
	if f.count() != 1 {
		t.Fatalf("expected 1 client, factory created %d", f.count())
	}
}

func TestConcurrentConnectCreatesOneClient(t *testing.T) {
	f := &fakeFactory{}
	r, _, _ := testRegistry(t, Config{}, f)

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Connect(context.Background(), sess.ID); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if f.count() != 1 {
		t.Fatalf("expected 1 client, factory created %d", f.count())
	}
}

func TestDisconnectTearsDownAndCancelsRetry(t *testing.T) {
	f := &fakeFactory{}
	r, store, _ := testRegistry(t, Config{ReconnectBase: 5 * time.Millisecond, ReconnectMax: 10 * time.Millisecond}, f)

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Connect(context.Background(), sess.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.Disconnect(context.Background(), sess.ID)

	if r.Handle(sess.ID) != nil {
		t.Fatal("handle should be removed after disconnect")
	}
	if !f.clients[0].destroyed.Load() {
		t.Fatal("client should be destroyed")
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != storage.StatusDisconnected {
		t.Fatalf("expected disconnected, got %q", got.Status)
	}

	// A manual disconnect must never trigger a reconnect.
	time.Sleep(30 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("reconnect fired after manual disconnect: %d clients", f.count())
	}
}

func TestDisconnectDuringConnectWaits(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFactory{build: func(int) *fakeClient {
		close(entered)
		<-release
		return newFakeClient()
	}}
	r, _, _ := testRegistry(t, Config{}, f)

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	connectErr := make(chan error, 1)
	go func() {
		_, err := r.Connect(context.Background(), sess.ID)
		connectErr <- err
	}()
	<-entered

	// Fire a disconnect while the connect is still building its client.
	done := make(chan struct{})
	go func() {
		r.Disconnect(context.Background(), sess.ID)
		close(done)
	}()

	// It must wait for the in-flight connect rather than race past it.
	select {
	case <-done:
		t.Fatal("disconnect finished while connect was mid-attach")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-connectErr; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never completed")
	}

	// No orphan: the client the connect created is destroyed and the
	// handle is gone from the map.
	if r.Handle(sess.ID) != nil {
		t.Fatal("handle should be removed after disconnect")
	}
	if !f.clients[0].destroyed.Load() {
		t.Fatal("client leaked undestroyed outside the registry")
	}
}

func TestReconnectExhausted(t *testing.T) {
	f := &fakeFactory{build: func(n int) *fakeClient {
		c := newFakeClient()
		if n > 1 {
			// Every retry fails so backoff runs out.
			c.initErr = errors.New("network down")
		}
		return c
	}}
	cfg := Config{
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      2 * time.Millisecond,
		ReconnectAttempts: 2,
	}
	r, _, bus := testRegistry(t, cfg, f)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Connect(context.Background(), sess.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.clients[0].connected.Store(false)
	f.clients[0].emit(platform.Event{Kind: platform.EventDisconnected, Reason: "gone"})

	ev := waitEvent(t, ch, events.SessionReconnectExhausted, 2*time.Second)
	payload, ok := ev.Data.(events.ReconnectExhaustedPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", ev.Data)
	}
	if payload.Attempts != cfg.ReconnectAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.ReconnectAttempts, payload.Attempts)
	}

	// Exhaustion is terminal: the handle is gone and the event fires once.
	deadline := time.Now().Add(200 * time.Millisecond)
	for r.Handle(sess.ID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("handle still present after exhaustion")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case ev := <-ch:
		if ev.Type == events.SessionReconnectExhausted {
			t.Fatal("exhausted event fired twice")
		}
	case <-time.After(50 * time.Millisecond):
	}

	if f.count() != 1+cfg.ReconnectAttempts {
		t.Fatalf("expected %d clients, got %d", 1+cfg.ReconnectAttempts, f.count())
	}
}

func TestReadyResetsAttemptCounter(t *testing.T) {
	r, _, _ := testRegistry(t, Config{}, &fakeFactory{})
	h := &Handle{SessionID: "s1", UserID: "u1"}
	h.mu.Lock()
	h.attempts = 3
	h.mu.Unlock()

	r.applyLifecycle(context.Background(), h, platform.Event{Kind: platform.EventReady})
	if h.Attempts() != 0 {
		t.Fatalf("expected attempts reset, got %d", h.Attempts())
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	f := &fakeFactory{}
	r, store, bus := testRegistry(t, Config{ReconnectBase: time.Millisecond}, f)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Connect(context.Background(), sess.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.clients[0].emit(platform.Event{Kind: platform.EventAuthFailure, Reason: "logged out"})
	waitEvent(t, ch, events.SessionAuthFailure, time.Second)

	deadline := time.Now().Add(time.Second)
	for r.Handle(sess.ID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("handle still present after auth failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != storage.StatusError {
		t.Fatalf("expected error status, got %q", got.Status)
	}
	time.Sleep(20 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("auth failure must not reconnect, factory created %d clients", f.count())
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	r, store, _ := testRegistry(t, Config{}, &fakeFactory{})

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Connect(context.Background(), sess.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetSession(context.Background(), sess.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStatsCrossReferencesLiveHandles(t *testing.T) {
	r, store, _ := testRegistry(t, Config{}, &fakeFactory{})

	// Stored as connected, but no live handle: a stale record from a crash.
	stale := &storage.Session{ID: "stale", UserID: "u2", Platform: "telegram", Status: storage.StatusConnected}
	if err := store.PutSession(context.Background(), stale); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	sess, err := r.Create(context.Background(), "u1", "telegram", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Connect(context.Background(), sess.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Wait for the connected status to land.
	deadline := time.Now().Add(time.Second)
	for {
		got, _ := store.GetSession(context.Background(), sess.ID)
		if got != nil && (got.Status == storage.StatusConnecting || got.Status == storage.StatusConnected) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("status never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, err := r.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 {
		t.Fatalf("expected 2 sessions, got %d", st.Total)
	}
	if st.Connected != 0 || st.Disconnected < 1 {
		// stale record must not count as connected without a live handle
		t.Fatalf("stale record misclassified: %+v", st)
	}
}

func TestCleanupExpired(t *testing.T) {
	f := &fakeFactory{}
	r, store, _ := testRegistry(t, Config{}, f)

	old := &storage.Session{
		ID: "old", UserID: "u1", Platform: "telegram",
		Status: storage.StatusConnected, LastActivity: time.Now().Add(-time.Hour),
	}
	fresh := &storage.Session{
		ID: "fresh", UserID: "u2", Platform: "telegram",
		Status: storage.StatusConnected, LastActivity: time.Now(),
	}
	idleDisconnected := &storage.Session{
		ID: "idle-dc", UserID: "u3", Platform: "telegram",
		Status: storage.StatusDisconnected, LastActivity: time.Now().Add(-time.Hour),
	}
	for _, s := range []*storage.Session{old, fresh, idleDisconnected} {
		if err := store.PutSession(context.Background(), s); err != nil {
			t.Fatalf("PutSession: %v", err)
		}
	}

	n, err := r.CleanupExpired(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleaned, got %d", n)
	}
	got, err := store.GetSession(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != storage.StatusConnected {
		t.Fatalf("fresh session touched: %q", got.Status)
	}
}
