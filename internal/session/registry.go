// Package session owns the per-user session lifecycle: creation, connect,
// monitoring, reconnection with exponential backoff, and teardown.
//
// The registry's live-handle map is the sole authority on "is this session
// live right now". Other components read handles but never mutate them.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionhub/internal/cache"
	"sessionhub/internal/eventbus"
	"sessionhub/internal/platform"
	"sessionhub/internal/storage"
	"sessionhub/internal/workqueue"
	logx "sessionhub/pkg/logx"
)

// JobAIResponse is the work-queue job type enqueued for every persisted
// inbound message. The consumer (AI response generation) is external.
const JobAIResponse = "ai.response"

type Config struct {
	ReconnectBase     time.Duration // first retry delay; default 1s
	ReconnectMax      time.Duration // delay cap; default 30s
	ReconnectAttempts int           // consecutive failures before giving up; default 5

	SnapshotTTL time.Duration // cache ttl for session/message snapshots; default 5m
	OpTimeout   time.Duration // bound for store/cache/queue calls on background paths; default 10s
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 5 * time.Minute
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	return c
}

// CreateOptions carries optional fields for new sessions.
type CreateOptions struct {
	Metadata map[string]string
}

// Registry is the authoritative map from session identity to live handle.
type Registry struct {
	cfg     Config
	store   storage.Store
	cache   *cache.Cache
	bus     eventbus.Bus
	queue   *workqueue.Service
	factory platform.Factory
	log     logx.Logger

	mu      sync.RWMutex
	handles map[string]*Handle

	// Per-session connect locks: concurrent Connect calls for one session
	// serialize here so at most one client is ever created per session.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	forwardWG sync.WaitGroup
}

func NewRegistry(cfg Config, store storage.Store, c *cache.Cache, bus eventbus.Bus, queue *workqueue.Service, factory platform.Factory, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		store:   store,
		cache:   c,
		bus:     bus,
		queue:   queue,
		factory: factory,
		log:     log,
		handles: map[string]*Handle{},
		locks:   map[string]*sync.Mutex{},
	}
}

func (r *Registry) connectLock(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l := r.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Create persists a new session record (status=disconnected) and caches it.
// It does not create a live client.
func (r *Registry) Create(ctx context.Context, userID, platformTag string, opts CreateOptions) (*storage.Session, error) {
	now := time.Now()
	sess := &storage.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Platform:     platformTag,
		Status:       storage.StatusDisconnected,
		LastActivity: now,
		CreatedAt:    now,
		Metadata:     opts.Metadata,
	}
	if err := r.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	_ = r.cache.SetJSON(cache.SessionKey(sess.ID), sess, r.cfg.SnapshotTTL)
	r.log.Info("session created", logx.String("session", sess.ID), logx.String("user", userID), logx.String("platform", platformTag))
	return sess, nil
}

// resolve reads a session snapshot through the cache; the store wins on miss.
func (r *Registry) resolve(ctx context.Context, id string) (*storage.Session, error) {
	return cache.Through(ctx, r.cache, cache.SessionKey(id), r.cfg.SnapshotTTL,
		func(ctx context.Context) (*storage.Session, error) {
			return r.store.GetSession(ctx, id)
		})
}

// Connect binds a live client to the session, creating one if needed.
//
// Idempotent: a session that already has a connected client gets the same
// handle back. Concurrent calls for the same session serialize so exactly
// one client is ever created.
func (r *Registry) Connect(ctx context.Context, id string) (*Handle, error) {
	lock := r.connectLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	h := r.handles[id]
	r.mu.RUnlock()

	if h != nil && h.Connected() {
		return h, nil
	}

	fresh := h == nil
	if fresh {
		h = &Handle{SessionID: sess.ID, UserID: sess.UserID}
		r.mu.Lock()
		r.handles[sess.ID] = h
		r.mu.Unlock()
	}

	if err := r.attach(ctx, h); err != nil {
		if fresh {
			r.removeHandle(h)
		}
		r.persistStatus(ctx, sess.ID, func(s *storage.Session) {
			s.Status = storage.StatusError
		})
		return nil, err
	}
	return h, nil
}

// attach creates and initializes a fresh client for the handle, replacing any
// dead one. The handle (and its attempt counter) survives the swap. Caller
// holds the connect lock.
func (r *Registry) attach(ctx context.Context, h *Handle) error {
	client, err := r.factory.New(h.SessionID)
	if err != nil {
		return fmt.Errorf("create platform client: %w", err)
	}

	old, oldStop, stop := h.attach(client)
	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		_ = old.Destroy()
	}

	r.persistStatus(ctx, h.SessionID, func(s *storage.Session) {
		s.Status = storage.StatusConnecting
	})

	r.forwardWG.Add(1)
	go func() {
		defer r.forwardWG.Done()
		r.forward(h, client, stop)
	}()

	if err := client.Initialize(ctx); err != nil {
		r.log.Warn("client initialize failed", logx.String("session", h.SessionID), logx.Err(err))
		cl, st := h.detach()
		if st != nil {
			close(st)
		}
		if cl != nil {
			_ = cl.Destroy()
		}
		return err
	}

	r.log.Info("session connecting", logx.String("session", h.SessionID))
	return nil
}

func (r *Registry) removeHandle(h *Handle) {
	r.mu.Lock()
	delete(r.handles, h.SessionID)
	r.mu.Unlock()
}

// detachHandle tears down the handle's client and removes it from the map.
func (r *Registry) detachHandle(h *Handle) {
	client, stop := h.detach()
	if stop != nil {
		close(stop)
	}
	if client != nil {
		// Tolerate an already-dead client.
		if err := client.Destroy(); err != nil {
			r.log.Debug("client destroy", logx.String("session", h.SessionID), logx.Err(err))
		}
	}
	r.removeHandle(h)
}

// Disconnect tears down the live client, if any, and marks the session
// disconnected. It never fails the caller: after a crash, store and process
// state may already disagree, so errors here are logged only.
//
// Holds the connect lock so a disconnect landing mid-Connect waits for the
// attach to finish instead of orphaning the client being wired up.
func (r *Registry) Disconnect(ctx context.Context, id string) {
	lock := r.connectLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	h := r.handles[id]
	r.mu.RUnlock()

	if h != nil {
		h.markManual()
		r.detachHandle(h)
	}

	r.persistStatus(ctx, id, func(s *storage.Session) {
		s.Status = storage.StatusDisconnected
	})
	r.cache.Del(cache.SessionKey(id))
	r.log.Info("session disconnected", logx.String("session", id), logx.Bool("had_client", h != nil))
}

// Delete disconnects the session and permanently removes its record.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.Disconnect(ctx, id)
	if err := r.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	r.cache.Del(cache.SessionKey(id))
	r.log.Info("session deleted", logx.String("session", id))
	return nil
}

// Handle returns the live handle for id, or nil when the session has none.
func (r *Registry) Handle(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

// Active returns the session IDs that currently hold a live handle.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	return out
}

// Stats aggregates session counts, cross-referencing persisted records
// against the live-handle set. A record claiming "connected" without a live
// handle counts as disconnected: the handle map is the authority on liveness.
type Stats struct {
	Total        int `json:"total"`
	Live         int `json:"activeLiveHandles"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	Disconnected int `json:"disconnected"`
	Error        int `json:"error"`
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return Stats{}, err
	}

	r.mu.RLock()
	live := make(map[string]bool, len(r.handles))
	for id, h := range r.handles {
		live[id] = h.Connected()
	}
	r.mu.RUnlock()

	st := Stats{Total: len(sessions), Live: len(live)}
	for _, s := range sessions {
		status := s.Status
		if status == storage.StatusConnected && !live[s.ID] {
			status = storage.StatusDisconnected
		}
		switch status {
		case storage.StatusConnected:
			st.Connected++
		case storage.StatusConnecting:
			st.Connecting++
		case storage.StatusError:
			st.Error++
		default:
			st.Disconnected++
		}
	}
	return st, nil
}

// CleanupExpired disconnects every session idle for longer than idleTimeout
// and returns how many it disconnected. Sessions with recent activity are
// left untouched.
func (r *Registry) CleanupExpired(ctx context.Context, idleTimeout time.Duration) (int, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-idleTimeout)
	n := 0
	for _, s := range sessions {
		if !s.LastActivity.Before(cutoff) {
			continue
		}
		if s.Status == storage.StatusDisconnected && r.Handle(s.ID) == nil {
			continue
		}
		r.Disconnect(ctx, s.ID)
		n++
	}
	if n > 0 {
		r.log.Info("idle sessions disconnected", logx.Int("count", n), logx.Duration("idle_timeout", idleTimeout))
	}
	return n, nil
}

// Close tears down all live handles and waits for their forwarders.
func (r *Registry) Close(ctx context.Context) {
	for _, id := range r.Active() {
		r.Disconnect(ctx, id)
	}
	done := make(chan struct{})
	go func() {
		r.forwardWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// persistStatus applies a mutation to the stored session and refreshes the
// cached snapshot. Background transition path: failures are logged, never
// propagated, so one unhealthy session cannot crash unrelated work.
func (r *Registry) persistStatus(ctx context.Context, id string, mutate func(*storage.Session)) {
	opCtx, cancel := context.WithTimeout(withoutCancel(ctx), r.cfg.OpTimeout)
	defer cancel()

	sess, err := r.store.GetSession(opCtx, id)
	if err != nil {
		r.log.Warn("session load for status update failed", logx.String("session", id), logx.Err(err))
		r.cache.Del(cache.SessionKey(id))
		return
	}
	mutate(sess)
	if err := r.store.PutSession(opCtx, sess); err != nil {
		r.log.Warn("session status persist failed", logx.String("session", id), logx.Err(err))
		r.cache.Del(cache.SessionKey(id))
		return
	}
	_ = r.cache.SetJSON(cache.SessionKey(id), sess, r.cfg.SnapshotTTL)
}

// touchActivity bumps LastActivity; errors are logged only.
func (r *Registry) touchActivity(ctx context.Context, id string) {
	r.persistStatus(ctx, id, func(s *storage.Session) {
		s.LastActivity = time.Now()
	})
}

// withoutCancel detaches background persistence from a caller context that
// may already be canceled (e.g. teardown paths).
func withoutCancel(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
