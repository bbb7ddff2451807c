// Package dispatch sends outbound messages through live session clients and
// owns the message query/retention surface.
//
// Send failures are data, not control flow: every attempt yields a SendResult
// and the error, if any, rides inside it. Bulk sends pace between items so a
// burst cannot trip platform rate limits.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sessionhub/internal/cache"
	"sessionhub/internal/errs"
	"sessionhub/internal/eventbus"
	"sessionhub/internal/events"
	"sessionhub/internal/platform"
	"sessionhub/internal/session"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"
)

// HandleSource resolves the live handle for a session, if one exists.
// *session.Registry satisfies it.
type HandleSource interface {
	Handle(id string) *session.Handle
}

type Config struct {
	Pace        time.Duration // delay between bulk items; default 1s
	SendTimeout time.Duration // bound on one platform send; default 30s
	RatePerSec  float64       // session-wide send rate; default 10
	Burst       int           // limiter burst; default 5

	SnapshotTTL   time.Duration // cache ttl for message snapshots; default 5m
	RetentionDays int           // CleanupOld default cutoff; default 90
}

func (c Config) withDefaults() Config {
	if c.Pace <= 0 {
		c.Pace = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 5 * time.Minute
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	return c
}

// SendRequest describes one outbound message. To is required; the rest
// depends on Type (text wants Body, media wants MediaRef, contact wants
// ContactName/ContactPhone).
type SendRequest struct {
	To       string              `json:"to"`
	Type     storage.MessageType `json:"type,omitempty"` // empty means text
	Body     string              `json:"body,omitempty"`
	MediaRef string              `json:"mediaRef,omitempty"`
	Filename string              `json:"filename,omitempty"`
	MimeType string              `json:"mimeType,omitempty"`
	Caption  string              `json:"caption,omitempty"`

	ContactName  string `json:"contactName,omitempty"`
	ContactPhone string `json:"contactPhone,omitempty"`
}

// SendResult is the outcome of one send attempt. Err is nil on success;
// MessageID identifies the persisted record either way, so failed sends stay
// inspectable.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId,omitempty"`
	Err       error     `json:"-"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func failure(err error) SendResult {
	return SendResult{Err: err, Error: err.Error(), Timestamp: time.Now()}
}

// Dispatcher sends and queries messages for sessions. Safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	store    storage.Store
	cache    *cache.Cache
	bus      eventbus.Bus
	sessions HandleSource
	limiter  *rate.Limiter
	log      logx.Logger
}

func New(cfg Config, store storage.Store, c *cache.Cache, bus eventbus.Bus, sessions HandleSource, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		cache:    c,
		bus:      bus,
		sessions: sessions,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:      log,
	}
}

// Send delivers one message through the session's live client.
//
// It never panics the caller with transport errors: validation failures,
// missing connections, and platform rejections all come back inside the
// SendResult. Failed attempts are still persisted (status=failed) so the
// history shows what was tried.
func (d *Dispatcher) Send(ctx context.Context, sessionID string, req SendRequest) SendResult {
	if err := validate(req); err != nil {
		return failure(err)
	}

	h := d.sessions.Handle(sessionID)
	if h == nil || !h.Connected() {
		return failure(errs.ErrNotConnected)
	}
	client := h.Client()
	if client == nil {
		return failure(errs.ErrNotConnected)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	if err := d.limiter.Wait(sendCtx); err != nil {
		return failure(err)
	}

	platformID, sendErr := dispatchOne(sendCtx, client, req)

	msg := &storage.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: storage.DirectionOutbound,
		Type:      req.messageType(),
		Status:    storage.MessageSent,
		To:        req.To,
		Body:      req.Body,
		MediaRef:  req.MediaRef,
		Filename:  req.Filename,
		MimeType:  req.MimeType,
		Caption:   req.Caption,
		Timestamp: time.Now(),
	}
	if platformID != "" {
		msg.Metadata = map[string]string{"platformId": platformID}
	}
	if sendErr != nil {
		msg.Status = storage.MessageFailed
	}

	if err := d.store.PutMessage(ctx, msg); err != nil {
		d.log.Warn("outbound message persist failed", logx.String("session", sessionID), logx.Err(err))
	} else {
		_ = d.cache.SetJSON(cache.MessageKey(msg.ID), msg, d.cfg.SnapshotTTL)
		d.touchActivity(ctx, sessionID)
	}

	if sendErr != nil {
		d.log.Warn("send failed", logx.String("session", sessionID), logx.String("to", req.To), logx.Err(sendErr))
		res := failure(sendErr)
		res.MessageID = msg.ID
		return res
	}

	d.bus.Publish(eventbus.Event{
		Type:      events.MessageSent,
		SessionID: sessionID,
		Time:      time.Now(),
		Data: events.MessagePayload{
			MessageID: msg.ID,
			To:        msg.To,
			Type:      string(msg.Type),
			Body:      msg.Body,
		},
	})
	return SendResult{Success: true, MessageID: msg.ID, Timestamp: msg.Timestamp}
}

// SendBulk delivers the requests in order with a fixed pace between items.
// One failed item never stops the rest; results line up index-for-index with
// the requests. Context cancellation marks the remaining items failed.
func (d *Dispatcher) SendBulk(ctx context.Context, sessionID string, reqs []SendRequest) []SendResult {
	results := make([]SendResult, 0, len(reqs))
	tmr := time.NewTimer(d.cfg.Pace)
	if !tmr.Stop() {
		<-tmr.C
	}
	for i, req := range reqs {
		if i > 0 {
			tmr.Reset(d.cfg.Pace)
			select {
			case <-ctx.Done():
				tmr.Stop()
				for range reqs[i:] {
					results = append(results, failure(ctx.Err()))
				}
				return results
			case <-tmr.C:
			}
		}
		results = append(results, d.Send(ctx, sessionID, req))
	}
	return results
}

// Messages returns the session's messages newest-first, narrowed by the
// filter and bounded by the page.
func (d *Dispatcher) Messages(ctx context.Context, sessionID string, f storage.MessageFilter, p storage.Page) ([]*storage.Message, error) {
	return d.store.QueryMessages(ctx, sessionID, f, p)
}

// Message reads one message through the cache; the store wins on miss.
func (d *Dispatcher) Message(ctx context.Context, id string) (*storage.Message, error) {
	return cache.Through(ctx, d.cache, cache.MessageKey(id), d.cfg.SnapshotTTL,
		func(ctx context.Context) (*storage.Message, error) {
			return d.store.GetMessage(ctx, id)
		})
}

// UpdateStatus changes a message's delivery status in the store and refreshes
// the cached snapshot from the stored row.
func (d *Dispatcher) UpdateStatus(ctx context.Context, id string, status storage.MessageStatus) error {
	if err := d.store.UpdateMessageStatus(ctx, id, status); err != nil {
		return err
	}
	msg, err := d.store.GetMessage(ctx, id)
	if err != nil {
		d.cache.Del(cache.MessageKey(id))
		return nil
	}
	_ = d.cache.SetJSON(cache.MessageKey(id), msg, d.cfg.SnapshotTTL)
	return nil
}

// Delete removes one message. The bool reports whether a record existed;
// deleting an absent message is not an error.
func (d *Dispatcher) Delete(ctx context.Context, id string) (bool, error) {
	existed, err := d.store.DeleteMessage(ctx, id)
	if err != nil {
		return false, err
	}
	d.cache.Del(cache.MessageKey(id))
	return existed, nil
}

// CleanupOld deletes messages older than retentionDays (config default when
// <= 0) and returns how many were removed. The batch delete does not
// enumerate IDs, so the whole message snapshot prefix is evicted rather than
// leaving deleted records readable until their ttl lapses.
func (d *Dispatcher) CleanupOld(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = d.cfg.RetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	n, err := d.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		evicted := d.cache.DelPrefix(cache.MessageKeyPrefix)
		d.log.Info("old messages deleted",
			logx.Int("count", n),
			logx.Int("cache_evicted", evicted),
			logx.Int("retention_days", retentionDays))
	}
	return n, nil
}

// Stats aggregates message counts for one session.
func (d *Dispatcher) Stats(ctx context.Context, sessionID string) (storage.MessageStats, error) {
	return d.store.MessageStats(ctx, sessionID)
}

func (d *Dispatcher) touchActivity(ctx context.Context, sessionID string) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	sess.LastActivity = time.Now()
	if err := d.store.PutSession(ctx, sess); err != nil {
		d.log.Warn("activity bump failed", logx.String("session", sessionID), logx.Err(err))
		d.cache.Del(cache.SessionKey(sessionID))
		return
	}
	_ = d.cache.SetJSON(cache.SessionKey(sessionID), sess, d.cfg.SnapshotTTL)
}

func (r SendRequest) messageType() storage.MessageType {
	if r.Type != "" {
		return r.Type
	}
	if r.ContactPhone != "" {
		return storage.TypeContact
	}
	if r.MediaRef != "" {
		return storage.TypeDocument
	}
	return storage.TypeText
}

func validate(req SendRequest) error {
	if req.To == "" {
		return errs.Validation("to", "recipient is required")
	}
	switch req.messageType() {
	case storage.TypeContact:
		if req.ContactPhone == "" {
			return errs.Validation("contactPhone", "contact phone is required")
		}
	case storage.TypeText:
		if req.Body == "" {
			return errs.Validation("body", "message body is required")
		}
	default:
		if req.MediaRef == "" {
			return errs.Validation("mediaRef", "media reference is required")
		}
	}
	return nil
}

func dispatchOne(ctx context.Context, client platform.Client, req SendRequest) (string, error) {
	switch req.messageType() {
	case storage.TypeContact:
		return client.SendContact(ctx, req.To, platform.Contact{Name: req.ContactName, Phone: req.ContactPhone})
	case storage.TypeText:
		return client.SendText(ctx, req.To, req.Body)
	default:
		media := platform.Media{Ref: req.MediaRef, Filename: req.Filename, MimeType: req.MimeType}
		return client.SendMedia(ctx, req.To, media, req.Caption)
	}
}
