package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sessionhub/internal/errs"
	logx "sessionhub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db        *sql.DB
	opTimeout time.Duration
	log       logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, opTimeout: cfg.OpTimeout, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// bound caps a store call at the configured op timeout so a wedged database
// cannot stall callers indefinitely. Contexts already carrying a deadline are
// left alone.
func (s *sqliteStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSession(ctx context.Context, sess *Session) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errs.Validation("session.id", "empty")
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, user_id, platform, status, qr_code, phone_number, username, last_activity, created_at, updated_at, metadata)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, platform=excluded.platform, status=excluded.status,
		   qr_code=excluded.qr_code, phone_number=excluded.phone_number, username=excluded.username,
		   last_activity=excluded.last_activity, updated_at=excluded.updated_at, metadata=excluded.metadata`,
		sess.ID, sess.UserID, sess.Platform, string(sess.Status),
		nullStr(sess.QRCode), nullStr(sess.PhoneNumber), nullStr(sess.Username),
		sess.LastActivity.UnixMilli(), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
		metaJSON(sess.Metadata),
	)
	return errs.Persistence("put session", err)
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, platform, status, qr_code, phone_number, username, last_activity, created_at, updated_at, metadata
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.Persistence("get session", err)
	}
	return sess, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, platform, status, qr_code, phone_number, username, last_activity, created_at, updated_at, metadata
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, errs.Persistence("list sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errs.Persistence("list sessions", err)
		}
		out = append(out, sess)
	}
	return out, errs.Persistence("list sessions", rows.Err())
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return errs.Persistence("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) PutMessage(ctx context.Context, m *Message) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if m == nil || strings.TrimSpace(m.ID) == "" {
		return errs.Validation("message.id", "empty")
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, session_id, direction, type, status, from_addr, to_addr, body, media_ref, filename, mime_type, caption, ts, created_at, updated_at, metadata)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, updated_at=excluded.updated_at, metadata=excluded.metadata`,
		m.ID, m.SessionID, string(m.Direction), string(m.Type), string(m.Status),
		nullStr(m.From), nullStr(m.To), nullStr(m.Body),
		nullStr(m.MediaRef), nullStr(m.Filename), nullStr(m.MimeType), nullStr(m.Caption),
		m.Timestamp.UnixMilli(), m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
		metaJSON(m.Metadata),
	)
	return errs.Persistence("put message", err)
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, errs.Persistence("get message", err)
	}
	return m, nil
}

const selectMessage = `SELECT id, session_id, direction, type, status, from_addr, to_addr, body, media_ref, filename, mime_type, caption, ts, created_at, updated_at, metadata FROM messages`

func (s *sqliteStore) QueryMessages(ctx context.Context, sessionID string, f MessageFilter, p Page) ([]*Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	q := selectMessage + ` WHERE session_id = ?`
	args := []any{sessionID}
	if f.From != "" {
		q += ` AND from_addr = ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		q += ` AND to_addr = ?`
		args = append(args, f.To)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		q += ` AND ts <= ?`
		args = append(args, f.Until.UnixMilli())
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	q += ` ORDER BY ts DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Persistence("query messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errs.Persistence("query messages", err)
		}
		out = append(out, m)
	}
	return out, errs.Persistence("query messages", rows.Err())
}

func (s *sqliteStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return errs.Persistence("update message status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, errs.Persistence("delete message", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errs.Persistence("delete messages before", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) MessageStats(ctx context.Context, sessionID string) (MessageStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	st := MessageStats{
		ByDirection: map[string]int{},
		ByStatus:    map[string]int{},
		ByType:      map[string]int{},
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT direction, status, type, COUNT(*) FROM messages WHERE session_id = ? GROUP BY direction, status, type`,
		sessionID)
	if err != nil {
		return st, errs.Persistence("message stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dir, status, typ string
		var n int
		if err := rows.Scan(&dir, &status, &typ, &n); err != nil {
			return st, errs.Persistence("message stats", err)
		}
		st.Total += n
		st.ByDirection[dir] += n
		st.ByStatus[status] += n
		st.ByType[typ] += n
	}
	return st, errs.Persistence("message stats", rows.Err())
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		sess                   Session
		status                 string
		qr, phone, user, meta  sql.NullString
		activity, created, upd int64
	)
	err := r.Scan(&sess.ID, &sess.UserID, &sess.Platform, &status, &qr, &phone, &user, &activity, &created, &upd, &meta)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.QRCode = qr.String
	sess.PhoneNumber = phone.String
	sess.Username = user.String
	sess.LastActivity = time.UnixMilli(activity)
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(upd)
	sess.Metadata = metaFromJSON(meta.String)
	return &sess, nil
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m                                              Message
		dir, typ, status                               string
		from, to, body, media, fname, mime, capt, meta sql.NullString
		ts, created, upd                               int64
	)
	err := r.Scan(&m.ID, &m.SessionID, &dir, &typ, &status, &from, &to, &body, &media, &fname, &mime, &capt, &ts, &created, &upd, &meta)
	if err != nil {
		return nil, err
	}
	m.Direction = Direction(dir)
	m.Type = MessageType(typ)
	m.Status = MessageStatus(status)
	m.From = from.String
	m.To = to.String
	m.Body = body.String
	m.MediaRef = media.String
	m.Filename = fname.String
	m.MimeType = mime.String
	m.Caption = capt.String
	m.Timestamp = time.UnixMilli(ts)
	m.CreatedAt = time.UnixMilli(created)
	m.UpdatedAt = time.UnixMilli(upd)
	m.Metadata = metaFromJSON(meta.String)
	return &m, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func metaJSON(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func metaFromJSON(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
