package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sessionhub/internal/errs"
	logx "sessionhub/pkg/logx"
)

// forEachStore runs the conformance test against every driver: the two must
// behave identically so the memory driver stays a faithful test double.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(Config{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "test.db"),
			BusyTimeout: time.Second,
		}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestSessionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := &Session{
			ID: "s1", UserID: "u1", Platform: "telegram",
			Status: StatusDisconnected, LastActivity: time.Now(),
			Metadata: map[string]string{"plan": "pro"},
		}
		if err := s.PutSession(ctx, sess); err != nil {
			t.Fatalf("PutSession: %v", err)
		}

		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.UserID != "u1" || got.Platform != "telegram" || got.Status != StatusDisconnected {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if got.Metadata["plan"] != "pro" {
			t.Fatalf("metadata lost: %+v", got.Metadata)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Fatalf("timestamps not set: %+v", got)
		}

		// Upsert keeps identity, changes status.
		got.Status = StatusConnected
		got.PhoneNumber = "15551234567"
		if err := s.PutSession(ctx, got); err != nil {
			t.Fatalf("PutSession (update): %v", err)
		}
		got2, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession (update): %v", err)
		}
		if got2.Status != StatusConnected || got2.PhoneNumber != "15551234567" {
			t.Fatalf("update lost: %+v", got2)
		}
	})
}

func TestSessionNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if _, err := s.GetSession(context.Background(), "nope"); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.DeleteSession(context.Background(), "nope"); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on delete, got %v", err)
		}
	})
}

func TestDeleteSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.PutSession(ctx, &Session{ID: "s1", UserID: "u1", Platform: "telegram", Status: StatusDisconnected}); err != nil {
			t.Fatalf("PutSession: %v", err)
		}
		if err := s.DeleteSession(ctx, "s1"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestListSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			if err := s.PutSession(ctx, &Session{ID: id, UserID: "u-" + id, Platform: "telegram", Status: StatusDisconnected}); err != nil {
				t.Fatalf("PutSession: %v", err)
			}
		}
		all, err := s.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 sessions, got %d", len(all))
		}
	})
}

func seedMessages(t *testing.T, s Store, sessionID string, n int) []*Message {
	t.Helper()
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	out := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		dir := DirectionInbound
		status := MessageReceived
		if i%2 == 1 {
			dir = DirectionOutbound
			status = MessageSent
		}
		m := &Message{
			ID:        sessionID + "-m" + string(rune('0'+i)),
			SessionID: sessionID,
			Direction: dir,
			Type:      TypeText,
			Status:    status,
			From:      "from",
			To:        "to",
			Body:      "body",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.PutMessage(context.Background(), m); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestMessageRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ts := time.Now().Truncate(time.Millisecond)
		m := &Message{
			ID: "m1", SessionID: "s1", Direction: DirectionInbound,
			Type: TypeImage, Status: MessageReceived,
			From: "a", To: "b", Body: "hi",
			MediaRef: "ref", Filename: "f.jpg", MimeType: "image/jpeg", Caption: "cap",
			Timestamp: ts, Metadata: map[string]string{"platformId": "42"},
		}
		if err := s.PutMessage(ctx, m); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
		got, err := s.GetMessage(ctx, "m1")
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if got.Type != TypeImage || got.MediaRef != "ref" || got.Caption != "cap" {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if !got.Timestamp.Equal(ts) {
			t.Fatalf("timestamp drift: %v vs %v", got.Timestamp, ts)
		}
		if got.Metadata["platformId"] != "42" {
			t.Fatalf("metadata lost: %+v", got.Metadata)
		}
	})
}

func TestQueryMessagesNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedMessages(t, s, "s1", 5)
		seedMessages(t, s, "other", 2)

		msgs, err := s.QueryMessages(context.Background(), "s1", MessageFilter{}, Page{})
		if err != nil {
			t.Fatalf("QueryMessages: %v", err)
		}
		if len(msgs) != 5 {
			t.Fatalf("expected 5 messages, got %d", len(msgs))
		}
		for i := 1; i < len(msgs); i++ {
			if msgs[i-1].Timestamp.Before(msgs[i].Timestamp) {
				t.Fatalf("not newest-first at %d", i)
			}
		}
	})
}

func TestQueryMessagesFilterAndPage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		all := seedMessages(t, s, "s1", 6)

		inbound, err := s.QueryMessages(context.Background(), "s1", MessageFilter{Status: MessageReceived}, Page{})
		if err != nil {
			t.Fatalf("QueryMessages: %v", err)
		}
		if len(inbound) != 3 {
			t.Fatalf("expected 3 received, got %d", len(inbound))
		}

		page, err := s.QueryMessages(context.Background(), "s1", MessageFilter{}, Page{Limit: 2, Offset: 2})
		if err != nil {
			t.Fatalf("QueryMessages (page): %v", err)
		}
		if len(page) != 2 {
			t.Fatalf("expected 2 in page, got %d", len(page))
		}

		since := all[3].Timestamp
		recent, err := s.QueryMessages(context.Background(), "s1", MessageFilter{Since: since}, Page{})
		if err != nil {
			t.Fatalf("QueryMessages (since): %v", err)
		}
		if len(recent) != 3 {
			t.Fatalf("expected 3 since %v, got %d", since, len(recent))
		}
	})
}

func TestUpdateMessageStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedMessages(t, s, "s1", 1)

		if err := s.UpdateMessageStatus(ctx, "s1-m0", MessageFailed); err != nil {
			t.Fatalf("UpdateMessageStatus: %v", err)
		}
		got, err := s.GetMessage(ctx, "s1-m0")
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if got.Status != MessageFailed {
			t.Fatalf("status not updated: %q", got.Status)
		}

		if err := s.UpdateMessageStatus(ctx, "missing", MessageFailed); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDeleteMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedMessages(t, s, "s1", 1)

		existed, err := s.DeleteMessage(ctx, "s1-m0")
		if err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		if !existed {
			t.Fatal("expected existed=true")
		}

		existed, err = s.DeleteMessage(ctx, "s1-m0")
		if err != nil {
			t.Fatalf("DeleteMessage (absent): %v", err)
		}
		if existed {
			t.Fatal("expected existed=false on second delete")
		}
	})
}

func TestDeleteMessagesBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		all := seedMessages(t, s, "s1", 4)

		cutoff := all[2].Timestamp
		n, err := s.DeleteMessagesBefore(ctx, cutoff)
		if err != nil {
			t.Fatalf("DeleteMessagesBefore: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 deleted, got %d", n)
		}
		rest, err := s.QueryMessages(ctx, "s1", MessageFilter{}, Page{})
		if err != nil {
			t.Fatalf("QueryMessages: %v", err)
		}
		if len(rest) != 2 {
			t.Fatalf("expected 2 remaining, got %d", len(rest))
		}
	})
}

func TestMessageStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedMessages(t, s, "s1", 4)

		st, err := s.MessageStats(context.Background(), "s1")
		if err != nil {
			t.Fatalf("MessageStats: %v", err)
		}
		if st.Total != 4 {
			t.Fatalf("expected total 4, got %d", st.Total)
		}
		if st.ByDirection[string(DirectionInbound)] != 2 || st.ByDirection[string(DirectionOutbound)] != 2 {
			t.Fatalf("unexpected direction counts: %+v", st.ByDirection)
		}
		if st.ByStatus[string(MessageReceived)] != 2 {
			t.Fatalf("unexpected status counts: %+v", st.ByStatus)
		}
	})
}

func TestSQLiteBoundsOperations(t *testing.T) {
	s := &sqliteStore{opTimeout: time.Minute}

	ctx, cancel := s.bound(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Fatal("expected a deadline on an unbounded context")
	}

	// A caller deadline tighter than the op timeout must survive.
	parent, pcancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer pcancel()
	want, _ := parent.Deadline()
	got, cancel2 := s.bound(parent)
	defer cancel2()
	if d, _ := got.Deadline(); !d.Equal(want) {
		t.Fatalf("caller deadline replaced: got %v want %v", d, want)
	}

	// Zero timeout disables the bound entirely.
	off := &sqliteStore{}
	ctx3, cancel3 := off.bound(context.Background())
	defer cancel3()
	if _, ok := ctx3.Deadline(); ok {
		t.Fatal("expected no deadline when the op timeout is off")
	}
}
