package session

import (
	"context"

	"github.com/google/uuid"

	"sessionhub/internal/cache"
	"sessionhub/internal/events"
	"sessionhub/internal/platform"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"
)

// forward consumes one client's event stream in emission order and relays
// each event as exactly one orchestrator event. Persistence and queueing run
// inside the handler so they never block the event source: the client emits
// into a buffered channel and this goroutine drains it.
//
// One forwarder per attached client; stop is closed when the client is
// replaced or torn down.
func (r *Registry) forward(h *Handle, client platform.Client, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
			if ev.Kind == platform.EventMessage {
				r.handleInbound(ctx, h, client, ev.Message)
			} else {
				r.applyLifecycle(ctx, h, ev)
			}
			cancel()
		}
	}
}

// handleInbound persists a received message, resolves attached media, and
// enqueues the AI-response job. Every failure here is logged and isolated:
// message receipt must survive a sick store or a full queue.
func (r *Registry) handleInbound(ctx context.Context, h *Handle, client platform.Client, in *platform.InboundMessage) {
	if in == nil || in.IsStatus {
		// Platform status pseudo-messages are noise, not conversation.
		return
	}

	msg := &storage.Message{
		ID:        uuid.NewString(),
		SessionID: h.SessionID,
		Direction: storage.DirectionInbound,
		Type:      messageType(in.Type),
		Status:    storage.MessageReceived,
		From:      in.From,
		To:        in.To,
		Body:      in.Body,
		Filename:  in.Filename,
		MimeType:  in.MimeType,
		Caption:   in.Caption,
		Timestamp: in.Timestamp,
	}
	if in.PlatformID != "" {
		msg.Metadata = map[string]string{"platformId": in.PlatformID}
	}

	if in.MediaID != "" {
		media, err := client.DownloadMedia(ctx, in.MediaID)
		if err != nil {
			r.log.Warn("media download failed", logx.String("session", h.SessionID), logx.Err(err))
			msg.MediaRef = in.MediaID // keep the raw reference; better than losing it
		} else {
			msg.MediaRef = media.Ref
			if media.Filename != "" {
				msg.Filename = media.Filename
			}
			if media.MimeType != "" {
				msg.MimeType = media.MimeType
			}
		}
	}

	if err := r.store.PutMessage(ctx, msg); err != nil {
		r.log.Warn("inbound message persist failed", logx.String("session", h.SessionID), logx.Err(err))
	} else {
		_ = r.cache.SetJSON(cache.MessageKey(msg.ID), msg, r.cfg.SnapshotTTL)
	}

	r.touchActivity(ctx, h.SessionID)

	if r.queue != nil {
		err := r.queue.Enqueue(JobAIResponse, events.JobPayload{
			JobType:   JobAIResponse,
			SessionID: h.SessionID,
			MessageID: msg.ID,
		})
		if err != nil {
			// Fire-and-forget: queue trouble never fails message receipt.
			r.log.Warn("ai-response enqueue failed", logx.String("session", h.SessionID), logx.Err(err))
		}
	}

	r.publish(h, events.MessageReceived, events.MessagePayload{
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.To,
		Type:      string(msg.Type),
		Body:      msg.Body,
	})
}

func messageType(t string) storage.MessageType {
	switch storage.MessageType(t) {
	case storage.TypeImage, storage.TypeVideo, storage.TypeAudio,
		storage.TypeDocument, storage.TypeLocation, storage.TypeContact:
		return storage.MessageType(t)
	default:
		return storage.TypeText
	}
}
