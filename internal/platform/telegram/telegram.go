// Package telegram adapts a Telegram bot (long polling via telebot) to the
// platform.Client interface. Telegram has no QR pairing step, so a client
// goes straight from authenticated to ready once getMe succeeds.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"sessionhub/internal/platform"
	logx "sessionhub/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg       Config
	sessionID string
	log       logx.Logger

	events chan platform.Event

	mu        sync.Mutex
	bot       *tele.Bot
	running   bool
	destroyed bool

	connected atomic.Bool

	// droppedEvents counts events dropped because the consumer was slower
	// than the poll loop. Logged on Destroy to avoid per-event spam.
	droppedEvents uint64
}

// Factory returns a platform.Factory producing Telegram adapters that share
// one bot token. Each session gets its own poll loop.
func Factory(cfg Config, log logx.Logger) platform.Factory {
	return platform.FactoryFunc(func(sessionID string) (platform.Client, error) {
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, errors.New("telegram token is empty")
		}
		return &Adapter{
			cfg:       cfg,
			sessionID: sessionID,
			log:       log.With(logx.String("session", sessionID)),
			events:    make(chan platform.Event, 64),
		}, nil
	})
}

func (a *Adapter) Events() <-chan platform.Event { return a.events }

func (a *Adapter) IsConnected() bool { return a.connected.Load() }

func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return errors.New("client destroyed")
	}
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	timeout := a.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a.emit(platform.Event{Kind: platform.EventLoading, Percent: 10})

	b, err := tele.NewBot(tele.Settings{
		Token:  a.cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		a.emit(platform.Event{Kind: platform.EventAuthFailure, Reason: err.Error()})
		return err
	}

	a.mu.Lock()
	a.bot = b
	a.running = true
	a.mu.Unlock()

	b.Handle(tele.OnText, func(c tele.Context) error {
		a.handleMessage(c, "text")
		return nil
	})
	b.Handle(tele.OnPhoto, func(c tele.Context) error {
		a.handleMessage(c, "image")
		return nil
	})
	b.Handle(tele.OnDocument, func(c tele.Context) error {
		a.handleMessage(c, "document")
		return nil
	})

	a.emit(platform.Event{Kind: platform.EventAuthenticated})

	go func() {
		a.log.Info("polling started", logx.String("bot", b.Me.Username))
		b.Start() // blocks until Stop()
		a.log.Info("polling stopped")
		a.connected.Store(false)
		a.emit(platform.Event{Kind: platform.EventDisconnected, Reason: "poll loop exited"})
	}()

	a.connected.Store(true)
	a.emit(platform.Event{Kind: platform.EventReady, Username: b.Me.Username})
	return nil
}

func (a *Adapter) handleMessage(c tele.Context, kind string) {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return
	}
	in := &platform.InboundMessage{
		PlatformID: strconv.Itoa(m.ID),
		From:       strconv.FormatInt(m.Sender.ID, 10),
		To:         strconv.FormatInt(m.Chat.ID, 10),
		Type:       kind,
		Body:       m.Text,
		Timestamp:  m.Time(),
	}
	switch kind {
	case "image":
		if m.Photo != nil {
			in.MediaID = m.Photo.FileID
			in.Caption = m.Caption
		}
	case "document":
		if m.Document != nil {
			in.MediaID = m.Document.FileID
			in.Filename = m.Document.FileName
			in.MimeType = m.Document.MIME
			in.Caption = m.Caption
		}
	}
	a.emit(platform.Event{Kind: platform.EventMessage, Message: in})
}

func (a *Adapter) SendText(ctx context.Context, to, body string) (string, error) {
	b, err := a.liveBot()
	if err != nil {
		return "", err
	}
	chat, err := chatTarget(to)
	if err != nil {
		return "", err
	}
	msg, err := b.Send(chat, body)
	if err != nil {
		return "", err
	}
	a.emit(platform.Event{Kind: platform.EventMessageSent})
	return strconv.Itoa(msg.ID), nil
}

func (a *Adapter) SendMedia(ctx context.Context, to string, media platform.Media, caption string) (string, error) {
	b, err := a.liveBot()
	if err != nil {
		return "", err
	}
	chat, err := chatTarget(to)
	if err != nil {
		return "", err
	}
	var what interface{}
	if strings.HasPrefix(media.MimeType, "image/") {
		what = &tele.Photo{File: mediaFile(media), Caption: caption}
	} else {
		what = &tele.Document{File: mediaFile(media), FileName: media.Filename, Caption: caption}
	}
	msg, err := b.Send(chat, what)
	if err != nil {
		return "", err
	}
	a.emit(platform.Event{Kind: platform.EventMessageSent})
	return strconv.Itoa(msg.ID), nil
}

func (a *Adapter) SendContact(ctx context.Context, to string, contact platform.Contact) (string, error) {
	b, err := a.liveBot()
	if err != nil {
		return "", err
	}
	chat, err := chatTarget(to)
	if err != nil {
		return "", err
	}
	msg, err := b.Send(chat, &tele.Contact{PhoneNumber: contact.Phone, FirstName: contact.Name})
	if err != nil {
		return "", err
	}
	a.emit(platform.Event{Kind: platform.EventMessageSent})
	return strconv.Itoa(msg.ID), nil
}

// DownloadMedia resolves a Telegram file ID to a fetchable reference.
// Telegram file IDs are stable, so the resolved path is the media ref.
func (a *Adapter) DownloadMedia(ctx context.Context, mediaID string) (platform.Media, error) {
	b, err := a.liveBot()
	if err != nil {
		return platform.Media{}, err
	}
	f, err := b.FileByID(mediaID)
	if err != nil {
		return platform.Media{}, err
	}
	return platform.Media{Ref: f.FilePath}, nil
}

func (a *Adapter) Destroy() error {
	a.mu.Lock()
	b := a.bot
	running := a.running
	a.bot = nil
	a.running = false
	a.destroyed = true
	a.mu.Unlock()

	a.connected.Store(false)
	if dropped := atomic.LoadUint64(&a.droppedEvents); dropped > 0 {
		a.log.Warn("platform events dropped (consumer slow)", logx.Int64("count", int64(dropped)))
	}
	if running && b != nil {
		// telebot Stop is expected to be fast; run it async just in case.
		go b.Stop()
	}
	return nil
}

func (a *Adapter) liveBot() (*tele.Bot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running || a.bot == nil {
		return nil, errors.New("telegram client not running")
	}
	return a.bot, nil
}

func (a *Adapter) emit(e platform.Event) {
	select {
	case a.events <- e:
	default:
		atomic.AddUint64(&a.droppedEvents, 1)
	}
}

func chatTarget(to string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return nil, errors.New("telegram recipient must be a numeric chat id")
	}
	return &tele.Chat{ID: id}, nil
}

func mediaFile(m platform.Media) tele.File {
	ref := strings.TrimSpace(m.Ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.FromDisk(ref)
}
