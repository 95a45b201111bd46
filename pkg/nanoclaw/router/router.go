// Package router normalizes inbound chat-platform events into a common
// shape and routes outbound messages back to the owning channel by JID
// prefix (spec.md's "Channel Router").
//
// Grounded on the teacher pack's channel-manager pattern: vanducng-goclaw's
// internal/channels.Channel interface (Name/Start/Stop/Send/IsRunning) and
// pkg/goclaw/copilot/assistant.go's channel registration in Assistant,
// generalized from a single message-bus publish into the JID-prefix
// dispatch this spec requires.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// InboundMessage mirrors spec.md §3's Inbound Message.
type InboundMessage struct {
	ID         string
	JID        string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
	IsFromSelf bool
	IsBot      bool
}

// Channel is the interface every chat-platform adapter implements
// (spec.md §6's "Channel interface").
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	OwnsJID(jid string) bool
	SendMessage(ctx context.Context, jid, text string) error
}

// VoiceSender is an optional Channel extension for voice notes.
type VoiceSender interface {
	SendVoice(ctx context.Context, jid, path string) error
}

// TypingSetter is an optional Channel extension for typing indicators.
type TypingSetter interface {
	SetTyping(ctx context.Context, jid string, on bool) error
}

// MainChannelChecker is an optional Channel extension letting a channel
// decide which of its own JIDs counts as "main" (e.g. the owner's DM).
type MainChannelChecker interface {
	IsMainChannel(jid string) bool
}

// InboundHandler is invoked once per normalized inbound message.
type InboundHandler func(ctx context.Context, jid string, msg InboundMessage)

// MetadataHandler is invoked when a channel discovers chat metadata worth
// recording (e.g. first-contact auto-registration): jid, first-seen
// timestamp, and a human display name.
type MetadataHandler func(ctx context.Context, jid string, seenAt time.Time, displayName string)

// Router owns the registered channel set and dispatches outbound sends by
// JID prefix, trying each registered channel's OwnsJID in registration
// order.
type Router struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels []Channel

	onInbound InboundHandler
	onMeta    MetadataHandler
}

// New constructs a Router. onInbound/onMeta may be set later via
// SetInboundHandler/SetMetadataHandler if not known yet at construction.
func New(log *slog.Logger, onInbound InboundHandler, onMeta MetadataHandler) *Router {
	return &Router{
		log:       log.With("component", "router"),
		onInbound: onInbound,
		onMeta:    onMeta,
	}
}

// SetInboundHandler wires the callback invoked for every normalized inbound
// message, once the queue (C5) that will receive it exists.
func (r *Router) SetInboundHandler(h InboundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInbound = h
}

// SetMetadataHandler wires the callback invoked for chat auto-registration.
func (r *Router) SetMetadataHandler(h MetadataHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMeta = h
}

// Register adds a channel and connects it. A connect failure is logged and
// does not prevent the host from starting (spec.md §6 exit semantics:
// channel disconnects never terminate the process).
func (r *Router) Register(ctx context.Context, ch Channel) {
	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		r.log.Error("router: channel failed to connect", "channel", ch.Name(), "error", err)
	} else {
		r.log.Info("router: channel connected", "channel", ch.Name())
	}
}

// DisconnectAll tears down every registered channel; errors are logged and
// do not abort disconnecting the rest.
func (r *Router) DisconnectAll(ctx context.Context) {
	r.mu.RLock()
	chans := append([]Channel{}, r.channels...)
	r.mu.RUnlock()

	for _, ch := range chans {
		if err := ch.Disconnect(ctx); err != nil {
			r.log.Warn("router: channel disconnect error", "channel", ch.Name(), "error", err)
		}
	}
}

// Inbound is called by a channel adapter when it receives a message. It
// forwards to the registered InboundHandler, if any.
func (r *Router) Inbound(ctx context.Context, jid string, msg InboundMessage) {
	r.mu.RLock()
	h := r.onInbound
	r.mu.RUnlock()
	if h == nil {
		r.log.Warn("router: dropped inbound message, no handler wired", "jid", jid)
		return
	}
	h(ctx, jid, msg)
}

// ChatMetadata is called by a channel adapter when it learns of chat
// identity (e.g. a DM's first message): first-contact auto-registration.
func (r *Router) ChatMetadata(ctx context.Context, jid string, seenAt time.Time, displayName string) {
	r.mu.RLock()
	h := r.onMeta
	r.mu.RUnlock()
	if h == nil {
		return
	}
	h(ctx, jid, seenAt, displayName)
}

// channelFor finds the registered channel owning jid.
func (r *Router) channelFor(jid string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("router: no channel owns jid %q", jid)
}

// Send routes an outbound text message to the channel owning jid.
func (r *Router) Send(ctx context.Context, jid, text string) error {
	ch, err := r.channelFor(jid)
	if err != nil {
		return err
	}
	return ch.SendMessage(ctx, jid, text)
}

// SendVoice routes an outbound voice note, if the owning channel supports it.
func (r *Router) SendVoice(ctx context.Context, jid, path string) error {
	ch, err := r.channelFor(jid)
	if err != nil {
		return err
	}
	vs, ok := ch.(VoiceSender)
	if !ok {
		return fmt.Errorf("router: channel %q does not support voice", ch.Name())
	}
	return vs.SendVoice(ctx, jid, path)
}

// SetTyping routes a typing-indicator toggle, if the owning channel
// supports it. A channel without typing support silently no-ops.
func (r *Router) SetTyping(ctx context.Context, jid string, on bool) {
	ch, err := r.channelFor(jid)
	if err != nil {
		return
	}
	if ts, ok := ch.(TypingSetter); ok {
		_ = ts.SetTyping(ctx, jid, on)
	}
}

// IsMainChannel reports whether jid's owning channel considers it its main
// chat. Channels that don't implement MainChannelChecker are never main
// by channel opinion; main-ness is primarily decided by the registered-chat
// table (store.RegisteredChat.IsMain).
func (r *Router) IsMainChannel(jid string) bool {
	ch, err := r.channelFor(jid)
	if err != nil {
		return false
	}
	mc, ok := ch.(MainChannelChecker)
	return ok && mc.IsMainChannel(jid)
}

// JIDPrefix returns the platform prefix of a JID ("discord", "web", ...).
func JIDPrefix(jid string) string {
	if idx := strings.Index(jid, ":"); idx > 0 {
		return jid[:idx]
	}
	return jid
}
