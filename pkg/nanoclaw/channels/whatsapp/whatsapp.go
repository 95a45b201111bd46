// Package whatsapp implements a NanoClaw Channel (spec.md §6) over
// go.mau.fi/whatsmeow.
//
// Grounded on the teacher pack's WhatsApp adapter
// (thrapt-picobot/internal/channels/whatsapp.go): sqlstore-backed device
// persistence, a log/slog-to-waLog.Logger shim in place of its
// log.Printf-based whatsappLogger, continuous composing-presence typing
// indicators, and message-length chunking on send. Pairing (the
// standalone Pair function's QR code display, run by `nanoclawd onboard`;
// Connect only accepts an already-paired device) is grounded on the same
// file's SetupWhatsApp, using mdp/qrterminal/v3 exactly as the teacher does.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/router"
)

// Prefix is the JID platform prefix this channel owns ("whatsapp:<e164>").
const Prefix = "whatsapp"

// maxChunkLen mirrors the teacher's conservative outbound chunk size.
const maxChunkLen = 4096

// Typing-indicator cadence: WhatsApp drops a composing presence after
// roughly ten seconds, so a held indicator is re-asserted a little inside
// that window; typingMaxHold caps how long one inbound message keeps the
// indicator up with no reply, so a stalled agent turn doesn't look like
// typing forever.
const (
	typingRefresh = 9 * time.Second
	typingMaxHold = 2 * time.Minute
)

// slogWALogger adapts *slog.Logger to whatsmeow's waLog.Logger interface,
// the way the teacher's whatsappLogger adapts Go's standard logger.
type slogWALogger struct {
	log *slog.Logger
}

func (l slogWALogger) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }
func (l slogWALogger) Warnf(msg string, args ...any) { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l slogWALogger) Infof(msg string, args ...any) { l.log.Info(fmt.Sprintf(msg, args...)) }
func (l slogWALogger) Debugf(msg string, args ...any) { l.log.Debug(fmt.Sprintf(msg, args...)) }
func (l slogWALogger) Sub(module string) waLog.Logger { return slogWALogger{log: l.log.With("module", module)} }

// Channel adapts a whatsmeow client to router.Channel.
type Channel struct {
	log       *slog.Logger
	dbPath    string
	allowFrom map[string]struct{}

	onInbound func(ctx context.Context, jid string, msg router.InboundMessage)
	onMeta    func(ctx context.Context, jid string, seenAt time.Time, displayName string)

	client *whatsmeow.Client

	// Typing state is a deadline per chat, serviced by one shared refresher
	// goroutine (typingLoop) that starts on the first held indicator and
	// exits once every deadline has passed or been cleared.
	typingMu    sync.Mutex
	typingUntil map[types.JID]time.Time
	typingLive  bool
	typingQuit  chan struct{}
}

// New constructs a WhatsApp channel backed by a SQLite device store at
// dbPath. allowFrom restricts senders by bare phone number; empty allows
// all.
func New(log *slog.Logger, dbPath string, allowFrom []string,
	onInbound func(ctx context.Context, jid string, msg router.InboundMessage),
	onMeta func(ctx context.Context, jid string, seenAt time.Time, displayName string),
) *Channel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, num := range allowFrom {
		allowed[num] = struct{}{}
	}
	return &Channel{
		log:         log.With("component", "channel.whatsapp"),
		dbPath:      dbPath,
		allowFrom:   allowed,
		onInbound:   onInbound,
		onMeta:      onMeta,
		typingUntil: make(map[types.JID]time.Time),
	}
}

func (c *Channel) Name() string { return Prefix }

// Connect opens the device store, requires prior pairing (via Pair), and
// starts the whatsmeow client.
func (c *Channel) Connect(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.dbPath), 0o700); err != nil {
		return fmt.Errorf("whatsapp: creating db directory: %w", err)
	}

	waLogger := slogWALogger{log: c.log}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+c.dbPath+"?_foreign_keys=on", waLogger)
	if err != nil {
		return fmt.Errorf("whatsapp: opening device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: loading device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLogger)
	if client.Store.ID == nil {
		return fmt.Errorf("whatsapp: not authenticated, run the onboarding pairing flow first")
	}

	client.AddEventHandler(c.handleEvent)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	c.client = client
	c.log.Info("whatsapp: connected", "user", client.Store.ID.User)
	return nil
}

// Disconnect drops all typing state and closes the client connection.
func (c *Channel) Disconnect(_ context.Context) error {
	c.typingMu.Lock()
	c.typingUntil = make(map[types.JID]time.Time)
	if c.typingLive {
		close(c.typingQuit)
		c.typingLive = false
	}
	c.typingMu.Unlock()

	if c.client != nil {
		c.client.Disconnect()
	}
	return nil
}

// OwnsJID reports whether jid carries this channel's platform prefix.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, Prefix+":")
}

// SendMessage sends text to a WhatsApp chat, chunking at maxChunkLen and
// cancelling any in-flight typing indicator first.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	if c.client == nil {
		return fmt.Errorf("whatsapp: channel not connected")
	}
	recipient, err := types.ParseJID(strings.TrimPrefix(jid, Prefix+":"))
	if err != nil {
		return fmt.Errorf("whatsapp: invalid jid %q: %w", jid, err)
	}

	c.clearTyping(recipient)

	for _, chunk := range splitMessage(text, maxChunkLen) {
		body := chunk
		msg := &waProto.Message{Conversation: &body}
		if _, err := c.client.SendMessage(ctx, recipient, msg); err != nil {
			return fmt.Errorf("whatsapp: sending message: %w", err)
		}
	}
	return nil
}

// SetTyping implements router.TypingSetter: starts or stops a continuous
// composing-presence indicator for jid.
func (c *Channel) SetTyping(_ context.Context, jid string, on bool) error {
	if c.client == nil {
		return nil
	}
	waJID, err := types.ParseJID(strings.TrimPrefix(jid, Prefix+":"))
	if err != nil {
		return nil
	}
	if on {
		c.holdTyping(waJID)
	} else {
		c.clearTyping(waJID)
	}
	return nil
}

func (c *Channel) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		_ = c.client.SendPresence(context.Background(), types.PresenceAvailable)
	case *events.Message:
		c.handleMessage(v)
	}
}

func (c *Channel) handleMessage(msg *events.Message) {
	if msg.Info.IsFromMe {
		return
	}
	senderID := msg.Info.Sender.User
	if len(c.allowFrom) > 0 {
		if _, ok := c.allowFrom[senderID]; !ok {
			c.log.Warn("whatsapp: dropped message from unauthorized sender", "sender", senderID)
			return
		}
	}

	ctx := context.Background()
	_ = c.client.MarkRead(ctx, []types.MessageID{msg.Info.ID}, msg.Info.Timestamp, msg.Info.Chat, msg.Info.Sender)

	content := extractContent(msg)
	if content == "" {
		return
	}
	content = strings.TrimSpace(content)
	jid := Prefix + ":" + msg.Info.Chat.String()

	if !msg.Info.IsGroup && c.onMeta != nil {
		c.onMeta(ctx, jid, msg.Info.Timestamp, senderID)
	}

	c.holdTyping(msg.Info.Chat)

	if c.onInbound == nil {
		return
	}
	c.onInbound(ctx, jid, router.InboundMessage{
		ID:         msg.Info.ID,
		JID:        jid,
		SenderID:   senderID,
		SenderName: senderID,
		Content:    content,
		Timestamp:  msg.Info.Timestamp,
		IsBot:      false,
	})
}

func extractContent(msg *events.Message) string {
	content := ""
	if msg.Message.Conversation != nil {
		content = *msg.Message.Conversation
	} else if msg.Message.ExtendedTextMessage != nil && msg.Message.ExtendedTextMessage.Text != nil {
		content = *msg.Message.ExtendedTextMessage.Text
	}
	if msg.Message.ImageMessage != nil {
		if msg.Message.ImageMessage.Caption != nil {
			content = *msg.Message.ImageMessage.Caption
		}
		content += "\n[Image received - images not yet supported]"
	}
	if msg.Message.DocumentMessage != nil {
		if msg.Message.DocumentMessage.Caption != nil {
			content = *msg.Message.DocumentMessage.Caption
		}
		if msg.Message.DocumentMessage.FileName != nil {
			content += fmt.Sprintf("\n[Document: %s - documents not yet supported]", *msg.Message.DocumentMessage.FileName)
		}
	}
	return content
}

// holdTyping marks jid as typing until typingMaxHold from now and makes
// sure the refresher goroutine is running. Holding again extends the
// deadline, so repeated inbound messages during one long agent turn keep
// the indicator up without stacking goroutines.
func (c *Channel) holdTyping(jid types.JID) {
	if c.client == nil {
		return
	}
	c.typingMu.Lock()
	c.typingUntil[jid] = time.Now().Add(typingMaxHold)
	if !c.typingLive {
		c.typingLive = true
		c.typingQuit = make(chan struct{})
		go c.typingLoop(c.typingQuit)
	}
	c.typingMu.Unlock()

	_ = c.client.SendChatPresence(context.Background(), jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// clearTyping drops jid's deadline and sends a paused presence if the
// indicator was actually up. Clearing an idle chat is a no-op.
func (c *Channel) clearTyping(jid types.JID) {
	c.typingMu.Lock()
	_, held := c.typingUntil[jid]
	delete(c.typingUntil, jid)
	c.typingMu.Unlock()

	if held && c.client != nil {
		_ = c.client.SendChatPresence(context.Background(), jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}
}

// typingLoop re-asserts composing presence for every chat whose deadline
// has not passed, expiring stale entries as it goes, and exits once the
// deadline map is empty or quit closes.
func (c *Channel) typingLoop(quit <-chan struct{}) {
	ticker := time.NewTicker(typingRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			c.typingMu.Lock()
			live := make([]types.JID, 0, len(c.typingUntil))
			for jid, until := range c.typingUntil {
				if now.After(until) {
					delete(c.typingUntil, jid)
					continue
				}
				live = append(live, jid)
			}
			done := len(c.typingUntil) == 0
			if done {
				c.typingLive = false
			}
			c.typingMu.Unlock()

			for _, jid := range live {
				_ = c.client.SendChatPresence(context.Background(), jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
			}
			if done {
				return
			}
		}
	}
}

func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// Pair runs the QR-code pairing flow used to authenticate a device before
// Connect can succeed, grounded on the teacher's SetupWhatsApp.
func Pair(ctx context.Context, log *slog.Logger, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("whatsapp: creating db directory: %w", err)
	}

	waLogger := slogWALogger{log: log}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", waLogger)
	if err != nil {
		return fmt.Errorf("whatsapp: opening device store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: loading device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLogger)
	if client.Store.ID != nil {
		fmt.Printf("Already authenticated as %s. Delete %s to re-pair.\n", client.Store.ID.User, dbPath)
		return nil
	}

	connected := make(chan struct{}, 1)
	client.AddEventHandler(func(evt any) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	qrChan, _ := client.GetQRChannel(ctx)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	defer client.Disconnect()

	fmt.Println("Scan the QR code below with WhatsApp on your phone:")
	fmt.Println("(Settings > Linked Devices > Link a Device)")

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
		case "success":
			fmt.Println("Pairing successful, finishing setup...")
		case "timeout":
			return fmt.Errorf("whatsapp: QR code timed out, please try again")
		}
	}

	select {
	case <-connected:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("whatsapp: timed out waiting for connection after pairing")
	}

	time.Sleep(15 * time.Second)
	fmt.Println("Successfully authenticated!")
	return nil
}
