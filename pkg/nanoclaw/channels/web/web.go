// Package web implements a NanoClaw Channel (spec.md §6) over a local
// WebSocket dashboard: a single browser tab connects in, sends/receives
// plain-text chat frames, and that connection is this channel's one JID.
//
// Grounded on the teacher pack's HTTP server lifecycle (gateway.Server's
// Start/Shutdown in vanducng-goclaw/internal/gateway/server.go: mux +
// http.Server + context-triggered graceful shutdown) adapted to a single
// WebSocket endpoint. The wire transport itself is coder/websocket's
// server-Accept API (the only coder/websocket usage found anywhere in the
// retrieved pack is a client-side Dial, zalo/personal/protocol/ws_client.go,
// so the Accept side is grounded on the library's documented contract
// rather than a teacher call site — see DESIGN.md).
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/router"
)

// Prefix is the JID platform prefix this channel owns ("web:dashboard").
const Prefix = "web"

// DashboardJID is the single JID this channel ever produces; the dashboard
// has no concept of multiple chats.
const DashboardJID = Prefix + ":dashboard"

// frame is the wire shape exchanged with the browser tab.
type frame struct {
	Type string `json:"type"` // "message" | "typing"
	Text string `json:"text,omitempty"`
	On   bool   `json:"on,omitempty"`
}

// Channel serves a single-page dashboard's WebSocket connection.
type Channel struct {
	log  *slog.Logger
	addr string

	onInbound func(ctx context.Context, jid string, msg router.InboundMessage)

	httpServer *http.Server

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a web dashboard channel listening on addr (e.g.
// "127.0.0.1:8090").
func New(log *slog.Logger, addr string, onInbound func(ctx context.Context, jid string, msg router.InboundMessage)) *Channel {
	return &Channel{
		log:       log.With("component", "channel.web"),
		addr:      addr,
		onInbound: onInbound,
	}
}

func (c *Channel) Name() string { return Prefix }

// Connect starts the HTTP server and its single /ws endpoint.
func (c *Channel) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	c.httpServer = &http.Server{Addr: c.addr, Handler: mux}

	ln := make(chan error, 1)
	go func() { ln <- c.httpServer.ListenAndServe() }()

	select {
	case err := <-ln:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web: listen: %w", err)
		}
	case <-time.After(200 * time.Millisecond):
		// server came up without an immediate bind error
	}

	c.log.Info("web: dashboard listening", "addr", c.addr)
	return nil
}

// Disconnect gracefully shuts down the HTTP server and closes any open
// WebSocket connection.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "server shutting down")
		c.conn = nil
	}
	c.mu.Unlock()

	if c.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.httpServer.Shutdown(shutdownCtx)
}

// OwnsJID reports whether jid carries this channel's "web:" prefix.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, Prefix+":")
}

// SendMessage delivers text to the connected dashboard tab, if one is
// connected.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("web: no dashboard tab connected")
	}
	return c.writeFrame(ctx, conn, frame{Type: "message", Text: text})
}

// SetTyping implements router.TypingSetter.
func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.writeFrame(ctx, conn, frame{Type: "typing", On: on})
}

// IsMainChannel implements router.MainChannelChecker: the operator's own
// dashboard is always the main chat.
func (c *Channel) IsMainChannel(jid string) bool {
	return jid == DashboardJID
}

func (c *Channel) writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("web: encoding frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// handleWS accepts one WebSocket connection and serves it until it
// disconnects. Only one dashboard tab is served at a time; a new connection
// replaces any prior one.
func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		c.log.Error("web: accept failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "replaced by new connection")
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("web: dashboard tab connected", "remote", r.RemoteAddr)
	c.readLoop(r.Context(), conn)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.log.Info("web: dashboard tab disconnected", "error", err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("web: dropping malformed frame", "error", err)
			continue
		}
		if f.Type != "message" || f.Text == "" || c.onInbound == nil {
			continue
		}
		c.onInbound(ctx, DashboardJID, router.InboundMessage{
			ID:         fmt.Sprintf("web-%d", time.Now().UnixNano()),
			JID:        DashboardJID,
			SenderID:   "operator",
			SenderName: "Operator",
			Content:    f.Text,
			Timestamp:  time.Now(),
		})
	}
}
