// Package gateway is the realtime side of chat: authenticated websocket
// connections grouped per subject, presence bookkeeping, and relay of
// messages that the chat service has already persisted.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iwork/iwork/internal/auth"
	"github.com/iwork/iwork/internal/chat"
	"github.com/iwork/iwork/internal/presence"
)

const (
	defaultSendBuffer = 256
	opTimeout         = 5 * time.Second
)

// ErrClosed is returned for connections arriving after Close.
var ErrClosed = errors.New("gateway closed")

// Chat is the subset of the chat service the gateway drives.
type Chat interface {
	SendMessage(ctx context.Context, senderID, conversationID, text string) (*chat.Delivery, error)
	MarkRead(ctx context.Context, subjectID, conversationID string) error
}

// Config holds the collaborators of a Gateway. Verifier, Chat and
// Presence are required.
type Config struct {
	Verifier auth.Verifier
	Chat     Chat
	Presence presence.Registry

	// Router spreads events across gateway instances. If nil, a
	// LocalRouter is used.
	Router Router

	// AllowedOrigins restricts browser handshakes by Origin header. An
	// empty list accepts any origin.
	AllowedOrigins []string

	// SendBuffer is the per-connection outbound queue length. Defaults
	// to 256 frames.
	SendBuffer int

	// OnStateChange, if set, observes every connection state change.
	OnStateChange func(connID, subjectID string, state State)

	// Logger receives operational messages. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Gateway accepts realtime connections and routes events to them. It
// implements http.Handler for the websocket endpoint.
type Gateway struct {
	verifier      auth.Verifier
	chat          Chat
	presence      presence.Registry
	router        Router
	sendBuffer    int
	onStateChange func(connID, subjectID string, state State)
	logger        *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	groups map[string]map[*client]struct{}
	closed bool
}

// New creates a Gateway and starts its router.
func New(cfg Config) (*Gateway, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	router := cfg.Router
	if router == nil {
		router = NewLocalRouter()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	g := &Gateway{
		verifier:      cfg.Verifier,
		chat:          cfg.Chat,
		presence:      cfg.Presence,
		router:        router,
		sendBuffer:    sendBuffer,
		onStateChange: cfg.OnStateChange,
		logger:        logger,
		groups:        make(map[string]map[*client]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{SubprotocolCBOR, SubprotocolJSON},
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	if err := router.Start(g); err != nil {
		return nil, err
	}
	return g, nil
}

// ServeHTTP authenticates the handshake and runs the connection until
// it closes. Rejected handshakes get a 401 before any upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := newClient(g)
	c.setState(StateAuthenticating)

	subjectID, err := g.verifier.Verify(auth.HandshakeToken(r))
	if err != nil {
		c.setState(StateRejected)
		g.logger.Info("handshake rejected", "conn_id", c.id, "remote_addr", r.RemoteAddr, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}
	c.subjectID = subjectID

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		c.setState(StateRejected)
		g.logger.Info("upgrade failed", "conn_id", c.id, "subject_id", subjectID, "error", err)
		return
	}
	c.attach(conn, g.sendBuffer)

	if err := g.register(c); err != nil {
		c.setState(StateRejected)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		c.closeConn()
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go c.writePump()
	c.readPump(ctx)
	g.unregister(c)
}

// register joins c to its subject's group, records presence, and
// broadcasts the online list.
func (g *Gateway) register(c *client) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	group, ok := g.groups[c.subjectID]
	if !ok {
		group = make(map[*client]struct{})
		g.groups[c.subjectID] = group
	}
	group[c] = struct{}{}
	c.registered = true
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := g.presence.Connect(ctx, c.subjectID, c.id); err != nil {
		g.logger.Warn("presence connect failed", "conn_id", c.id, "subject_id", c.subjectID, "error", err)
	}

	c.setState(StateActive)
	g.logger.Info("connection active", "conn_id", c.id, "subject_id", c.subjectID)
	g.broadcastOnline(ctx)
	return nil
}

// unregister removes c from its group and clears its presence entry if
// it is still the subject's latest connection.
func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if group, ok := g.groups[c.subjectID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(g.groups, c.subjectID)
		}
	}
	if c.registered {
		c.registered = false
		close(c.send)
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	removed, err := g.presence.Disconnect(ctx, c.subjectID, c.id)
	if err != nil {
		g.logger.Warn("presence disconnect failed", "conn_id", c.id, "subject_id", c.subjectID, "error", err)
	}

	c.setState(StateDisconnected)
	g.logger.Info("connection closed", "conn_id", c.id, "subject_id", c.subjectID, "presence_removed", removed)
	g.broadcastOnline(ctx)
}

func (g *Gateway) handleInbound(ctx context.Context, c *client, in *inbound) {
	if c.currentState() != StateActive {
		return
	}

	switch in.Event {
	case EventSendMessage:
		delivery, err := g.chat.SendMessage(ctx, c.subjectID, in.Data.ConversationID, in.Data.Text)
		if err != nil {
			g.logInboundError(c, in.Event, err)
			c.reply(errorEvent(in.Event, err))
			return
		}
		c.reply(Event{Name: EventMessageSent, Data: delivery.Message})
		g.RelayMessage(ctx, delivery)

	case EventMarkRead:
		if err := g.chat.MarkRead(ctx, c.subjectID, in.Data.ConversationID); err != nil {
			g.logInboundError(c, in.Event, err)
			c.reply(errorEvent(in.Event, err))
			return
		}
		g.NotifyRead(ctx, c.subjectID)

	case EventGetOnlineUsers:
		online, err := g.Online(ctx)
		if err != nil {
			g.logger.Warn("presence list failed", "error", err)
			c.reply(errorEvent(in.Event, err))
			return
		}
		c.reply(Event{Name: EventGetOnlineUsers, Data: online})

	default:
		c.reply(Event{Name: EventError, Data: ErrorPayload{
			Event:   in.Event,
			Code:    "validation",
			Message: "unknown event",
		}})
	}
}

func (g *Gateway) logInboundError(c *client, event string, err error) {
	if errorCode(err) == "internal" {
		g.logger.Error("inbound event failed", "event", event, "conn_id", c.id, "subject_id", c.subjectID, "error", err)
		return
	}
	g.logger.Debug("inbound event rejected", "event", event, "conn_id", c.id, "subject_id", c.subjectID, "error", err)
}

// RelayMessage pushes a persisted message to the recipient's
// connections, followed by a conversation list refresh. Offline
// recipients are skipped silently.
func (g *Gateway) RelayMessage(ctx context.Context, d *chat.Delivery) {
	g.deliver(ctx, d.RecipientID, Event{Name: EventReceiveMessage, Data: d.Message})
	g.deliver(ctx, d.RecipientID, Event{Name: EventRefreshConversations, Data: RefreshConversations{
		ConversationID: d.Message.ConversationID,
		LastMessage:    d.Message.Text,
	}})
}

// NotifyRead tells every connection of subjectID to refresh its unread
// counters.
func (g *Gateway) NotifyRead(ctx context.Context, subjectID string) {
	g.deliver(ctx, subjectID, Event{Name: EventUpdateUnreadCounters})
}

// Online returns the subjects currently connected.
func (g *Gateway) Online(ctx context.Context) ([]string, error) {
	return g.presence.Online(ctx)
}

func (g *Gateway) deliver(ctx context.Context, subjectID string, ev Event) {
	if err := g.router.Deliver(ctx, subjectID, ev); err != nil {
		g.logger.Warn("relay failed", "event", ev.Name, "subject_id", subjectID, "error", err)
	}
}

func (g *Gateway) broadcastOnline(ctx context.Context) {
	online, err := g.presence.Online(ctx)
	if err != nil {
		g.logger.Warn("presence list failed", "error", err)
		return
	}
	if err := g.router.Broadcast(ctx, Event{Name: EventGetOnlineUsers, Data: online}); err != nil {
		g.logger.Warn("online broadcast failed", "error", err)
	}
}

// DeliverLocal implements Dispatcher.
func (g *Gateway) DeliverLocal(subjectID string, ev Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	frames := newFrameCache(ev)
	for c := range g.groups[subjectID] {
		g.enqueueFrame(c, frames)
	}
}

// BroadcastLocal implements Dispatcher.
func (g *Gateway) BroadcastLocal(ev Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	frames := newFrameCache(ev)
	for _, group := range g.groups {
		for c := range group {
			g.enqueueFrame(c, frames)
		}
	}
}

func (g *Gateway) enqueueFrame(c *client, frames *frameCache) {
	frame, err := frames.frame(c.codec)
	if err != nil {
		g.logger.Error("failed to encode event", "event", frames.ev.Name, "error", err)
		return
	}
	c.enqueue(frame)
}

// ConnectionCount returns the number of live connections held by this
// instance for subjectID.
func (g *Gateway) ConnectionCount(subjectID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups[subjectID])
}

// Close stops accepting connections, closes the live ones and stops the
// router.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	for _, group := range g.groups {
		for c := range group {
			c.closeConn()
		}
	}
	g.mu.Unlock()
	return g.router.Close()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
