package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// eventBuffer is the capacity of the events channel. Activity events are
// dropped when it is full; lifecycle events are not.
const eventBuffer = 64

// WebSocketConfig configures a WebSocketProvider.
type WebSocketConfig struct {
	URL            string // http(s) or ws(s) base URL of the voice relay
	AgentID        string
	APIKey         string
	ConnectTimeout time.Duration
}

// WebSocketProvider relays a voice session over a WebSocket connection.
type WebSocketProvider struct {
	cfg       WebSocketConfig
	sessionID string
	events    chan Event

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	cancelRead context.CancelFunc
	readerDone chan struct{}
	connected  bool
	closed     bool
}

var _ Provider = (*WebSocketProvider)(nil)

// NewWebSocketProvider creates a provider for one session.
func NewWebSocketProvider(cfg WebSocketConfig, sessionID string) *WebSocketProvider {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &WebSocketProvider{
		cfg:       cfg,
		sessionID: sessionID,
		events:    make(chan Event, eventBuffer),
	}
}

// NewWebSocketFactory returns a Factory that builds WebSocketProviders from cfg.
func NewWebSocketFactory(cfg WebSocketConfig) Factory {
	return func(sessionID string) Provider {
		return NewWebSocketProvider(cfg, sessionID)
	}
}

// Events implements Provider.
func (p *WebSocketProvider) Events() <-chan Event {
	return p.events
}

// Connect dials the relay and sends the session.start message. A Disconnect
// during the dial aborts it.
func (p *WebSocketProvider) Connect(ctx context.Context) error {
	wsURL, err := p.dialURL()
	if err != nil {
		return err
	}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return errors.New("provider: disconnected")
	case p.connected || p.cancelDial != nil:
		p.mu.Unlock()
		return errors.New("provider: already connected")
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	p.cancelDial = cancel
	p.mu.Unlock()
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if p.cfg.APIKey != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	conn, resp, err := websocket.Dial(dialCtx, wsURL, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to voice provider: %w", err)
	}

	start, _ := sjson.SetBytes(nil, "type", "session.start")
	start, _ = sjson.SetBytes(start, "session_id", p.sessionID)
	start, _ = sjson.SetBytes(start, "agent_id", p.cfg.AgentID)
	if err := conn.Write(dialCtx, websocket.MessageText, start); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session start failed")
		return fmt.Errorf("failed to send session start: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		return errors.New("provider: disconnected during connect")
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	p.conn = conn
	p.cancelRead = cancelRead
	p.readerDone = make(chan struct{})
	p.connected = true

	go p.readLoop(readCtx, conn, p.readerDone)

	log.Debug().
		Str("session_id", p.sessionID).
		Str("url", wsURL).
		Msg("provider: websocket connected")
	return nil
}

// Disconnect closes the connection with a normal closure and waits for the
// reader to exit or ctx to expire.
func (p *WebSocketProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.cancelDial != nil && !p.connected {
		p.cancelDial()
	}
	conn := p.conn
	cancelRead := p.cancelRead
	readerDone := p.readerDone
	p.mu.Unlock()

	if conn == nil {
		return nil
	}

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	var err error
	select {
	case err = <-closeErr:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancelRead()

	select {
	case <-readerDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if err != nil && isNormalClose(err) {
		err = nil
	}
	return err
}

func (p *WebSocketProvider) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer close(p.events)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ev := Event{Kind: EventDisconnected, At: time.Now()}
			if status := websocket.CloseStatus(err); status != -1 {
				ev.Reason = fmt.Sprintf("closed: %d", status)
			} else if !errors.Is(err, context.Canceled) {
				ev.Reason = err.Error()
			}
			p.emit(ctx, ev)
			return
		}

		ev := parseFrame(data)
		p.emit(ctx, ev)
		if ev.Kind.Terminal() {
			return
		}
	}
}

// emit delivers lifecycle events reliably and drops activity when the consumer lags.
func (p *WebSocketProvider) emit(ctx context.Context, ev Event) {
	if ev.Kind == EventActivity {
		select {
		case p.events <- ev:
		default:
			log.Debug().Str("session_id", p.sessionID).Str("type", ev.Type).Msg("provider: activity event dropped")
		}
		return
	}
	select {
	case p.events <- ev:
	case <-ctx.Done():
		// Disconnect in progress; deliver if there is room.
		select {
		case p.events <- ev:
		default:
		}
	}
}

// parseFrame maps one JSON frame onto an Event.
func parseFrame(data []byte) Event {
	ev := Event{At: time.Now()}
	if !gjson.ValidBytes(data) {
		ev.Kind = EventActivity
		ev.Type = "binary"
		return ev
	}

	frame := gjson.ParseBytes(data)
	ev.Type = frame.Get("type").String()
	switch ev.Type {
	case "session.connected", "conversation_initiation_metadata":
		ev.Kind = EventConnected
	case "session.closed":
		ev.Kind = EventDisconnected
		ev.Reason = frame.Get("reason").String()
	case "error":
		ev.Kind = EventError
		ev.Reason = frame.Get("error.message").String()
		if ev.Reason == "" {
			ev.Reason = frame.Get("message").String()
		}
		if ev.Reason == "" {
			ev.Reason = "provider error"
		}
	default:
		ev.Kind = EventActivity
	}
	return ev
}

func (p *WebSocketProvider) dialURL() (string, error) {
	if p.cfg.URL == "" {
		return "", errors.New("provider: url is required")
	}
	u, err := url.Parse(toWebSocketURL(p.cfg.URL))
	if err != nil {
		return "", fmt.Errorf("provider: invalid url: %w", err)
	}
	if p.cfg.AgentID != "" {
		q := u.Query()
		q.Set("agent_id", p.cfg.AgentID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isNormalClose(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}

// toWebSocketURL converts an HTTP(S) URL to a WS(S) URL.
func toWebSocketURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	if strings.HasPrefix(httpURL, "http://") {
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
