package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"relaysync/pkg/crdt"
	"relaysync/pkg/provider"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Frame types exchanged on the duplex channel.
const (
	FrameSync   = "sync"
	FrameUpdate = "update"
	FrameSynced = "synced"
)

// Frame is one websocket message.
type Frame struct {
	Type   string `msgpack:"type"`
	Doc    string `msgpack:"doc"`
	Update []byte `msgpack:"update,omitempty"`
}

// EncodeFrame serializes a frame.
func EncodeFrame(f Frame) ([]byte, error) {
	return msgpack.Marshal(&f)
}

// DecodeFrame parses a frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := msgpack.Unmarshal(data, &f)
	return f, err
}

// WSTransport keeps one CRDT document in sync with the relay over a websocket.
type WSTransport struct {
	doc         *crdt.Doc
	logger      *zap.Logger
	dialTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	status    provider.Status
	synced    bool
	cancel    context.CancelFunc
	unobserve func()
	subs      map[int]func(provider.Event)
	nextSub   int
}

var _ provider.Transport = (*WSTransport)(nil)

// NewWSTransport creates a disconnected transport for doc.
func NewWSTransport(doc *crdt.Doc, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		doc:         doc,
		logger:      logger.With(zap.String("doc", doc.GUID())),
		dialTimeout: 15 * time.Second,
		status:      provider.StatusDisconnected,
		subs:        make(map[int]func(provider.Event)),
	}
}

// Connect dials token.URL and starts the initial sync handshake.
func (t *WSTransport) Connect(ctx context.Context, token provider.Token) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.status = provider.StatusConnecting
	t.mu.Unlock()
	t.emit(provider.Event{Type: provider.EventStatus, Status: provider.StatusConnecting})

	target, err := dialURL(token)
	if err != nil {
		t.setDisconnected()
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, t.dialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		t.setDisconnected()
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	conn.SetReadLimit(64 << 20)

	runCtx, cancel := context.WithCancel(context.Background())
	outbound := make(chan []byte, 64)

	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.status = provider.StatusConnected
	t.synced = false
	t.mu.Unlock()

	t.setUnobserve(t.doc.OnUpdate(func(update []byte, origin any) {
		if origin == t {
			return
		}
		select {
		case outbound <- update:
		case <-runCtx.Done():
		}
	}))

	hello, err := EncodeFrame(Frame{Type: FrameSync, Doc: t.doc.GUID(), Update: t.doc.EncodeState()})
	if err == nil {
		err = conn.Write(ctx, websocket.MessageBinary, hello)
	}
	if err != nil {
		t.teardown(websocket.StatusInternalError)
		return fmt.Errorf("failed to send sync frame: %w", err)
	}

	go t.writeLoop(runCtx, conn, outbound)
	go t.readLoop(runCtx, conn)

	t.logger.Debug("Transport connected")
	t.emit(provider.Event{Type: provider.EventStatus, Status: provider.StatusConnected})
	return nil
}

func (t *WSTransport) setUnobserve(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unobserve = fn
}

func dialURL(token provider.Token) (string, error) {
	if token.URL == "" {
		return "", errors.New("relay: token carries no url")
	}
	u, err := url.Parse(token.URL)
	if err != nil {
		return "", fmt.Errorf("relay: invalid url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *WSTransport) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-outbound:
			data, err := EncodeFrame(Frame{Type: FrameUpdate, Doc: t.doc.GUID(), Update: update})
			if err != nil {
				t.logger.Error("Failed to encode update frame", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
				if ctx.Err() == nil {
					t.fail(err)
				}
				return
			}
		}
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.fail(err)
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			t.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case FrameUpdate, FrameSync:
			if len(frame.Update) == 0 {
				continue
			}
			if err := t.doc.ApplyUpdate(frame.Update, t); err != nil {
				t.logger.Warn("Failed to apply remote update", zap.Error(err))
			}
		case FrameSynced:
			t.mu.Lock()
			already := t.synced
			t.synced = true
			t.mu.Unlock()
			if !already {
				t.emit(provider.Event{Type: provider.EventSynced})
			}
		default:
			t.logger.Debug("Ignoring frame", zap.String("type", frame.Type))
		}
	}
}

// fail tears the socket down and reports a connection error.
func (t *WSTransport) fail(err error) {
	t.logger.Info("Transport error", zap.Error(err))
	t.teardown(websocket.StatusGoingAway)
	t.emit(provider.Event{Type: provider.EventConnectionError, Err: err})
}

// teardown closes the current socket and returns whether one was open.
func (t *WSTransport) teardown(code websocket.StatusCode) bool {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	unobserve := t.unobserve
	t.conn = nil
	t.cancel = nil
	t.unobserve = nil
	t.status = provider.StatusDisconnected
	t.synced = false
	t.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return false
	}
	_ = conn.Close(code, "")
	return true
}

func (t *WSTransport) setDisconnected() {
	t.mu.Lock()
	t.status = provider.StatusDisconnected
	t.mu.Unlock()
	t.emit(provider.Event{Type: provider.EventStatus, Status: provider.StatusDisconnected})
}

// Disconnect closes the socket. It is a no-op when already closed.
func (t *WSTransport) Disconnect() error {
	if t.teardown(websocket.StatusNormalClosure) {
		t.logger.Debug("Transport disconnected")
		t.emit(provider.Event{Type: provider.EventStatus, Status: provider.StatusDisconnected})
	}
	return nil
}

// Status returns the transport state.
func (t *WSTransport) Status() provider.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Synced reports whether the relay confirmed the initial exchange.
func (t *WSTransport) Synced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.synced
}

// Subscribe registers fn for transport events.
func (t *WSTransport) Subscribe(fn func(provider.Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *WSTransport) emit(ev provider.Event) {
	t.mu.Lock()
	fns := make([]func(provider.Event), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
