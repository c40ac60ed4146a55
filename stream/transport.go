package stream

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameKind distinguishes data from websocket level control frames.
type FrameKind int

const (
	TextFrame FrameKind = iota
	PingFrame
	PongFrame
)

// Frame is one inbound message with its arrival time.
type Frame struct {
	Kind       FrameKind
	Data       []byte
	ReceivedAt time.Time
}

// Conn is an open socket. Frames is closed when the read loop ends, after
// the cause has been queued on Errors.
type Conn interface {
	Send(data []byte) error
	Ping() error
	Frames() <-chan Frame
	Errors() <-chan error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer dials gorilla websocket connections.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadBuffer       int
	LocalAddr        string
}

// NewWSDialer builds the default dialer from cfg.
func NewWSDialer(cfg Config) *WSDialer {
	cfg = cfg.withDefaults()
	return &WSDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     cfg.WriteTimeout,
		ReadBuffer:       cfg.ReadBuffer,
		LocalAddr:        cfg.LocalAddr,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: true,
	}
	if d.LocalAddr != "" {
		if ip := net.ParseIP(d.LocalAddr); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(ws, d.WriteTimeout, d.ReadBuffer), nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	frames       chan Frame
	errs         chan error
	closed       chan struct{}
	closeOnce    sync.Once
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = 1024
	}
	c := &wsConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		frames:       make(chan Frame, buffer),
		errs:         make(chan error, 1),
		closed:       make(chan struct{}),
	}
	ws.SetPingHandler(func(appData string) error {
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
		if err != nil && err != websocket.ErrCloseSent {
			return err
		}
		c.push(Frame{Kind: PingFrame, ReceivedAt: time.Now()})
		return nil
	})
	ws.SetPongHandler(func(string) error {
		c.push(Frame{Kind: PongFrame, ReceivedAt: time.Now()})
		return nil
	})
	go c.readLoop()
	return c
}

func (c *wsConn) push(f Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.closed:
		return false
	}
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.errs <- err
			}
			return
		}
		if mt == websocket.BinaryMessage {
			if plain, err := inflate(data); err == nil {
				data = plain
			}
		}
		if !c.push(Frame{Kind: TextFrame, Data: data, ReceivedAt: time.Now()}) {
			return
		}
	}
}

// inflate decodes raw deflate payloads some exchanges send as binary frames.
func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Frames() <-chan Frame { return c.frames }

func (c *wsConn) Errors() <-chan error { return c.errs }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
