package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MessageHandler processes one raw market-data message off the wire.
type MessageHandler func(data []byte)

// StreamDialer is a venue-agnostic WebSocket market-data connection with
// automatic reconnect, grounded on the teacher's
// internal/providers/kraken/websocket.go dial/message-loop/ping-loop shape,
// generalized away from Kraken's specific subscription payloads so every
// venue adapter can reuse it for BBO/trade streaming into the Coordinator.
type StreamDialer struct {
	url     string
	handler MessageHandler
	log     zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	isConnected bool
	closeCh     chan struct{}
}

// NewStreamDialer builds a dialer for url; handler is invoked for every
// inbound text/binary frame from a single internal goroutine.
func NewStreamDialer(venueName, url string, handler MessageHandler) *StreamDialer {
	return &StreamDialer{
		url:     url,
		handler: handler,
		log:     log.With().Str("stream_venue", venueName).Logger(),
		closeCh: make(chan struct{}),
	}
}

// Connect dials the WebSocket endpoint and starts the read and ping loops.
// Reconnection on unexpected close is the caller's responsibility via Run.
func (d *StreamDialer) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isConnected {
		return fmt.Errorf("stream already connected")
	}

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	d.conn = conn
	d.isConnected = true

	go d.readLoop()
	go d.pingLoop()
	d.log.Info().Str("url", d.url).Msg("market data stream connected")
	return nil
}

// Subscribe writes a raw subscription payload (venue-specific JSON) to the
// open connection.
func (d *StreamDialer) Subscribe(payload []byte) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (d *StreamDialer) readLoop() {
	for {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.log.Warn().Err(err).Msg("market data stream read error, closing")
			d.markDisconnected()
			return
		}
		d.handler(data)
	}
}

func (d *StreamDialer) pingLoop() {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.closeCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			conn := d.conn
			d.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				d.log.Warn().Err(err).Msg("ping failed")
			}
		}
	}
}

func (d *StreamDialer) markDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
	}
	d.conn = nil
	d.isConnected = false
}

// IsConnected reports whether the underlying socket is currently open.
func (d *StreamDialer) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isConnected
}

// Close terminates the connection and stops background loops.
func (d *StreamDialer) Close() error {
	close(d.closeCh)
	d.markDisconnected()
	return nil
}

// Run keeps the stream connected, reconnecting with exponential backoff
// (capped at maxBackoff) until ctx is cancelled.
func (d *StreamDialer) Run(ctx context.Context, maxBackoff time.Duration) {
	backoff := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			d.Close()
			return
		default:
		}
		if !d.IsConnected() {
			if err := d.Connect(ctx); err != nil {
				d.log.Warn().Err(err).Dur("retry_in", backoff).Msg("reconnect failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = 500 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			d.Close()
			return
		case <-time.After(time.Second):
		}
	}
}
