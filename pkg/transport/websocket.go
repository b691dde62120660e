// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConfig describes a serial bridge reachable over WebSocket.
type WebSocketConfig struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// WebSocketConnection is a Port tunnelled through a bridge that owns the
// real serial device. Data and line changes travel as CBOR envelopes.
type WebSocketConnection struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	dtr     bool
	rts     bool

	buf       []byte
	bufOffset int
	closed    bool
}

// WebSocketDialer returns a Dialer that connects to the bridge and asks it
// to open its serial device with the requested mode.
func WebSocketDialer(cfg WebSocketConfig) Dialer {
	return func(m Mode) (Port, error) {
		conn, err := dialWebSocket(cfg)
		if err != nil {
			return nil, err
		}

		w := &WebSocketConnection{conn: conn}
		msg, err := EncodeMode(m)
		if err == nil {
			err = w.send(msg)
		}
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to configure bridge: %w", err)
		}
		return w, nil
	}
}

func dialWebSocket(cfg WebSocketConfig) (*websocket.Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if cfg.Username != "" && cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return conn, nil
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		env, err := DecodeEnvelope(data)
		if err != nil || env.Kind != KindData || len(env.Data) == 0 {
			// Bridge status and malformed frames carry no serial data
			continue
		}

		w.buf = env.Data
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	msg, err := EncodeData(p)
	if err != nil {
		return 0, err
	}
	if err := w.send(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetDTR sends the full line state with DTR updated.
func (w *WebSocketConnection) SetDTR(dtr bool) error {
	w.writeMu.Lock()
	w.dtr = dtr
	rts := w.rts
	w.writeMu.Unlock()
	return w.sendLines(dtr, rts)
}

// SetRTS sends the full line state with RTS updated.
func (w *WebSocketConnection) SetRTS(rts bool) error {
	w.writeMu.Lock()
	w.rts = rts
	dtr := w.dtr
	w.writeMu.Unlock()
	return w.sendLines(dtr, rts)
}

func (w *WebSocketConnection) sendLines(dtr, rts bool) error {
	msg, err := EncodeLines(dtr, rts)
	if err != nil {
		return err
	}
	return w.send(msg)
}

func (w *WebSocketConnection) send(msg []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}
