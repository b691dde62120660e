// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Bridge envelope kinds. Every WebSocket binary message carries one
// CBOR array [kind, payload].
const (
	KindData  = 0x01 // payload: byte string
	KindLines = 0x02 // payload: {0: dtr, 1: rts}
	KindMode  = 0x03 // payload: {0: baud, 1: parity}
)

// Envelope is one decoded bridge message.
type Envelope struct {
	Kind   uint8
	Data   []byte
	DTR    bool
	RTS    bool
	Baud   uint64
	Parity Parity
}

// EncodeData wraps serial bytes for the bridge.
func EncodeData(p []byte) ([]byte, error) {
	return encodeEnvelope(KindData, p)
}

// EncodeLines encodes the full modem-line state.
func EncodeLines(dtr, rts bool) ([]byte, error) {
	return encodeEnvelope(KindLines, map[int]interface{}{0: dtr, 1: rts})
}

// EncodeMode encodes line parameters the bridge should open its port with.
func EncodeMode(m Mode) ([]byte, error) {
	return encodeEnvelope(KindMode, map[int]interface{}{0: uint64(m.BaudRate), 1: uint64(m.Parity)})
}

func encodeEnvelope(kind uint8, payload interface{}) ([]byte, error) {
	data, err := cbor.Marshal([]interface{}{uint64(kind), payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode bridge envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a bridge message: [kind, payload]
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty bridge envelope")
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	if len(msg) != 2 {
		return nil, fmt.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	kind, ok := msg[0].(uint64)
	if !ok || kind > 255 {
		return nil, fmt.Errorf("invalid envelope kind %v", msg[0])
	}
	env := &Envelope{Kind: uint8(kind)}

	switch env.Kind {
	case KindData:
		b, ok := msg[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("expected byte string for data, got %T", msg[1])
		}
		env.Data = b

	case KindLines:
		m, err := intKeyMap(msg[1])
		if err != nil {
			return nil, err
		}
		env.DTR, _ = m[0].(bool)
		env.RTS, _ = m[1].(bool)

	case KindMode:
		m, err := intKeyMap(msg[1])
		if err != nil {
			return nil, err
		}
		env.Baud, _ = m[0].(uint64)
		parity, _ := m[1].(uint64)
		if parity > uint64(OddParity) {
			return nil, fmt.Errorf("invalid parity %d", parity)
		}
		env.Parity = Parity(parity)

	default:
		return nil, fmt.Errorf("unknown envelope kind 0x%02X", env.Kind)
	}

	return env, nil
}

// intKeyMap converts a decoded CBOR map to integer keys
func intKeyMap(v interface{}) (map[int]interface{}, error) {
	raw, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("expected map payload, got %T", v)
	}
	m := make(map[int]interface{}, len(raw))
	for key, val := range raw {
		switch k := key.(type) {
		case uint64:
			m[int(k)] = val
		case int64:
			m[int(k)] = val
		default:
			return nil, fmt.Errorf("expected integer map key, got %T", key)
		}
	}
	return m, nil
}
