// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the JSON control-channel messages exchanged
// between a push client and the push service over a WebSocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/absmach/pushload/internal/bufpool"
)

// Type is the value of the messageType discriminator.
type Type string

// Message types.
const (
	TypeHello        Type = "hello"
	TypeRegister     Type = "register"
	TypeUnregister   Type = "unregister"
	TypeNotification Type = "notification"
	TypeAck          Type = "ack"
	TypeBroadcast    Type = "broadcast"
	TypePing         Type = "ping"
)

// StatusOK is the status carried by successful server replies.
const StatusOK = 200

// Message is one control-channel frame. The set of implementations is closed:
// *Hello, *Register, *Unregister, *Notification, *Ack, *Broadcast and *Ping.
type Message interface {
	Type() Type
	isMessage()
}

// Hello opens a session. Sent by the client with an optional UAID; the reply
// carries the authoritative UAID.
type Hello struct {
	UAID       string            `json:"uaid,omitempty"`
	UseWebPush bool              `json:"use_webpush"`
	Status     int               `json:"status,omitempty"`
	Broadcasts map[string]string `json:"broadcasts,omitempty"`

	// Size is the encoded frame length, set by Decode.
	Size int `json:"-"`
}

// Register subscribes a channel. The reply carries the push endpoint.
type Register struct {
	ChannelID    string `json:"channelID"`
	Key          string `json:"key,omitempty"`
	Status       int    `json:"status,omitempty"`
	PushEndpoint string `json:"pushEndpoint,omitempty"`

	Size int `json:"-"`
}

// Unregister drops a channel.
type Unregister struct {
	ChannelID string `json:"channelID"`
	Status    int    `json:"status,omitempty"`

	Size int `json:"-"`
}

// Notification delivers one message for a channel to the client.
type Notification struct {
	ChannelID string            `json:"channelID"`
	Version   string            `json:"version,omitempty"`
	Data      string            `json:"data,omitempty"`
	TTL       int               `json:"ttl,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	Size int `json:"-"`
}

// AckUpdate identifies the acknowledged notification.
type AckUpdate struct {
	ChannelID string `json:"channelID"`
	Version   string `json:"version,omitempty"`
}

// Ack acknowledges a notification. A nil Updates encodes a bare ack.
type Ack struct {
	Updates *AckUpdate `json:"updates,omitempty"`
}

// Broadcast carries server-side broadcast values; clients may ignore it.
type Broadcast struct {
	Broadcasts map[string]string `json:"broadcasts,omitempty"`

	Size int `json:"-"`
}

// Ping is the application-level keepalive, encoded as an empty object.
type Ping struct{}

func (*Hello) Type() Type        { return TypeHello }
func (*Register) Type() Type     { return TypeRegister }
func (*Unregister) Type() Type   { return TypeUnregister }
func (*Notification) Type() Type { return TypeNotification }
func (*Ack) Type() Type          { return TypeAck }
func (*Broadcast) Type() Type    { return TypeBroadcast }
func (*Ping) Type() Type         { return TypePing }

func (*Hello) isMessage()        {}
func (*Register) isMessage()     {}
func (*Unregister) isMessage()   {}
func (*Notification) isMessage() {}
func (*Ack) isMessage()          {}
func (*Broadcast) isMessage()    {}
func (*Ping) isMessage()         {}

// NewHello builds a client hello. An empty uaid asks the server for a new one.
func NewHello(uaid string) *Hello {
	return &Hello{UAID: uaid, UseWebPush: true}
}

// NewRegister builds a client register request.
func NewRegister(channelID string) *Register {
	return &Register{ChannelID: channelID}
}

// NewUnregister builds a client unregister request.
func NewUnregister(channelID string) *Unregister {
	return &Unregister{ChannelID: channelID}
}

// NewAck builds an ack for a channel. An empty channelID builds a bare ack.
func NewAck(channelID, version string) *Ack {
	if channelID == "" {
		return &Ack{}
	}
	return &Ack{Updates: &AckUpdate{ChannelID: channelID, Version: version}}
}

type helloFrame struct {
	MessageType Type `json:"messageType"`
	*Hello
}

type registerFrame struct {
	MessageType Type `json:"messageType"`
	*Register
}

type unregisterFrame struct {
	MessageType Type `json:"messageType"`
	*Unregister
}

type notificationFrame struct {
	MessageType Type `json:"messageType"`
	*Notification
}

type ackFrame struct {
	MessageType Type `json:"messageType"`
	*Ack
}

type broadcastFrame struct {
	MessageType Type `json:"messageType"`
	*Broadcast
}

var pingFrame = []byte("{}")

// Encode serializes a message into one text frame.
func Encode(msg Message) ([]byte, error) {
	var frame any
	switch m := msg.(type) {
	case *Hello:
		frame = helloFrame{TypeHello, m}
	case *Register:
		frame = registerFrame{TypeRegister, m}
	case *Unregister:
		frame = unregisterFrame{TypeUnregister, m}
	case *Notification:
		frame = notificationFrame{TypeNotification, m}
	case *Ack:
		frame = ackFrame{TypeAck, m}
	case *Broadcast:
		frame = broadcastFrame{TypeBroadcast, m}
	case *Ping:
		return append([]byte(nil), pingFrame...), nil
	case nil:
		return nil, fmt.Errorf("%w: cannot encode nil message", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrProtocol, msg)
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(frame); err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrProtocol, msg.Type(), err)
	}

	return bufpool.Detach(buf), nil
}

type probe struct {
	MessageType *Type `json:"messageType"`
}

// Decode parses one text frame. The discriminator and the fields every
// direction requires are validated here; direction-specific checks (reply
// status, presence of a UAID) belong to the caller.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrProtocol, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: frame is not an object", ErrProtocol)
	}
	if len(raw) == 0 {
		return &Ping{}, nil
	}

	var p probe
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed messageType: %v", ErrProtocol, err)
	}
	if p.MessageType == nil {
		return nil, fmt.Errorf("%w: missing messageType", ErrProtocol)
	}

	size := len(data)
	switch *p.MessageType {
	case TypeHello:
		m := &Hello{}
		if err := unmarshal(trimmed, m); err != nil {
			return nil, err
		}
		m.Size = size
		return m, nil

	case TypeRegister:
		m := &Register{}
		if err := unmarshal(trimmed, m); err != nil {
			return nil, err
		}
		if m.ChannelID == "" {
			return nil, fmt.Errorf("%w: register without channelID", ErrProtocol)
		}
		m.Size = size
		return m, nil

	case TypeUnregister:
		m := &Unregister{}
		if err := unmarshal(trimmed, m); err != nil {
			return nil, err
		}
		if m.ChannelID == "" {
			return nil, fmt.Errorf("%w: unregister without channelID", ErrProtocol)
		}
		m.Size = size
		return m, nil

	case TypeNotification:
		m := &Notification{}
		if err := unmarshal(trimmed, m); err != nil {
			return nil, err
		}
		if m.ChannelID == "" {
			return nil, fmt.Errorf("%w: notification without channelID", ErrProtocol)
		}
		m.Size = size
		return m, nil

	case TypeAck:
		m := &Ack{}
		if err := unmarshal(trimmed, m); err != nil {
			return nil, err
		}
		if m.Updates != nil && m.Updates.ChannelID == "" {
			return nil, fmt.Errorf("%w: ack update without channelID", ErrProtocol)
		}
		return m, nil

	case TypeBroadcast:
		m := &Broadcast{}
		if err := unmarshal(trimmed, m); err != nil {
			return nil, err
		}
		m.Size = size
		return m, nil

	case TypePing:
		return &Ping{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown messageType %q", ErrProtocol, *p.MessageType)
	}
}

func unmarshal(data []byte, m Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: malformed %s: %v", ErrProtocol, m.Type(), err)
	}
	return nil
}

// CheckStatus returns ErrProtocol when a reply carries a non-success status.
// A missing status is accepted.
func CheckStatus(t Type, status int) error {
	if status == 0 || status == StatusOK {
		return nil
	}
	return fmt.Errorf("%w: %s replied with status %d", ErrProtocol, t, status)
}
