package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

// Client to relay.
const (
	MessageTypeAuth         MessageType = "auth"
	MessageTypeCallUser     MessageType = "call-user"
	MessageTypeAnswerCall   MessageType = "answer-call"
	MessageTypeICECandidate MessageType = "ice-candidate"
	MessageTypeEndCall      MessageType = "end-call"
)

// Relay to client. ice-candidate and end-call are shared with the client
// direction and carry `from` instead of `to`.
const (
	MessageTypeMe              MessageType = "me"
	MessageTypeCallMade        MessageType = "call-made"
	MessageTypeCallAnswered    MessageType = "call-answered"
	MessageTypePeerUnreachable MessageType = "peer-unreachable"
	MessageTypeError           MessageType = "error"
)

const maxIdentityLen = 256

// Message is one JSON text frame on the signaling websocket. Signal and
// Candidate are opaque to the relay.
type Message struct {
	Type MessageType `json:"type"`

	ID   string `json:"id,omitempty"`
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	Name string `json:"name,omitempty"`

	Signal    json.RawMessage `json:"signal,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseClientMessage decodes a frame sent by a participant.
func ParseClientMessage(data []byte) (Message, error) {
	msg, err := decodeStrict(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.validateClient(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ParseServerMessage decodes a frame sent by the relay.
func ParseServerMessage(data []byte) (Message, error) {
	msg, err := decodeStrict(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.validateServer(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func decodeStrict(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// fields tracks which optional fields are set so each type can reject the
// ones it does not use.
type fields struct {
	id, to, from, name, signal, candidate, cred, errInfo bool
}

func (m Message) present() fields {
	return fields{
		id:        m.ID != "",
		to:        m.To != "",
		from:      m.From != "",
		name:      m.Name != "",
		signal:    len(m.Signal) > 0,
		candidate: len(m.Candidate) > 0,
		cred:      m.APIKey != "" || m.Token != "",
		errInfo:   m.Code != "" || m.Message != "",
	}
}

func (m Message) only(allowed fields) error {
	got := m.present()
	if (got.id && !allowed.id) ||
		(got.to && !allowed.to) ||
		(got.from && !allowed.from) ||
		(got.name && !allowed.name) ||
		(got.signal && !allowed.signal) ||
		(got.candidate && !allowed.candidate) ||
		(got.cred && !allowed.cred) ||
		(got.errInfo && !allowed.errInfo) {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	return nil
}

func (m Message) validateClient() error {
	switch m.Type {
	case MessageTypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
		if m.APIKey != "" && m.Token != "" && m.APIKey != m.Token {
			return fmt.Errorf("auth message must not include both apiKey and token unless they match")
		}
		return m.only(fields{cred: true})
	case MessageTypeCallUser:
		if err := requireIdentity("to", m.To); err != nil {
			return err
		}
		if err := requirePayload("signal", m.Signal); err != nil {
			return err
		}
		return m.only(fields{to: true, signal: true, name: true})
	case MessageTypeAnswerCall:
		if err := requireIdentity("to", m.To); err != nil {
			return err
		}
		if err := requirePayload("signal", m.Signal); err != nil {
			return err
		}
		return m.only(fields{to: true, signal: true})
	case MessageTypeICECandidate:
		if err := requireIdentity("to", m.To); err != nil {
			return err
		}
		if err := requirePayload("candidate", m.Candidate); err != nil {
			return err
		}
		return m.only(fields{to: true, candidate: true})
	case MessageTypeEndCall:
		if err := requireIdentity("to", m.To); err != nil {
			return err
		}
		return m.only(fields{to: true})
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
}

func (m Message) validateServer() error {
	switch m.Type {
	case MessageTypeMe:
		if err := requireIdentity("id", m.ID); err != nil {
			return err
		}
		return m.only(fields{id: true})
	case MessageTypeCallMade:
		if err := requireIdentity("from", m.From); err != nil {
			return err
		}
		if err := requirePayload("signal", m.Signal); err != nil {
			return err
		}
		return m.only(fields{from: true, signal: true, name: true})
	case MessageTypeCallAnswered:
		if err := requireIdentity("from", m.From); err != nil {
			return err
		}
		if err := requirePayload("signal", m.Signal); err != nil {
			return err
		}
		return m.only(fields{from: true, signal: true})
	case MessageTypeICECandidate:
		if err := requireIdentity("from", m.From); err != nil {
			return err
		}
		if err := requirePayload("candidate", m.Candidate); err != nil {
			return err
		}
		return m.only(fields{from: true, candidate: true})
	case MessageTypeEndCall:
		if err := requireIdentity("from", m.From); err != nil {
			return err
		}
		return m.only(fields{from: true})
	case MessageTypePeerUnreachable:
		if err := requireIdentity("to", m.To); err != nil {
			return err
		}
		return m.only(fields{to: true})
	case MessageTypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		return m.only(fields{errInfo: true})
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
}

func requireIdentity(field, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", field)
	}
	if len(v) > maxIdentityLen {
		return fmt.Errorf("%s too long", field)
	}
	return nil
}

func requirePayload(field string, v json.RawMessage) error {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("missing %s", field)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%s must be a JSON object", field)
	}
	return nil
}
