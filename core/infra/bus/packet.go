package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Packet is the envelope carried on every subject. On the wire it is a
// protobuf Struct so non-Go agents can decode it with any protobuf runtime.
type Packet struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Sender    string          `json:"sender,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *PacketError    `json:"error,omitempty"`

	// Subject is filled in on receive and never sent.
	Subject string `json:"-"`
}

// PacketError is set on replies that failed.
type PacketError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PacketError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewPacket stamps a fresh id and time on payload.
func NewPacket(kind, sender string, payload any) (*Packet, error) {
	p := &Packet{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		p.Payload = raw
	}
	return p, nil
}

// ErrorReply builds a reply packet carrying code and message.
func ErrorReply(req *Packet, code string, err error) *Packet {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p := &Packet{ID: uuid.NewString(), CreatedAt: time.Now().UTC(), Error: &PacketError{Code: code, Message: msg}}
	if req != nil {
		p.Kind = req.Kind
	}
	return p
}

// Decode unmarshals the payload into v.
func (p *Packet) Decode(v any) error {
	if p == nil {
		return errNilPacket
	}
	if len(p.Payload) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Kind, err)
	}
	return nil
}

// Marshal encodes the packet as a protobuf Struct.
func (p *Packet) Marshal() ([]byte, error) {
	if p == nil {
		return nil, errNilPacket
	}
	fields := map[string]any{
		"id":     p.ID,
		"kind":   p.Kind,
		"sender": p.Sender,
	}
	if !p.CreatedAt.IsZero() {
		fields["created_at"] = p.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(p.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(p.Payload, &payload); err != nil {
			return nil, fmt.Errorf("payload is not json: %w", err)
		}
		fields["payload"] = payload
	}
	if p.Error != nil {
		fields["error"] = map[string]any{"code": p.Error.Code, "message": p.Error.Message}
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build packet struct: %w", err)
	}
	return proto.Marshal(st)
}

// UnmarshalPacket decodes a packet produced by Marshal.
func UnmarshalPacket(data []byte) (*Packet, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal packet: %w", err)
	}
	m := st.AsMap()
	p := &Packet{
		ID:     stringField(m, "id"),
		Kind:   stringField(m, "kind"),
		Sender: stringField(m, "sender"),
	}
	if ts := stringField(m, "created_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.CreatedAt = parsed
		}
	}
	if payload, ok := m["payload"]; ok && payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		p.Payload = raw
	}
	if e, ok := m["error"].(map[string]any); ok {
		p.Error = &PacketError{Code: stringField(e, "code"), Message: stringField(e, "message")}
	}
	return p, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
