package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/bus"
)

// Reply error codes understood on both ends of the host RPC.
const (
	CodeNotFound = "not_found"
	CodeRejected = "rejected"
	CodeError    = "error"
)

const defaultTimeout = 5 * time.Second

// Requester sends one request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, subject string, packet *bus.Packet) (*bus.Packet, error)
}

// Handler registers request handlers.
type Handler interface {
	Handle(subject, queue string, fn func(*bus.Packet) (*bus.Packet, error)) error
}

type idRequest struct {
	ID string `json:"id"`
}

type setEnabledRequest struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// NatsHost reaches the browser agent over NATS request/reply.
type NatsHost struct {
	bus     Requester
	sender  string
	timeout time.Duration
}

// NewNatsHost builds a remote host. A non-positive timeout uses 5s.
func NewNatsHost(b Requester, sender string, timeout time.Duration) *NatsHost {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &NatsHost{bus: b, sender: sender, timeout: timeout}
}

func (h *NatsHost) ListAll(ctx context.Context) ([]extensions.Item, error) {
	var items []extensions.Item
	if err := h.call(ctx, bus.SubjectHostList, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (h *NatsHost) Get(ctx context.Context, id string) (extensions.Item, error) {
	var it extensions.Item
	if err := h.call(ctx, bus.SubjectHostGet, idRequest{ID: id}, &it); err != nil {
		return extensions.Item{}, err
	}
	return it, nil
}

func (h *NatsHost) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return h.call(ctx, bus.SubjectHostSetEnabled, setEnabledRequest{ID: id, Enabled: enabled}, nil)
}

func (h *NatsHost) SelfID(ctx context.Context) (string, error) {
	var out idRequest
	if err := h.call(ctx, bus.SubjectHostSelf, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (h *NatsHost) call(ctx context.Context, subject string, req, out any) error {
	if h == nil || h.bus == nil {
		return errors.New("host bus unavailable")
	}
	packet, err := bus.NewPacket(bus.KindHostRequest, h.sender, req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	reply, err := h.bus.Request(ctx, subject, packet)
	if err != nil {
		return mapReplyError(err)
	}
	if out == nil || len(reply.Payload) == 0 {
		return nil
	}
	return reply.Decode(out)
}

// mapReplyError turns agent error codes back into sentinel errors.
func mapReplyError(err error) error {
	var pe *bus.PacketError
	if !errors.As(err, &pe) {
		return err
	}
	switch pe.Code {
	case CodeRejected:
		return fmt.Errorf("%w: %s", extensions.ErrDisableRejected, pe.Message)
	case CodeNotFound:
		return fmt.Errorf("%w: %s", extensions.ErrMissingRecord, pe.Message)
	default:
		return fmt.Errorf("agent error: %s", pe.Message)
	}
}

// Serve answers host requests from h on the bus. It is the Go side of the
// browser agent contract and backs the host simulator.
func Serve(r Handler, h extensions.Host, sender string) error {
	for subject, fn := range Responders(h, sender) {
		if err := r.Handle(subject, "", fn); err != nil {
			return fmt.Errorf("serve %s: %w", subject, err)
		}
	}
	return nil
}

// Responders returns the request handlers for every host subject.
func Responders(h extensions.Host, sender string) map[string]func(*bus.Packet) (*bus.Packet, error) {
	reply := func(v any) (*bus.Packet, error) {
		return bus.NewPacket(bus.KindHostReply, sender, v)
	}
	ctx := context.Background()
	return map[string]func(*bus.Packet) (*bus.Packet, error){
		bus.SubjectHostList: func(*bus.Packet) (*bus.Packet, error) {
			items, err := h.ListAll(ctx)
			if err != nil {
				return nil, replyError(err)
			}
			return reply(items)
		},
		bus.SubjectHostGet: func(p *bus.Packet) (*bus.Packet, error) {
			var req idRequest
			if err := p.Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
				return nil, &bus.PacketError{Code: CodeError, Message: "id required"}
			}
			it, err := h.Get(ctx, req.ID)
			if err != nil {
				return nil, replyError(err)
			}
			return reply(it)
		},
		bus.SubjectHostSetEnabled: func(p *bus.Packet) (*bus.Packet, error) {
			var req setEnabledRequest
			if err := p.Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
				return nil, &bus.PacketError{Code: CodeError, Message: "id required"}
			}
			if err := h.SetEnabled(ctx, req.ID, req.Enabled); err != nil {
				return nil, replyError(err)
			}
			return reply(map[string]bool{"ok": true})
		},
		bus.SubjectHostSelf: func(*bus.Packet) (*bus.Packet, error) {
			id, err := h.SelfID(ctx)
			if err != nil {
				return nil, replyError(err)
			}
			return reply(idRequest{ID: id})
		},
	}
}

func replyError(err error) *bus.PacketError {
	switch {
	case errors.Is(err, extensions.ErrDisableRejected):
		return &bus.PacketError{Code: CodeRejected, Message: err.Error()}
	case errors.Is(err, extensions.ErrMissingRecord):
		return &bus.PacketError{Code: CodeNotFound, Message: err.Error()}
	default:
		return &bus.PacketError{Code: CodeError, Message: err.Error()}
	}
}
