// Package bus wraps NATS for lifecycle events, host request/reply and
// notifications, using a protobuf Struct envelope.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cordum/extmgr/core/infra/logging"
	"github.com/nats-io/nats.go"
)

// NatsBus is a thin wrapper over a NATS connection that speaks Packets.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 2 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour

	streamEvents = "EXTMGR_EVENTS"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilPacket  = errors.New("nil bus packet")
	errEmptyTopic = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL. name identifies the client in
// server monitoring.
func NewNatsBus(url, name string) (*NatsBus, error) {
	if strings.TrimSpace(name) == "" {
		name = "extmgr-bus"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains subscriptions and shuts down the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.nc.Close()
}

// Publish sends packet on subject. Durable subjects go through JetStream
// with the packet id as dedupe key.
func (b *NatsBus) Publish(subject string, packet *Packet) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if packet == nil {
		return errNilPacket
	}
	data, err := packet.Marshal()
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := computeMsgID(subject, packet); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a handler. When JetStream is enabled, durable subjects
// are consumed with explicit ack; a handler returning RetryAfter is nak'd
// with that delay. Without JetStream a deferred packet is retried in place
// a bounded number of times.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*Packet) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			packet, err := UnmarshalPacket(msg.Data)
			if err != nil {
				logging.Warn("bus", "dropping undecodable packet", "subject", msg.Subject, "error", err)
				_ = msg.Ack()
				return
			}
			packet.Subject = msg.Subject
			if err := handler(packet); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				logging.Error("bus", "handler error (ack)", "subject", msg.Subject, "error", err)
			}
			_ = msg.Ack()
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(1024),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		var (
			sub *nats.Subscription
			err error
		)
		if queue == "" {
			sub, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			sub, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return b.track(sub, err)
	}

	cb := func(msg *nats.Msg) {
		packet, err := UnmarshalPacket(msg.Data)
		if err != nil {
			logging.Warn("bus", "dropping undecodable packet", "subject", msg.Subject, "error", err)
			return
		}
		packet.Subject = msg.Subject
		if err := deliverLocal(packet, handler, time.Sleep); err != nil {
			logging.Error("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		return b.track(b.nc.Subscribe(subject, cb))
	}
	return b.track(b.nc.QueueSubscribe(subject, queue, cb))
}

// Request sends packet and waits for one reply. A reply carrying an error
// is returned as *PacketError.
func (b *NatsBus) Request(ctx context.Context, subject string, packet *Packet) (*Packet, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if subject == "" {
		return nil, errEmptyTopic
	}
	data, err := packet.Marshal()
	if err != nil {
		return nil, err
	}
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	reply, err := UnmarshalPacket(msg.Data)
	if err != nil {
		return nil, err
	}
	reply.Subject = subject
	if reply.Error != nil {
		return reply, reply.Error
	}
	return reply, nil
}

// Handle answers requests on subject with fn. An error from fn is sent back
// as an error reply with code "error".
func (b *NatsBus) Handle(subject, queue string, fn func(*Packet) (*Packet, error)) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if fn == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		req, err := UnmarshalPacket(msg.Data)
		if err != nil {
			req = &Packet{}
		} else {
			req.Subject = msg.Subject
		}
		reply, herr := fn(req)
		if herr != nil {
			var pe *PacketError
			if errors.As(herr, &pe) {
				reply = &Packet{Kind: req.Kind, CreatedAt: time.Now().UTC(), Error: pe}
			} else {
				reply = ErrorReply(req, "error", herr)
			}
		}
		if reply == nil {
			reply = &Packet{Kind: KindHostReply, CreatedAt: time.Now().UTC()}
		}
		data, err := reply.Marshal()
		if err != nil {
			logging.Error("bus", "encode reply failed", "subject", msg.Subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			logging.Warn("bus", "respond failed", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		return b.track(b.nc.Subscribe(subject, cb))
	}
	return b.track(b.nc.QueueSubscribe(subject, queue, cb))
}

func (b *NatsBus) track(sub *nats.Subscription, err error) error {
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	subjects := []string{SubjectLifecycleAll, "ext.command.>"}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "stream", streamEvents, "ack_wait", ackWait, "max_age", maxAge)
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	if name == "" {
		return ""
	}
	if q := clean(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}

func computeMsgID(subject string, packet *Packet) string {
	if packet == nil {
		return ""
	}
	id := strings.TrimSpace(packet.ID)
	if id == "" {
		return ""
	}
	return subject + ":" + id
}
