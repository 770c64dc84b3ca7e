package bus

import (
	"errors"
	"time"

	"github.com/cordum/extmgr/core/infra/logging"
)

// Core NATS has no redelivery, so a deferred packet is retried in place a few
// times before it is dropped.
const (
	localAttempts = 3
	localMinDelay = 50 * time.Millisecond
	localMaxDelay = 2 * time.Second
)

// DeferredError marks a handler failure that should be delivered again later,
// typically because the reconcile lock is held by another worker.
type DeferredError struct {
	Err   error
	Delay time.Duration
}

func (e *DeferredError) Error() string {
	if e == nil {
		return ""
	}
	msg := "deferred"
	if e.Delay > 0 {
		msg += " " + e.Delay.String()
	}
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *DeferredError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter defers err by delay. Negative delays become zero.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	return &DeferredError{Err: err, Delay: max(delay, 0)}
}

// RetryDelay reports the delay carried anywhere in err's chain.
func RetryDelay(err error) (time.Duration, bool) {
	var d *DeferredError
	if !errors.As(err, &d) || d == nil {
		return 0, false
	}
	return max(d.Delay, 0), true
}

// deliverLocal runs handler for a packet received without JetStream and
// retries it while the handler defers. sleep is swapped out in tests.
func deliverLocal(packet *Packet, handler func(*Packet) error, sleep func(time.Duration)) error {
	for attempt := 1; ; attempt++ {
		err := handler(packet)
		delay, deferred := RetryDelay(err)
		if !deferred || attempt >= localAttempts {
			return err
		}
		logging.Warn("bus", "handler deferred, retrying in place",
			"subject", packet.Subject, "attempt", attempt, "delay", delay)
		sleep(min(max(delay, localMinDelay), localMaxDelay))
	}
}
