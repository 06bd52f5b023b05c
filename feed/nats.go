package feed

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/encoding"
	"github.com/maxpert/feedmux/event"
)

// NatsFeed consumes change events published as msgpack payloads on
// `<prefix>.<table>` subjects.
type NatsFeed struct {
	nc     *nats.Conn
	prefix string
}

// NewNatsFeed connects to NATS. The connection retries forever with a fixed
// reconnect wait, matching the delivery expectations of a long-lived feed.
func NewNatsFeed(url, subjectPrefix string) (*NatsFeed, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NatsFeed{nc: nc, prefix: subjectPrefix}, nil
}

// NewNatsFeedConn wraps an existing connection; Close will not close it.
func NewNatsFeedConn(nc *nats.Conn, subjectPrefix string) *NatsFeed {
	return &NatsFeed{nc: nc, prefix: subjectPrefix}
}

// Subscribe decodes each payload on the table's subject into the typed event
// and applies the spec's op selector and row filter before invoking handler.
// A payload that fails to decode goes to errHook and is dropped; an event
// carrying an unrecognized op is normalized to OpUnknown and still delivered
// through OpAny specs.
func (f *NatsFeed) Subscribe(spec Spec, handler Handler, errHook ErrorHook) (Subscription, error) {
	filter, err := ParseRowFilter(spec.Filter)
	if err != nil {
		return nil, err
	}

	subject := f.prefix + "." + spec.Table
	sub, err := f.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev event.Event
		if err := encoding.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Dropping undecodable feed payload")
			if errHook != nil {
				errHook(fmt.Errorf("failed to decode payload on %s: %w", subject, err))
			}
			return
		}

		ev.Op = normalizeOp(ev.Op)
		if ev.Table == "" {
			ev.Table = spec.Table
		}

		if !matchesOp(spec.Op, ev.Op) {
			return
		}
		if !filter.Match(ev) {
			return
		}

		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	log.Debug().Str("subject", subject).Str("filter", spec.Filter).Msg("Feed subscription opened")
	return &natsSubscription{sub: sub}, nil
}

// Close drains the underlying connection.
func (f *NatsFeed) Close() error {
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}

// normalizeOp maps unrecognized wire kinds to OpUnknown so downstream
// consumers see a closed set.
func normalizeOp(op event.Op) event.Op {
	switch op {
	case event.OpInsert, event.OpUpdate, event.OpDelete:
		return op
	default:
		return event.OpUnknown
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
