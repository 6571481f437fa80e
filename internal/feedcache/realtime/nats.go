package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSubjectPrefix is the subject prefix change events are published
// under. The full subject is prefix.table.
const DefaultSubjectPrefix = "feedsync.changes"

// NATSSubscriber receives change events from NATS. Trace context in the
// message headers is continued into a consumer span.
type NATSSubscriber struct {
	conn   *nats.Conn
	prefix string
	buffer int
	logger *log.Logger
}

// NewNATSSubscriber creates a subscriber on an open connection. An empty
// prefix uses DefaultSubjectPrefix.
func NewNATSSubscriber(nc *nats.Conn, prefix string) *NATSSubscriber {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSubscriber{
		conn:   nc,
		prefix: prefix,
		buffer: 64,
		logger: log.New(os.Stderr, "[realtime/nats] ", log.LstdFlags),
	}
}

// Subject returns the subject carrying events for table.
func (s *NATSSubscriber) Subject(table string) string {
	return s.prefix + "." + table
}

// Subscribe listens on the table's subject until ctx ends.
func (s *NATSSubscriber) Subscribe(ctx context.Context, table string, kinds []EventKind) (<-chan ChangeEvent, error) {
	out := make(chan ChangeEvent, s.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	tracer := otel.Tracer("feedsync/realtime")

	sub, err := s.conn.Subscribe(s.Subject(table), func(msg *nats.Msg) {
		msgCtx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
		_, span := tracer.Start(msgCtx, "realtime.receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("table", table)))
		defer span.End()

		ev, err := decodeMessage(msg.Data, table)
		if err != nil {
			span.RecordError(err)
			s.logger.Printf("Warning: %s: %v", msg.Subject, err)
			return
		}
		if !wantsKind(kinds, ev.Kind) {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.Subject(table), err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			s.logger.Printf("Warning: failed to unsubscribe %s: %v", s.Subject(table), err)
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// decodeMessage parses a message body. Events that omit the table take it
// from the subject.
func decodeMessage(data []byte, table string) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("invalid change event: %w", err)
	}
	if ev.Table == "" {
		ev.Table = table
	}
	if ev.Table != table {
		return ChangeEvent{}, fmt.Errorf("event for %s on the %s subject", ev.Table, table)
	}
	return ev, nil
}
