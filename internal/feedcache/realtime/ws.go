package realtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSSubscriber streams events over a websocket, one connection per table.
// The table and kinds go in the query string:
//
//	wss://realtime.example.com/changes?table=posts&kinds=insert,update
//
// A dropped connection is redialed with exponential backoff until ctx ends.
type WSSubscriber struct {
	URL    string
	Header http.Header

	// InitialBackoff and MaxBackoff bound the redial delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ReadLimit caps the size of one event in bytes.
	ReadLimit int64

	Buffer int
	Logger *log.Logger
}

// NewWSSubscriber creates a websocket subscriber with default settings.
func NewWSSubscriber(rawURL string) *WSSubscriber {
	return &WSSubscriber{
		URL:            rawURL,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		ReadLimit:      1 << 20,
		Buffer:         64,
		Logger:         log.New(os.Stderr, "[realtime/ws] ", log.LstdFlags),
	}
}

func (s *WSSubscriber) target(table string, kinds []EventKind) (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("table", table)
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		q.Set("kinds", strings.Join(names, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the stream for table. The first dial happens before
// returning so a bad address fails fast.
func (s *WSSubscriber) Subscribe(ctx context.Context, table string, kinds []EventKind) (<-chan ChangeEvent, error) {
	target, err := s.target(table, kinds)
	if err != nil {
		return nil, err
	}
	conn, err := s.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	out := make(chan ChangeEvent, s.Buffer)
	go s.loop(ctx, target, conn, table, kinds, out)
	return out, nil
}

func (s *WSSubscriber) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: s.Header})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	if s.ReadLimit > 0 {
		conn.SetReadLimit(s.ReadLimit)
	}
	return conn, nil
}

func (s *WSSubscriber) loop(ctx context.Context, target string, conn *websocket.Conn, table string, kinds []EventKind, out chan<- ChangeEvent) {
	defer close(out)

	b := backoff.NewExponentialBackOff()
	if s.InitialBackoff > 0 {
		b.InitialInterval = s.InitialBackoff
	}
	if s.MaxBackoff > 0 {
		b.MaxInterval = s.MaxBackoff
	}

	for {
		if conn != nil {
			err := s.read(ctx, conn, table, kinds, out)
			conn.CloseNow()
			conn = nil
			if ctx.Err() != nil {
				return
			}
			s.Logger.Printf("Warning: %s stream lost: %v", table, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}

		c, err := s.dial(ctx, target)
		if err != nil {
			s.Logger.Printf("Warning: %v", err)
			continue
		}
		conn = c
		b.Reset()
	}
}

func (s *WSSubscriber) read(ctx context.Context, conn *websocket.Conn, table string, kinds []EventKind, out chan<- ChangeEvent) error {
	for {
		var ev ChangeEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if ev.Table == "" {
			ev.Table = table
		}
		if ev.Table != table || !wantsKind(kinds, ev.Kind) {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
