package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nats-io/nats.go"

	"github.com/quillsocial/feedsync/internal/feedcache/events"
)

var quiet = log.New(io.Discard, "", 0)

func row(v string) json.RawMessage { return json.RawMessage(v) }

// fakeSubscriber hands out one pre-made stream per table.
type fakeSubscriber struct {
	mu      sync.Mutex
	streams map[string]chan ChangeEvent
	fail    string
}

func newFakeSubscriber(tables ...string) *fakeSubscriber {
	f := &fakeSubscriber{streams: make(map[string]chan ChangeEvent)}
	for _, t := range tables {
		f.streams[t] = make(chan ChangeEvent, 16)
	}
	return f
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, table string, kinds []EventKind) (<-chan ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if table == f.fail {
		return nil, errors.New("refused")
	}
	ch, ok := f.streams[table]
	if !ok {
		ch = make(chan ChangeEvent)
		f.streams[table] = ch
	}
	return ch, nil
}

func (f *fakeSubscriber) push(table string, ev ChangeEvent) {
	f.mu.Lock()
	ch := f.streams[table]
	f.mu.Unlock()
	ch <- ev
}

type recordingApplier struct {
	mu   sync.Mutex
	seen []ChangeEvent
	err  error
}

func (a *recordingApplier) Apply(ctx context.Context, ev ChangeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, ev)
	return a.err
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ev      ChangeEvent
		wantErr bool
	}{
		{"insert", ChangeEvent{Table: "posts", Kind: Insert, After: row(`{}`)}, false},
		{"insert without row", ChangeEvent{Table: "posts", Kind: Insert}, true},
		{"delete with before", ChangeEvent{Table: "posts", Kind: Delete, Before: row(`{}`)}, false},
		{"delete without row", ChangeEvent{Table: "posts", Kind: Delete}, true},
		{"no table", ChangeEvent{Kind: Update, After: row(`{}`)}, true},
		{"bad kind", ChangeEvent{Table: "posts", Kind: "upsert", After: row(`{}`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChangeEvent_Payload(t *testing.T) {
	del := ChangeEvent{Kind: Delete, Before: row(`{"id":"old"}`), After: row(`{"id":"new"}`)}
	if string(del.Payload()) != `{"id":"old"}` {
		t.Errorf("delete payload = %s", del.Payload())
	}
	upd := ChangeEvent{Kind: Update, Before: row(`{"id":"old"}`), After: row(`{"id":"new"}`)}
	if string(upd.Payload()) != `{"id":"new"}` {
		t.Errorf("update payload = %s", upd.Payload())
	}
}

// TestChannelSet_OrderAndRouting checks per-channel order and presence routing
func TestChannelSet_OrderAndRouting(t *testing.T) {
	sub := newFakeSubscriber(TablePosts, TableReactions, TableTyping)
	applier := &recordingApplier{}
	bus := events.NewWithConfig(&events.Config{QueueSize: 8, Logger: quiet})
	defer bus.Close()
	busSub, _ := bus.Subscribe()

	cs, err := NewChannelSet(sub, applier, bus, &Config{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer cs.Stop()

	for i := 1; i <= 5; i++ {
		sub.push(TablePosts, ChangeEvent{Table: TablePosts, Kind: Update, After: row(fmt.Sprintf(`{"id":"p%d"}`, i)), Seq: int64(i)})
	}
	sub.push(TableReactions, ChangeEvent{Table: TableReactions, Kind: Insert})
	sub.push(TableTyping, ChangeEvent{Table: TableTyping, Kind: Update, After: row(`{"conversation_id":"c1","typing":{"u2":true}}`)})

	waitFor(t, "post events", func() bool { return applier.count() == 5 })

	var seqs []int64
	applier.mu.Lock()
	for _, ev := range applier.seen {
		if ev.Channel != "feed" {
			t.Errorf("channel = %q, want feed", ev.Channel)
		}
		seqs = append(seqs, ev.Seq)
	}
	applier.mu.Unlock()
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("post events out of order: %v", seqs)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := busSub.Next(ctx)
	if err != nil {
		t.Fatalf("no typing event: %v", err)
	}
	if ev.Kind != events.TypingUpdate || ev.ConversationID != "c1" || !ev.Typing["u2"] {
		t.Errorf("typing event = %+v", ev)
	}

	waitFor(t, "invalid reaction counted", func() bool { return cs.Stats()["reactions"].Failed == 1 })
	stats := cs.Stats()
	if stats["feed"].Received != 5 || stats["feed"].Applied != 5 {
		t.Errorf("feed stats = %+v", stats["feed"])
	}
	if stats["presence"].Applied != 1 {
		t.Errorf("presence stats = %+v", stats["presence"])
	}
}

func TestChannelSet_ApplyErrorsDoNotStopChannel(t *testing.T) {
	sub := newFakeSubscriber(TablePosts)
	applier := &recordingApplier{err: errors.New("disk full")}
	cs, _ := NewChannelSet(sub, applier, nil, &Config{Logger: quiet})
	cs.Start(context.Background())
	defer cs.Stop()

	for i := 0; i < 3; i++ {
		sub.push(TablePosts, ChangeEvent{Table: TablePosts, Kind: Insert, After: row(`{}`)})
	}
	waitFor(t, "three failures", func() bool { return cs.Stats()["feed"].Failed == 3 })
}

func TestChannelSet_StartFailure(t *testing.T) {
	sub := newFakeSubscriber()
	sub.fail = TableMessages
	cs, _ := NewChannelSet(sub, &recordingApplier{}, nil, &Config{Logger: quiet})
	if err := cs.Start(context.Background()); err == nil {
		t.Fatal("expected Start() to fail")
	}
	cs.Stop()

	if _, err := NewChannelSet(nil, &recordingApplier{}, nil, nil); err == nil {
		t.Error("expected error for nil subscriber")
	}
}

// TestWSSubscriber_Reconnects checks events from two successive connections
func TestWSSubscriber_Reconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("table"); got != TablePosts {
			http.Error(w, "wrong table "+got, http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		n := conns.Add(1)
		ctx := r.Context()
		// Noise for another table and kind is filtered client side.
		wsjson.Write(ctx, conn, ChangeEvent{Table: TableUsers, Kind: Update, After: row(`{}`)})
		wsjson.Write(ctx, conn, ChangeEvent{Kind: Insert, After: row(`{}`), Seq: int64(n * 10)})
		wsjson.Write(ctx, conn, ChangeEvent{Table: TablePosts, Kind: Update, After: row(`{}`), Seq: int64(n)})
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		// Hold the connection until the client goes away.
		conn.Read(ctx)
	}))
	defer srv.Close()

	s := NewWSSubscriber("ws" + strings.TrimPrefix(srv.URL, "http"))
	s.InitialBackoff = 10 * time.Millisecond
	s.Logger = quiet

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := s.Subscribe(ctx, TablePosts, []EventKind{Update})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	var got []int64
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-stream:
			if ev.Table != TablePosts || ev.Kind != Update {
				t.Errorf("unexpected event %+v", ev)
			}
			got = append(got, ev.Seq)
		case <-timeout:
			t.Fatalf("got %v before timeout", got)
		}
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("seqs = %v, want [1 2]", got)
	}

	cancel()
	for range stream {
	}
}

func TestWSSubscriber_DialFailure(t *testing.T) {
	s := NewWSSubscriber("ws://127.0.0.1:1/changes")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Subscribe(ctx, TablePosts, nil); err == nil {
		t.Error("expected dial error")
	}
}

func TestSpoolSubscriber(t *testing.T) {
	dir := t.TempDir()
	tableDir := filepath.Join(dir, TableMessages)
	os.MkdirAll(tableDir, 0755)

	writeEvent := func(name string, ev ChangeEvent) {
		data, _ := json.Marshal(ev)
		tmp := filepath.Join(dir, name+".tmp")
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, filepath.Join(tableDir, name)); err != nil {
			t.Fatal(err)
		}
	}

	// Present before the subscription starts.
	writeEvent("0002.json", ChangeEvent{Kind: Insert, After: row(`{"id":"m2"}`), Seq: 2})
	writeEvent("0001.json", ChangeEvent{Kind: Insert, After: row(`{"id":"m1"}`), Seq: 1})
	os.WriteFile(filepath.Join(tableDir, "0000.json"), []byte("{broken"), 0644)

	s := NewSpoolSubscriber(dir)
	s.Logger = quiet
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := s.Subscribe(ctx, TableMessages, nil)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	next := func() ChangeEvent {
		t.Helper()
		select {
		case ev := <-stream:
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for spooled event")
			return ChangeEvent{}
		}
	}

	if ev := next(); ev.Seq != 1 || ev.Table != TableMessages {
		t.Errorf("first = %+v", ev)
	}
	if ev := next(); ev.Seq != 2 {
		t.Errorf("second = %+v", ev)
	}

	writeEvent("0003.json", ChangeEvent{Kind: Delete, Before: row(`{"id":"m1"}`), Seq: 3})
	if ev := next(); ev.Seq != 3 || ev.Kind != Delete {
		t.Errorf("third = %+v", ev)
	}

	waitFor(t, "spool emptied", func() bool {
		files, _ := filepath.Glob(filepath.Join(tableDir, "*.json"))
		return len(files) == 0
	})
	if _, err := os.Stat(filepath.Join(tableDir, "0000.json.bad")); err != nil {
		t.Errorf("malformed file not quarantined: %v", err)
	}
}

type fakeChangeLog struct {
	mu     sync.Mutex
	events []ChangeEvent
	calls  int
}

func (f *fakeChangeLog) add(ev ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeChangeLog) ChangesSince(ctx context.Context, table string, afterSeq int64, limit int) ([]ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []ChangeEvent
	for _, ev := range f.events {
		if ev.Table == table && ev.Seq > afterSeq && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestPoller(t *testing.T) {
	cl := &fakeChangeLog{}
	for i := 1; i <= 5; i++ {
		cl.add(ChangeEvent{Table: TablePosts, Kind: Update, After: row(`{}`), Seq: int64(i)})
	}
	cl.add(ChangeEvent{Table: TablePosts, Kind: Delete, Before: row(`{}`), Seq: 6})
	cl.add(ChangeEvent{Table: TableUsers, Kind: Update, After: row(`{}`), Seq: 1})

	p := NewPoller(cl, PollerConfig{Interval: 10 * time.Millisecond, BatchSize: 2, Logger: quiet})
	p.SetLastSeen(TablePosts, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := p.Subscribe(ctx, TablePosts, []EventKind{Update})

	var got []int64
	for len(got) < 4 {
		select {
		case ev := <-stream:
			got = append(got, ev.Seq)
		case <-time.After(3 * time.Second):
			t.Fatalf("got %v before timeout", got)
		}
	}
	for i, s := range got {
		if s != int64(i+2) {
			t.Fatalf("seqs = %v, want [2 3 4 5]", got)
		}
	}

	// The filtered delete still advances the position.
	waitFor(t, "position past delete", func() bool { return p.LastSeen(TablePosts) == 6 })

	cl.add(ChangeEvent{Table: TablePosts, Kind: Update, After: row(`{}`), Seq: 7})
	select {
	case ev := <-stream:
		if ev.Seq != 7 {
			t.Errorf("next seq = %d, want 7", ev.Seq)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("new event not polled")
	}
}

func TestDecodeMessage(t *testing.T) {
	ev, err := decodeMessage([]byte(`{"kind":"update","after":{"id":"p1"}}`), TablePosts)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Table != TablePosts || ev.Kind != Update {
		t.Errorf("ev = %+v", ev)
	}

	if _, err := decodeMessage([]byte(`{"table":"users","kind":"update"}`), TablePosts); err == nil {
		t.Error("expected table mismatch error")
	}
	if _, err := decodeMessage([]byte(`nope`), TablePosts); err == nil {
		t.Error("expected decode error")
	}

	s := NewNATSSubscriber(nil, "")
	if got := s.Subject(TablePosts); got != "feedsync.changes.posts" {
		t.Errorf("Subject() = %s", got)
	}
}

// TestNATSSubscriber_Live runs against a real server when
// FEEDSYNC_TEST_NATS_URL is set.
func TestNATSSubscriber_Live(t *testing.T) {
	url := os.Getenv("FEEDSYNC_TEST_NATS_URL")
	if url == "" {
		t.Skip("FEEDSYNC_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer nc.Close()

	s := NewNATSSubscriber(nc, "feedsync.test."+fmt.Sprint(time.Now().UnixNano()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := s.Subscribe(ctx, TablePosts, nil)
	if err != nil {
		t.Fatal(err)
	}
	nc.Flush()

	data, _ := json.Marshal(ChangeEvent{Table: TablePosts, Kind: Insert, After: row(`{"id":"p1"}`)})
	if err := nc.Publish(s.Subject(TablePosts), data); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-stream:
		if ev.Kind != Insert {
			t.Errorf("ev = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}
