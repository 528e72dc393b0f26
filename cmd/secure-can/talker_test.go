package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-secure-can/internal/logging"
	"github.com/kstaniek/go-secure-can/internal/secure"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []*secure.Message
	fail map[int]bool // call index -> fail
	n    int
}

func (r *recordingSender) Send(m *secure.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.n
	r.n++
	if r.fail[i] {
		return errors.New("bus off")
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func talkConfig(count int, dsts ...uint8) *appConfig {
	return &appConfig{talkAddrs: dsts, talkPriority: 3, talkInterval: time.Microsecond, talkCount: count}
}

func TestTalkerPayloads(t *testing.T) {
	rec := &recordingSender{}
	n := newTalker(rec, talkConfig(3, 1, 2), logging.Discard()).run(context.Background())
	if n != 3 || len(rec.msgs) != 3 {
		t.Fatalf("sent %d recorded %d", n, len(rec.msgs))
	}
	for i, m := range rec.msgs {
		if m.ArbitrationID.Priority != 3 || m.ArbitrationID.Quantity() != 2 {
			t.Fatalf("msg %d id %v", i, m.ArbitrationID)
		}
		want := []byte{byte(i), 0, byte(i)}
		if string(m.Payload) != string(want) {
			t.Fatalf("msg %d payload % X want % X", i, m.Payload, want)
		}
	}
}

func TestTalkerCounterSaturates(t *testing.T) {
	rec := &recordingSender{}
	newTalker(rec, talkConfig(260, 1), logging.Discard()).run(context.Background())
	last := rec.msgs[len(rec.msgs)-1].Payload
	if last[0] != 255 || last[1] != 1 || last[2] != 3 {
		t.Fatalf("last payload % X", last)
	}
}

func TestTalkerKeepsGoingAfterSendError(t *testing.T) {
	rec := &recordingSender{fail: map[int]bool{0: true}}
	n := newTalker(rec, talkConfig(3, 1), logging.Discard()).run(context.Background())
	if n != 2 {
		t.Fatalf("sent %d want 2", n)
	}
	// A failed send does not consume a counter value.
	if rec.msgs[0].Payload[0] != 0 || rec.msgs[0].Payload[2] != 1 {
		t.Fatalf("first delivered payload % X", rec.msgs[0].Payload)
	}
}

func TestTalkerStopsOnCancel(t *testing.T) {
	rec := &recordingSender{}
	cfg := talkConfig(0, 1)
	cfg.talkInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startTalker(ctx, rec, cfg, logging.Discard(), &wg)
	time.Sleep(20 * time.Millisecond)
	cancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("talker did not stop")
	}
	// The first token is available immediately.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 {
		t.Fatalf("sent %d", len(rec.msgs))
	}
}

func TestStartTalkerDisabled(t *testing.T) {
	var wg sync.WaitGroup
	startTalker(context.Background(), &recordingSender{}, &appConfig{}, logging.Discard(), &wg)
	wg.Wait()
}
