package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kstaniek/go-secure-can/internal/secure"
)

// talkPayloadLen is the size of a talker payload: counter plus 16-bit sequence.
const talkPayloadLen = 3

// sender is the part of *gateway.Gateway the talker needs.
type sender interface {
	Send(*secure.Message) error
}

// talker periodically sends counter messages so peers see live traffic.
// The payload is [counter, seq>>8, seq&0xff]; counter rises with every send
// and sticks at 255 so receivers never see it go backwards.
type talker struct {
	out      sender
	priority uint8
	dsts     []uint8
	count    int // 0 = unlimited
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func newTalker(out sender, cfg *appConfig, l *slog.Logger) *talker {
	return &talker{
		out:      out,
		priority: uint8(cfg.talkPriority),
		dsts:     cfg.talkAddrs,
		count:    cfg.talkCount,
		limiter:  rate.NewLimiter(rate.Every(cfg.talkInterval), 1),
		logger:   l,
	}
}

// run sends until ctx is done or count messages went out. Send failures are
// logged and do not stop the loop.
func (t *talker) run(ctx context.Context) (sent int) {
	var counter uint8
	for seq := 0; t.count == 0 || seq < t.count; seq++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return sent
		}
		// The link rewrites the source address.
		id, err := secure.NewArbitrationID(t.priority, 0, t.dsts...)
		if err != nil {
			t.logger.Error("talker_config_error", "error", err)
			return sent
		}
		m, err := secure.NewMessage(id, []byte{counter, byte(seq >> 8), byte(seq)})
		if err != nil {
			t.logger.Error("talker_config_error", "error", err)
			return sent
		}
		if err := t.out.Send(m); err != nil {
			if errors.Is(err, context.Canceled) {
				return sent
			}
			t.logger.Warn("talker_send_error", "error", err, "seq", seq)
			continue
		}
		sent++
		t.logger.Debug("talker_sent", "id", id.String(), "counter", counter, "seq", seq)
		if counter < 255 {
			counter++
		}
	}
	return sent
}

func startTalker(ctx context.Context, out sender, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) {
	if len(cfg.talkAddrs) == 0 {
		return
	}
	t := newTalker(out, cfg, l)
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		n := t.run(ctx)
		l.Info("talker_end", "sent", n, "elapsed", time.Since(start).Round(time.Millisecond))
	}()
}
