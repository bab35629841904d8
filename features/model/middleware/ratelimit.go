// Package middleware provides model.Client middlewares. The adaptive rate
// limiter throttles model calls on an estimated tokens-per-minute budget and
// adjusts that budget when the provider reports throttling.
package middleware

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/stepflow/runtime/agent/model"
)

type (
	// AdaptiveRateLimiter is an AIMD token bucket placed in front of a
	// model.Client. Each call waits for its estimated token cost. A rate
	// limited error halves the budget; a successful call raises it by a
	// fixed step up to the configured maximum.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	// limitedStreamer reports throttling surfaced mid-stream to the limiter.
	limitedStreamer struct {
		model.Streamer
		limiter  *AdaptiveRateLimiter
		observed bool
	}

	// clusterMap is the subset of rmap.Map used to share the budget.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

const defaultTPM = 60000

// NewAdaptiveRateLimiter returns a limiter with the given tokens-per-minute
// budget. When m and key are set the budget is shared by every process using
// the same Pulse replicated map key; otherwise the limiter is process local.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = m
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       max(initialTPM*0.1, 1),
		maxTPM:       maxTPM,
		recoveryRate: max(initialTPM*0.05, 1),
	}
}

// Middleware wraps a model.Client with the limiter.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// CurrentTPM returns the effective budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.limiter.WaitN(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	st, err := c.next.Stream(ctx, req)
	if err != nil {
		c.limiter.observe(err)
		return nil, err
	}
	return &limitedStreamer{Streamer: st, limiter: c.limiter}, nil
}

func (s *limitedStreamer) Recv() (model.Chunk, error) {
	chunk, err := s.Streamer.Recv()
	if err != nil && !s.observed {
		s.observed = true
		if errors.Is(err, io.EOF) {
			s.limiter.observe(nil)
		} else {
			s.limiter.observe(err)
		}
	}
	return chunk, err
}

func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(false)
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(true)
	}
}

// adjust halves the budget on backoff and adds the recovery step otherwise,
// then notifies the cluster callback outside the lock.
func (l *AdaptiveRateLimiter) adjust(backoff bool) {
	l.mu.Lock()
	tpm := min(l.currentTPM+l.recoveryRate, l.maxTPM)
	cb := l.onProbe
	if backoff {
		tpm = max(l.currentTPM*0.5, l.minTPM)
		cb = l.onBackoff
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.setLocked(tpm)
	l.mu.Unlock()
	if cb != nil {
		cb(tpm)
	}
}

// replaceTPM applies a budget published by another process, clamped to the
// local bounds.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm != l.currentTPM {
		l.setLocked(tpm)
	}
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens approximates the request size at one token per three
// characters plus a fixed allowance for framing and the completion.
func estimateTokens(req *model.Request) int {
	chars := 0
	if req != nil {
		for _, m := range req.Messages {
			if m == nil {
				continue
			}
			chars += len(m.Content)
			for _, c := range m.ToolCalls {
				chars += len(c.Arguments)
			}
		}
	}
	if chars == 0 {
		return 500
	}
	return max(chars/3, 1) + 500
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	shared := initialTPM
	if v, ok := parseTPM(m, key); ok {
		shared = v
	}
	l := newAdaptiveRateLimiter(shared, max(maxTPM, initialTPM))

	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.mu.Lock()
	l.onBackoff = func(float64) {
		go updateShared(m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
	}
	l.onProbe = func(float64) {
		go updateShared(m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
	}
	l.mu.Unlock()

	ch := m.Subscribe()
	go func() {
		for range ch {
			if v, ok := parseTPM(m, key); ok {
				l.replaceTPM(v)
			}
		}
	}()
	return l
}

// updateShared applies next to the shared budget with compare-and-swap,
// retrying a few times when another process wins the race.
func updateShared(m clusterMap, key string, next func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for range 3 {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nv := next(cur)
		if nv == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(nv)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func parseTPM(m clusterMap, key string) (float64, bool) {
	s, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
