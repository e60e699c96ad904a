// Package ratelimit provides an adaptive rate-limiting middleware for any
// model.Client. It wraps a client with an AIMD-style token bucket that backs
// off when the provider returns model.ErrRateLimited and probes back up to
// its configured ceiling on sustained success.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/codeevolver/evolver/model"
)

// AdaptiveLimiter applies an AIMD token bucket in front of a model.Client.
// cmd/evolver constructs one instance per backend and shares it across every
// client built for that backend; the limiter is process-local.
type AdaptiveLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// New constructs an AdaptiveLimiter with an initial tokens-per-minute budget
// and an upper bound. maxTPM is clamped to at least initialTPM.
func New(initialTPM, maxTPM float64) *AdaptiveLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a model.Client that enforces this limiter in front of next.
func (l *AdaptiveLimiter) Wrap(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    model.Client
	limiter *AdaptiveLimiter
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (c *limitedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.next.Embed(ctx, text)
}

func (l *AdaptiveLimiter) wait(ctx context.Context, req *model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setLimit(newTPM)
}

func (l *AdaptiveLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setLimit(newTPM)
}

// setLimit must be called with l.mu held.
func (l *AdaptiveLimiter) setLimit(newTPM float64) {
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript, at 1 token per ~4 characters, with a floor so tiny
// requests still incur limiter cost.
func estimateTokens(req *model.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Text)
	}
	if charCount <= 0 {
		return 500
	}
	return charCount/4 + 64
}
