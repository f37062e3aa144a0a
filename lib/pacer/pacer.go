// Package pacer makes pacing and retrying API calls easy
package pacer

import (
	"context"
	"sync"
	"time"
)

// Pacer paces calls to a remote API. It limits the number of concurrent
// calls, enforces a minimum gap between call starts, and optionally retries
// calls whose error is judged retryable by the configured classifier.
type Pacer struct {
	pacerOptions
	mu         sync.Mutex    // protects lastCall
	connTokens chan struct{} // connection tokens
	lastCall   time.Time
}

type pacerOptions struct {
	maxConnections int                  // maximum number of concurrent calls
	minSleep       time.Duration        // minimum gap between call starts
	retries        int                  // extra attempts after the first
	retrySleep     time.Duration        // sleep between retry attempts
	shouldRetry    func(err error) bool // retry classifier, nil retries nothing
}

// Option can be used in New to configure the Pacer.
type Option func(*pacerOptions)

// MinSleep sets the minimum gap between call starts.
func MinSleep(t time.Duration) Option {
	return func(p *pacerOptions) { p.minSleep = t }
}

// MaxConnections sets the number of concurrent calls allowed.
func MaxConnections(n int) Option {
	return func(p *pacerOptions) { p.maxConnections = n }
}

// Retries sets the number of extra attempts after a retryable failure.
func Retries(n int) Option {
	return func(p *pacerOptions) { p.retries = n }
}

// RetrySleep sets the sleep between retry attempts.
func RetrySleep(t time.Duration) Option {
	return func(p *pacerOptions) { p.retrySleep = t }
}

// ShouldRetry sets the classifier deciding which errors are retried.
func ShouldRetry(f func(err error) bool) Option {
	return func(p *pacerOptions) { p.shouldRetry = f }
}

// New creates a Pacer with default values and executes the options.
func New(options ...Option) *Pacer {
	p := &Pacer{
		pacerOptions: pacerOptions{
			maxConnections: 8,
			minSleep:       100 * time.Millisecond,
			retrySleep:     time.Second,
		},
	}

	// apply custom options
	for _, option := range options {
		option(&p.pacerOptions)
	}

	p.connTokens = make(chan struct{}, p.maxConnections)
	// Fill the channel with maxConnections tokens
	for i := 0; i < p.maxConnections; i++ {
		p.connTokens <- struct{}{}
	}

	return p
}

// Call runs f in a paced way.
//
// It waits for a connection token and for the pacing gap to elapse, observes
// cancellation at both waits, then invokes f. When a retry classifier is
// configured, retryable failures are attempted again up to the configured
// count with the retry sleep in between. The error returned is the one from
// the last attempt.
func (p *Pacer) Call(ctx context.Context, f func() error) error {
	var err error
	for try := 0; try <= p.retries; try++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		select {
		case <-p.connTokens:
		case <-ctx.Done():
			return ctx.Err()
		}

		if err = p.waitGap(ctx); err != nil {
			p.connTokens <- struct{}{}
			return err
		}

		err = f()
		p.connTokens <- struct{}{}

		if err == nil || p.shouldRetry == nil || !p.shouldRetry(err) {
			return err
		}
		if try < p.retries {
			if serr := sleepCtx(ctx, p.retrySleep); serr != nil {
				return serr
			}
		}
	}
	return err
}

// waitGap sleeps until minSleep has elapsed since the previous call start.
func (p *Pacer) waitGap(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	gap := p.minSleep - now.Sub(p.lastCall)
	if gap < 0 {
		gap = 0
	}
	p.lastCall = now.Add(gap)
	p.mu.Unlock()

	if gap == 0 {
		return nil
	}
	return sleepCtx(ctx, gap)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
