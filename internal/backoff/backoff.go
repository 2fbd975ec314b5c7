// Package backoff implements the connect-retry backoff discipline
// (initial 100ms, doubling, capped at 60s) on top of
// github.com/cenkalti/backoff/v4, and a jittered delay helper used when
// a server asks for a delayed retry without specifying how long to
// wait.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultInitial is the delay before the first retried connect
	// attempt.
	DefaultInitial = 100 * time.Millisecond

	// DefaultMax is the ceiling the doubling delay never exceeds.
	DefaultMax = 60 * time.Second
)

// Backoff tracks the current connect backoff for a single Peer. It is not
// safe for concurrent use; the Peer that owns it serializes access the
// same way it serializes all other connect-attempt bookkeeping.
type Backoff struct {
	eb          *backoff.ExponentialBackOff
	lastFailure time.Time
	armed       bool
}

// New returns a Backoff starting at initial and doubling up to max.
func New(initial, max time.Duration) *Backoff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // never give up on its own; the Queue decides when to stop retrying
	eb.Reset()

	return &Backoff{eb: eb}
}

// NewDefault returns a Backoff using the default bounds.
func NewDefault() *Backoff {
	return New(DefaultInitial, DefaultMax)
}

// Trip records a connection failure, doubling the next delay, and returns
// the delay to wait before the next connect attempt.
func (b *Backoff) Trip() time.Duration {
	b.lastFailure = time.Now()
	b.armed = true
	return b.eb.NextBackOff()
}

// Reset clears the backoff back to its initial delay, called from
// Peer.connection_success.
func (b *Backoff) Reset() {
	b.eb.Reset()
	b.armed = false
}

// Armed reports whether a failure has been recorded since the last Reset.
func (b *Backoff) Armed() bool { return b.armed }

// LastFailure returns the time of the most recent Trip, or the zero Time
// if none has occurred since the last Reset.
func (b *Backoff) LastFailure() time.Time { return b.lastFailure }

// ReadyAt returns the earliest time a new connect attempt may start,
// given the delay returned by the most recent Trip.
func (b *Backoff) ReadyAt(delay time.Duration) time.Time {
	if !b.armed {
		return time.Time{}
	}
	return b.lastFailure.Add(delay)
}
