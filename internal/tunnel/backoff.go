package tunnel

import "time"

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// Backoff is a capped exponential reconnect delay.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff() *Backoff {
	return &Backoff{Base: backoffBase, Max: backoffMax}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		return b.Max
	}
	b.attempt++
	return d
}

// Reset is called after a connection that completed authentication.
func (b *Backoff) Reset() {
	b.attempt = 0
}
