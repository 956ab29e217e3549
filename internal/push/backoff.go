package push

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// backoff yields reconnect delays: base, base*factor, ... capped at max.
// Once the cap is reached every further delay is max. Not safe for
// concurrent use; owned by the reconnect loop.
type backoff struct {
	initial wait.Backoff
	current wait.Backoff
}

func newBackoff(base, max time.Duration, factor float64) *backoff {
	b := wait.Backoff{
		Duration: base,
		Factor:   factor,
		Cap:      max,
		// Steps only bounds growth; Step keeps returning Cap afterwards.
		Steps: 1 << 30,
	}
	return &backoff{initial: b, current: b}
}

// Next returns the delay to wait now and grows the following one.
func (b *backoff) Next() time.Duration {
	return b.current.Step()
}

// Current returns the delay Next would return.
func (b *backoff) Current() time.Duration {
	return b.current.Duration
}

// Reset returns to the base delay after a successful open.
func (b *backoff) Reset() {
	b.current = b.initial
}
