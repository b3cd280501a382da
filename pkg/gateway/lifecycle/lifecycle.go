package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// It is used for readiness draining during graceful shutdown.
type Lifecycle struct {
	draining atomic.Bool
	started  atomic.Int64
}

func New(now time.Time) *Lifecycle {
	l := &Lifecycle{}
	l.started.Store(now.UnixNano())
	return l
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero when the start time was never recorded.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	started := l.started.Load()
	if started == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, started))
}
