package proximity

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vistiles/server/internal/dispatcher"
)

// Listener receives pair events. ProximityChanged fires on transitions only,
// ProximityUpdated on every tick.
type Listener interface {
	ProximityChanged(p *Proximity)
	ProximityUpdated(p *Proximity)
}

// Sampler returns current footprints for both devices of a pair. ok is false
// when either device can no longer be resolved.
type Sampler func() (a, b Sample, ok bool)

var (
	transitionsOnce sync.Once
	transitions     metric.Int64Counter
)

func transitionCounter() metric.Int64Counter {
	transitionsOnce.Do(func() {
		m := otel.Meter("github.com/vistiles/server/internal/proximity")
		c, err := m.Int64Counter(
			"proximity.transitions",
			metric.WithDescription("Total proximity state transitions"),
		)
		if err != nil {
			return
		}
		transitions = c
	})
	return transitions
}

// Watch evaluates p on every interval until the returned func is called.
func Watch(s dispatcher.Scheduler, interval time.Duration, p *Proximity, sample Sampler, l Listener) dispatcher.CancelFunc {
	counter := transitionCounter()
	return s.Every(interval, func() {
		a, b, ok := sample()
		if !ok {
			return
		}
		if p.Evaluate(a, b) {
			if counter != nil {
				counter.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("state", p.State().String())))
			}
			l.ProximityChanged(p)
		}
		l.ProximityUpdated(p)
	})
}
