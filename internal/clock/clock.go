package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies "now" to the callers that are allowed to read wall time.
// Engine operations take now explicitly; only the outer command surface and
// the tick driver read a Clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
