package obs

import "time"

// Clock abstracts time.Now so pipeline tests can control elapsed
// durations (used by the stage-timing and skip-repeat-window logic).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}
