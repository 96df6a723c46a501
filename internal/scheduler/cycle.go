package scheduler

import (
	"time"

	"weather-bridge/internal/mapper"
	"weather-bridge/internal/provider"
	"weather-bridge/internal/weather"
)

type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Phase is the step a running scheduler is in.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseFetching
	PhaseEncoding
	PhaseTransmitting
	PhaseWaiting
)

func (p Phase) String() string {
	switch p {
	case PhaseFetching:
		return "fetching"
	case PhaseEncoding:
		return "encoding"
	case PhaseTransmitting:
		return "transmitting"
	case PhaseWaiting:
		return "waiting"
	default:
		return "none"
	}
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Cycle is the result of one fetch, map, encode and transmit pass.
type Cycle struct {
	ID         string
	Provider   provider.WeatherProvider
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Err        error

	Current     *weather.CurrentWeather
	Forecast    *weather.Forecast
	Adjustments mapper.Adjustments

	// Encoded messages. Nil unless encoding completed.
	CurrentPayload  []byte
	ForecastPayload []byte
	// Messages fully written to the device.
	Written int

	// Wait scheduled before the next cycle.
	NextWait time.Duration
}

func (c *Cycle) Duration() time.Duration {
	return c.FinishedAt.Sub(c.StartedAt)
}

func (c *Cycle) ErrorString() string {
	if c.Err == nil {
		return ""
	}
	return c.Err.Error()
}

// Status is a snapshot of the scheduler.
type Status struct {
	State     State
	Phase     Phase
	Provider  *provider.WeatherProvider
	Failures  int
	NextRun   time.Time
	LastCycle *Cycle
}
