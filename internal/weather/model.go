package weather

import (
	"math"
	"unicode/utf8"
)

const (
	// MaxLocationBytes leaves room for the terminator in the 32 byte location field.
	MaxLocationBytes = 31
	MaxForecastDays  = 5
)

// Temperature is a fixed-point Celsius value scaled by 100.
type Temperature int16

// CelsiusToFixed rounds half away from zero and clamps to the int16 range.
func CelsiusToFixed(celsius float64) Temperature {
	scaled := math.Round(celsius * 100)
	switch {
	case math.IsNaN(scaled):
		return 0
	case scaled > math.MaxInt16:
		return math.MaxInt16
	case scaled < math.MinInt16:
		return math.MinInt16
	}
	return Temperature(scaled)
}

func (t Temperature) Celsius() float64 {
	return float64(t) / 100
}

// DayMinutes is a time of day as minutes since local midnight.
type DayMinutes int16

// UnknownMinutes marks an absent sunrise or sunset. Zero is midnight.
const UnknownMinutes DayMinutes = -1

const minutesPerDay = 24 * 60

func (m DayMinutes) Known() bool {
	return m >= 0 && m < minutesPerDay
}

// MinutesOf returns the minutes value, or UnknownMinutes when out of 0..1439.
func MinutesOf(v int64) DayMinutes {
	if v < 0 || v >= minutesPerDay {
		return UnknownMinutes
	}
	return DayMinutes(v)
}

type CurrentWeather struct {
	Timestamp      int64       `json:"timestamp"`
	Temperature    Temperature `json:"temperature"`
	MinTemperature Temperature `json:"min_temperature"`
	MaxTemperature Temperature `json:"max_temperature"`
	Location       string      `json:"location"`
	Icon           Icon        `json:"icon"`
	Sunrise        DayMinutes  `json:"sunrise"`
	Sunset         DayMinutes  `json:"sunset"`
}

type DayForecast struct {
	MinTemperature Temperature `json:"min_temperature"`
	MaxTemperature Temperature `json:"max_temperature"`
	Icon           Icon        `json:"icon"`
}

type Forecast struct {
	Timestamp int64         `json:"timestamp"`
	Days      []DayForecast `json:"days"`
}

// TruncateLocation cuts s to at most MaxLocationBytes without splitting a
// UTF-8 sequence. Invalid bytes are dropped first so the result is always
// valid UTF-8. The second return reports whether anything was cut.
func TruncateLocation(s string) (string, bool) {
	truncated := false
	if !utf8.ValidString(s) {
		s = toValidUTF8(s)
		truncated = true
	}
	if len(s) <= MaxLocationBytes {
		return s, truncated
	}
	end := MaxLocationBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end], true
}

func toValidUTF8(s string) string {
	out := make([]byte, 0, len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			out = append(out, s[:size]...)
		}
		s = s[size:]
	}
	return string(out)
}
