package mapper

import (
	"fmt"
	"math"
	"time"

	"weather-bridge/internal/provider"
	"weather-bridge/internal/weather"
)

// Keys recognized in provider records. Aliases follow the primary name.
var (
	keyTimestamp   = []string{"timestamp"}
	keyTemperature = []string{"temperature"}
	keyMin         = []string{"temperatureMin", "min_temperature"}
	keyMax         = []string{"temperatureMax", "max_temperature"}
	keyLocation    = []string{"location"}
	keyCondition   = []string{"weatherCode", "icon_code", "weatherDescription"}
	keySunrise     = []string{"sunrise"}
	keySunset      = []string{"sunset"}
)

// Mapper turns raw provider records into the canonical model. It is a pure
// function of its inputs and configuration.
type Mapper struct {
	conditions Conditions
	location   *time.Location
}

type Config struct {
	Conditions Conditions
	// Location is the time zone sunrise and sunset Unix times are
	// converted in. Nil means time.Local.
	Location *time.Location
}

func New(cfg Config) *Mapper {
	m := &Mapper{conditions: cfg.Conditions, location: cfg.Location}
	if m.conditions.table == nil {
		m.conditions = DefaultConditions()
	}
	if m.location == nil {
		m.location = time.Local
	}
	return m
}

// Adjustments lists the lossy but non-fatal changes made while mapping.
type Adjustments struct {
	LocationTruncated bool     `json:"location_truncated,omitempty"`
	DaysDropped       int      `json:"days_dropped,omitempty"`
	Clamped           []string `json:"clamped,omitempty"`
	UnknownConditions []string `json:"unknown_conditions,omitempty"`
}

func (a Adjustments) Empty() bool {
	return !a.LocationTruncated && a.DaysDropped == 0 && len(a.Clamped) == 0 && len(a.UnknownConditions) == 0
}

func (m *Mapper) Current(rec provider.Record) (weather.CurrentWeather, Adjustments, error) {
	var adj Adjustments

	ts, ok := integer(rec, keyTimestamp...)
	if !ok {
		return weather.CurrentWeather{}, adj, provider.Missing("timestamp")
	}
	temp, ok := m.temperature(rec, &adj, keyTemperature...)
	if !ok {
		return weather.CurrentWeather{}, adj, provider.Missing("temperature")
	}

	cw := weather.CurrentWeather{
		Timestamp:      ts,
		Temperature:    temp,
		MinTemperature: temp,
		MaxTemperature: temp,
		Icon:           m.icon(rec, &adj),
		Sunrise:        m.minutes(rec, keySunrise...),
		Sunset:         m.minutes(rec, keySunset...),
	}
	if v, ok := m.temperature(rec, &adj, keyMin...); ok {
		cw.MinTemperature = v
	}
	if v, ok := m.temperature(rec, &adj, keyMax...); ok {
		cw.MaxTemperature = v
	}
	if v, _, ok := rec.Lookup(keyLocation...); ok {
		if s, ok := v.AsString(); ok {
			cw.Location, adj.LocationTruncated = weather.TruncateLocation(s)
		}
	}
	return cw, adj, nil
}

// Forecast maps at most MaxForecastDays records in source order. The
// forecast timestamp comes from the first record, else fetchedAt.
func (m *Mapper) Forecast(records []provider.Record, fetchedAt time.Time) (weather.Forecast, Adjustments, error) {
	var adj Adjustments

	fc := weather.Forecast{Timestamp: fetchedAt.Unix()}
	if len(records) > 0 {
		if ts, ok := integer(records[0], keyTimestamp...); ok {
			fc.Timestamp = ts
		}
	}

	n := len(records)
	if n > weather.MaxForecastDays {
		adj.DaysDropped = n - weather.MaxForecastDays
		n = weather.MaxForecastDays
	}
	fc.Days = make([]weather.DayForecast, 0, n)
	for i, rec := range records[:n] {
		day, err := m.day(rec, &adj)
		if err != nil {
			return weather.Forecast{}, adj, fmt.Errorf("forecast day %d: %w", i, err)
		}
		fc.Days = append(fc.Days, day)
	}
	return fc, adj, nil
}

func (m *Mapper) day(rec provider.Record, adj *Adjustments) (weather.DayForecast, error) {
	lo, hasMin := m.temperature(rec, adj, keyMin...)
	hi, hasMax := m.temperature(rec, adj, keyMax...)
	switch {
	case hasMin && !hasMax:
		hi = lo
	case hasMax && !hasMin:
		lo = hi
	case !hasMin && !hasMax:
		t, ok := m.temperature(rec, adj, keyTemperature...)
		if !ok {
			return weather.DayForecast{}, provider.Missing("temperatureMin")
		}
		lo, hi = t, t
	}
	return weather.DayForecast{
		MinTemperature: lo,
		MaxTemperature: hi,
		Icon:           m.icon(rec, adj),
	}, nil
}

func (m *Mapper) temperature(rec provider.Record, adj *Adjustments, keys ...string) (weather.Temperature, bool) {
	v, key, ok := rec.Lookup(keys...)
	if !ok {
		return 0, false
	}
	celsius, ok := v.Float()
	if !ok {
		return 0, false
	}
	if scaled := math.Round(celsius * 100); scaled > math.MaxInt16 || scaled < math.MinInt16 {
		adj.Clamped = append(adj.Clamped, key)
	}
	return weather.CelsiusToFixed(celsius), true
}

// icon tries each condition key in turn and falls back to the table default.
func (m *Mapper) icon(rec provider.Record, adj *Adjustments) weather.Icon {
	var unknown string
	for _, key := range keyCondition {
		v, ok := rec[key]
		if !ok {
			continue
		}
		code, ok := v.AsString()
		if !ok || code == "" {
			continue
		}
		if icon, ok := m.conditions.Lookup(code); ok {
			return icon
		}
		if unknown == "" {
			unknown = code
		}
	}
	if unknown != "" {
		adj.UnknownConditions = append(adj.UnknownConditions, unknown)
	}
	return m.conditions.Default()
}

// minutes accepts minutes since midnight (0..1439) or a Unix time.
func (m *Mapper) minutes(rec provider.Record, keys ...string) weather.DayMinutes {
	v, ok := integer(rec, keys...)
	if !ok || v < 0 {
		return weather.UnknownMinutes
	}
	if v < 24*60 {
		return weather.MinutesOf(v)
	}
	t := time.Unix(v, 0).In(m.location)
	return weather.MinutesOf(int64(t.Hour()*60 + t.Minute()))
}

func integer(rec provider.Record, keys ...string) (int64, bool) {
	v, _, ok := rec.Lookup(keys...)
	if !ok {
		return 0, false
	}
	return v.Integer()
}
