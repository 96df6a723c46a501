package mapper

import (
	"strings"

	"golang.org/x/text/cases"

	"weather-bridge/internal/weather"
)

// Conditions is an immutable, case-insensitive lookup table from source
// condition spellings to icons.
type Conditions struct {
	table       map[string]weather.Icon
	defaultIcon weather.Icon
}

func NewConditions(entries map[string]weather.Icon, defaultIcon weather.Icon) Conditions {
	c := Conditions{table: make(map[string]weather.Icon, len(entries)), defaultIcon: defaultIcon}
	for code, icon := range entries {
		if key := normalizeCondition(code); key != "" && icon.Valid() {
			c.table[key] = icon
		}
	}
	return c
}

// With returns a copy of c with extra entries. Existing spellings are
// replaced.
func (c Conditions) With(entries map[string]weather.Icon) Conditions {
	merged := make(map[string]weather.Icon, len(c.table)+len(entries))
	for k, v := range c.table {
		merged[k] = v
	}
	for k, v := range entries {
		if key := normalizeCondition(k); key != "" && v.Valid() {
			merged[key] = v
		}
	}
	return Conditions{table: merged, defaultIcon: c.defaultIcon}
}

func (c Conditions) Lookup(code string) (weather.Icon, bool) {
	icon, ok := c.table[normalizeCondition(code)]
	return icon, ok
}

func (c Conditions) Default() weather.Icon {
	return c.defaultIcon
}

func (c Conditions) Len() int {
	return len(c.table)
}

// normalizeCondition folds case and treats spaces and underscores like
// hyphens, so "Few Clouds", "few_clouds" and "FEW-CLOUDS" are one key.
func normalizeCondition(code string) string {
	code = cases.Fold().String(strings.TrimSpace(code))
	code = strings.Map(func(r rune) rune {
		if r == ' ' || r == '_' {
			return '-'
		}
		return r
	}, code)
	return strings.Join(strings.FieldsFunc(code, func(r rune) bool { return r == '-' }), "-")
}

// DefaultConditions covers OpenWeatherMap codes and slugs, freedesktop
// icon names and common plain-language descriptions.
func DefaultConditions() Conditions {
	groups := map[weather.Icon][]string{
		weather.IconClearSky: {
			"clear", "clear-sky", "sunny", "sun", "fair", "mostly-clear", "clear-night",
			"01d", "01n", "weather-clear", "weather-clear-night",
		},
		weather.IconFewClouds: {
			"few-clouds", "partly-cloudy", "partly-sunny", "mostly-sunny",
			"partly-cloudy-day", "partly-cloudy-night",
			"02d", "02n", "weather-few-clouds", "weather-few-clouds-night",
		},
		weather.IconClouds: {
			"clouds", "cloudy", "scattered-clouds", "mostly-cloudy",
			"03d", "03n",
		},
		weather.IconHeavyClouds: {
			"broken-clouds", "overcast", "overcast-clouds", "heavy-clouds",
			"04d", "04n", "weather-overcast",
		},
		weather.IconLightRain: {
			"light-rain", "drizzle", "light-drizzle", "shower-rain", "showers",
			"light-showers", "scattered-showers",
			"09d", "09n", "weather-showers-scattered",
		},
		weather.IconRain: {
			"rain", "rainy", "moderate-rain", "heavy-rain", "freezing-rain",
			"10d", "10n", "weather-showers",
		},
		weather.IconThunderstorm: {
			"thunderstorm", "thunderstorms", "thunder", "storm",
			"11d", "11n", "weather-storm",
		},
		weather.IconSnow: {
			"snow", "light-snow", "heavy-snow", "snow-showers", "sleet",
			"13d", "13n", "weather-snow",
		},
		weather.IconFog: {
			"fog", "foggy", "mist", "haze", "smog", "dust",
			"50d", "50n", "weather-fog",
		},
	}
	entries := make(map[string]weather.Icon)
	for icon, codes := range groups {
		for _, code := range codes {
			entries[code] = icon
		}
	}
	return NewConditions(entries, weather.DefaultIcon)
}
