package storage

import (
	"time"

	"gorm.io/gorm"
)

type CycleRecord struct {
	gorm.Model
	CycleID     string    `gorm:"uniqueIndex;size:36" json:"cycle_id"`
	StartedAt   time.Time `gorm:"index" json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMs  int64     `json:"duration_ms"`
	Provider    string    `json:"provider"`
	ServiceName string    `gorm:"index" json:"service_name"`
	Outcome     string    `gorm:"index" json:"outcome"`
	Error       string    `json:"error,omitempty"`

	// Canonical values, Celsius x100 and minutes since midnight
	Timestamp      int64  `json:"timestamp"`
	Temperature    int16  `json:"temperature"`
	MinTemperature int16  `json:"min_temperature"`
	MaxTemperature int16  `json:"max_temperature"`
	Location       string `json:"location"`
	Icon           string `json:"icon"`
	Sunrise        int16  `json:"sunrise"`
	Sunset         int16  `json:"sunset"`
	ForecastDays   int    `json:"forecast_days"`

	// Encoded messages as sent
	CurrentPayload  []byte `json:"current_payload,omitempty"`
	ForecastPayload []byte `json:"forecast_payload,omitempty"`
	MessagesWritten int    `json:"messages_written"`

	LocationTruncated bool  `json:"location_truncated"`
	NextWaitMs        int64 `json:"next_wait_ms"`
}

type ProviderStats struct {
	ServiceName string    `json:"service_name"`
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	Cancelled   int64     `json:"cancelled"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}
