package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"weather-bridge/internal/scheduler"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&CycleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// SaveCycle implements scheduler.Recorder.
func (d *Database) SaveCycle(c *scheduler.Cycle) error {
	rec := &CycleRecord{
		CycleID:           c.ID,
		StartedAt:         c.StartedAt,
		FinishedAt:        c.FinishedAt,
		DurationMs:        c.Duration().Milliseconds(),
		Provider:          c.Provider.Name,
		ServiceName:       c.Provider.ServiceName,
		Outcome:           string(c.Outcome),
		Error:             c.ErrorString(),
		CurrentPayload:    c.CurrentPayload,
		ForecastPayload:   c.ForecastPayload,
		MessagesWritten:   c.Written,
		LocationTruncated: c.Adjustments.LocationTruncated,
		NextWaitMs:        c.NextWait.Milliseconds(),
	}
	if cw := c.Current; cw != nil {
		rec.Timestamp = cw.Timestamp
		rec.Temperature = int16(cw.Temperature)
		rec.MinTemperature = int16(cw.MinTemperature)
		rec.MaxTemperature = int16(cw.MaxTemperature)
		rec.Location = cw.Location
		rec.Icon = cw.Icon.String()
		rec.Sunrise = int16(cw.Sunrise)
		rec.Sunset = int16(cw.Sunset)
	}
	if c.Forecast != nil {
		rec.ForecastDays = len(c.Forecast.Days)
	}

	return d.db.Create(rec).Error
}

func (d *Database) GetLatestCycle() (*CycleRecord, error) {
	var rec CycleRecord
	result := d.db.Order("started_at desc").First(&rec)
	if result.Error != nil {
		return nil, result.Error
	}
	return &rec, nil
}

func (d *Database) GetCycle(id string) (*CycleRecord, error) {
	var rec CycleRecord
	result := d.db.Where("cycle_id = ?", id).First(&rec)
	if result.Error != nil {
		return nil, result.Error
	}
	return &rec, nil
}

func (d *Database) GetCyclesWithLimit(limit int) ([]CycleRecord, error) {
	var recs []CycleRecord
	result := d.db.Order("started_at desc").Limit(limit).Find(&recs)
	if result.Error != nil {
		return nil, result.Error
	}
	return recs, nil
}

func (d *Database) GetCyclesByRange(from, to time.Time) ([]CycleRecord, error) {
	var recs []CycleRecord
	result := d.db.Where("started_at BETWEEN ? AND ?", from, to).
		Order("started_at desc").
		Find(&recs)
	if result.Error != nil {
		return nil, result.Error
	}
	return recs, nil
}

// GetProviderStats counts outcomes per provider since the given time.
func (d *Database) GetProviderStats(since time.Time) ([]ProviderStats, error) {
	var rows []struct {
		ServiceName string
		Outcome     string
		Count       int64
	}
	result := d.db.Model(&CycleRecord{}).
		Select("service_name, outcome, COUNT(*) AS count").
		Where("started_at >= ?", since).
		Group("service_name, outcome").
		Order("service_name").
		Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	var stats []ProviderStats
	index := make(map[string]int)
	for _, row := range rows {
		i, ok := index[row.ServiceName]
		if !ok {
			i = len(stats)
			index[row.ServiceName] = i
			stats = append(stats, ProviderStats{ServiceName: row.ServiceName})
		}
		switch scheduler.Outcome(row.Outcome) {
		case scheduler.OutcomeSucceeded:
			stats[i].Succeeded = row.Count
		case scheduler.OutcomeFailed:
			stats[i].Failed = row.Count
		case scheduler.OutcomeCancelled:
			stats[i].Cancelled = row.Count
		}
	}

	for i := range stats {
		var last CycleRecord
		err := d.db.Where("service_name = ? AND outcome = ?", stats[i].ServiceName, string(scheduler.OutcomeSucceeded)).
			Order("started_at desc").
			First(&last).Error
		if err == nil {
			stats[i].LastSuccess = last.StartedAt
		}
	}
	return stats, nil
}

// CleanOldCycles deletes cycles started before now minus olderThan and
// returns how many were removed.
func (d *Database) CleanOldCycles(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := d.db.Unscoped().Where("started_at < ?", cutoff).Delete(&CycleRecord{})
	return result.RowsAffected, result.Error
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
