package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"weather-bridge/internal/mapper"
	"weather-bridge/internal/provider"
	"weather-bridge/internal/weather"
)

const EnvPrefix = "WEATHER_BRIDGE"

type Config struct {
	Bus       BusConfig       `mapstructure:"bus"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Client    ClientConfig    `mapstructure:"client"`
	Mapper    MapperConfig    `mapstructure:"mapper"`
	Device    DeviceConfig    `mapstructure:"device"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	API       APIConfig       `mapstructure:"api"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

type BusConfig struct {
	// Address overrides the session bus address. Empty uses the environment.
	Address      string `mapstructure:"address"`
	Interface    string `mapstructure:"interface" validate:"required"`
	ObjectPath   string `mapstructure:"object_path" validate:"required,startswith=/"`
	UpdateSignal string `mapstructure:"update_signal" validate:"required"`
}

type AllowedProvider struct {
	Name    string `mapstructure:"name" validate:"required"`
	Service string `mapstructure:"service" validate:"required"`
}

type ProvidersConfig struct {
	Allowlist    []AllowedProvider `mapstructure:"allowlist" validate:"required,min=1,dive"`
	AutoSelect   bool              `mapstructure:"auto_select"`
	Selected     string            `mapstructure:"selected"`
	RestartDelay time.Duration     `mapstructure:"restart_delay" validate:"gt=0"`
}

type ClientConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ForecastDays int           `mapstructure:"forecast_days" validate:"gte=1,lte=5"`
}

type MapperConfig struct {
	// TimeZone converts Unix sunrise/sunset times. Empty means local time.
	TimeZone string `mapstructure:"time_zone"`
	// Conditions adds or replaces condition spellings, mapped to icon names.
	Conditions map[string]string `mapstructure:"conditions"`
}

// DeviceConfig selects the wearable. Disabled, payloads are only logged.
type DeviceConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Adapter            string        `mapstructure:"adapter" validate:"required"`
	Address            string        `mapstructure:"address" validate:"required_if=Enabled true,omitempty,mac"`
	ServiceUUID        string        `mapstructure:"service_uuid" validate:"required,uuid"`
	CharacteristicUUID string        `mapstructure:"characteristic_uuid" validate:"required,uuid"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
}

type SchedulerConfig struct {
	Interval         time.Duration `mapstructure:"interval" validate:"gt=0"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold" validate:"gte=1"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port" validate:"gte=1,lte=65535"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker" validate:"required_if=Enabled true"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	DeviceID    string `mapstructure:"device_id"`
	Discovery   bool   `mapstructure:"discovery"`
}

type DatabaseConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path" validate:"required_if=Enabled true"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.address", "")
	v.SetDefault("bus.interface", "org.freedesktop.Weather")
	v.SetDefault("bus.object_path", "/")
	v.SetDefault("bus.update_signal", "WeatherUpdated")
	v.SetDefault("providers.allowlist", []map[string]string{
		{"name": "KWeather", "service": "org.kde.kweather"},
		{"name": "GNOME Weather", "service": "org.gnome.Weather"},
	})
	v.SetDefault("providers.auto_select", true)
	v.SetDefault("providers.selected", "")
	v.SetDefault("providers.restart_delay", "5s")
	v.SetDefault("client.timeout", "10s")
	v.SetDefault("client.forecast_days", 5)
	v.SetDefault("mapper.time_zone", "")
	v.SetDefault("device.enabled", false)
	v.SetDefault("device.adapter", "hci0")
	v.SetDefault("device.address", "")
	v.SetDefault("device.service_uuid", "00050000-78fc-48fe-8e23-433b3a1942d0")
	v.SetDefault("device.characteristic_uuid", "00050001-78fc-48fe-8e23-433b3a1942d0")
	v.SetDefault("device.connect_timeout", "30s")
	v.SetDefault("device.reconnect_delay", "10s")
	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.backoff_base", "30s")
	v.SetDefault("scheduler.backoff_max", "15m")
	v.SetDefault("scheduler.breaker_threshold", 5)
	v.SetDefault("scheduler.breaker_timeout", "1m")
	v.SetDefault("api.port", 8046)
	v.SetDefault("api.enabled", true)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "weather-bridge")
	v.SetDefault("mqtt.client_id", "weather-bridge")
	v.SetDefault("mqtt.device_id", "infinitime")
	v.SetDefault("mqtt.discovery", true)
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", "./weather-bridge.db")
	v.SetDefault("database.retention", "720h")
	v.SetDefault("database.retention_schedule", "@daily")
}

// Load reads .env, the config file and WEATHER_BRIDGE_* variables, in
// increasing precedence, and validates the result.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/weather-bridge")
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Mapper.Location(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Mapper.ConditionOverrides(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (p ProvidersConfig) AllowlistProviders() provider.Allowlist {
	providers := make([]provider.WeatherProvider, 0, len(p.Allowlist))
	for _, a := range p.Allowlist {
		providers = append(providers, provider.WeatherProvider{Name: a.Name, ServiceName: a.Service})
	}
	return provider.NewAllowlist(providers...)
}

func (m MapperConfig) Location() (*time.Location, error) {
	if m.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(m.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("mapper.time_zone: %w", err)
	}
	return loc, nil
}

func (m MapperConfig) ConditionOverrides() (map[string]weather.Icon, error) {
	out := make(map[string]weather.Icon, len(m.Conditions))
	for code, name := range m.Conditions {
		var icon weather.Icon
		if err := icon.UnmarshalText([]byte(name)); err != nil {
			return nil, fmt.Errorf("mapper.conditions: %q: %w", code, err)
		}
		out[code] = icon
	}
	return out, nil
}

// NewMapper builds the mapper from the default condition table, the
// configured overrides and the time zone.
func (m MapperConfig) NewMapper() (*mapper.Mapper, error) {
	loc, err := m.Location()
	if err != nil {
		return nil, err
	}
	overrides, err := m.ConditionOverrides()
	if err != nil {
		return nil, err
	}
	return mapper.New(mapper.Config{
		Conditions: mapper.DefaultConditions().With(overrides),
		Location:   loc,
	}), nil
}

// SaveSelection persists the selected provider into the config file.
func SaveSelection(configPath, serviceName string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	v.Set("providers.selected", serviceName)
	return v.WriteConfigAs(configPath)
}
