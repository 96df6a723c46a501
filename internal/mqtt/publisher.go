package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"weather-bridge/internal/provider"
	"weather-bridge/internal/weather"
)

type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	deviceID    string
	enabled     bool
	logger      *zap.Logger
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// DeviceID names the wearable in topics and discovery.
	DeviceID string
	Enabled  bool
	Logger   *zap.Logger
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &Publisher{enabled: false, logger: logger}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		deviceID:    cfg.DeviceID,
		enabled:     true,
		logger:      logger,
	}, nil
}

// PublishWeather implements scheduler.Publisher.
func (p *Publisher) PublishWeather(src provider.WeatherProvider, cw weather.CurrentWeather, fc weather.Forecast) error {
	if !p.enabled {
		return nil
	}
	msgs, err := weatherMessages(p.topicPrefix, p.deviceID, src, cw, fc)
	if err != nil {
		return err
	}
	return p.send(msgs)
}

func (p *Publisher) PublishHomeAssistantDiscovery() error {
	if !p.enabled {
		return nil
	}
	msgs, err := discoveryMessages(p.topicPrefix, p.deviceID)
	if err != nil {
		return err
	}
	return p.send(msgs)
}

// send publishes every message and reports the last failure.
func (p *Publisher) send(msgs []message) error {
	var lastErr error
	for _, m := range msgs {
		token := p.client.Publish(m.topic, 0, m.retained, m.payload)
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Warn("Failed to publish", zap.String("topic", m.topic), zap.Error(err))
			lastErr = fmt.Errorf("failed to publish %s: %w", m.topic, err)
		}
	}
	return lastErr
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}

type stateForecastDay struct {
	MinTemperature float64 `json:"min_temperature_c"`
	MaxTemperature float64 `json:"max_temperature_c"`
	Icon           string  `json:"icon"`
}

type statePayload struct {
	Provider       string             `json:"provider"`
	Service        string             `json:"service"`
	Timestamp      int64              `json:"timestamp"`
	Temperature    float64            `json:"temperature_c"`
	MinTemperature float64            `json:"min_temperature_c"`
	MaxTemperature float64            `json:"max_temperature_c"`
	Location       string             `json:"location"`
	Icon           string             `json:"icon"`
	Sunrise        string             `json:"sunrise,omitempty"`
	Sunset         string             `json:"sunset,omitempty"`
	Forecast       []stateForecastDay `json:"forecast"`
}

func weatherMessages(prefix, device string, src provider.WeatherProvider, cw weather.CurrentWeather, fc weather.Forecast) ([]message, error) {
	topic := func(name string) string {
		return fmt.Sprintf("%s/%s/%s", prefix, device, name)
	}
	values := []struct {
		name  string
		value string
	}{
		{"temperature", formatCelsius(cw.Temperature)},
		{"temperature_min", formatCelsius(cw.MinTemperature)},
		{"temperature_max", formatCelsius(cw.MaxTemperature)},
		{"icon", cw.Icon.String()},
		{"location", cw.Location},
		{"sunrise", clock(cw.Sunrise)},
		{"sunset", clock(cw.Sunset)},
		{"provider", src.Name},
	}

	msgs := make([]message, 0, len(values)+1)
	for _, v := range values {
		msgs = append(msgs, message{topic: topic(v.name), payload: []byte(v.value)})
	}

	state := statePayload{
		Provider:       src.Name,
		Service:        src.ServiceName,
		Timestamp:      cw.Timestamp,
		Temperature:    cw.Temperature.Celsius(),
		MinTemperature: cw.MinTemperature.Celsius(),
		MaxTemperature: cw.MaxTemperature.Celsius(),
		Location:       cw.Location,
		Icon:           cw.Icon.String(),
		Sunrise:        clock(cw.Sunrise),
		Sunset:         clock(cw.Sunset),
		Forecast:       make([]stateForecastDay, 0, len(fc.Days)),
	}
	for _, d := range fc.Days {
		state.Forecast = append(state.Forecast, stateForecastDay{
			MinTemperature: d.MinTemperature.Celsius(),
			MaxTemperature: d.MaxTemperature.Celsius(),
			Icon:           d.Icon.String(),
		})
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	msgs = append(msgs, message{topic: topic("state"), payload: stateJSON, retained: true})
	return msgs, nil
}

func discoveryMessages(prefix, device string) ([]message, error) {
	sensors := []struct {
		Name        string
		ID          string
		Unit        string
		DeviceClass string
	}{
		{"Temperature", "temperature", "°C", "temperature"},
		{"Minimum Temperature", "temperature_min", "°C", "temperature"},
		{"Maximum Temperature", "temperature_max", "°C", "temperature"},
		{"Condition", "icon", "", ""},
		{"Location", "location", "", ""},
		{"Sunrise", "sunrise", "", ""},
		{"Sunset", "sunset", "", ""},
		{"Provider", "provider", "", ""},
	}

	msgs := make([]message, 0, len(sensors))
	for _, sensor := range sensors {
		config := map[string]interface{}{
			"name":        fmt.Sprintf("Weather Bridge %s", sensor.Name),
			"unique_id":   fmt.Sprintf("%s_%s", device, sensor.ID),
			"state_topic": fmt.Sprintf("%s/%s/%s", prefix, device, sensor.ID),
			"device": map[string]interface{}{
				"identifiers":  []string{device},
				"name":         "Weather Bridge " + device,
				"manufacturer": "Weather Bridge",
			},
		}
		if sensor.Unit != "" {
			config["unit_of_measurement"] = sensor.Unit
		}
		if sensor.DeviceClass != "" {
			config["device_class"] = sensor.DeviceClass
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, message{
			topic:    fmt.Sprintf("homeassistant/sensor/%s/%s/config", device, sensor.ID),
			payload:  payload,
			retained: true,
		})
	}
	return msgs, nil
}

func formatCelsius(t weather.Temperature) string {
	return strconv.FormatFloat(t.Celsius(), 'f', 2, 64)
}

// clock renders minutes since midnight as HH:MM, empty when unknown.
func clock(m weather.DayMinutes) string {
	if !m.Known() {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
