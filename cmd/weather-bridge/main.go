package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"weather-bridge/config"
	"weather-bridge/internal/api"
	"weather-bridge/internal/bluez"
	"weather-bridge/internal/bridge"
	"weather-bridge/internal/bus"
	"weather-bridge/internal/mapper"
	"weather-bridge/internal/mqtt"
	"weather-bridge/internal/protocol"
	"weather-bridge/internal/provider"
	"weather-bridge/internal/scheduler"
	"weather-bridge/internal/storage"
	"weather-bridge/internal/weather"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "weather-bridge",
		Short: "Desktop weather to wearable bridge",
		Long:  "Feeds weather from desktop providers on the session bus to an InfiniTime watch over Bluetooth LE",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(encodeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runtime holds what every command needs: config, logger and the bus side.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	conn     *bus.Conn
	registry *provider.Registry
	client   *provider.Client
	mapper   *mapper.Mapper
}

func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	m, err := cfg.Mapper.NewMapper()
	if err != nil {
		return nil, err
	}
	conn, err := bus.Connect(ctx, bus.Config{Address: cfg.Bus.Address, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		registry: provider.NewRegistry(provider.RegistryConfig{
			Bus:       conn,
			Allowlist: cfg.Providers.AllowlistProviders(),
			Logger:    logger,
		}),
		client: provider.NewClient(provider.ClientConfig{
			Caller:       conn,
			ObjectPath:   dbus.ObjectPath(cfg.Bus.ObjectPath),
			Interface:    cfg.Bus.Interface,
			UpdateSignal: cfg.Bus.UpdateSignal,
			Timeout:      cfg.Client.Timeout,
			Logger:       logger,
		}),
		mapper: m,
	}, nil
}

func (rt *runtime) Close() {
	rt.conn.Close()
	rt.logger.Sync()
}

func (rt *runtime) newScheduler(sink scheduler.Sink, recorder scheduler.Recorder, publisher scheduler.Publisher) *scheduler.Scheduler {
	cfg := rt.cfg.Scheduler
	s := scheduler.Config{
		Source:           rt.client,
		Sink:             sink,
		Mapper:           rt.mapper,
		Interval:         cfg.Interval,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		ForecastDays:     rt.cfg.Client.ForecastDays,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
		Recorder:         recorder,
		Publisher:        publisher,
		Logger:           rt.logger.Named("scheduler"),
	}
	return scheduler.New(s)
}

// pick returns the named provider, or the first one reachable.
func (rt *runtime) pick(ctx context.Context, args []string) (provider.WeatherProvider, error) {
	providers, err := rt.registry.ListProviders(ctx)
	if err != nil {
		return provider.WeatherProvider{}, err
	}
	if len(args) == 0 {
		if len(providers) == 0 {
			return provider.WeatherProvider{}, errors.New("no weather provider is running")
		}
		return providers[0], nil
	}
	for _, p := range providers {
		if p.ServiceName == args[0] {
			return p, nil
		}
	}
	return provider.WeatherProvider{}, fmt.Errorf("provider %s is not running", args[0])
}

// logSink stands in for the watch when device output is disabled.
type logSink struct {
	logger *zap.Logger
}

func (s logSink) Write(ctx context.Context, data []byte) error {
	s.logger.Info("Device output disabled, message not sent",
		zap.String("type", protocol.MessageTypeString(data[0])),
		zap.String("hex", hex.EncodeToString(data)))
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long:  "Watch for weather providers, keep the watch connected and send weather on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg, logger := rt.cfg, rt.logger

			var db *storage.Database
			var recorder scheduler.Recorder
			if cfg.Database.Enabled {
				db, err = storage.NewDatabase(cfg.Database.Path)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				defer db.Close()
				recorder = db
				logger.Info("Database opened", zap.String("path", cfg.Database.Path))

				if cfg.Database.Retention > 0 {
					retention, err := storage.NewRetention(db, cfg.Database.RetentionSchedule, cfg.Database.Retention, logger.Named("retention"))
					if err != nil {
						return err
					}
					retention.Start()
					defer retention.Stop()
				}
			}

			var publisher scheduler.Publisher
			pub, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				DeviceID:    cfg.MQTT.DeviceID,
				Enabled:     cfg.MQTT.Enabled,
				Logger:      logger.Named("mqtt"),
			})
			if err != nil {
				logger.Warn("MQTT connection failed", zap.Error(err))
			} else if cfg.MQTT.Enabled {
				defer pub.Close()
				publisher = pub
				if cfg.MQTT.Discovery {
					if err := pub.PublishHomeAssistantDiscovery(); err != nil {
						logger.Warn("Home Assistant discovery failed", zap.Error(err))
					}
				}
			}

			var sink scheduler.Sink = logSink{logger: logger.Named("device")}
			var device bridge.Device
			if cfg.Device.Enabled {
				watch := bluez.NewClient(bluez.ClientConfig{
					Adapter:            cfg.Device.Adapter,
					Address:            cfg.Device.Address,
					ServiceUUID:        cfg.Device.ServiceUUID,
					CharacteristicUUID: cfg.Device.CharacteristicUUID,
					Timeout:            cfg.Device.ConnectTimeout,
					Logger:             logger,
				})
				defer watch.Close()
				sink, device = watch, watch
			}

			b := bridge.New(bridge.Config{
				Registry:       rt.registry,
				Updates:        rt.client,
				Device:         device,
				Scheduler:      rt.newScheduler(sink, recorder, publisher),
				AutoSelect:     cfg.Providers.AutoSelect,
				Preferred:      cfg.Providers.Selected,
				RestartDelay:   cfg.Providers.RestartDelay,
				ReconnectDelay: cfg.Device.ReconnectDelay,
				Logger:         logger.Named("bridge"),
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return b.Run(gctx) })

			if cfg.API.Enabled {
				server := api.NewServer(api.ServerConfig{
					Port:     cfg.API.Port,
					Bridge:   b,
					Database: db,
					PersistSelection: func(service string) error {
						return config.SaveSelection(configFile, service)
					},
					Logger: logger.Named("api"),
				})
				g.Go(func() error {
					if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("API server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return server.Stop(shutdownCtx)
				})
			}

			logger.Info("Weather bridge started",
				zap.Bool("device", cfg.Device.Enabled),
				zap.Bool("api", cfg.API.Enabled),
				zap.Bool("mqtt", cfg.MQTT.Enabled))

			err = g.Wait()
			logger.Info("Shutting down")
			return err
		},
	}
}

func providersCmd() *cobra.Command {
	var details bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List running weather providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			providers, err := rt.registry.ListProviders(ctx)
			if err != nil {
				return err
			}
			if len(providers) == 0 {
				fmt.Println("No weather provider is running.")
				return nil
			}
			for _, p := range providers {
				fmt.Printf("%-16s %s\n", p.Name, p.ServiceName)
				if !details {
					continue
				}
				status, err := rt.client.FetchStatus(ctx, p)
				if err != nil {
					fmt.Printf("  status unavailable: %v\n", err)
					continue
				}
				location := status.Location
				if location == "" {
					location, _ = rt.client.FetchLocation(ctx, p)
				}
				fmt.Printf("  Location:    %s\n", location)
				fmt.Printf("  Last update: %s\n", time.Unix(status.LastUpdate, 0).Format(time.RFC3339))
				fmt.Printf("  Valid:       %t\n", status.IsValid)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&details, "details", "d", false, "query each provider's status properties")
	return cmd
}

type fetchOutput struct {
	Provider    provider.WeatherProvider `json:"provider"`
	Current     *weather.CurrentWeather  `json:"current"`
	Forecast    *weather.Forecast        `json:"forecast"`
	Adjustments mapper.Adjustments       `json:"adjustments"`
	Encoded     map[string]string        `json:"encoded,omitempty"`
}

func runOnce(cmd *cobra.Command, args []string, encode bool) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.pick(ctx, args)
	if err != nil {
		return err
	}
	cycle, err := rt.newScheduler(nil, nil, nil).Prepare(ctx, p)
	if err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}

	out := fetchOutput{
		Provider:    p,
		Current:     cycle.Current,
		Forecast:    cycle.Forecast,
		Adjustments: cycle.Adjustments,
	}
	if encode {
		if _, err := protocol.DecodeCurrent(cycle.CurrentPayload); err != nil {
			return fmt.Errorf("current message does not decode: %w", err)
		}
		if _, err := protocol.DecodeForecast(cycle.ForecastPayload); err != nil {
			return fmt.Errorf("forecast message does not decode: %w", err)
		}
		out.Encoded = map[string]string{
			"current":  hex.EncodeToString(cycle.CurrentPayload),
			"forecast": hex.EncodeToString(cycle.ForecastPayload),
		}
	}

	output, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(output))
	return nil
}

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [service]",
		Short: "Fetch and map weather once",
		Long:  "Query a provider once and print the normalized weather without sending it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, args, false)
		},
	}
}

func encodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode [service]",
		Short: "Fetch weather once and print the watch messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, args, true)
		},
	}
}
