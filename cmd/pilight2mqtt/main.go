// pilight2mqtt bridges a pilight daemon to an MQTT broker.
//
// Device updates pushed by pilight are published as
// {root}/status/{device}/{STATE|HUMIDITY|TEMPERATURE}; messages on
// {root}/set/{device}/STATE switch the device. When no pilight server is
// given the daemon is located with an SSDP search.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/pilight2mqtt/internal/bridges/pilight"
	"github.com/nerrad567/pilight2mqtt/internal/discovery"
	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/config"
	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/pilight2mqtt/internal/process"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// envConfigPath names the environment variable holding the config file path.
	envConfigPath = "PILIGHT2MQTT_CONFIG"

	// shutdownQuiesce is the MQTT disconnect grace period, in milliseconds,
	// when run exits before the bridge has disconnected.
	shutdownQuiesce = 250
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	cancel()
	os.Exit(pilight.ExitCode(err))
}

// options holds the parsed command line.
type options struct {
	configPath    string
	mqttServer    string
	mqttPort      int
	mqttTopic     string
	pilightServer string
	pilightPort   int
	pidFile       string
	debug         bool
	verbose       bool
	showVersion   bool

	flags *pflag.FlagSet
}

// parseFlags parses args. It returns pflag.ErrHelp after printing usage
// for -h/--help.
func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}

	fs := pflag.NewFlagSet("pilight2mqtt", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file (default: $"+envConfigPath+")")
	fs.StringVar(&opts.mqttServer, "mqtt-server", "localhost", "address of the MQTT server to talk to")
	fs.IntVar(&opts.mqttPort, "mqtt-port", 1883, "port of the MQTT server to talk to")
	fs.StringVar(&opts.mqttTopic, "mqtt-topic", pilight.DefaultTopicRoot, "MQTT topic root to use")
	fs.StringVar(&opts.pilightServer, "pilight-server", "", "address of the pilight server; discovered via SSDP when empty")
	fs.IntVar(&opts.pilightPort, "pilight-port", 5001, "port of the pilight server, only used with --pilight-server")
	fs.StringVar(&opts.pidFile, "pid-file", "", "path to PID file")
	fs.BoolVar(&opts.debug, "debug", false, "log at debug level")
	fs.BoolVar(&opts.verbose, "verbose", false, "log at info level")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	opts.flags = fs
	return opts, nil
}

// changed reports whether the named flag was given on the command line.
func (o *options) changed(name string) bool {
	return o.flags != nil && o.flags.Changed(name)
}

// configFile returns the config path from --config or the environment.
func (o *options) configFile() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv(envConfigPath)
}

// applyFlags overrides cfg with flags given on the command line. Flags
// left at their defaults never override file or environment values.
func applyFlags(cfg *config.Config, o *options) {
	if o.changed("mqtt-server") {
		cfg.MQTT.Broker.Host = o.mqttServer
	}
	if o.changed("mqtt-port") {
		cfg.MQTT.Broker.Port = o.mqttPort
	}
	if o.changed("mqtt-topic") {
		cfg.MQTT.TopicRoot = o.mqttTopic
	}
	if o.changed("pilight-server") {
		cfg.Hub.Host = o.pilightServer
		if o.changed("pilight-port") {
			cfg.Hub.Port = o.pilightPort
		}
	}
	if o.changed("pid-file") {
		cfg.PIDFile = o.pidFile
	}

	switch {
	case o.debug:
		cfg.Logging.Level = "debug"
	case o.verbose:
		cfg.Logging.Level = "info"
	}

	// A managed daemon listens locally.
	if cfg.Daemon.Managed && cfg.Hub.Host == "" {
		cfg.Hub.Host = "127.0.0.1"
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "pilight2mqtt %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load(opts.configFile())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(cfg.Logging, version)
	log.Info("starting pilight2mqtt",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", opts.configFile(),
	)

	if cfg.PIDFile != "" {
		if err := process.CheckPIDFile(cfg.PIDFile); err != nil {
			return err
		}
		if err := process.WritePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer func() {
			if rmErr := process.RemovePIDFile(cfg.PIDFile); rmErr != nil {
				log.Warn("error removing pid file", "path", cfg.PIDFile, "error", rmErr)
			}
		}()
	}

	if cfg.Daemon.Managed {
		sup, startErr := startDaemon(ctx, cfg, log)
		if startErr != nil {
			return fmt.Errorf("starting pilight-daemon: %w", startErr)
		}
		defer func() {
			log.Info("stopping pilight-daemon")
			if stopErr := sup.Stop(); stopErr != nil {
				log.Error("error stopping pilight-daemon", "error", stopErr)
			}
		}()
	}

	if cfg.Hub.Host == "" {
		if err := resolveHub(ctx, cfg, log); err != nil {
			return err
		}
	}

	mqttClient, err := mqtt.ConnectWithLogger(cfg.MQTT, log)
	if err != nil {
		return fmt.Errorf("%w: %w", pilight.ErrBusConnect, err)
	}
	mqttAdapter := &mqttBridgeAdapter{client: mqttClient, log: log}
	defer mqttAdapter.Disconnect(shutdownQuiesce)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	var recorder pilight.StatsRecorder
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorder = &influxStatsRecorder{client: influxClient}
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	session := pilight.NewSession(ctx, pilight.SessionConfig{
		Address:        cfg.HubAddress(),
		UUID:           cfg.Hub.UUID,
		ReadTimeout:    cfg.Hub.ReadTimeout,
		ConnectTimeout: cfg.Hub.ConnectTimeout,
		ControlTimeout: cfg.Hub.ControlTimeout,
		Reconnect: pilight.ReconnectPolicy{
			InitialDelay: cfg.Hub.Reconnect.InitialDelay,
			MaxDelay:     cfg.Hub.Reconnect.MaxDelay,
			MaxAttempts:  cfg.Hub.Reconnect.MaxAttempts,
		},
	}, log.With("component", "session"))

	bridge, err := pilight.NewBridge(pilight.BridgeOptions{
		Config: pilight.Config{
			TopicRoot:      cfg.MQTT.TopicRoot,
			QoS:            byte(cfg.MQTT.QoS),
			Retain:         cfg.MQTT.Retain,
			AutoReconnect:  cfg.Hub.Reconnect.Enabled,
			CommandTimeout: cfg.Hub.ControlTimeout,
			HealthTopic:    mqttClient.Topics().BridgeHealth(),
			HealthInterval: cfg.Health.Interval,
			Version:        version,
		},
		MQTTClient:    mqttAdapter,
		Hub:           session,
		Logger:        log,
		StatsRecorder: recorder,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Run(ctx); err != nil {
		return err
	}
	log.Info("pilight2mqtt stopped")
	return nil
}

// resolveHub fills in the hub address from an SSDP search.
func resolveHub(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("no pilight server configured, searching", "service", cfg.Discovery.ServiceType)

	loc, err := discovery.Discover(ctx, discovery.Config{
		ServiceType:      cfg.Discovery.ServiceType,
		MulticastAddress: cfg.Discovery.MulticastAddress,
		Timeout:          cfg.Discovery.Timeout,
		Retries:          cfg.Discovery.Retries,
	})
	if err != nil {
		return fmt.Errorf("discovering pilight server: %w", err)
	}

	cfg.Hub.Host = loc.Host
	cfg.Hub.Port = loc.Port
	log.Info("pilight server discovered", "address", loc.String())
	return nil
}

// startDaemon launches pilight-daemon under supervision and waits until
// its socket accepts connections.
func startDaemon(ctx context.Context, cfg *config.Config, log *logging.Logger) (*process.Supervisor, error) {
	sup := process.NewSupervisor(process.Config{
		Name:               "pilight-daemon",
		Binary:             cfg.Daemon.Binary,
		Args:               cfg.Daemon.Args,
		RestartOnFailure:   cfg.Daemon.RestartOnFailure,
		RestartDelay:       cfg.Daemon.RestartDelay,
		MaxRestartAttempts: cfg.Daemon.MaxRestartAttempts,
		ReadyFunc:          process.DialReady(cfg.HubAddress()),
		StartupTimeout:     cfg.Daemon.StartupDelay,
		OnExit: func(err error) {
			if err != nil {
				log.Warn("pilight-daemon exited", "error", err)
			}
		},
	})
	sup.SetLogger(log.With("component", "pilight-daemon"))

	log.Info("starting pilight-daemon", "binary", cfg.Daemon.Binary, "address", cfg.HubAddress())
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("pilight-daemon started", "pid", sup.PID())
	return sup, nil
}
