// Open Peer Power - home automation kernel.
//
// This is the main entry point. It wires the kernel (event bus, state
// store, service registry, auth) to its outer surfaces: the REST API, the
// WebSocket gateway, the recorder, the audit trail and the optional MQTT
// bridge and InfluxDB sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/api"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/audit"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/auth"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/bridges/mqttbridge"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/database"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/influxdb"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/logging"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/mqtt"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/kernel"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/recorder"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/storage"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/wsapi"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// It returns when ctx is cancelled or the openpeerpower.stop service is
// called. Deferred cleanup runs in reverse start order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Open Peer Power",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	m := metrics.New()

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	k, err := kernel.New(kernel.Options{
		Version: version,
		Location: kernel.Location{
			Name:       cfg.Core.Name,
			Latitude:   cfg.Core.Latitude,
			Longitude:  cfg.Core.Longitude,
			Elevation:  cfg.Core.Elevation,
			TimeZone:   cfg.Core.TimeZone,
			UnitSystem: cfg.Core.UnitSystem,
		},
		Workers:            cfg.Kernel.Workers,
		ServiceCallTimeout: cfg.GetServiceCallTimeout(),
		AccessTokenTTL:     cfg.GetAccessTokenTTL(),
		LongLivedTokenTTL:  cfg.GetLongLivedTokenTTL(),
		Storage:            openStorage(cfg.Storage, db),
		Logger:             log,
		Metrics:            m,
	})
	if err != nil {
		return fmt.Errorf("creating kernel: %w", err)
	}
	if err := k.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if stopErr := k.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping kernel", "error", stopErr)
		}
	}()

	trail := audit.NewTrail(audit.NewSQLiteRepository(db.DB), k.Bus)
	trail.SetLogger(log)
	trail.Start()
	defer trail.Stop()

	_, err = auth.SeedOwner(ctx, k.Auth, k.Local, auth.OwnerSeed{
		Name:     cfg.Security.Owner.Name,
		Username: cfg.Security.Owner.Username,
		Password: cfg.Security.Owner.Password,
	}, log)
	if err != nil {
		return fmt.Errorf("seeding owner: %w", err)
	}

	health := map[string]api.HealthChecker{"database": db}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		health["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec = recorder.New(db, k.Bus, cfg.Recorder)
		rec.SetLogger(log)
		if influxClient != nil {
			rec.SetSink(influxClient)
		}
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("starting recorder: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
			defer cancel()
			if stopErr := rec.Stop(stopCtx); stopErr != nil {
				log.Error("error stopping recorder", "error", stopErr)
			}
		}()
		health["recorder"] = rec
		if err := k.AddComponent("recorder"); err != nil {
			log.Warn("registering recorder component", "error", err)
		}
	}

	if cfg.MQTT.Enabled {
		mqttClient, bridge, err := startMQTT(ctx, cfg.MQTT, k, log)
		if err != nil {
			return err
		}
		defer func() {
			bridge.Stop()
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		health["mqtt"] = mqttClient
	} else {
		log.Info("MQTT bridge disabled")
	}

	gateway := wsapi.New(k, cfg.WebSocket)
	gateway.SetLogger(log)
	gateway.SetMetrics(m)
	if rec != nil {
		gateway.SetHistory(rec)
	}

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		Security:  cfg.Security,
		Logger:    log,
		Kernel:    k,
		Metrics:   m,
		WebSocket: gateway,
		Health:    health,
		Audit:     trail,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case <-k.StopRequested():
		log.Info("stop requested by service call, cleaning up")
	}

	// HTTP and WebSocket clients are dropped together before the kernel stops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	var g errgroup.Group
	g.Go(server.Close)
	g.Go(func() error { return gateway.Shutdown(shutdownCtx) })
	if err := g.Wait(); err != nil {
		log.Error("error closing client surfaces", "error", err)
	}

	log.Info("Open Peer Power stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses OPP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("OPP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openStorage picks the document store backing auth data.
func openStorage(cfg config.StorageConfig, db *database.DB) storage.Store {
	if cfg.Backend == "file" {
		return storage.NewFileStore(cfg.Dir)
	}
	return storage.NewSQLiteStore(db)
}

// startMQTT connects to the broker and starts the bridge.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - cfg: MQTT configuration
//   - k: Running kernel to mirror
//   - log: Logger instance
//
// Returns:
//   - *mqtt.Client: Connected client, closed by the caller
//   - *mqttbridge.Bridge: Running bridge, stopped by the caller
//   - error: If the broker is unreachable or subscriptions fail
func startMQTT(ctx context.Context, cfg config.MQTTConfig, k *kernel.Kernel, log *logging.Logger) (*mqtt.Client, *mqttbridge.Bridge, error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT connected")
		k.Signals.Send(mqttbridge.SignalConnection, true)
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		k.Signals.Send(mqttbridge.SignalConnection, false)
	})

	bridge := mqttbridge.New(client, k, byte(cfg.QoS))
	bridge.SetLogger(log)
	if err := bridge.Start(ctx); err != nil {
		client.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	if err := k.AddComponent("mqtt"); err != nil {
		log.Warn("registering mqtt component", "error", err)
	}

	log.Info("MQTT bridge started",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
		"prefix", cfg.TopicPrefix,
	)
	return client, bridge, nil
}
