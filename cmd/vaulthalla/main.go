package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/control"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/fsops"
	vfuse "github.com/vaulthalla/vaulthalla/internal/fuse"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/notify"
	"github.com/vaulthalla/vaulthalla/internal/registry"
	"github.com/vaulthalla/vaulthalla/internal/storage"
	vsync "github.com/vaulthalla/vaulthalla/internal/sync"
	"github.com/vaulthalla/vaulthalla/internal/workerpool"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "/etc/vaulthalla/vaulthalla.yaml", "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vaulthalla %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logs := logging.NewRegistry(cfg.Logging.Level, cfg.Logging.Levels)
	log := logs.Get("core")

	if err := run(cfg, logs, log); err != nil {
		log.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logs *logging.Registry, log *slog.Logger) error {
	// Top-level shutdown: SIGTERM/SIGINT cancel the context; worker loops
	// observe it between tasks.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	provider, err := masterKeyProvider(cfg)
	if err != nil {
		return fmt.Errorf("master key provider: %w", err)
	}

	store, err := metadata.Open(cfg.Database.Path, metadata.Options{
		PoolSize:       cfg.Database.PoolSize,
		AcquireTimeout: time.Duration(cfg.Database.AcquireTimeoutSecs) * time.Second,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	manager := storage.NewManager(store, provider, cfg, logs.Get(logging.Storage))
	if err := manager.LoadVaults(ctx); err != nil {
		return err
	}
	defer manager.Close()

	reg := registry.New()
	ops := fsops.New(store, manager, reg, logs.Get(logging.Storage))
	pool := workerpool.New(0)
	defer pool.Stop()

	bridge := vfuse.NewBridge(ops, reg, pool, cfg, logs.Get(logging.Fuse))
	if err := bridge.Mount(cfg.Fuse.RootMountPath, cfg.Fuse.AllowOther); err != nil {
		return err
	}
	defer bridge.Unmount()

	dispatcher := notify.NewDispatcher(cfg.Notifications, logs.Get(logging.Sync))
	registerNotifyBackends(dispatcher, cfg, logs.Get(logging.Sync))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	syncEngine := vsync.NewEngine(store, ops, pool, logs.Get(logging.Sync))
	controller := vsync.NewController(store, syncEngine, manager, vsync.ControllerConfig{
		Interval:       time.Duration(cfg.Sync.IntervalSecs) * time.Second,
		HeartbeatEvery: time.Duration(cfg.Sync.HeartbeatSecs) * time.Second,
		StallThreshold: time.Duration(cfg.Sync.StallThresholdSecs) * time.Second,
		MaxRetries:     uint32(cfg.Sync.MaxRetries),
	}, dispatcher, logs.Get(logging.Sync))
	go controller.Run(ctx)

	trashWorker := storage.NewTrashWorker(store, manager, 30*time.Second, logs.Get(logging.Storage))
	go trashWorker.Run(ctx)

	rekeyWorker := storage.NewRekeyWorker(store, manager, time.Minute, logs.Get(logging.Crypto))
	go rekeyWorker.Run(ctx)

	ctl := control.NewServer(cfg.Control.SocketPath, logs.Get(logging.Control))
	registerControlHandlers(ctl, store, manager, controller)
	go func() {
		if err := ctl.ListenAndServe(ctx); err != nil {
			log.Error("control server", "error", err)
		}
	}()

	log.Info("vaulthalla started",
		"version", version,
		"mount", cfg.Fuse.RootMountPath,
		"backing", cfg.Storage.BackingRoot,
		"vaults", len(manager.Engines()),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, unmounting")
	return nil
}

// masterKeyProvider picks the dev stand-in only when dev.enabled permits it;
// otherwise the key derives from the owner-only seed file under the backing
// root. The TPM binding plugs in here in production builds.
func masterKeyProvider(cfg *config.Config) (crypto.MasterKeyProvider, error) {
	if cfg.Dev.Enabled {
		if seed := os.Getenv("VAULTHALLA_MASTER_SEED"); seed != "" {
			return crypto.NewDevProvider([]byte(seed))
		}
	}
	return crypto.NewFileProvider(filepath.Join(cfg.Storage.BackingRoot, ".keys", "master.seed"))
}

func registerNotifyBackends(d *notify.Dispatcher, cfg *config.Config, log *slog.Logger) {
	n := cfg.Notifications
	if n.NATS.Enabled {
		backend, err := notify.NewNATSBackend(n.NATS.URL, n.NATS.Subject)
		if err != nil {
			log.Error("nats backend failed to connect", "error", err)
		} else {
			d.AddBackend(backend)
		}
	}
	if n.Redis.Enabled {
		d.AddBackend(notify.NewRedisBackend(n.Redis.Addr, n.Redis.Channel, n.Redis.ListKey))
	}
	if n.Kafka.Enabled {
		d.AddBackend(notify.NewKafkaBackend(n.Kafka.Brokers, n.Kafka.Topic))
	}
	if n.AMQP.Enabled {
		d.AddBackend(notify.NewAMQPBackend(n.AMQP.URL, n.AMQP.Exchange, n.AMQP.RoutingKey))
	}
	if n.Postgres.Enabled {
		backend, err := notify.NewPostgresBackend(n.Postgres.ConnStr, n.Postgres.Table)
		if err != nil {
			log.Error("postgres backend init failed", "error", err)
		} else {
			d.AddBackend(backend)
		}
	}
	if n.Elasticsearch.Enabled {
		d.AddBackend(notify.NewElasticsearchBackend(n.Elasticsearch.URL, n.Elasticsearch.Index))
	}
}

func registerControlHandlers(ctl *control.Server, store *metadata.Store, manager *storage.Manager, controller *vsync.Controller) {
	ctl.Handle("status", func(ctx context.Context, req *control.RequestFrame, s *control.Session) error {
		type vaultStatus struct {
			ID       uint64 `json:"id"`
			Name     string `json:"name"`
			Type     string `json:"type"`
			Mount    string `json:"mount"`
			InFlight bool   `json:"sync_in_flight"`
		}
		var out []vaultStatus
		for _, engine := range manager.Engines() {
			v := engine.Vault()
			_, _, inFlight := controller.Status(v.ID)
			out = append(out, vaultStatus{ID: v.ID, Name: v.Name, Type: string(v.Type), Mount: v.MountPoint, InFlight: inFlight})
		}
		return s.Result(true, 0, "", "", out)
	})

	ctl.Handle("sync", func(ctx context.Context, req *control.RequestFrame, s *control.Session) error {
		if len(req.Args) < 1 {
			return s.Result(false, 2, "", "usage: sync <vault-id>", nil)
		}
		vaultID, err := strconv.ParseUint(req.Args[0], 10, 64)
		if err != nil {
			return s.Result(false, 2, "", "vault id must be numeric", nil)
		}
		if _, err := manager.Engine(vaultID); err != nil {
			return s.Result(false, 1, "", err.Error(), nil)
		}
		controller.SyncNow(vaultID)
		return s.Result(true, 0, fmt.Sprintf("sync scheduled for vault %d\n", vaultID), "", nil)
	})

	ctl.Handle("events", func(ctx context.Context, req *control.RequestFrame, s *control.Session) error {
		if len(req.Args) < 1 {
			return s.Result(false, 2, "", "usage: events <vault-id> [limit]", nil)
		}
		vaultID, err := strconv.ParseUint(req.Args[0], 10, 64)
		if err != nil {
			return s.Result(false, 2, "", "vault id must be numeric", nil)
		}
		limit := 10
		if len(req.Args) > 1 {
			if n, err := strconv.Atoi(req.Args[1]); err == nil {
				limit = n
			}
		}
		var events []*metadata.SyncEvent
		err = store.View(func(tx *metadata.Tx) error {
			var err error
			events, err = tx.ListSyncEvents(vaultID, limit)
			return err
		})
		if err != nil {
			return s.Result(false, 1, "", err.Error(), nil)
		}
		var sb strings.Builder
		for _, e := range events {
			fmt.Fprintf(&sb, "%d %s %s trigger=%s ops=%d failed=%d up=%d down=%d\n",
				e.ID, e.RunUUID, e.Status, e.Trigger, e.NumOpsTotal, e.NumFailedOps, e.BytesUp, e.BytesDown)
		}
		return s.Result(true, 0, sb.String(), "", events)
	})
}
