package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/recyclekiosk/internal/api"
	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/config"
	"github.com/rewired-gh/recyclekiosk/internal/identity"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/metrics"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/mqttfeed"
	"github.com/rewired-gh/recyclekiosk/internal/rtdb"
	"github.com/rewired-gh/recyclekiosk/internal/session"
	"github.com/rewired-gh/recyclekiosk/internal/storage"
	"github.com/rewired-gh/recyclekiosk/internal/telegram"
	"github.com/rewired-gh/recyclekiosk/internal/telemetry"
	"github.com/rewired-gh/recyclekiosk/internal/vision"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

// containerStores saves telemetry to every configured backend.
type containerStores []telemetry.Store

func (s containerStores) SaveContainer(ctx context.Context, t models.ContainerTelemetry) error {
	var errs []error
	for _, store := range s {
		if err := store.SaveContainer(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serveAPI runs the observer API until Shutdown. A listen failure only costs the observer
// surface: it is logged and the workers keep running.
func serveAPI(srv *http.Server) error {
	logger.Info("HTTP API listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("[api] HTTP server stopped, kiosk continues without it: %v", err)
	}
	return nil
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	catalog, err := models.NewCatalog(cfg.Materials)
	if err != nil {
		logger.Fatal("Invalid material catalog: %v", err)
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var (
		index  identity.Index  = store
		ledger identity.Ledger = store
		stores                 = containerStores{store}
	)
	if cfg.Ledger.Backend == "rtdb" {
		client := rtdb.NewClient(cfg.Ledger.RTDB.URL, rtdb.ClientConfig{
			AuthToken:      cfg.Ledger.RTDB.AuthToken,
			Timeout:        cfg.Ledger.RTDB.Timeout,
			MaxRetries:     cfg.Ledger.RTDB.MaxRetries,
			RetryDelayBase: cfg.Ledger.RTDB.RetryDelayBase,
		})
		index, ledger = client, client
		stores = append(stores, client)
		logger.Info("Using realtime database ledger at %s", cfg.Ledger.RTDB.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	sess := session.New()
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if count, points, err := store.RewardTotals(ctx, midnight); err != nil {
		logger.Warn("Failed to restore today's counters: %v", err)
	} else {
		sess.SeedCounters(count, points)
		logger.Debug("Restored counters: %d items, %d points today", count, points)
	}

	events := bus.New()
	defer events.Close()

	tel := telemetry.NewHandler(stores, events)
	if records, err := store.ListContainers(ctx); err != nil {
		logger.Warn("Failed to load container records: %v", err)
	} else {
		tel.Load(records)
	}

	g, gctx := errgroup.WithContext(ctx)

	var announcer vision.Announcer
	if cfg.MQTT.Enabled {
		feed := mqttfeed.New(mqttfeed.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TLSInsecure:    cfg.MQTT.TLSInsecure,
			MaterialTopic:  cfg.MQTT.MaterialTopic,
			LevelTopic:     cfg.MQTT.LevelTopic,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, tel, sess, events)
		if err := feed.Connect(gctx); err != nil {
			logger.Warn("MQTT feed not connected yet: %v", err)
		}
		defer feed.Close()
		g.Go(func() error { return feed.Run(gctx) })
		announcer = feed
	} else {
		logger.Debug("MQTT feed disabled")
	}

	var latency func() vision.LatencySummary
	if cfg.Vision.Enabled {
		worker := vision.NewWorker(vision.Config{
			Interval:           cfg.Vision.Interval,
			ConfirmThreshold:   cfg.Vision.ConfirmThreshold,
			MinConfidence:      cfg.Vision.MinConfidence,
			FrameRate:          cfg.Vision.FrameRate,
			JPEGQuality:        cfg.Vision.JPEGQuality,
			MaxCaptureFailures: cfg.Vision.MaxCaptureFailures,
		},
			vision.NewHTTPCamera(cfg.Vision.SnapshotURL, cfg.Vision.ClassifierTimeout),
			vision.NewHTTPClassifier(cfg.Vision.ClassifierURL, cfg.Vision.ClassifierTimeout),
			catalog, sess, events, announcer)
		latency = worker.Latency
		g.Go(func() error { return worker.Run(gctx) })
	} else {
		logger.Debug("Vision worker disabled")
	}

	if cfg.Identity.Enabled {
		worker := identity.NewWorker(identity.Config{
			PollInterval:  cfg.Identity.PollInterval,
			ErrorBackoff:  cfg.Identity.ErrorBackoff,
			LedgerTimeout: cfg.Ledger.RTDB.Timeout,
		},
			identity.NewLineReader(cfg.Identity.DevicePath, cfg.Identity.TokenHold),
			index, ledger, catalog, sess, events)
		worker.SetHistory(store)
		g.Go(func() error { return worker.Run(gctx) })
	} else {
		logger.Debug("Identity worker disabled")
	}

	m := metrics.New(sess.Snapshot)
	m.RegisterGaugeFunc("bus_published_total", "Notifications accepted by the bus",
		func() float64 { return float64(events.Published()) })
	if latency != nil {
		m.RegisterGaugeFunc("classifier_latency_ms", "Mean classifier round trip",
			func() float64 { return latency().MeanMs })
	}
	metricsSub, err := events.Subscribe("metrics", 256)
	if err != nil {
		logger.Fatal("Failed to subscribe metrics: %v", err)
	}
	g.Go(func() error {
		m.Watch(gctx, metricsSub)
		return nil
	})

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		tgSub, err := events.Subscribe("telegram", 64, telegram.Topics...)
		if err != nil {
			logger.Fatal("Failed to subscribe Telegram notifier: %v", err)
		}
		g.Go(func() error {
			tg.Watch(gctx, tgSub)
			return nil
		})
		tg.ListenForCommands(gctx, sess, events)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	server := api.NewServer(api.Options{
		Session:     sess,
		Bus:         events,
		Containers:  tel,
		Latency:     latency,
		Metrics:     m.Handler(),
		EventBuffer: cfg.Server.EventBuffer,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		// Cancelling gctx ends long-lived event streams so Shutdown can finish.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return serveAPI(httpServer) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("Kiosk running (confirm after %v, materials: %v)", cfg.Vision.ConfirmThreshold, catalog.Kinds())

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error: %v", err)
		return
	}
	logger.Info("Service stopped")
}
