package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lastowl/nolongerevil-bridge/internal/config"
	"github.com/lastowl/nolongerevil-bridge/internal/homekit"
	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/metrics"
	"github.com/lastowl/nolongerevil-bridge/internal/mqtt"
	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
	"github.com/lastowl/nolongerevil-bridge/internal/storage"
	"github.com/lastowl/nolongerevil-bridge/internal/web"
)

const (
	eventRetention     = 30 * 24 * time.Hour
	eventPruneInterval = 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML or JSON)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}

	level := log.ParseLevel(cfg.LogLevel)
	if *debug {
		level = log.LevelDebug
	}
	log.SetDefaultLevel(level)
	log.SetDefaultJSONMode(cfg.LogJSON)

	log.Info("Starting NoLongerEvil HomeKit bridge %s", web.Version)

	if err := cfg.EnsureDataDir(); err != nil {
		log.Error("Failed to create data directory: %v", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	log.Info("Database initialized at %s", cfg.DatabasePath())
	db.LogEvent(storage.EventSourceSystem, storage.EventTypeInfo, "Bridge started", map[string]interface{}{"version": web.Version})

	encKey, err := storage.LoadOrCreateKey(cfg.EncryptionKeyPath)
	if err != nil {
		log.Error("Failed to load encryption key: %v", err)
		os.Exit(1)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		stored, err := encKey.LoadAPIKey(db)
		if err != nil {
			log.Warn("Failed to load stored API key: %v", err)
		}
		apiKey = stored
	}

	creds := nle.NewCredentials(apiKey)
	client := nle.NewClient(cfg.ServerURL, creds, nle.WithRequestsPerMinute(cfg.RateLimitPerMinute))

	host, err := homekit.NewHost(homekit.Config{
		Name:     cfg.HomeKit.Name,
		Pin:      cfg.HomeKit.Pin,
		Port:     cfg.HomeKit.Port,
		StoreDir: cfg.HomeKitStoreDir(),
		Debug:    level == log.LevelDebug,
	}, db)
	if err != nil {
		log.Error("Failed to create HomeKit host: %v", err)
		os.Exit(1)
	}

	collector := metrics.New()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("MQTT disabled: %v", err)
			publisher = nil
		}
	}

	plat := platform.New(platform.Config{
		Backend:      client,
		Host:         host,
		PollInterval: cfg.PollDuration(),
		Recorder:     &recorder{Collector: collector, pub: publisher},
		Events:       db,
	})

	svc := &Service{
		cfg:      cfg,
		db:       db,
		encKey:   encKey,
		creds:    creds,
		client:   client,
		host:     host,
		platform: plat,
		metrics:  collector,
	}

	webServer := web.NewServer(cfg.ServerPort, svc)

	plat.AddListener(host.Remember)
	plat.AddListener(webServer.Publish)
	if publisher != nil {
		plat.AddListener(publisher.Publish)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.ctx = ctx

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	svc.goRun("homekit", func(ctx context.Context) error { return host.Run(ctx) })
	svc.goRun("event pruning", func(ctx context.Context) error {
		db.RunPruneLoop(ctx, eventRetention, eventPruneInterval)
		return nil
	})

	if creds.HasAPIKey() {
		svc.startPlatform()
	} else {
		log.Error("Missing required configuration: apiKey. Set api_key, NLE_API_KEY or POST /api/config/credentials.")
	}

	if err := webServer.Run(ctx); err != nil {
		log.Error("Web server error: %v", err)
	}

	cancel()
	svc.wg.Wait()
	if publisher != nil {
		publisher.Close()
	}
	log.Info("Shutdown complete")
}

// Service orchestrates the bridge components
type Service struct {
	cfg      *config.Config
	db       *storage.DB
	encKey   *storage.EncryptionKey
	creds    *nle.Credentials
	client   *nle.Client
	host     *homekit.Host
	platform *platform.Platform
	metrics  *metrics.Collector

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// GetDB returns the database
func (s *Service) GetDB() *storage.DB {
	return s.db
}

// GetBridge returns the thermostat platform
func (s *Service) GetBridge() web.Bridge {
	return s.platform
}

// GetHomeKit returns the accessory host
func (s *Service) GetHomeKit() web.HomeKit {
	return s.host
}

// GetCredentials returns the API key holder
func (s *Service) GetCredentials() *nle.Credentials {
	return s.creds
}

// GetServerURL returns the backend endpoint in use
func (s *Service) GetServerURL() string {
	return s.client.BaseURL()
}

// GetMetricsHandler returns the Prometheus handler
func (s *Service) GetMetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// SaveAPIKey stores the key encrypted, swaps it into the client and starts
// or resumes polling. The caller records the event.
func (s *Service) SaveAPIKey(apiKey string) error {
	if err := s.encKey.StoreAPIKey(s.db, apiKey); err != nil {
		return err
	}
	s.creds.SetAPIKey(apiKey)
	s.startPlatform()
	return nil
}

// startPlatform runs the platform the first time and resumes it afterwards
func (s *Service) startPlatform() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.platform.Resume()
		return
	}
	s.started = true
	s.goRun("platform", s.platform.Run)
}

func (s *Service) goRun(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			log.Error("%s stopped: %v", name, err)
		}
	}()
}

// recorder forwards platform measurements to Prometheus and clears the MQTT
// state of removed thermostats
type recorder struct {
	*metrics.Collector
	pub *mqtt.Publisher
}

func (r *recorder) ForgetDevice(serial string) {
	r.Collector.ForgetDevice(serial)
	if r.pub != nil {
		r.pub.Forget(serial)
	}
}
