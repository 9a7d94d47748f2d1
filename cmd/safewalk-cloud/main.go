// safewalk-cloud: help request registry and shared-state relay.
// Participants talk to the registry over HTTP and share session state through
// the relay websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/pflag"

	"github.com/teslashibe/safewalk/internal/config"
	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/registry"
	"github.com/teslashibe/safewalk/pkg/relay"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

var version = "1.0.0"

func main() {
	fs := pflag.NewFlagSet("safewalk-cloud", pflag.ExitOnError)
	configPath := fs.String("config", "safewalk.yaml", "YAML config file")
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.Log.Level, cfg.Log.Format)

	fmt.Println()
	fmt.Println("🚶 SafeWalk Cloud v" + version)
	fmt.Println("   Help request registry and session relay")
	fmt.Println()

	m, err := metrics.New(nil)
	if err != nil {
		log.Error("metrics setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Cloud)
	if err != nil {
		log.Error("registry store unavailable", "store", cfg.Cloud.Store, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var publisher registry.Publisher
	if len(cfg.Cloud.KafkaBrokers) > 0 {
		publisher = registry.NewKafkaPublisher(cfg.Cloud.KafkaBrokers, cfg.Cloud.KafkaTopic, log.L())
		defer publisher.Close()
		log.Info("publishing registry events", "brokers", cfg.Cloud.KafkaBrokers, "topic", cfg.Cloud.KafkaTopic)
	}

	svc := registry.NewService(store, registry.ServiceOptions{
		Publisher:  publisher,
		Metrics:    m,
		Logger:     log.L(),
		AutoVerify: cfg.Cloud.AutoVerify,
	})

	state := sharedstate.NewMemory()
	defer state.Close()
	rel := relay.New(state, relay.Options{Logger: log.L(), Metrics: m})

	app := fiber.New(fiber.Config{
		AppName:               "safewalk-cloud",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	rel.RegisterRoutes(app)

	api := app.Group("/api")
	registry.NewServer(svc).RegisterRoutes(api)
	rel.RegisterAPIRoutes(api)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"version":     version,
			"store":       cfg.Cloud.Store,
			"connections": rel.ConnectionCount(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	go func() {
		log.Info("starting server", "addr", cfg.Cloud.Addr)
		if err := app.Listen(cfg.Cloud.Addr); err != nil {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.CloudConfig) (registry.Store, error) {
	switch cfg.Store {
	case "json":
		return registry.NewJSONStore(cfg.JSONPath)
	case "postgres":
		return registry.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return registry.NewMemoryStore(), nil
	}
}
