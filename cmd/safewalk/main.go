// safewalk: one participant (requester or helper).
// Runs the help request lifecycle against the registry, shares location and
// signaling through the relay, and serves the participant API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/teslashibe/safewalk/internal/config"
	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/app"
	"github.com/teslashibe/safewalk/pkg/audioio"
	"github.com/teslashibe/safewalk/pkg/call/media"
	"github.com/teslashibe/safewalk/pkg/hub"
	"github.com/teslashibe/safewalk/pkg/location"
	"github.com/teslashibe/safewalk/pkg/registry"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
	"github.com/teslashibe/safewalk/pkg/web"
)

var version = "1.0.0"

func main() {
	fs := pflag.NewFlagSet("safewalk", pflag.ExitOnError)
	configPath := fs.String("config", "safewalk.yaml", "YAML config file")
	toneHz := fs.Float64("tone-hz", 440, "test tone sent as call audio; 0 sends silence")
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, fs)
	if err == nil {
		err = cfg.ValidateAgent()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.Log.Level, cfg.Log.Format)

	fmt.Println()
	fmt.Printf("🚶 SafeWalk v%s (%s %s)\n", version, cfg.Role, cfg.UserID)
	fmt.Println()

	m, err := metrics.New(nil)
	if err != nil {
		log.Error("metrics setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	state, err := sharedstate.Dial(dialCtx, strings.TrimSuffix(cfg.RelayURL, "/")+"/"+cfg.UserID, log.L())
	dialCancel()
	if err != nil {
		log.Error("relay unavailable", "url", cfg.RelayURL, "error", err)
		os.Exit(1)
	}
	defer state.Close()

	capture := audioio.DefaultConfig()
	capture.ToneHz = *toneHz
	playback := audioio.DefaultConfig()
	playback.Backend = audioio.BackendDiscard

	status := hub.New("status", log.L())
	var srv *web.Server

	agent, err := app.New(app.Options{
		Config:   cfg,
		Registry: registry.NewClient(cfg.RegistryURL, nil),
		Store:    state,
		Location: location.NewManualSource(),
		Calls: media.NewPionFactory(media.Options{
			ICEServers: cfg.Call.ICEServers,
			Capture:    capture,
			Playback:   playback,
			Logger:     log.L(),
		}),
		Metrics: m,
		Logger:  log.L(),
		OnStatus: func(st app.Status) {
			if srv != nil {
				srv.Publish(st)
			}
		},
	})
	if err != nil {
		log.Error("agent setup failed", "error", err)
		os.Exit(1)
	}

	srv = web.NewServer(agent, status, web.Options{
		Addr:    cfg.ListenAddr,
		Debug:   cfg.Debug,
		Metrics: m,
		Logger:  log.L(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-state.Done():
		log.Error("relay connection lost", "error", state.Err())
	case <-ctx.Done():
	}

	log.Info("shutting down")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
}
