package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

// runServer serves the relay until SIGINT or SIGTERM.
func runServer() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	server.SetConfig(cfg)
	active := server.CurrentConfig()
	slog.Info("starting GoChat presence relay",
		"version", server.Version,
		"port", active.Port,
		"allowed_origins", active.AllowedOrigins,
		"max_message_size", active.MaxMessageSize,
		"rate_limit_burst", active.RateLimit.Burst,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	hub := server.NewHub(m)
	go hub.Run()

	if configFile != "" {
		go func() {
			if err := server.WatchFile(ctx, configFile, reloadConfig); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	httpServer := server.CreateServer(active.Port, server.SetupRoutes(hub, m))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
		cancel()
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		slog.Error("HTTP shutdown failed", "err", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		slog.Error("hub shutdown failed", "err", err)
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// loadConfig layers defaults, the optional YAML file, the environment and
// finally command-line flags.
func loadConfig(path string) (*server.Config, error) {
	cfg := server.NewConfig()
	if path != "" {
		loaded, err := server.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyOverrides(cfg)
	return cfg, nil
}

// reloadConfig applies a config re-read by the watcher. Logging is rebuilt;
// the listen address is bound once, so a changed port is ignored until restart.
func reloadConfig(next *server.Config) {
	applyOverrides(next)

	if err := logging.Setup(logging.Options{Level: next.LogLevel, Format: next.LogFormat}); err != nil {
		slog.Error("config: invalid logging settings, keeping previous logger", "err", err)
	}

	running := server.CurrentConfig().Port
	server.SetConfig(next)
	if active := server.CurrentConfig(); active.Port != running {
		slog.Warn("config: port change requires a restart", "running", running, "configured", active.Port)
		active.Port = running
		server.SetConfig(&active)
	}
}

func applyOverrides(cfg *server.Config) {
	server.ApplyEnv(cfg)
	if portFlag != "" {
		cfg.Port = portFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
}
