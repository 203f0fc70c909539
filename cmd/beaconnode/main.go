// Package main implements the beacon node entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/api"
	"github.com/radio-control/beaconnode/internal/audit"
	"github.com/radio-control/beaconnode/internal/auth"
	"github.com/radio-control/beaconnode/internal/config"
	"github.com/radio-control/beaconnode/internal/logging"
	"github.com/radio-control/beaconnode/internal/metrics"
	"github.com/radio-control/beaconnode/internal/node"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

const (
	AppName = "beaconnode"
	Version = "1.0.0"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("BEACON_CONFIG"), "path to a .yaml or .toml config file")
	issueToken := flag.String("issue-token", "", "print an ops API token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of -issue-token tokens")
	flag.Parse()

	// Step 1: Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 2
	}

	if *issueToken != "" {
		return printToken(cfg, *issueToken, *tokenTTL)
	}

	// Step 2: Initialize logging
	logger, logCloser, err := logging.New(AppName, loggingOptions(cfg.Log), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return 2
	}
	defer logCloser.Close()
	logger.Info().Str("version", Version).Str("radio", cfg.Node.Radio).Str("broker", cfg.MQTT.BrokerURL).Msg("Starting beacon node")
	metrics.RegisterMetrics()

	// Step 3: Initialize telemetry hub
	hub := telemetry.NewHub(telemetry.HubConfig{
		BufferSize:        cfg.Telemetry.BufferSize,
		ClientQueue:       cfg.Telemetry.ClientQueue,
		HeartbeatInterval: cfg.Telemetry.HeartbeatInterval.D(),
	}, logger)
	defer hub.Stop()

	// Step 4: Wire the node collaborators
	deps, err := nodeDeps(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to wire node")
		return 2
	}
	deps.Hub = hub

	// Step 5: Initialize audit logger
	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(audit.Options{
			Dir:        cfg.Audit.Dir,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize audit logger")
			return 2
		}
		defer auditLogger.Close()
		deps.Audit = auditLogger
		logger.Info().Str("file", auditLogger.GetFilePath()).Msg("Audit logger initialized")
	}

	supervisor := node.NewSupervisor(nodeConfig(cfg), restartPolicy(cfg.Supervisor), deps, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if auditLogger != nil {
		go rotateOnHangup(ctx, auditLogger, logger)
	}

	// Step 6: Start the ops API
	var server *api.Server
	if cfg.API.Listen != "" {
		var verifier auth.TokenVerifier
		if cfg.API.JWTSecret != "" {
			v, err := auth.NewVerifier(auth.VerifierConfig{SecretKey: cfg.API.JWTSecret})
			if err != nil {
				logger.Error().Err(err).Msg("Failed to create token verifier")
				return 2
			}
			verifier = v
		}
		server = api.NewServer(api.DefaultConfig(), supervisor, hub, auth.NewMiddleware(verifier), logger)
		go func() {
			if err := server.Start(cfg.API.Listen); err != nil {
				logger.Error().Err(err).Msg("Ops API failed")
			}
		}()
	}

	// Step 7: Run the node until a signal or the restart budget is spent
	runErr := supervisor.Run(ctx)

	if server != nil {
		if err := server.Stop(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Error stopping ops API")
		}
	}

	if runErr != nil {
		if errors.Is(runErr, node.ErrGaveUp) {
			logger.Error().Err(runErr).Msg("Giving up; exiting for the service manager to restart")
		} else {
			logger.Error().Err(runErr).Msg("Node stopped")
		}
		return 1
	}
	logger.Info().Msg("Beacon node shutdown complete")
	return 0
}

func printToken(cfg *config.Config, subject string, ttl time.Duration) int {
	if cfg.API.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "api.jwt_secret is not configured")
		return 2
	}
	token, err := auth.IssueToken(cfg.API.JWTSecret, subject, []string{auth.ScopeRead, auth.ScopeTelemetry}, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

// rotateOnHangup rotates the audit file on each SIGHUP until ctx is done.
func rotateOnHangup(ctx context.Context, auditLogger *audit.Logger, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := auditLogger.Rotate(); err != nil {
				logger.Warn().Err(err).Msg("Audit log rotation failed")
				continue
			}
			logger.Info().Str("file", auditLogger.GetFilePath()).Msg("Audit log rotated")
		}
	}
}
