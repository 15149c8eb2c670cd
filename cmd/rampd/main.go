package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"rampledger/cmd/internal/passphrase"
	"rampledger/config"
	"rampledger/core"
	"rampledger/crypto"
	"rampledger/observability/logging"
	"rampledger/observability/otel"
	"rampledger/rpc"
	"rampledger/storage"
)

const operatorPassEnv = "RAMP_OPERATOR_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RAMP_ENV"))
	logger := logging.Setup("rampd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if endpoint := strings.TrimSpace(os.Getenv("RAMP_OTLP_ENDPOINT")); endpoint != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "rampd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    os.Getenv("RAMP_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("RAMP_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	operatorKey, err := loadOperatorKey(cfg)
	if err != nil {
		logger.Error("Failed to load operator key", slog.Any("error", err))
		os.Exit(1)
	}

	owner, err := resolveOwner(cfg, operatorKey)
	if err != nil {
		logger.Error("Failed to resolve owner address", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(db, owner)
	if err != nil {
		logger.Error("Failed to create node", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("Node initialised",
		slog.String("network", cfg.NetworkName),
		slog.String("owner", crypto.NewAddress(crypto.RampPrefix, owner[:]).String()),
		slog.String("rpc", cfg.RPCAddress),
	)

	server := rpc.NewServer(node)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	if err := awaitListener(cfg.RPCAddress, 5*time.Second); err != nil {
		logger.Error("RPC server failed to come up", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("RPC server listening", slog.String("address", cfg.RPCAddress))

	if err := <-errCh; err != nil {
		logger.Error("RPC server terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadOperatorKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(operatorPassEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(cfg.OperatorKeystorePath, pass)
}

// resolveOwner prefers the configured owner address and falls back to the
// operator key's own address.
func resolveOwner(cfg *config.Config, operatorKey *crypto.PrivateKey) ([20]byte, error) {
	var owner [20]byte
	if raw := strings.TrimSpace(cfg.OwnerAddress); raw != "" {
		decoded, err := crypto.DecodeAddress(raw)
		if err != nil {
			return owner, fmt.Errorf("invalid OwnerAddress: %w", err)
		}
		copy(owner[:], decoded.Bytes())
		return owner, nil
	}
	copy(owner[:], operatorKey.PubKey().Address().Bytes())
	return owner, nil
}

// awaitListener probes the RPC port until it accepts connections or the
// deadline passes, so a bad bind surfaces at startup instead of silently.
func awaitListener(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	probe := addr
	if strings.HasPrefix(probe, ":") {
		probe = "127.0.0.1" + probe
	}
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", probe, 250*time.Millisecond)
		if err == nil {
			return conn.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("no listener on %s after %s", addr, timeout)
}
