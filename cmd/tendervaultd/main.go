package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tendervault/config"
	"tendervault/core"
	"tendervault/core/events"
	"tendervault/observability"
	"tendervault/observability/logging"
	"tendervault/rpc"
	"tendervault/storage"
)

const (
	envName      = "TENDERVAULT_ENV"
	authTokenEnv = "TENDERVAULT_RPC_TOKEN"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv(envName))
	var fileOpts *logging.FileOptions
	if strings.TrimSpace(cfg.LogFile) != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}
	}
	logger := logging.Setup("tendervaultd", env, fileOpts)

	db, err := openDatabase(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	rentAmount, err := cfg.RentAmount()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse rent deposit: %v", err))
	}

	node := core.NewNode(db,
		core.WithLogger(logger),
		core.WithEmitter(&events.LogEmitter{Logger: logger}),
		core.WithRentPolicy(cfg.RentToken, rentAmount),
	)

	genesisTokens, err := genesisTokensFromConfig(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse token config: %v", err))
	}
	if err := node.ApplyGenesisTokens(genesisTokens); err != nil {
		panic(fmt.Sprintf("Failed to register tokens: %v", err))
	}

	authToken := strings.TrimSpace(os.Getenv(authTokenEnv))
	if authToken == "" {
		logger.Warn("RPC auth token not set; mutating methods are disabled", slog.String("env", authTokenEnv))
	}

	rpcServer := rpc.NewServer(node, authToken)
	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()
	if err := waitForStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           observability.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server terminated", slog.Any("error", err))
		}
	}()

	logger.Info("tendervault node initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("metrics", cfg.MetricsAddress),
		slog.String("database", cfg.Database),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Database)) {
	case "bolt":
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "tendervault.db"))
	default:
		return storage.NewLevelDB(cfg.DataDir)
	}
}

func genesisTokensFromConfig(cfg *config.Config) ([]core.GenesisToken, error) {
	tokens := make([]core.GenesisToken, 0, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		token := core.GenesisToken{
			Symbol:        tc.Symbol,
			Name:          tc.Name,
			Decimals:      tc.Decimals,
			MintThreshold: tc.MintThreshold,
		}
		if tc.MintAuthority != "" {
			authority, err := config.ParseAddress(tc.MintAuthority)
			if err != nil {
				return nil, fmt.Errorf("token %s: %w", tc.Symbol, err)
			}
			token.MintAuthority = authority
		}
		for _, raw := range tc.MintSigners {
			signer, err := config.ParseAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("token %s: %w", tc.Symbol, err)
			}
			token.MintSigners = append(token.MintSigners, signer)
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func waitForStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddressFor(addr), 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
