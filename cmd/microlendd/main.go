package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microlend/config"
	"microlend/core/events"
	"microlend/core/state"
	coretypes "microlend/core/types"
	"microlend/native/microcredit"
	"microlend/observability/logging"
	"microlend/rpc"
	"microlend/storage"
)

const rpcTokenEnv = "MICROLEND_RPC_TOKEN"

// slogEmitter mirrors engine events onto the structured logger.
type slogEmitter struct {
	logger *slog.Logger
}

func (e slogEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	args := []any{}
	if carrier, ok := evt.(interface{ Event() *coretypes.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				args = append(args, slog.String(key, value))
			}
		}
	}
	e.logger.Info(evt.EventType(), args...)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MICROLEND_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Env
	}
	logger := logging.Setup("microlendd", env, logging.Options{
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	owner, err := parseAddress(cfg.OwnerAddress)
	if err != nil {
		logger.Error("Invalid OwnerAddress", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := parseAddress(cfg.PoolAddress)
	if err != nil {
		logger.Error("Invalid PoolAddress", slog.Any("error", err))
		os.Exit(1)
	}

	manager := state.NewManager(db)
	engine := microcredit.NewEngine()
	engine.SetState(manager)
	engine.SetAuthority(microcredit.StaticAuthority{Owner: owner})
	engine.SetPoolAddress(pool)
	engine.SetEmitter(slogEmitter{logger: logger.With(slog.String("component", "engine"))})

	if revenue := strings.TrimSpace(cfg.RevenueAddress); revenue != "" {
		addr, err := parseAddress(revenue)
		if err != nil {
			logger.Error("Invalid RevenueAddress", slog.Any("error", err))
			os.Exit(1)
		}
		manager.Begin()
		if err := engine.UpdateRevenueAddress(owner, addr); err != nil {
			manager.Discard()
			logger.Error("Failed to seed revenue address", slog.Any("error", err))
			os.Exit(1)
		}
		if err := manager.Commit(); err != nil {
			logger.Error("Failed to seed revenue address", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("starting metrics server", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	token := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if token == "" {
		token = cfg.RPCToken
	}

	server := rpc.NewServer(engine, manager, logger.With(slog.String("component", "rpc")), token)
	if err := server.Start(cfg.ListenAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func parseAddress(value string) (microcredit.Address, error) {
	var addr microcredit.Address
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("address %q: %w", value, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address %q: expected %d bytes", value, len(addr))
	}
	copy(addr[:], raw)
	return addr, nil
}
