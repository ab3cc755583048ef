package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"delever/config"
	"delever/gateway"
	"delever/ledger"
	"delever/native/delever"
	"delever/observability/logging"
	"delever/observability/metrics"
	telemetry "delever/observability/otel"
	"delever/rpc"
	"delever/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to deleverd config (YAML, optional)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	logger := logging.Setup("deleverd", cfg.Environment)
	logger.Info("configuration loaded", "config", fmt.Sprintf("%+v", cfg.Sanitized()))

	if cfg.Telemetry {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "deleverd",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Headers:     telemetry.ParseHeaders(cfg.OTLPHeaders),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	market, err := config.LoadMarket(cfg.MarketFile)
	if err != nil {
		log.Fatalf("load market: %v", err)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "delever"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	whitelist, err := delever.NewWhitelistWithStore(db)
	if err != nil {
		log.Fatalf("load whitelist: %v", err)
	}
	policies, err := delever.NewPolicyStoreWithStore(db)
	if err != nil {
		log.Fatalf("load policies: %v", err)
	}
	metrics.Delever().SetWhitelistSize(len(whitelist.List()))

	engine, err := buildEngine(market, whitelist, policies)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	server := rpc.New(rpc.Config{
		Engine:          engine,
		Whitelist:       whitelist,
		Policies:        policies,
		JWTSecret:       cfg.JWTSecret,
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("deleverd listening", "addr", cfg.Listen)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

// buildEngine constructs the ledger, pool and router described by the market
// file and wires the orchestrator over them.
func buildEngine(market config.Market, whitelist *delever.Whitelist, policies *delever.PolicyStore) (*delever.Engine, error) {
	state := ledger.NewState()
	pool := gateway.NewPool(market.Pool(), state, market.LiquidationThresholdBps, market.FinancingPremiumBps)
	router := gateway.NewRouter(market.Router(), state, market.Native())

	for _, asset := range market.Assets {
		addr := common.HexToAddress(asset.Address)
		receipt := common.HexToAddress(asset.Receipt)
		pool.RegisterAsset(addr, receipt, asset.Price())

		liquidity, err := config.ParseAmount(asset.PoolLiquidity)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset.Symbol, err)
		}
		if liquidity.Sign() > 0 {
			if err := state.Mint(addr, market.Pool(), liquidity); err != nil {
				return nil, fmt.Errorf("seed pool liquidity for %s: %w", asset.Symbol, err)
			}
		}
		inventory, err := config.ParseAmount(asset.RouterInventory)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset.Symbol, err)
		}
		if inventory.Sign() > 0 {
			if err := state.Mint(addr, market.Router(), inventory); err != nil {
				return nil, fmt.Errorf("seed router inventory for %s: %w", asset.Symbol, err)
			}
		}
	}
	for _, rate := range market.Rates {
		router.SetRate(common.HexToAddress(rate.From), common.HexToAddress(rate.To), rate.Rate())
	}

	engine := delever.NewEngine(market.Engine(), whitelist, policies)
	engine.SetLendingGateway(pool, market.Pool())
	engine.SetExchangeGateway(router, market.Router())
	engine.SetVault(state)
	engine.SetEnvironment(gateway.NewEnvironment(state, pool))
	return engine, nil
}
