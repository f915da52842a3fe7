package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/flowtrace/engine/internal/cache"
	"github.com/flowtrace/engine/internal/config"
	"github.com/flowtrace/engine/internal/configrepo"
	"github.com/flowtrace/engine/internal/ingest"
	"github.com/flowtrace/engine/internal/sidecar"
	"github.com/flowtrace/engine/internal/store"
	"github.com/flowtrace/engine/internal/trade"
	"github.com/flowtrace/engine/internal/transport"
	"github.com/flowtrace/engine/internal/venue/binance"
	"github.com/flowtrace/engine/internal/venue/bybit"
	"github.com/flowtrace/engine/internal/venue/okx"
	"github.com/flowtrace/engine/internal/worker"
)

var intervals = []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "8h", "12h", "1d"}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	cfg := config.Load()

	st := store.New(cfg.DataDir, true)

	var priceCache *cache.RedisCache
	if cfg.RedisAddr != "" {
		priceCache = cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer priceCache.Close()
		if err := priceCache.Ping(context.Background()); err != nil {
			log.Printf("redis cache unreachable, running without cross-process dedupe or price tiering: %v", err)
			priceCache = nil
		} else {
			st.SetDedupeCache(priceCache)
		}
	}

	var repo trade.ConfigRepository
	var db *configrepo.DB
	if cfg.UseDatabase {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		db, err = configrepo.NewConnection(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to configuration database: %v", err)
		}
		defer db.Close()
		repo = configrepo.NewSymbolRepository(db)
	} else {
		repo = newStaticRepo(cfg)
	}

	var gapReader sidecar.GapReader
	var stateStore sidecar.StateStore
	if cfg.SidecarSocketPath != "" {
		if client, err := sidecar.Dial(cfg.SidecarSocketPath); err != nil {
			log.Printf("persistence sidecar unavailable, workers will start from a zero floor: %v", err)
		} else {
			defer client.Close()
			gapReader = client
			stateStore = client
		}
	}

	pool := worker.New(cfg.WorkerCount, intervals, repo, st)
	if priceCache != nil {
		pool.SetPriceCache(priceCache)
	}
	if stateStore != nil {
		pool.SetStateStore(stateStore)
	}
	if err := pool.Initialize(); err != nil {
		log.Fatalf("failed to initialize worker pool: %v", err)
	}
	defer pool.Shutdown()

	orchestrators := make(map[trade.Venue]*ingest.Orchestrator)

	binanceOrch := ingest.New(trade.VenueBinance, pool, nil, repo, stateStore, gapReader, st, cfg.SidecarSocketPath, binanceStreamName)
	binanceOrch.Connector = binance.New(cfg.BinanceWSBaseURL, cfg.BinanceRESTBaseURL, binanceOrch.OnTrade)
	orchestrators[trade.VenueBinance] = binanceOrch

	bybitOrch := ingest.New(trade.VenueBybit, pool, nil, repo, stateStore, gapReader, st, cfg.SidecarSocketPath, identityStreamName)
	bybitConn := bybit.New(cfg.BybitWSBaseURL, cfg.BybitRESTBaseURL, bybitOrch.OnTrade)
	bybitOrch.Connector = bybitConn
	orchestrators[trade.VenueBybit] = bybitOrch

	okxOrch := ingest.New(trade.VenueOKX, pool, nil, repo, stateStore, gapReader, st, cfg.SidecarSocketPath, identityStreamName)
	okxConn := okx.New(cfg.OKXWSBaseURL, cfg.OKXRESTBaseURL, okxOrch.OnTrade)
	okxOrch.Connector = okxConn
	orchestrators[trade.VenueOKX] = okxOrch

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for v, o := range orchestrators {
		if err := o.Start(ctx); err != nil {
			log.Printf("failed to start %s orchestrator: %v", v, err)
		}
	}

	e := echo.New()
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())

	if cfg.UseDatabase {
		transport.SetupRoutes(e, cfg, st, orchestrators[trade.VenueBinance], db)
	} else {
		transport.SetupRoutes(e, cfg, st, orchestrators[trade.VenueBinance], nil)
	}

	go func() {
		log.Printf("query API listening on port %s", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start query API: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down ingestor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("query API forced to shutdown: %v", err)
	}

	for v, o := range orchestrators {
		if o.Connector == nil {
			continue
		}
		if err := o.Connector.Close(); err != nil {
			log.Printf("error closing %s connector: %v", v, err)
		}
	}

	if stateStore != nil {
		if err := stateStore.FlushAll(shutdownCtx); err != nil {
			log.Printf("final flushAll failed: %v", err)
		}
	}

	log.Println("ingestor exited")
}

func binanceStreamName(symbol string) string {
	return strings.ToLower(symbol) + "@aggTrade"
}

func identityStreamName(symbol string) string {
	return symbol
}
