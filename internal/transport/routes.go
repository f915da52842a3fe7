package transport

import (
	"github.com/labstack/echo/v4"

	"github.com/flowtrace/engine/internal/config"
	"github.com/flowtrace/engine/internal/store"
)

// SetupRoutes wires the query API, orchestrator control API, and health
// check onto e. db may be nil when running without the configrepo
// backend.
func SetupRoutes(e *echo.Echo, cfg *config.Config, st *store.Store, orch orchestratorAPI, db healthChecker) {
	e.Use(CORS(cfg))
	e.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	healthController := NewHealthController(db)
	queryController := NewQueryController(st)
	orchController := NewOrchestratorController(orch)

	v1 := e.Group("/api/v1")

	v1.GET("/health", healthController.HealthCheck)

	candles := v1.Group("/candles")
	candles.GET("/:venue/:symbol/:interval", queryController.GetCandles)
	candles.GET("/:venue/:symbol/:interval/latest", queryController.GetLatest)

	footprint := v1.Group("/footprint")
	footprint.GET("/:venue/:symbol/:interval", queryController.GetFootprint)

	orchestrator := v1.Group("/orchestrator")
	orchestrator.GET("/status", orchController.Status)
	orchestrator.POST("/symbols", orchController.AddSymbols)
	orchestrator.DELETE("/symbols/:symbol", orchController.RemoveSymbol)
}
