package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrace/engine/internal/config"
	"github.com/flowtrace/engine/internal/store"
	"github.com/flowtrace/engine/internal/trade"
)

type fakeOrchestrator struct {
	standby      bool
	addedSymbols []trade.SymbolConfig
	removed      []string
}

func (f *fakeOrchestrator) AddSymbols(ctx context.Context, cfgs []trade.SymbolConfig) error {
	f.addedSymbols = append(f.addedSymbols, cfgs...)
	return nil
}
func (f *fakeOrchestrator) RemoveSymbols(ctx context.Context, symbols []string) error {
	f.removed = append(f.removed, symbols...)
	return nil
}
func (f *fakeOrchestrator) InStandby() bool         { return f.standby }
func (f *fakeOrchestrator) Metrics() interface{}    { return map[string]bool{"standby": f.standby} }

func TestRoutes_HealthWithoutDatabase(t *testing.T) {
	e := echo.New()
	st := store.New(t.TempDir(), false)
	cfg := config.Load()
	SetupRoutes(e, cfg, st, &fakeOrchestrator{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"disabled"`)
}

func TestRoutes_OrchestratorStatus(t *testing.T) {
	e := echo.New()
	st := store.New(t.TempDir(), false)
	cfg := config.Load()
	orch := &fakeOrchestrator{standby: true}
	SetupRoutes(e, cfg, st, orch, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orchestrator/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"standby":true`)
}

func TestRoutes_CandlesMissingRangeIsBadRequest(t *testing.T) {
	e := echo.New()
	st := store.New(t.TempDir(), false)
	cfg := config.Load()
	SetupRoutes(e, cfg, st, &fakeOrchestrator{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/candles/BINANCE/BTCUSDT/1m", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
