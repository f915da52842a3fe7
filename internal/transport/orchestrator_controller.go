package transport

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flowtrace/engine/internal/trade"
)

// orchestratorAPI is satisfied by *ingest.Orchestrator. Declared here to
// avoid a transport -> ingest import cycle the other direction would not
// actually create, but which keeps this controller testable against a
// fake.
type orchestratorAPI interface {
	AddSymbols(ctx context.Context, cfgs []trade.SymbolConfig) error
	RemoveSymbols(ctx context.Context, symbols []string) error
	InStandby() bool
	Metrics() interface{}
}

type OrchestratorController struct {
	orch orchestratorAPI
}

func NewOrchestratorController(o orchestratorAPI) *OrchestratorController {
	return &OrchestratorController{orch: o}
}

type statusResponse struct {
	Standby bool        `json:"standby"`
	Metrics interface{} `json:"metrics"`
}

func (oc *OrchestratorController) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{Standby: oc.orch.InStandby(), Metrics: oc.orch.Metrics()})
}

type addSymbolsRequest struct {
	Symbols []trade.SymbolConfig `json:"symbols"`
}

func (oc *OrchestratorController) AddSymbols(c echo.Context) error {
	var req addSymbolsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Symbols) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "symbols must not be empty")
	}

	if err := oc.orch.AddSymbols(c.Request().Context(), req.Symbols); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (oc *OrchestratorController) RemoveSymbol(c echo.Context) error {
	symbol := c.Param("symbol")
	if err := oc.orch.RemoveSymbols(c.Request().Context(), []string{symbol}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
