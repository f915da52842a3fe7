package transport

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/flowtrace/engine/internal/store"
	"github.com/flowtrace/engine/internal/trade"
)

// QueryController exposes the file store's read paths over HTTP.
type QueryController struct {
	store *store.Store
}

func NewQueryController(s *store.Store) *QueryController {
	return &QueryController{store: s}
}

func parseRange(c echo.Context) (startMs, endMs int64, limit int, err error) {
	startMs, err = strconv.ParseInt(c.QueryParam("start"), 10, 64)
	if err != nil {
		return 0, 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid or missing start")
	}
	endMs, err = strconv.ParseInt(c.QueryParam("end"), 10, 64)
	if err != nil {
		return 0, 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid or missing end")
	}
	limit = 1000
	if raw := c.QueryParam("limit"); raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 {
			limit = n
		}
	}
	return startMs, endMs, limit, nil
}

// GetCandles returns OHLCV candles, without footprint bins, for a
// symbol/interval/time range.
func (q *QueryController) GetCandles(c echo.Context) error {
	venue := trade.Venue(c.Param("venue"))
	symbol := c.Param("symbol")
	interval := c.Param("interval")

	startMs, endMs, limit, err := parseRange(c)
	if err != nil {
		return err
	}

	candles, err := q.store.FindBySymbol(venue, symbol, interval, startMs, endMs, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, candles)
}

// GetFootprint returns candles with their per-price bin histograms.
func (q *QueryController) GetFootprint(c echo.Context) error {
	venue := trade.Venue(c.Param("venue"))
	symbol := c.Param("symbol")
	interval := c.Param("interval")

	startMs, endMs, limit, err := parseRange(c)
	if err != nil {
		return err
	}

	candles, err := q.store.FindWithFootprint(venue, symbol, interval, startMs, endMs, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, candles)
}

// GetLatest returns the most recently completed candle for a symbol.
func (q *QueryController) GetLatest(c echo.Context) error {
	venue := trade.Venue(c.Param("venue"))
	symbol := c.Param("symbol")
	interval := c.Param("interval")

	candle, err := q.store.FindLatest(venue, symbol, interval)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if candle == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no candles stored for this symbol/interval")
	}
	return c.JSON(http.StatusOK, candle)
}
