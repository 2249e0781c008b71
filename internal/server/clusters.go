package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
)

// ClusterEngine is the engine surface for inspection endpoints.
type ClusterEngine interface {
	Snapshot(id int64) (cluster.Snapshot, bool)
	Resolve(id int64) bool
}

// SummaryStore loads persisted derived state.
type SummaryStore interface {
	LatestNetworkSummary(ctx context.Context, clusterID int64) (network.Summary, bool, error)
}

// ClustersHandler serves cluster snapshots, propagation graphs and network
// summaries.
type ClustersHandler struct {
	Engine  ClusterEngine
	Store   SummaryStore
	PropCfg propagation.Config
}

func (h *ClustersHandler) Register(g *echo.Group) {
	g.GET("/clusters/:id", h.get)
	g.GET("/clusters/:id/graph", h.graph)
	g.GET("/clusters/:id/summary", h.summary)
	g.POST("/clusters/:id/resolve", h.resolve)
}

func (h *ClustersHandler) clusterID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid cluster id")
	}
	return id, nil
}

func (h *ClustersHandler) get(c echo.Context) error {
	id, err := h.clusterID(c)
	if err != nil {
		return err
	}
	snap, ok := h.Engine.Snapshot(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "cluster not found")
	}
	return c.JSON(http.StatusOK, snap)
}

// graph rebuilds the propagation DAG on demand. The rebuild is a pure
// function of the snapshot, so serving it fresh always matches what the
// worker persisted for the same generation.
func (h *ClustersHandler) graph(c echo.Context) error {
	id, err := h.clusterID(c)
	if err != nil {
		return err
	}
	snap, ok := h.Engine.Snapshot(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "cluster not found")
	}
	return c.JSON(http.StatusOK, propagation.Rebuild(snap, h.PropCfg))
}

func (h *ClustersHandler) summary(c echo.Context) error {
	id, err := h.clusterID(c)
	if err != nil {
		return err
	}
	sum, ok, err := h.Store.LatestNetworkSummary(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no summary for cluster")
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *ClustersHandler) resolve(c echo.Context) error {
	id, err := h.clusterID(c)
	if err != nil {
		return err
	}
	if !h.Engine.Resolve(id) {
		return echo.NewHTTPError(http.StatusNotFound, "cluster not found")
	}
	snap, _ := h.Engine.Snapshot(id)
	return c.JSON(http.StatusOK, snap)
}
