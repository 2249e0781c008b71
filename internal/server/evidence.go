package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/insideout-labs/viraltrace/internal/cluster"
	"github.com/insideout-labs/viraltrace/internal/ledger"
	"github.com/insideout-labs/viraltrace/internal/network"
	"github.com/insideout-labs/viraltrace/internal/propagation"
	"github.com/insideout-labs/viraltrace/internal/runtime"
)

// EvidenceLedger is the ledger surface the handlers need.
type EvidenceLedger interface {
	CreateEvidence(ctx context.Context, payload ledger.Payload, officerID string, w ledger.Warrant) (ledger.EvidenceRecord, error)
	AppendCustodyEvent(ctx context.Context, evidenceID, actor string, action ledger.ActionType) (ledger.CustodyEvent, error)
	VerifyChain(ctx context.Context, evidenceID string) (ledger.VerificationResult, error)
	Status(ctx context.Context, evidenceID string) (ledger.EvidenceStatus, error)
	OpenPayload(ctx context.Context, evidenceID string) (ledger.Payload, error)
}

// SnapshotEngine supplies the frozen cluster state for evidence creation.
type SnapshotEngine interface {
	Snapshot(id int64) (cluster.Snapshot, bool)
}

// EvidenceHandler exposes the custody ledger over HTTP. All routes require
// the investigator scope.
type EvidenceHandler struct {
	Ledger  EvidenceLedger
	Engine  SnapshotEngine
	PropCfg propagation.Config
	NetCfg  network.Config
}

func (h *EvidenceHandler) Register(g *echo.Group) {
	ev := g.Group("/evidence", runtime.RequireScopes(runtime.ScopeInvestigator))
	ev.POST("", h.create)
	ev.POST("/:id/custody", h.appendCustody)
	ev.GET("/:id/verify", h.verify)
	ev.GET("/:id", h.get)
	ev.GET("/:id/payload", h.payload)
}

func (h *EvidenceHandler) create(c echo.Context) error {
	var req CreateEvidenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	officerID, _ := c.Get("user_id").(string)
	if officerID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if req.CaseNumber == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "case_number is required")
	}

	snap, ok := h.Engine.Snapshot(req.ClusterID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "cluster not found")
	}
	graph := propagation.Rebuild(snap, h.PropCfg)
	sum := network.Analyze(graph, nil, h.NetCfg)
	payload := ledger.Payload{Cluster: snap, Graph: graph, Summary: sum}

	req.Warrant.CaseNumber = req.CaseNumber
	rec, err := h.Ledger.CreateEvidence(c.Request().Context(), payload, officerID, req.Warrant)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidWarrant) {
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, EvidenceResponse{Record: rec, Status: ledger.StatusCollected})
}

func (h *EvidenceHandler) appendCustody(c echo.Context) error {
	var req CustodyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, _ := c.Get("user_id").(string)
	if actor == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	ev, err := h.Ledger.AppendCustodyEvent(c.Request().Context(), c.Param("id"), actor, ledger.ActionType(req.Action))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrEvidenceNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "evidence not found")
		case errors.Is(err, ledger.ErrStatusRegression):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, ledger.ErrConcurrentAppend):
			return echo.NewHTTPError(http.StatusConflict, "custody chain contention; retry")
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *EvidenceHandler) verify(c echo.Context) error {
	res, err := h.Ledger.VerifyChain(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrEvidenceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "evidence not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *EvidenceHandler) get(c echo.Context) error {
	status, err := h.Ledger.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrEvidenceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "evidence not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"evidence_id": c.Param("id"), "status": string(status)})
}

// payload decrypts the sealed payload for an export. The access itself is a
// custody-relevant action, so it is recorded on the chain before the payload
// leaves the ledger.
func (h *EvidenceHandler) payload(c echo.Context) error {
	actor, _ := c.Get("user_id").(string)
	if actor == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	id := c.Param("id")
	if _, err := h.Ledger.AppendCustodyEvent(c.Request().Context(), id, actor, ledger.ActionAccessed); err != nil {
		if errors.Is(err, ledger.ErrEvidenceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "evidence not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	payload, err := h.Ledger.OpenPayload(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, payload)
}
