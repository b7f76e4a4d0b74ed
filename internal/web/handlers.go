/*

This file contains the HTTP handlers. Each one decodes the request, resolves
the caller address from the bearer token when the operation mutates state,
and hands off to the engines; authorization decisions live in the engines,
not here.

*/

package web

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"

	"github.com/commitlabs/clm/internal/state"
	"github.com/commitlabs/clm/internal/types"
)

func commitmentIDFromPath(r *http.Request) (types.CommitmentID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return types.CommitmentID(id), true
}

func parseAmount(raw string) (sdkmath.Int, bool) {
	return sdkmath.NewIntFromString(raw)
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := state.TestDBConnection() == nil

	overallStatus := "OK"
	if !dbHealthy && state.DB != nil {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "clm-commitment-lifecycle-manager",
			"version": "1.0.0",
		},
		"database": map[string]interface{}{
			"configured": state.DB != nil,
			"healthy":    dbHealthy,
		},
		"commitments": map[string]interface{}{
			"total":  ws.lifecycle.TotalCommitments(),
			"active": len(ws.lifecycle.GetActiveCommitments()),
		},
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

type createCommitmentRequest struct {
	Amount string                `json:"amount"`
	Asset  string                `json:"asset"`
	Rules  types.CommitmentRules `json:"rules"`
}

// handleCreateCommitment creates a commitment owned by the caller.
func (ws *WebServer) handleCreateCommitment(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req createCommitmentRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid amount")
		return
	}

	id, err := ws.lifecycle.Create(caller, amount, req.Asset, req.Rules)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{"commitment_id": id})
}

func (ws *WebServer) handleGetCommitment(w http.ResponseWriter, r *http.Request) {
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	commitment, err := ws.lifecycle.Get(id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, commitment)
}

func (ws *WebServer) handleCheckViolations(w http.ResponseWriter, r *http.Request) {
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	report, err := ws.lifecycle.CheckViolations(id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, report)
}

func (ws *WebServer) handleRecordViolation(w http.ResponseWriter, r *http.Request) {
	if _, err := ws.callerFromRequest(r); err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	report, err := ws.lifecycle.RecordViolation(id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, report)
}

// handleActiveViolations lists every unresolved commitment currently in breach.
func (ws *WebServer) handleActiveViolations(w http.ResponseWriter, r *http.Request) {
	reports := ws.lifecycle.ActiveViolations()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"count":   len(reports),
		"reports": reports,
	})
}

func (ws *WebServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	payout, err := ws.lifecycle.Settle(caller, id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"commitment_id": id,
		"payout":        payout.String(),
	})
}

func (ws *WebServer) handleEarlyExit(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	returned, err := ws.lifecycle.EarlyExit(caller, id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"commitment_id": id,
		"returned":      returned.String(),
	})
}

type updateValueRequest struct {
	NewValue string `json:"new_value"`
}

func (ws *WebServer) handleUpdateValue(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	var req updateValueRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	newValue, ok := parseAmount(req.NewValue)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid new_value")
		return
	}
	if err := ws.lifecycle.UpdateValue(caller, id, newValue); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"commitment_id": id})
}

type allocateRequest struct {
	Amount   string                   `json:"amount"`
	Strategy types.AllocationStrategy `json:"strategy"`
}

func (ws *WebServer) handleAllocate(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	var req allocateRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid amount")
		return
	}
	summary, err := ws.lifecycle.Allocate(caller, id, amount, req.Strategy)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

func (ws *WebServer) handleRebalance(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	summary, err := ws.alloc.Rebalance(caller, id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

func (ws *WebServer) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	record, err := ws.alloc.GetAllocation(id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, record)
}

func (ws *WebServer) handleOwnerCommitments(w http.ResponseWriter, r *http.Request) {
	owner := types.Address(mux.Vars(r)["address"])
	ids := ws.lifecycle.GetOwnerCommitments(owner)
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"owner":          owner,
		"commitment_ids": ids,
	})
}

func (ws *WebServer) handleGetAttestations(w http.ResponseWriter, r *http.Request) {
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	history, err := ws.attest.GetAttestations(id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, history)
}

type attestRequest struct {
	Payload     types.AttestationPayload `json:"payload"`
	IsCompliant bool                     `json:"is_compliant"`
}

func (ws *WebServer) handleAttest(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	var req attestRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ws.attest.Attest(r.Context(), caller, id, req.Payload, req.IsCompliant); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{"commitment_id": id})
}

func (ws *WebServer) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	metrics, err := ws.attest.GetHealthMetrics(r.Context(), id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, metrics)
}

func (ws *WebServer) handleCompliance(w http.ResponseWriter, r *http.Request) {
	id, ok := commitmentIDFromPath(r)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment id")
		return
	}
	score, err := ws.attest.CalculateComplianceScore(r.Context(), id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	compliant, err := ws.attest.VerifyCompliance(r.Context(), id)
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"commitment_id": id,
		"score":         score,
		"compliant":     compliant,
	})
}

type verifierRequest struct {
	Address types.Address `json:"address"`
}

func (ws *WebServer) handleAddVerifier(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req verifierRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ws.attest.AddVerifier(caller, req.Address); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{"verifier": req.Address})
}

func (ws *WebServer) handleRemoveVerifier(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	verifier := types.Address(mux.Vars(r)["address"])
	if err := ws.attest.RemoveVerifier(caller, verifier); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"verifier": verifier})
}

func (ws *WebServer) handleListPools(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.alloc.ListPools())
}

func (ws *WebServer) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := ws.alloc.GetPool(types.PoolID(mux.Vars(r)["id"]))
	if err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, pool)
}

type registerPoolRequest struct {
	ID          types.PoolID    `json:"id"`
	RiskLevel   types.RiskLevel `json:"risk_level"`
	APY         float64         `json:"apy"`
	MaxCapacity string          `json:"max_capacity"`
	CustodyAddr types.Address   `json:"custody_address"`
}

func (ws *WebServer) handleRegisterPool(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req registerPoolRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	maxCapacity, ok := parseAmount(req.MaxCapacity)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid max_capacity")
		return
	}
	if err := ws.alloc.RegisterPool(caller, req.ID, req.RiskLevel, req.APY, maxCapacity, req.CustodyAddr); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{"pool_id": req.ID})
}

type poolStatusRequest struct {
	Active bool `json:"active"`
}

func (ws *WebServer) handleUpdatePoolStatus(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req poolStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := types.PoolID(mux.Vars(r)["id"])
	if err := ws.alloc.UpdatePoolStatus(caller, id, req.Active); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"pool_id": id, "active": req.Active})
}

type poolCapacityRequest struct {
	MaxCapacity string `json:"max_capacity"`
}

func (ws *WebServer) handleUpdatePoolCapacity(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req poolCapacityRequest
	if err := decodeJSON(r, &req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	maxCapacity, ok := parseAmount(req.MaxCapacity)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "invalid max_capacity")
		return
	}
	id := types.PoolID(mux.Vars(r)["id"])
	if err := ws.alloc.UpdatePoolCapacity(caller, id, maxCapacity); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"pool_id": id})
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	response := map[string]interface{}{
		"total_commitments":  ws.lifecycle.TotalCommitments(),
		"active_commitments": len(ws.lifecycle.GetActiveCommitments()),
		"pools":              len(ws.alloc.ListPools()),
	}
	if asset != "" {
		response["asset"] = asset
		response["total_value_locked"] = ws.lifecycle.TotalValueLocked(asset).String()
		response["fee_pool"] = ws.lifecycle.FeePool(asset).String()
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

func (ws *WebServer) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	var commitmentID types.CommitmentID
	if raw := r.URL.Query().Get("commitment_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			ws.writeErrorResponse(w, http.StatusBadRequest, "invalid commitment_id")
			return
		}
		commitmentID = types.CommitmentID(id)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := state.ListRecentEvents(commitmentID, limit)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, events)
}

func (ws *WebServer) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := ws.lifecycle.Pause(caller); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"paused": true})
}

func (ws *WebServer) handleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, err := ws.callerFromRequest(r)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := ws.lifecycle.Unpause(caller); err != nil {
		ws.writeEngineError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"paused": false})
}
