// Package gateway is the thin HTTP adapter over the core services. Auth lives
// outside: callers arrive with an X-Actor-ID header set by the fronting
// layer, and every response error is a {code, message} pair from the fault
// taxonomy.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gigvault/bids"
	"gigvault/core/fault"
	"gigvault/core/types"
	"gigvault/dispute"
	"gigvault/escrow"
	"gigvault/observability"
)

// ActorHeader carries the authenticated actor id, supplied by the fronting
// auth layer.
const ActorHeader = "X-Actor-ID"

// Server exposes the core operations over HTTP.
type Server struct {
	escrow   *escrow.Engine
	bids     *bids.Engine
	disputes *dispute.Coordinator
	log      *slog.Logger
	router   chi.Router
}

// NewServer builds the route table over the three engines.
func NewServer(esc *escrow.Engine, bidEngine *bids.Engine, disputes *dispute.Coordinator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{escrow: esc, bids: bidEngine, disputes: disputes, log: log}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/projects/{projectID}/deposit", s.handleDeposit)
		r.Post("/projects/{projectID}/milestones/{milestoneID}/start", s.handleMilestoneStart)
		r.Post("/projects/{projectID}/milestones/{milestoneID}/submit", s.handleMilestoneSubmit)
		r.Post("/projects/{projectID}/milestones/{milestoneID}/reject", s.handleMilestoneReject)
		r.Post("/projects/{projectID}/milestones/{milestoneID}/approve", s.handleMilestoneApprove)
		r.Post("/projects/{projectID}/milestones/{milestoneID}/release", s.handleMilestoneRelease)
		r.Post("/projects/{projectID}/milestones/{milestoneID}/release-partial", s.handlePartialRelease)

		r.Post("/bids", s.handleBidSubmit)
		r.Post("/bids/{bidID}/accept", s.handleBidAccept)
		r.Post("/bids/{bidID}/reject", s.handleBidReject)
		r.Post("/bids/{bidID}/withdraw", s.handleBidWithdraw)

		r.Post("/projects/{projectID}/disputes", s.handleDisputeOpen)
		r.Post("/disputes/{disputeID}/resolve", s.handleDisputeResolve)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "invalid_state", "insufficient_funds":
		return http.StatusConflict
	case "conflict", "conflict_exceeded":
		return http.StatusServiceUnavailable
	case "quarantined":
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	code := fault.Code(err)
	if statusFor(code) >= http.StatusInternalServerError && code != "conflict_exceeded" {
		s.log.Error("operation failed", "operation", op, "err", err)
	}
	writeJSON(w, statusFor(code), errorBody{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func actor(r *http.Request) (types.ID, error) {
	id := r.Header.Get(ActorHeader)
	if id == "" {
		return "", fault.Forbidden("missing actor header")
	}
	return types.ID(id), nil
}

// decodeBody parses an optional JSON body; an empty body leaves the target
// at its zero value.
func decodeBody(r *http.Request, into any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fault.InvalidState("malformed request body")
	}
	return nil
}

// observe records the operation outcome and latency.
func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = fault.Code(err)
	}
	m := observability.Metrics()
	m.Observe(op, outcome, time.Since(start))
	if errors.Is(err, fault.ErrConflict) || errors.Is(err, fault.ErrConflictExceeded) {
		m.RecordConflict(op)
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	const op = "deposit"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req struct {
		Amount types.Amount `json:"amount"`
		Nonce  string       `json:"nonce"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID := types.ID(chi.URLParam(r, "projectID"))
	receipt, err := s.escrow.Deposit(r.Context(), projectID, actorID, req.Amount, req.Nonce)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escrow_balance": receipt.EscrowBalance,
		"transaction_id": receipt.TransactionID,
	})
}

func (s *Server) milestoneParams(r *http.Request) (projectID, milestoneID types.ID) {
	return types.ID(chi.URLParam(r, "projectID")), types.ID(chi.URLParam(r, "milestoneID"))
}

func (s *Server) handleMilestoneStart(w http.ResponseWriter, r *http.Request) {
	const op = "milestone_start"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID, milestoneID := s.milestoneParams(r)
	m, err := s.escrow.StartMilestone(r.Context(), projectID, milestoneID, actorID)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMilestoneSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "milestone_submit"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req struct {
		Artifacts []string `json:"artifacts"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID, milestoneID := s.milestoneParams(r)
	m, err := s.escrow.SubmitMilestone(r.Context(), projectID, milestoneID, actorID, req.Artifacts)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMilestoneReject(w http.ResponseWriter, r *http.Request) {
	const op = "milestone_reject"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID, milestoneID := s.milestoneParams(r)
	m, err := s.escrow.RejectMilestone(r.Context(), projectID, milestoneID, actorID, req.Feedback)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMilestoneApprove(w http.ResponseWriter, r *http.Request) {
	const op = "milestone_approve"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID, milestoneID := s.milestoneParams(r)
	m, err := s.escrow.ApproveMilestone(r.Context(), projectID, milestoneID, actorID)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMilestoneRelease(w http.ResponseWriter, r *http.Request) {
	const op = "milestone_release"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID, milestoneID := s.milestoneParams(r)
	receipt, err := s.escrow.ReleaseMilestone(r.Context(), projectID, milestoneID, actorID)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"release_amount":        receipt.Amount,
		"cumulative_released":   receipt.Cumulative,
		"transaction_id":        receipt.TransactionID,
		"milestone_status":      receipt.MilestoneStatus,
		"contract_status_after": receipt.ContractStatus,
	})
}

func (s *Server) handlePartialRelease(w http.ResponseWriter, r *http.Request) {
	const op = "milestone_release_partial"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req struct {
		Percent int64 `json:"percent"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID, milestoneID := s.milestoneParams(r)
	receipt, err := s.escrow.PartialRelease(r.Context(), projectID, milestoneID, req.Percent, actorID)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"release_amount":      receipt.Amount,
		"cumulative_released": receipt.Cumulative,
		"transaction_id":      receipt.TransactionID,
		"milestone_status":    receipt.MilestoneStatus,
	})
}

func (s *Server) handleBidSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "bid_submit"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req struct {
		ProjectID types.ID         `json:"project_id"`
		Proposer  types.AccountRef `json:"proposer"`
		Price     types.Amount     `json:"price"`
		ETADays   int              `json:"eta_days"`
		Pitch     string           `json:"pitch"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	if req.Proposer.ID.IsZero() {
		req.Proposer = types.UserAccount(actorID)
	}
	bid, err := s.bids.Submit(r.Context(), bids.Bid{
		ProjectID: req.ProjectID,
		Proposer:  req.Proposer,
		Price:     req.Price,
		ETADays:   req.ETADays,
		Pitch:     req.Pitch,
	}, actorID)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleBidAccept(w http.ResponseWriter, r *http.Request) {
	const op = "bid_accept"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	bidID := types.ID(chi.URLParam(r, "bidID"))
	result, err := s.bids.Accept(r.Context(), bidID, actorID)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contract":         result.Contract,
		"milestones":       result.Milestones,
		"rejected_bid_ids": result.RejectedBids,
	})
}

func (s *Server) handleBidReject(w http.ResponseWriter, r *http.Request) {
	const op = "bid_reject"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	bidID := types.ID(chi.URLParam(r, "bidID"))
	bid, err := s.bids.Reject(r.Context(), bidID, actorID, req.Reason)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

func (s *Server) handleBidWithdraw(w http.ResponseWriter, r *http.Request) {
	const op = "bid_withdraw"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	bidID := types.ID(chi.URLParam(r, "bidID"))
	bid, err := s.bids.Withdraw(r.Context(), bidID, actorID)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

func (s *Server) handleDisputeOpen(w http.ResponseWriter, r *http.Request) {
	const op = "dispute_open"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	projectID := types.ID(chi.URLParam(r, "projectID"))
	d, err := s.disputes.Open(r.Context(), projectID, actorID, req.Reason)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"dispute_id": d.ID, "status": d.Status})
}

func (s *Server) handleDisputeResolve(w http.ResponseWriter, r *http.Request) {
	const op = "dispute_resolve"
	start := time.Now()
	actorID, err := actor(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	var req dispute.Outcome
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, op, err)
		return
	}
	disputeID := types.ID(chi.URLParam(r, "disputeID"))
	txIDs, err := s.disputes.Resolve(r.Context(), disputeID, actorID, req)
	observe(op, start, err)
	if err != nil {
		s.writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_ids": txIDs})
}
