package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covenant-sec/covenant/internal/ledger"
	"github.com/covenant-sec/covenant/internal/model"
	"github.com/covenant-sec/covenant/internal/policy"
	"github.com/covenant-sec/covenant/internal/review"
	"github.com/covenant-sec/covenant/internal/rulestore"
	"github.com/covenant-sec/covenant/internal/sandbox"
)

// Server exposes the evaluation, review, rule, and audit APIs.
type Server struct {
	r           *chi.Mux
	rules       *rulestore.Store
	evaluator   *policy.Evaluator
	auditLog    *ledger.Ledger
	detector    *sandbox.Detector
	coordinator *review.Coordinator
}

// NewServer creates the HTTP server and mounts all routes.
func NewServer(rules *rulestore.Store, evaluator *policy.Evaluator, auditLog *ledger.Ledger, detector *sandbox.Detector, coordinator *review.Coordinator) *Server {
	s := &Server{
		r:           chi.NewRouter(),
		rules:       rules,
		evaluator:   evaluator,
		auditLog:    auditLog,
		detector:    detector,
		coordinator: coordinator,
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.r.Handle("/metrics", promhttp.Handler())

	s.r.Post("/evaluate", s.postEvaluate)

	s.r.Get("/reviews", s.getReviews)
	s.r.Post("/reviews/{id}/decide", s.postReviewDecide)

	s.r.Get("/audit/verify", s.getAuditVerify)
	s.r.Get("/audit/events", s.getAuditEvents)

	s.r.Get("/rules", s.getRules)
	s.r.Post("/rules", s.postRules)
	s.r.Delete("/rules/{name}", s.deleteRule)

	s.r.Post("/sandbox/telemetry", s.postTelemetry)

	s.r.Get("/stats", s.getStats)
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler { return s.r }

// EvaluateRequest is the POST /evaluate body.
type EvaluateRequest struct {
	AgentID   string                 `json:"agent_id"`
	Action    string                 `json:"action"`
	InputData map[string]interface{} `json:"input_data"`
}

// EvaluateResponse is the POST /evaluate reply.
type EvaluateResponse struct {
	EvaluationID    string        `json:"evaluation_id"`
	Result          model.Verdict `json:"result"`
	Violations      []string      `json:"violations"`
	ConfidenceScore float64       `json:"confidence_score"`
	CacheHit        bool          `json:"cache_hit"`
	ReviewRequestID string        `json:"review_request_id,omitempty"`
}

func (s *Server) postEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Action == "" {
		http.Error(w, "agent_id and action are required", http.StatusBadRequest)
		return
	}

	evaluation, err := s.evaluator.Evaluate(r.Context(), req.AgentID, req.Action, req.InputData)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := EvaluateResponse{
		EvaluationID:    evaluation.ID,
		Result:          evaluation.Result,
		Violations:      evaluation.Violations,
		ConfidenceScore: evaluation.ConfidenceScore,
		CacheHit:        evaluation.CacheHit,
	}

	// A review verdict always opens exactly one review request, keyed by the
	// evaluation ID.
	if evaluation.Result == model.VerdictReview {
		riskScore := reviewRiskScore(req.InputData)
		request, err := s.coordinator.Enqueue(evaluation.ID, req.AgentID, req.Action, riskScore,
			reviewPriority(riskScore), map[string]interface{}{"input_data": req.InputData}, evaluation.Violations)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.ReviewRequestID = request.RequestID
	}

	writeJSON(w, http.StatusOK, resp)
}

// reviewRiskScore pulls the caller-declared risk score, defaulting to a
// borderline value when absent.
func reviewRiskScore(input map[string]interface{}) float64 {
	if v, ok := input["riskScore"].(float64); ok && v >= 0 && v <= 1 {
		return v
	}
	return 0.5
}

func reviewPriority(riskScore float64) model.Severity {
	switch {
	case riskScore >= 0.9:
		return model.SeverityCritical
	case riskScore >= 0.7:
		return model.SeverityHigh
	case riskScore >= 0.4:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (s *Server) getReviews(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	var requests []*model.HumanReviewRequest
	switch status {
	case "", "pending":
		requests = s.coordinator.Pending()
	case "all":
		requests = s.coordinator.All()
	default:
		http.Error(w, "unknown status filter: "+status, http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": requests,
		"count":   len(requests),
	})
}

// DecideRequest is the POST /reviews/{id}/decide body.
type DecideRequest struct {
	Decision model.ReviewDecision `json:"decision"`
	Reviewer string               `json:"reviewer"`
	Notes    string               `json:"notes"`
}

func (s *Server) postReviewDecide(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Reviewer == "" {
		http.Error(w, "reviewer is required", http.StatusBadRequest)
		return
	}

	request, err := s.coordinator.Decide(requestID, req.Decision, req.Reviewer, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, review.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, review.ErrAlreadyDecided):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	writeJSON(w, http.StatusOK, request)
}

func (s *Server) getAuditVerify(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	from := parseInt64(r.URL.Query().Get("from"))
	to := parseInt64(r.URL.Query().Get("to"))

	var result ledger.VerifyResult
	if partition == "" {
		result, _ = s.auditLog.VerifyAll()
	} else {
		result, _ = s.auditLog.VerifyChain(partition, from, to)
	}

	// The verification outcome is the payload, broken or not; a broken chain
	// is a definitive answer, not a server error.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getAuditEvents(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	if partition == "" {
		http.Error(w, "partition query parameter is required", http.StatusBadRequest)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	auditEvents := s.auditLog.Events(partition, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": auditEvents,
		"count":  len(auditEvents),
	})
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != "false"
	rules := s.rules.List(activeOnly)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// PublishRuleRequest is the POST /rules body.
type PublishRuleRequest struct {
	Name    string           `json:"name"`
	Family  model.RuleFamily `json:"family"`
	Actions []string         `json:"actions"`
	Params  model.RuleParams `json:"params"`
}

func (s *Server) postRules(w http.ResponseWriter, r *http.Request) {
	var req PublishRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	ruleID, err := s.rules.Publish(model.PolicyRule{
		Name:    req.Name,
		Family:  req.Family,
		Actions: req.Actions,
		Params:  req.Params,
	})
	if err != nil {
		if errors.Is(err, rulestore.ErrInvalidRule) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"rule_id": ruleID})
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.rules.Deactivate(name); err != nil {
		if errors.Is(err, rulestore.ErrRuleNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deactivated"})
}

// TelemetryRequest is the POST /sandbox/telemetry body.
type TelemetryRequest struct {
	SandboxID string                 `json:"sandbox_id"`
	AgentID   string                 `json:"agent_id"`
	Telemetry model.SandboxTelemetry `json:"telemetry"`
}

func (s *Server) postTelemetry(w http.ResponseWriter, r *http.Request) {
	var req TelemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SandboxID == "" || req.AgentID == "" {
		http.Error(w, "sandbox_id and agent_id are required", http.StatusBadRequest)
		return
	}

	violation, err := s.detector.Classify(r.Context(), req.SandboxID, req.AgentID, req.Telemetry)
	if err != nil {
		// Containment failure: the violation is real and recorded, but the
		// sandbox is not confirmed isolated.
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"violation": violation,
			"error":     err.Error(),
		})
		return
	}
	if violation == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"violation": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"violation": violation})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":   s.rules.GetStats(),
		"audit":   s.auditLog.GetStats(),
		"reviews": s.coordinator.GetStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
