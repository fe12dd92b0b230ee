// Package server exposes the HTTP API: event lifecycle management,
// rotating QR codes, attendance verification, and cached chain queries.
// The API is non-authoritative by design; everything it serves can be
// recomputed from the chain.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ckbpop/errs"
	"ckbpop/lifecycle"
	"ckbpop/observability"
	"ckbpop/proof"
)

// Pinger is the liveness probe the health endpoint runs against storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	Service         *lifecycle.Service
	Store           Pinger
	Ledger          lifecycle.Ledger
	Logger          *slog.Logger
	QRRatePerSecond float64
	QRRateBurst     int
}

// Server is the HTTP front of the service.
type Server struct {
	svc     *lifecycle.Service
	store   Pinger
	ledger  lifecycle.Ledger
	log     *slog.Logger
	metrics *observability.ProofMetrics
	router  chi.Router
}

func New(cfg Config) *Server {
	s := &Server{
		svc:     cfg.Service,
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		log:     cfg.Logger,
		metrics: observability.Proof(),
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	qrLimit := newQRRateLimiter(cfg.QRRatePerSecond, cfg.QRRateBurst)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events/intent", s.handleSubmitIntent)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/{id}", s.handleGetEvent)
		r.Post("/events/{id}/activate", s.handleActivate)
		r.Post("/events/{id}/window", s.handleSetWindow)
		r.With(qrLimit.middleware).Get("/events/{id}/qr", s.handleIssueQR)
		r.Post("/attendance/verify", s.handleVerifyAttendance)
		r.Post("/badges/pending", s.handlePendingBadge)
		r.Get("/badges", s.handleListBadges)
		r.Get("/payments/{tx_hash}", s.handlePaymentStatus)
	})
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("failed to encode response", slog.Any("error", err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindInvalidProof:
		status = http.StatusBadRequest
	case errs.KindTransient:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.Any("error", err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

type submitIntentResponse struct {
	EventID   string    `json:"event_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var intent lifecycle.PaymentIntent
	if !s.decode(w, r, &intent) {
		return
	}
	stored, err := s.svc.SubmitIntent(r.Context(), intent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, submitIntentResponse{
		EventID:   stored.Preimage.EventID(),
		ExpiresAt: stored.ExpiresAt,
	})
}

type activateRequest struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !s.decode(w, r, &req) {
		return
	}
	event, err := s.svc.Activate(r.Context(), chi.URLParam(r, "id"), req.TxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

type setWindowRequest struct {
	WindowStart      int64  `json:"window_start"`
	WindowEnd        *int64 `json:"window_end"`
	CreatorSignature string `json:"creator_signature"`
}

func (s *Server) handleSetWindow(w http.ResponseWriter, r *http.Request) {
	var req setWindowRequest
	if !s.decode(w, r, &req) {
		return
	}
	window, err := s.svc.SetWindow(r.Context(), chi.URLParam(r, "id"), req.WindowStart, req.WindowEnd, req.CreatorSignature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, window)
}

type eventListResponse struct {
	Events []lifecycle.ActiveEvent `json:"events"`
	Cached bool                    `json:"cached"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Events(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, eventListResponse{Events: events, Cached: true})
}

type eventDetailResponse struct {
	Event           *lifecycle.ActiveEvent `json:"event"`
	VerifiedAtBlock *uint64                `json:"verified_at_block,omitempty"`
	Cached          bool                   `json:"cached"`
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.svc.EventByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := eventDetailResponse{Event: event, Cached: true}
	if boolParam(r, "verify") {
		if tip, err := s.ledger.TipBlockNumber(r.Context()); err == nil {
			resp.VerifiedAtBlock = &tip
			resp.Cached = false
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIssueQR(w http.ResponseWriter, r *http.Request) {
	event, err := s.svc.EventByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	issue, err := s.svc.IssueQR(r.Context(), event.EventID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveQRIssued()
	s.writeJSON(w, http.StatusOK, issue)
}

type verifyResponse struct {
	Success         bool   `json:"success"`
	EventID         string `json:"event_id"`
	AttendeeAddress string `json:"attendee_address"`
}

func (s *Server) handleVerifyAttendance(w http.ResponseWriter, r *http.Request) {
	var p proof.AttendanceProof
	if !s.decode(w, r, &p) {
		return
	}
	err := s.svc.RecordAttendance(r.Context(), p)
	if err != nil {
		s.metrics.ObserveVerification(verificationOutcome(err))
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveVerification("accepted")
	s.writeJSON(w, http.StatusOK, verifyResponse{
		Success:         true,
		EventID:         p.EventID,
		AttendeeAddress: p.AttendeeAddress,
	})
}

func verificationOutcome(err error) string {
	if errors.Is(err, proof.ErrReplayDetected) {
		return "replay"
	}
	switch errs.KindOf(err) {
	case errs.KindInvalidProof:
		return "invalid"
	case errs.KindConflict:
		return "window_closed"
	case errs.KindNotFound:
		return "not_found"
	default:
		return "error"
	}
}

type pendingBadgeRequest struct {
	EventID       string `json:"event_id"`
	HolderAddress string `json:"holder_address"`
	MintTxHash    string `json:"mint_tx_hash"`
}

func (s *Server) handlePendingBadge(w http.ResponseWriter, r *http.Request) {
	var req pendingBadgeRequest
	if !s.decode(w, r, &req) {
		return
	}
	badge, err := s.svc.RecordPendingBadge(r.Context(), req.EventID, req.HolderAddress, req.MintTxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, badge)
}

func (s *Server) handleListBadges(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	eventID := r.URL.Query().Get("event")
	verify := boolParam(r, "verify")

	var (
		list *lifecycle.BadgeList
		err  error
	)
	switch {
	case address != "":
		list, err = s.svc.BadgesByHolder(r.Context(), address, verify)
	case eventID != "":
		list, err = s.svc.BadgesByEvent(r.Context(), eventID, verify)
	default:
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "address or event query parameter required"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.PaymentStatus(r.Context(), chi.URLParam(r, "tx_hash"), boolParam(r, "verify"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type healthResponse struct {
	Status            string  `json:"status"`
	CKBRPC            string  `json:"ckb_rpc"`
	Cache             string  `json:"cache"`
	LastBlockObserved *uint64 `json:"last_block_observed,omitempty"`
	Note              string  `json:"note"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "operational",
		CKBRPC: "unreachable",
		Cache:  "unreachable",
		Note:   "This backend is non-authoritative. Protocol functions without it.",
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if tip, err := s.ledger.TipBlockNumber(ctx); err == nil {
		resp.CKBRPC = "ok"
		resp.LastBlockObserved = &tip
	} else {
		resp.Status = "degraded"
	}
	if err := s.store.Ping(ctx); err == nil {
		resp.Cache = "ok"
	} else {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "operational" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func boolParam(r *http.Request, key string) bool {
	value, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && value
}
