// Package httpapi exposes the gateway over JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
)

// maxBodyBytes bounds a request payload.
const maxBodyBytes = 1 << 20

// Gateway is the subset of *creditgate.Gateway the HTTP surface needs.
type Gateway interface {
	SubmitRequest(ctx context.Context, accountID string, req creditgate.Request) (creditgate.RequestResult, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	GetTransactionHistory(ctx context.Context, accountID string, from, to time.Time) ([]creditgate.Transaction, error)
	Providers() []creditgate.ProviderStatus
}

// Server routes HTTP requests to a Gateway.
type Server struct {
	gw       Gateway
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server over gw.
func New(gw Gateway, opts ...Option) *Server {
	s := &Server{gw: gw}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.logger = s.logger.With(zap.String("component", "httpapi"))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/accounts/{id}/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/accounts/{id}/balance", s.handleBalance)
	mux.HandleFunc("GET /v1/accounts/{id}/transactions", s.handleHistory)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
	Shortfall int64  `json:"shortfall,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type historyResponse struct {
	AccountID    string                   `json:"account_id"`
	Transactions []creditgate.Transaction `json:"transactions"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	var req creditgate.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorInfo{
			Code:    "invalid_json",
			Message: err.Error(),
		}})
		return
	}

	res, err := s.gw.SubmitRequest(r.Context(), accountID, req)
	if err != nil {
		s.writeError(w, accountID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	bal, err := s.gw.GetBalance(r.Context(), accountID)
	if err != nil {
		s.writeError(w, accountID, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: bal})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorInfo{Code: "invalid_range", Message: err.Error()}})
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorInfo{Code: "invalid_range", Message: err.Error()}})
		return
	}

	txs, err := s.gw.GetTransactionHistory(r.Context(), accountID, from, to)
	if err != nil {
		s.writeError(w, accountID, err)
		return
	}
	if txs == nil {
		txs = []creditgate.Transaction{}
	}
	writeJSON(w, http.StatusOK, historyResponse{AccountID: accountID, Transactions: txs})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Providers())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps gateway errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, accountID string, err error) {
	var (
		status = http.StatusInternalServerError
		info   = errorInfo{Code: "internal", Message: "internal error"}

		clsErr   *creditgate.ClassificationError
		fundsErr *creditgate.InsufficientFundsError
		tierErr  *creditgate.NoEligibleProviderError
	)

	switch {
	case errors.As(err, &clsErr):
		status = http.StatusBadRequest
		info = errorInfo{Code: "malformed_request", Message: clsErr.Reason}
	case errors.As(err, &fundsErr):
		status = http.StatusPaymentRequired
		info = errorInfo{
			Code:      "insufficient_funds",
			Message:   "balance does not cover the cheapest eligible candidate",
			Required:  fundsErr.Required,
			Available: fundsErr.Available,
			Shortfall: fundsErr.Shortfall(),
		}
	case errors.As(err, &tierErr):
		status = http.StatusServiceUnavailable
		info = errorInfo{
			Code:      "no_eligible_provider",
			Message:   fmt.Sprintf("no provider serves tier %s", tierErr.Tier),
			Retryable: true,
			Tier:      string(tierErr.Tier),
		}
	case errors.Is(err, creditgate.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
		info = errorInfo{Code: "provider_unavailable", Message: "all candidate providers failed", Retryable: true}
	case errors.Is(err, creditgate.ErrAccountNotFound):
		status = http.StatusNotFound
		info = errorInfo{Code: "account_not_found", Message: "unknown account"}
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.String("account_id", accountID), zap.Error(err))
	} else {
		s.logger.Debug("request rejected",
			zap.String("account_id", accountID),
			zap.Int("status", status),
			zap.String("code", info.Code),
		)
	}
	writeJSON(w, status, errorBody{Error: info})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q is not RFC3339", s)
	}
	return t, nil
}
