package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"delever/native/delever"
	"delever/observability/metrics"
)

// Server exposes the orchestrator over HTTP. Whitelist mutations are admin
// only, repayment triggers are operator only, and users may only write their
// own policy.
type Server struct {
	engine    *delever.Engine
	whitelist *delever.Whitelist
	policies  *delever.PolicyStore
	auth      *Authenticator
	logger    *slog.Logger
	metrics   *metrics.DeleverMetrics

	rateLimitPerMin int
	router          http.Handler
}

// Config bundles the dependencies required to construct the server.
type Config struct {
	Engine          *delever.Engine
	Whitelist       *delever.Whitelist
	Policies        *delever.PolicyStore
	JWTSecret       string
	Logger          *slog.Logger
	RateLimitPerMin int
}

// New constructs a configured HTTP server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:          cfg.Engine,
		whitelist:       cfg.Whitelist,
		policies:        cfg.Policies,
		auth:            NewAuthenticator(cfg.JWTSecret),
		logger:          logger,
		metrics:         metrics.Delever(),
		rateLimitPerMin: cfg.RateLimitPerMin,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(RateLimit(s.rateLimitPerMin))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.With(RequireRole(RoleAdmin, RoleOperator, RoleUser)).Get("/whitelist", s.listWhitelist)
		api.With(RequireRole(RoleAdmin)).Post("/whitelist/add", s.addOperator)
		api.With(RequireRole(RoleAdmin)).Post("/whitelist/remove", s.removeOperator)
		api.With(RequireRole(RoleAdmin, RoleOperator, RoleUser)).Get("/policy/{address}", s.getPolicy)
		api.With(RequireRole(RoleAdmin, RoleUser)).Post("/policy", s.setPolicy)
		api.With(RequireRole(RoleOperator)).Post("/repay", s.repay)
	})

	return r
}

type whitelistMutation struct {
	Operator string `json:"operator"`
}

func (s *Server) listWhitelist(w http.ResponseWriter, _ *http.Request) {
	members := s.whitelist.List()
	out := make([]string, 0, len(members))
	for _, member := range members {
		out = append(out, member.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out})
}

func (s *Server) addOperator(w http.ResponseWriter, r *http.Request) {
	var req whitelistMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	operator, err := parseAddress(req.Operator)
	if err != nil {
		http.Error(w, "invalid operator address", http.StatusBadRequest)
		return
	}
	added, err := s.whitelist.Add(operator)
	if err != nil {
		s.logger.Error("whitelist add failed", "operator", operator.Hex(), "error", err)
		http.Error(w, "persist whitelist", http.StatusInternalServerError)
		return
	}
	s.metrics.SetWhitelistSize(len(s.whitelist.List()))
	s.logger.Info("whitelist add", "operator", operator.Hex(), "added", added)
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) removeOperator(w http.ResponseWriter, r *http.Request) {
	var req whitelistMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	operator, err := parseAddress(req.Operator)
	if err != nil {
		http.Error(w, "invalid operator address", http.StatusBadRequest)
		return
	}
	removed, err := s.whitelist.Remove(operator)
	if err != nil {
		s.logger.Error("whitelist remove failed", "operator", operator.Hex(), "error", err)
		http.Error(w, "persist whitelist", http.StatusInternalServerError)
		return
	}
	s.metrics.SetWhitelistSize(len(s.whitelist.List()))
	s.logger.Info("whitelist remove", "operator", operator.Hex(), "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	policy := s.policies.Get(user)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":            user.Hex(),
		"minHealthFactor": policy.Min().String(),
		"maxHealthFactor": policy.Max().String(),
	})
}

type policyRequest struct {
	User            string `json:"user"`
	MinHealthFactor string `json:"minHealthFactor"`
	MaxHealthFactor string `json:"maxHealthFactor"`
}

func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	claims, err := FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		http.Error(w, "invalid user address", http.StatusBadRequest)
		return
	}
	// Users write only their own policy; admins may write any.
	if claims.Role != RoleAdmin {
		subject, err := parseAddress(claims.Subject)
		if err != nil || subject != user {
			http.Error(w, "policy writes are restricted to the owning user", http.StatusForbidden)
			return
		}
	}
	minHF, err := parseAmount(req.MinHealthFactor)
	if err != nil {
		http.Error(w, "invalid minHealthFactor", http.StatusBadRequest)
		return
	}
	maxHF, err := parseAmount(req.MaxHealthFactor)
	if err != nil {
		http.Error(w, "invalid maxHealthFactor", http.StatusBadRequest)
		return
	}
	if err := s.policies.Set(user, minHF, maxHF); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.IncPolicyMutation()
	s.logger.Info("policy set", "user", user.Hex(), "min", minHF.String(), "max", maxHF.String())
	writeJSON(w, http.StatusOK, map[string]any{"user": user.Hex()})
}

type permitPayload struct {
	Value    string `json:"value"`
	Deadline string `json:"deadline"`
	V        uint8  `json:"v"`
	R        string `json:"r"`
	S        string `json:"s"`
}

type repayRequest struct {
	User                string         `json:"user"`
	CollateralAsset     string         `json:"collateralAsset"`
	DebtAsset           string         `json:"debtAsset"`
	CollateralAmount    string         `json:"collateralAmount"`
	DebtRepayAmount     string         `json:"debtRepayAmount"`
	RateMode            uint8          `json:"rateMode"`
	ViaNative           bool           `json:"viaNative"`
	CollateralAsReceipt bool           `json:"collateralAsReceipt"`
	DebtAsReceipt       bool           `json:"debtAsReceipt"`
	UseFinancing        bool           `json:"useFinancing"`
	Permit              *permitPayload `json:"permit,omitempty"`
}

type repayResponse struct {
	OperationID      string `json:"operationId"`
	DebtRepaid       string `json:"debtRepaid"`
	CollateralPulled string `json:"collateralPulled"`
	FeePaid          string `json:"feePaid"`
	Premium          string `json:"premium"`
	HealthBefore     string `json:"healthBefore"`
	HealthAfter      string `json:"healthAfter"`
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	claims, err := FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	operator, err := parseAddress(claims.Subject)
	if err != nil {
		http.Error(w, "operator token subject must be an address", http.StatusBadRequest)
		return
	}

	var req repayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	request, err := req.toRequest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opID := uuid.NewString()
	path := "direct"
	if request.UseFinancing {
		path = "financed"
	}
	logger := s.logger.With("op", opID, "path", path, "user", request.User.Hex(), "operator", operator.Hex())

	start := time.Now()
	var exec *delever.ExecutedRepay
	if request.UseFinancing {
		exec, err = s.engine.IncreaseHealthFactorWithFinancing(operator, request)
	} else {
		exec, err = s.engine.IncreaseHealthFactor(operator, request)
	}
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.ObserveRepayment(path, outcomeLabel(err), elapsed.Seconds())
		logger.Warn("repayment rejected", "error", err)
		writeError(w, err)
		return
	}

	s.metrics.ObserveRepayment(path, "committed", elapsed.Seconds())
	s.metrics.AddFeesPaid(floatFrom(exec.FeePaid))
	s.metrics.AddPremiumPaid(floatFrom(exec.Premium))
	logger.Info("repayment committed",
		"debtRepaid", exec.DebtRepaid.String(),
		"collateralPulled", exec.CollateralPulled.String(),
		"feePaid", exec.FeePaid.String(),
	)

	writeJSON(w, http.StatusOK, repayResponse{
		OperationID:      opID,
		DebtRepaid:       exec.DebtRepaid.String(),
		CollateralPulled: exec.CollateralPulled.String(),
		FeePaid:          exec.FeePaid.String(),
		Premium:          exec.Premium.String(),
		HealthBefore:     exec.HealthBefore.String(),
		HealthAfter:      exec.HealthAfter.String(),
	})
}

func (req repayRequest) toRequest() (*delever.RequestedRepay, error) {
	user, err := parseAddress(req.User)
	if err != nil {
		return nil, errors.New("invalid user address")
	}
	collateral, err := parseAddress(req.CollateralAsset)
	if err != nil {
		return nil, errors.New("invalid collateral asset")
	}
	debt, err := parseAddress(req.DebtAsset)
	if err != nil {
		return nil, errors.New("invalid debt asset")
	}
	collateralAmount, err := parseAmount(req.CollateralAmount)
	if err != nil {
		return nil, errors.New("invalid collateral amount")
	}
	debtRepayAmount, err := parseAmount(req.DebtRepayAmount)
	if err != nil {
		return nil, errors.New("invalid debt repay amount")
	}

	out := &delever.RequestedRepay{
		User:                user,
		CollateralAsset:     collateral,
		DebtAsset:           debt,
		CollateralAmount:    collateralAmount,
		DebtRepayAmount:     debtRepayAmount,
		RateMode:            delever.RateMode(req.RateMode),
		ViaNative:           req.ViaNative,
		CollateralAsReceipt: req.CollateralAsReceipt,
		DebtAsReceipt:       req.DebtAsReceipt,
		UseFinancing:        req.UseFinancing,
	}
	if req.Permit != nil {
		value, err := parseAmount(req.Permit.Value)
		if err != nil {
			return nil, errors.New("invalid permit value")
		}
		deadline, err := parseAmount(req.Permit.Deadline)
		if err != nil {
			return nil, errors.New("invalid permit deadline")
		}
		permit := &delever.Permit{Value: value, Deadline: deadline, V: req.Permit.V}
		if err := parseBytes32(req.Permit.R, &permit.R); err != nil {
			return nil, errors.New("invalid permit r")
		}
		if err := parseBytes32(req.Permit.S, &permit.S); err != nil {
			return nil, errors.New("invalid permit s")
		}
		out.Permit = permit
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps orchestration failures to HTTP statuses: request defects to
// 400, authorization to 403, and state-dependent rejections to 409.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, delever.ErrInvalidAmount), errors.Is(err, delever.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, delever.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, delever.ErrHealthFactorNotLow),
		errors.Is(err, delever.ErrHealthFactorOutOfRange),
		errors.Is(err, delever.ErrSlippageExceeded),
		errors.Is(err, delever.ErrInsufficientDebtToRepay):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, delever.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, delever.ErrHealthFactorNotLow):
		return "not_low"
	case errors.Is(err, delever.ErrHealthFactorOutOfRange):
		return "out_of_range"
	case errors.Is(err, delever.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, delever.ErrInsufficientDebtToRepay):
		return "no_debt"
	case errors.Is(err, delever.ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "error"
	}
}

// floatFrom approximates a ledger amount for the monitoring counters. The
// precision loss above 2^53 is acceptable there; exact amounts are in the
// response and the logs.
func floatFrom(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	return f
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("invalid amount")
	}
	return amount, nil
}

func parseBytes32(raw string, out *[32]byte) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return errors.New("expected 32 bytes of hex")
	}
	copy(out[:], decoded)
	return nil
}
