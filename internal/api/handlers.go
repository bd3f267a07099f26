package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tradearena/paperbroker/internal/audit"
	"github.com/tradearena/paperbroker/internal/auth"
	"github.com/tradearena/paperbroker/internal/db"
	"github.com/tradearena/paperbroker/internal/engine"
	"github.com/tradearena/paperbroker/internal/ledger"
	"github.com/tradearena/paperbroker/internal/models"
	"github.com/tradearena/paperbroker/internal/oracle"
	"github.com/tradearena/paperbroker/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Ledger      *ledger.Service
	Engine      *engine.Engine
	Recorder    *audit.Recorder
	Oracle      oracle.Oracle
	AuthService *auth.AuthService
	Hub         *ws.Hub
	Log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, ledgerSvc *ledger.Service, eng *engine.Engine, recorder *audit.Recorder, o oracle.Oracle, authService *auth.AuthService, hub *ws.Hub, log zerolog.Logger) *Handler {
	return &Handler{
		DB:          database,
		Ledger:      ledgerSvc,
		Engine:      eng,
		Recorder:    recorder,
		Oracle:      o,
		AuthService: authService,
		Hub:         hub,
		Log:         log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts every endpoint on a fresh router. CORS and request logging
// are the server's concern and layered on top.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Post("/register", h.Register)
	r.Post("/login", h.Login)

	r.Get("/traders", h.ListTraders)
	r.Get("/accounts", h.ListAccountSummaries)
	r.Get("/accounts/{accountID}", h.GetAccountSummary)
	r.Get("/executions", h.ListExecutions)
	r.Get("/stats", h.GetStats)
	r.Get("/prices/{asset}", h.GetPrice)
	r.Get("/healthz", h.Health)
	r.Get("/ws", h.WebSocket)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/traders", h.RegisterTrader)
		r.Post("/accounts/initialize", h.InitializeAccounts)
		r.Post("/signals", h.SubmitSignal)
	})

	return r
}

// Register handles operator registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles operator login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		// Add user_id to context
		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RegisterTrader creates a trader registry entry and seeds its account
func (h *Handler) RegisterTrader(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, `{"error": "Name required"}`, http.StatusBadRequest)
		return
	}

	trader, err := h.Ledger.Register(r.Context(), req.Name, req.Model)
	if err != nil {
		if errors.Is(err, ledger.ErrTraderExists) {
			http.Error(w, `{"error": "Trader already registered"}`, http.StatusConflict)
			return
		}
		h.Log.Error().Err(err).Str("name", req.Name).Msg("trader registration failed")
		http.Error(w, `{"error": "Failed to register trader"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(trader)
}

// ListTraders returns the trader registry
func (h *Handler) ListTraders(w http.ResponseWriter, r *http.Request) {
	traders, err := h.Ledger.Traders(r.Context())
	if err != nil {
		h.Log.Error().Err(err).Msg("trader list failed")
		http.Error(w, `{"error": "Failed to retrieve traders"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(traders)
}

// InitializeAccounts seeds every registered account
func (h *Handler) InitializeAccounts(w http.ResponseWriter, r *http.Request) {
	results, err := h.Ledger.InitializeAll(r.Context())
	if err != nil {
		h.Log.Error().Err(err).Msg("account initialization failed")
		http.Error(w, `{"error": "Failed to initialize accounts"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
}

// SubmitSignal runs one trade decision through validation and execution. The
// response is always the execution record; business-rule failures are a 200
// with status "failed", only infrastructure errors are a 500.
func (h *Handler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID    string              `json:"account_id"`
		Trader       string              `json:"trader"`
		PromptID     *int64              `json:"prompt_id"`
		Asset        string              `json:"asset"`
		Signal       string              `json:"signal"`
		Quantity     decimal.NullDecimal `json:"quantity"`
		StopLoss     decimal.NullDecimal `json:"stop_loss"`
		ProfitTarget decimal.NullDecimal `json:"profit_target"`
		RiskQuote    decimal.NullDecimal `json:"risk_quote"`
		Confidence   decimal.NullDecimal `json:"confidence"`
		Rationale    string              `json:"rationale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	accountID, ok := h.resolveAccount(w, r, req.AccountID, req.Trader)
	if !ok {
		return
	}

	sig := &models.TradeSignal{
		PromptID:     req.PromptID,
		AccountID:    accountID,
		Asset:        req.Asset,
		Signal:       req.Signal,
		Quantity:     req.Quantity,
		StopLoss:     req.StopLoss,
		ProfitTarget: req.ProfitTarget,
		RiskQuote:    req.RiskQuote,
		Confidence:   req.Confidence,
		Rationale:    req.Rationale,
	}

	record, err := h.Engine.Submit(r.Context(), sig)
	if err != nil {
		h.Log.Error().Err(err).Stringer("account", accountID).Msg("signal submission failed")
		http.Error(w, `{"error": "Failed to record execution"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(record)
}

// resolveAccount maps a request to an account id via an explicit id or a
// registered trader name. Writes the error response itself when it fails.
func (h *Handler) resolveAccount(w http.ResponseWriter, r *http.Request, accountID, trader string) (uuid.UUID, bool) {
	if accountID != "" {
		id, err := uuid.Parse(accountID)
		if err != nil {
			http.Error(w, `{"error": "Invalid account ID"}`, http.StatusBadRequest)
			return uuid.Nil, false
		}
		return id, true
	}

	if trader != "" {
		t, err := h.Ledger.Lookup(r.Context(), trader)
		if err != nil {
			if errors.Is(err, ledger.ErrUnknownTrader) {
				http.Error(w, `{"error": "Unknown trader"}`, http.StatusNotFound)
				return uuid.Nil, false
			}
			h.Log.Error().Err(err).Str("trader", trader).Msg("trader lookup failed")
			http.Error(w, `{"error": "Failed to resolve trader"}`, http.StatusInternalServerError)
			return uuid.Nil, false
		}
		return t.AccountID, true
	}

	http.Error(w, `{"error": "account_id or trader required"}`, http.StatusBadRequest)
	return uuid.Nil, false
}

// GetAccountSummary values one account at current prices
func (h *Handler) GetAccountSummary(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, `{"error": "Invalid account ID"}`, http.StatusBadRequest)
		return
	}

	summary, err := h.Ledger.Summary(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, `{"error": "Account not found"}`, http.StatusNotFound)
			return
		}
		h.Log.Error().Err(err).Stringer("account", accountID).Msg("summary failed")
		http.Error(w, `{"error": "Failed to build summary"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(summary)
}

// ListAccountSummaries values every registered account. Traders whose
// accounts were never initialized are skipped.
func (h *Handler) ListAccountSummaries(w http.ResponseWriter, r *http.Request) {
	traders, err := h.Ledger.Traders(r.Context())
	if err != nil {
		h.Log.Error().Err(err).Msg("trader list failed")
		http.Error(w, `{"error": "Failed to retrieve traders"}`, http.StatusInternalServerError)
		return
	}

	type entry struct {
		Name    string                 `json:"name"`
		Model   string                 `json:"model"`
		Summary *models.AccountSummary `json:"summary"`
	}
	out := make([]entry, 0, len(traders))
	for _, t := range traders {
		summary, err := h.Ledger.Summary(r.Context(), t.AccountID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				continue
			}
			h.Log.Error().Err(err).Str("trader", t.Name).Msg("summary failed")
			http.Error(w, `{"error": "Failed to build summaries"}`, http.StatusInternalServerError)
			return
		}
		out = append(out, entry{Name: t.Name, Model: t.Model, Summary: summary})
	}

	json.NewEncoder(w).Encode(out)
}

// ListExecutions returns the audit trail, newest first
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	var filter models.ExecutionFilter

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, `{"error": "Invalid limit"}`, http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("status"); v != "" {
		if !models.ValidExecStatus(v) {
			http.Error(w, `{"error": "Invalid status"}`, http.StatusBadRequest)
			return
		}
		status := models.ExecStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("account_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, `{"error": "Invalid account ID"}`, http.StatusBadRequest)
			return
		}
		filter.AccountID = &id
	}

	records, err := h.Recorder.List(r.Context(), filter)
	if err != nil {
		h.Log.Error().Err(err).Msg("execution list failed")
		http.Error(w, `{"error": "Failed to retrieve executions"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(records)
}

// GetStats aggregates the audit trail, optionally for one account
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	var accountID *uuid.UUID
	if v := r.URL.Query().Get("account_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, `{"error": "Invalid account ID"}`, http.StatusBadRequest)
			return
		}
		accountID = &id
	}

	stats, err := h.Recorder.Stats(r.Context(), accountID)
	if err != nil {
		h.Log.Error().Err(err).Msg("stats failed")
		http.Error(w, `{"error": "Failed to compute stats"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(stats)
}

// GetPrice returns the latest known price for an asset, or the price as of a
// point in time when ?at= is given (RFC 3339)
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	var price decimal.Decimal
	var err error
	if v := r.URL.Query().Get("at"); v != "" {
		at, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			http.Error(w, `{"error": "Invalid at timestamp"}`, http.StatusBadRequest)
			return
		}
		price, err = h.Oracle.PriceAsOf(r.Context(), asset, at)
	} else {
		price, err = h.Oracle.LatestPrice(r.Context(), asset)
	}

	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) {
			http.Error(w, `{"error": "Price unavailable"}`, http.StatusNotFound)
			return
		}
		h.Log.Error().Err(err).Str("asset", asset).Msg("price lookup failed")
		http.Error(w, `{"error": "Failed to look up price"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"asset": asset,
		"price": price,
	})
}

// Health reports liveness and database reachability
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		http.Error(w, `{"error": "Database unreachable"}`, http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// WebSocket upgrades the connection and registers it for summary broadcasts
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.Hub.Add(conn)
	go func() {
		defer h.Hub.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
