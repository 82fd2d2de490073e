package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/internal/breaker"
	"github.com/volguard/controlplane/internal/risk"
	"github.com/volguard/controlplane/internal/storage"
	"github.com/volguard/controlplane/internal/strategybuilder"
	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

// ChainSource fetches the live option chain for a given expiry, used to
// preview or build strategies on demand.
type ChainSource interface {
	GetOptionChain(ctx context.Context, expiry time.Time) ([]types.ChainRow, error)
	GetLTP(ctx context.Context, key types.InstrumentKey) (decimal.Decimal, error)
}

// Cycle is the subset of the Trading Controller the API can trigger
// on demand.
type Cycle interface {
	RunCycle(ctx context.Context)
}

// Executor is the subset of the Order Orchestrator the API drives.
type Executor interface {
	ExecuteStrategy(ctx context.Context, mandate types.TradingMandate, legs []types.OptionLeg) (*types.Trade, error)
	ExitStrategy(ctx context.Context, trade *types.Trade, reason string) error
}

// Config configures the HTTP/WebSocket server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxLossPerTrade decimal.Decimal
	NiftyKey        types.InstrumentKey
}

// Server is the HTTP and WebSocket facade over the control plane (C12).
type Server struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *hub

	store   *storage.Store
	cycle   Cycle
	exec    Executor
	riskMgr *risk.Manager
	brk     *breaker.Breaker
	chain   ChainSource
	reg     *prometheus.Registry
}

// NewServer constructs the API server and wires its routes. reg may be nil,
// in which case /metrics is not mounted.
func NewServer(logger *zap.Logger, cfg Config, store *storage.Store, cycle Cycle, exec Executor, riskMgr *risk.Manager, brk *breaker.Breaker, chain ChainSource, reg *prometheus.Registry) *Server {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		router:  mux.NewRouter(),
		store:   store,
		cycle:   cycle,
		exec:    exec,
		riskMgr: riskMgr,
		brk:     brk,
		chain:   chain,
		reg:     reg,
		hub:     newHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Hub exposes the WebSocket broadcaster for wiring into the Position
// Monitor.
func (s *Server) Hub() *hub { return s.hub }

// Router exposes the underlying mux.Router, mainly so tests can drive it
// with httptest.NewServer without binding a real listener.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/analysis/run", s.handleRunAnalysis).Methods(http.MethodPost)
	s.router.HandleFunc("/api/analysis/latest", s.handleLatestAnalysis).Methods(http.MethodGet)
	s.router.HandleFunc("/api/orders/execute-strategy", s.handleExecuteStrategy).Methods(http.MethodPost)
	s.router.HandleFunc("/api/orders/exit-trade", s.handleExitTrade).Methods(http.MethodPost)
	s.router.HandleFunc("/api/orders/build-strategy", s.handleBuildStrategy).Methods(http.MethodPost)
	s.router.HandleFunc("/api/orders/risk-status", s.handleRiskStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/positions/{trade_id}", s.handlePositionDetail).Methods(http.MethodGet)
	s.router.HandleFunc("/api/positions/exit-all", s.handleExitAll).Methods(http.MethodPost)
	s.router.HandleFunc("/api/trades/history", s.handleTradeHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Start launches the HTTP server and the WebSocket hub's fan-out loop.
func (s *Server) Start() error {
	go s.hub.run()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type errEnvelope struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errEnvelope{Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	s.cycle.RunCycle(r.Context())
	snapshot, ok := s.store.LatestAnalysis()
	if !ok {
		writeErr(w, http.StatusServiceUnavailable, "analysis cycle produced no snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.store.LatestAnalysis()
	if !ok {
		writeErr(w, http.StatusNotFound, "no analysis has run yet")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type executeStrategyRequest struct {
	Mandate      types.TradingMandate `json:"mandate"`
	ValidateOnly bool                 `json:"validate_only"`
}

func (s *Server) handleExecuteStrategy(w http.ResponseWriter, r *http.Request) {
	var req executeStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	legs, spot, err := s.previewLegs(r.Context(), req.Mandate)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	_ = spot

	violations := s.riskMgr.Validate(r.Context(), legs, req.Mandate.DeploymentAmount, s.portfolioFromStore())
	if len(violations) > 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"legs": legs, "violations": violations, "executed": false})
		return
	}
	if req.ValidateOnly {
		writeJSON(w, http.StatusOK, map[string]interface{}{"legs": legs, "violations": violations, "executed": false})
		return
	}

	trade, err := s.exec.ExecuteStrategy(r.Context(), req.Mandate, legs)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trade": trade, "executed": trade != nil})
}

type exitTradeRequest struct {
	TradeID string `json:"trade_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleExitTrade(w http.ResponseWriter, r *http.Request) {
	var req exitTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	trade, ok := s.store.GetTrade(req.TradeID)
	if !ok {
		writeErr(w, http.StatusNotFound, "trade not found: "+req.TradeID)
		return
	}
	if err := s.exec.ExitStrategy(r.Context(), trade, req.Reason); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleBuildStrategy(w http.ResponseWriter, r *http.Request) {
	var mandate types.TradingMandate
	if err := json.NewDecoder(r.Body).Decode(&mandate); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	legs, _, err := s.previewLegs(r.Context(), mandate)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"legs": legs})
}

func (s *Server) previewLegs(ctx context.Context, mandate types.TradingMandate) ([]types.OptionLeg, decimal.Decimal, error) {
	spot, err := s.chain.GetLTP(ctx, s.cfg.NiftyKey)
	if err != nil {
		return nil, decimal.Zero, err
	}
	expiry := time.Now().AddDate(0, 0, 7)
	rows, err := s.chain.GetOptionChain(ctx, expiry)
	if err != nil {
		return nil, decimal.Zero, err
	}
	// No live VolMetrics is computed for this ad-hoc preview, so IronFly wing
	// sizing is given ivp252=0, which falls in the <20 bucket (0.8x factor).
	legs := strategybuilder.Build(mandate, strategybuilder.Chain{Expiry: expiry, Rows: rows}, spot, decimal.Zero, s.cfg.MaxLossPerTrade)
	return legs, spot, nil
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	state := s.brk.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuit_breaker_active": s.brk.Active(),
		"state":                  state,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.OpenTrades())
}

func (s *Server) handlePositionDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["trade_id"]
	trade, ok := s.store.GetTrade(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "trade not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleExitAll(w http.ResponseWriter, r *http.Request) {
	trades := s.store.OpenTrades()
	results := make([]map[string]interface{}, 0, len(trades))
	for _, t := range trades {
		err := s.exec.ExitStrategy(r.Context(), t, "emergency flatten: exit-all requested")
		entry := map[string]interface{}{"trade_id": t.ID}
		if err != nil {
			entry["error"] = err.Error()
		}
		results = append(results, entry)
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	days := 30
	if d := r.URL.Query().Get("days"); d != "" {
		if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
			days = parsed
		}
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	all := s.store.AllTrades()
	filtered := make([]*types.Trade, 0, len(all))
	wins, losses := 0, 0
	for _, t := range all {
		if t.EntryTime.Before(cutoff) {
			continue
		}
		if status != "" && string(t.Status) != status {
			continue
		}
		filtered = append(filtered, t)
		if t.Status == types.TradeStatusClosed {
			if t.RealizedPnL.IsPositive() {
				wins++
			} else if t.RealizedPnL.IsNegative() {
				losses++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": filtered,
		"summary": map[string]int{"wins": wins, "losses": losses},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{id: r.RemoteAddr, hub: s.hub, conn: conn, send: make(chan []byte, 32)}
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) portfolioFromStore() risk.Portfolio {
	trades := s.store.OpenTrades()
	var deployed decimal.Decimal
	var contracts int64
	for _, t := range trades {
		deployed = deployed.Add(t.DeploymentAmount)
		contracts += t.NetShortContracts()
	}
	state := s.brk.State()
	return risk.Portfolio{
		DeployedCapital: deployed,
		TotalContracts:  contracts,
		PeakCapital:     state.PeakCapital,
		CurrentCapital:  state.PeakCapital,
		MarketOpen:      true,
		SpotStale:       false,
	}
}
