package web

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/ordermirror/config"
	"github.com/vadiminshakov/ordermirror/internal/domain"
)

const shutdownTimeout = 5 * time.Second

// StoreReader is the read side of the order store.
type StoreReader interface {
	OpenOrders() []domain.Order
	Balances() []domain.Balance
	History(limit int) []domain.HistoryEntry
	LastEventAge() time.Duration
}

// HistoryPager serves the durable finalized-order table.
type HistoryPager interface {
	Page(ctx context.Context, symbol string, limit int, cursor *int64) (domain.HistoryPage, error)
}

// SessionController is the admin surface of the stream listener.
type SessionController interface {
	Status() domain.SessionStatus
	Suspend(ctx context.Context) error
	Resume()
}

// Server exposes the REST snapshot endpoints and the subscriber channels.
type Server struct {
	cfg     config.WebConfig
	hub     *Hub
	store   StoreReader
	history HistoryPager
	session SessionController
	l       *zap.Logger
}

// NewServer creates a server. history may be nil, in which case the history
// endpoint pages over the in-memory ring.
func NewServer(cfg config.WebConfig, hub *Hub, store StoreReader, history HistoryPager, session SessionController, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{cfg: cfg, hub: hub, store: store, history: history, session: session, l: l}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/orders", s.hub.ServeChannel(ChannelOrders))
	mux.HandleFunc("GET /ws/user", s.hub.ServeChannel(ChannelUser))
	mux.HandleFunc("GET /api/orders/open", s.handleOpenOrders)
	mux.HandleFunc("GET /api/balances", s.handleBalances)
	mux.HandleFunc("GET /api/orders/history", s.handleHistory)
	mux.HandleFunc("GET /api/session", s.requireAdmin(s.handleSessionStatus))
	mux.HandleFunc("POST /api/session/start", s.requireAdmin(s.handleSessionStart))
	mux.HandleFunc("POST /api/session/stop", s.requireAdmin(s.handleSessionStop))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with ACME certificates. It also serves
// ACME HTTP-01 challenges on port 80.
func (s *Server) StartWithAutoTLS(ctx context.Context) error {
	if len(s.cfg.AutoTLSDomains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	cacheDir := s.cfg.CertCacheDir
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.AutoTLSDomains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("http (acme) server error", zap.Error(err))
		}
	}()

	s.l.Info("https server listening", zap.String("addr", s.cfg.Addr), zap.Strings("domains", s.cfg.AutoTLSDomains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "https server")
	}
	return nil
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.store.OpenOrders()
	if symbol := strings.ToUpper(r.URL.Query().Get("symbol")); symbol != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if o.Symbol == symbol {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"openOrders":     orders,
		"lastEventAgeMs": s.store.LastEventAge().Milliseconds(),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"balances":       s.store.Balances(),
		"lastEventAgeMs": s.store.LastEventAge().Milliseconds(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(q.Get("symbol"))

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "incorrect 'limit' param")
			return
		}
		limit = n
	}

	var cursor *int64
	if raw := q.Get("cursor"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			s.writeError(w, http.StatusBadRequest, "incorrect 'cursor' param")
			return
		}
		cursor = &id
	}

	if s.history == nil {
		s.writeJSON(w, http.StatusOK, pageEntries(s.store.History(0), symbol, limit, cursor))
		return
	}

	page, err := s.history.Page(r.Context(), symbol, limit, cursor)
	if err != nil {
		s.l.Error("failed to read order history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read order history")
		return
	}
	if page.Items == nil {
		page.Items = []domain.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	s.session.Resume()
	s.writeJSON(w, http.StatusAccepted, s.session.Status())
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Suspend(r.Context()); err != nil {
		// the listener is suspended either way, only the exchange-side close failed
		s.l.Warn("failed to close session at the exchange", zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"lastEventAgeMs": s.store.LastEventAge().Milliseconds(),
		"subscribers":    s.hub.Count(),
	}
	if s.session != nil {
		resp["stream"] = s.session.Status().State
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || s.session == nil {
			s.writeError(w, http.StatusForbidden, "admin endpoints are disabled")
			return
		}
		want := "Bearer " + s.cfg.AdminToken
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// pageEntries applies the durable table's keyset paging to in-memory entries.
func pageEntries(entries []domain.HistoryEntry, symbol string, limit int, cursor *int64) domain.HistoryPage {
	limit = domain.ClampPageSize(limit)
	sort.Slice(entries, func(i, j int) bool { return entries[i].OrderID > entries[j].OrderID })

	page := domain.HistoryPage{Items: []domain.HistoryEntry{}}
	for _, e := range entries {
		if cursor != nil && e.OrderID >= *cursor {
			continue
		}
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, e)
	}
	if page.HasMore {
		next := page.Items[len(page.Items)-1].OrderID
		page.NextCursor = &next
	}
	return page
}
