package web

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/presale/internal"
	"github.com/vadiminshakov/presale/internal/domain"
	"github.com/vadiminshakov/presale/internal/events"
)

const (
	feedPollInterval  = 2 * time.Second
	heartbeatInterval = 20 * time.Second
	wsWriteTimeout    = 10 * time.Second
	maxBodyBytes      = 1 << 16
)

type session interface {
	State() internal.SessionState
	Feed() []domain.TransactionRecord
	ExportFeedCSV() string
	Stats() domain.FeedStats
	Quote(ctx context.Context, amountIn string) (domain.Quote, error)
	CacheEntriesAfter(index uint64) ([]domain.TransactionRecordEntry, error)
	RequestRefresh() uint64

	Buy(ctx context.Context, amountIn string) domain.OperationResult
	SetSaleToken(ctx context.Context, tokenAddress string) domain.OperationResult
	UpdatePrice(ctx context.Context, price string) domain.OperationResult
	WithdrawAll(ctx context.Context) domain.OperationResult
	RescueTokens(ctx context.Context, tokenAddress string) domain.OperationResult
}

type notificationSource interface {
	Active() []events.Notification
	Subscribe() chan events.Notification
	Unsubscribe(ch chan events.Notification)
}

// Origin is checked by the upgrader's default same-origin policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Server exposes the session over JSON endpoints, SSE streams, a WebSocket and an HTML page.
type Server struct {
	Addr      string
	TLSDomain string
	// APIToken guards every non-GET endpoint. When empty those endpoints are refused.
	APIToken string
	Session  session
	Notes    notificationSource
	l        *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(addr, tlsDomain, apiToken string, s session, notes notificationSource, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{
		Addr:      addr,
		TLSDomain: tlsDomain,
		APIToken:  apiToken,
		Session:   s,
		Notes:     notes,
		l:         l.With(zap.String("component", "web")),
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authorizeWrites)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)
	api.HandleFunc("/transactions.csv", s.handleTransactionsCSV).Methods(http.MethodGet)
	api.HandleFunc("/transactions/stream", s.handleTransactionStream).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/quote", s.handleQuote).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	api.HandleFunc("/buy", s.handleBuy).Methods(http.MethodPost)
	api.HandleFunc("/admin/sale-token", s.handleSetSaleToken).Methods(http.MethodPost)
	api.HandleFunc("/admin/price", s.handleUpdatePrice).Methods(http.MethodPost)
	api.HandleFunc("/admin/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/admin/rescue", s.handleRescue).Methods(http.MethodPost)

	api.HandleFunc("/notifications/stream", s.handleNotificationStream).Methods(http.MethodGet)
	api.HandleFunc("/notifications/ws", s.handleNotificationWS).Methods(http.MethodGet)

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
// With a TLS domain configured it serves HTTPS with ACME certificates instead.
func (s *Server) Start(ctx context.Context) error {
	if s.TLSDomain != "" {
		return s.startWithAutoTLS(ctx, strings.Split(s.TLSDomain, ","), "cert-cache")
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("serving http", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) startWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
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
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

	s.l.Info("serving https", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authorizeWrites lets reads through and requires the bearer token and a JSON content type
// on everything else. A cross-site form or text/plain post can carry neither.
func (s *Server) authorizeWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		if s.APIToken == "" {
			writeError(w, http.StatusForbidden, "write endpoints are disabled: no api token configured")
			return
		}
		if !bearerMatches(r.Header.Get("Authorization"), s.APIToken) {
			s.l.Warn("unauthorized write request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.String("origin", r.Header.Get("Origin")))
			w.Header().Set("WWW-Authenticate", `Bearer realm="presale"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid api token")
			return
		}
		if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerMatches(header, token string) bool {
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Session.State())
}

func (s *Server) handleTransactions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Session.Feed())
}

func (s *Server) handleTransactionsCSV(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
	fmt.Fprint(w, s.Session.ExportFeedCSV())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Session.Stats())
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	amount := r.URL.Query().Get("amount")
	if amount == "" {
		writeError(w, http.StatusBadRequest, "missing amount")
		return
	}

	quote, err := s.Session.Quote(r.Context(), amount)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, internal.ErrNoQuotePrice) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]uint64{"recompute": s.Session.RequestRefresh()})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.writeResult(w, "buy", s.Session.Buy(r.Context(), req.Amount))
}

func (s *Server) handleSetSaleToken(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.writeResult(w, "setSaleToken", s.Session.SetSaleToken(r.Context(), req.Address))
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.writeResult(w, "updatePrice", s.Session.UpdatePrice(r.Context(), req.Amount))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, "withdrawAll", s.Session.WithdrawAll(r.Context()))
}

func (s *Server) handleRescue(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.writeResult(w, "rescueTokens", s.Session.RescueTokens(r.Context(), req.Address))
}

// writeResult always answers 200: the operation outcome is in the body.
func (s *Server) writeResult(w http.ResponseWriter, op string, res domain.OperationResult) {
	s.l.Debug("operation finished",
		zap.String("operation", op),
		zap.String("state", res.State),
		zap.Bool("succeeded", res.Succeeded))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransactionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	setStreamHeaders(w)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(feedPollInterval)
	defer pollTicker.Stop()

	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	sendRecords := func() error {
		entries, err := s.Session.CacheEntriesAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			payload, err := json.Marshal(entry.Record)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", entry.Index)
			fmt.Fprintf(w, "event: transaction\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			lastIndex = entry.Index
		}
		return nil
	}

	if err := sendRecords(); err != nil {
		http.Error(w, "failed to load transactions", http.StatusInternalServerError)
		s.l.Warn("transaction stream initial load failed", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendRecords(); err != nil {
				s.l.Warn("transaction stream poll failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := s.Notes.Subscribe()
	defer s.Notes.Unsubscribe(ch)

	setStreamHeaders(w)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	send := func(note events.Notification) {
		payload, err := json.Marshal(note)
		if err != nil {
			s.l.Warn("failed to encode notification", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: notification\n")
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	for _, note := range s.Notes.Active() {
		send(note)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case note, ok := <-ch:
			if !ok {
				return
			}
			send(note)
		}
	}
}

// handleNotificationWS pushes notifications over a WebSocket. Client messages are ignored;
// reading only detects the close.
func (s *Server) handleNotificationWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.Notes.Subscribe()
	defer s.Notes.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}

	for _, note := range s.Notes.Active() {
		if err := write(note); err != nil {
			return
		}
	}

	ping := time.NewTicker(heartbeatInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case note, ok := <-ch:
			if !ok {
				return
			}
			if err := write(note); err != nil {
				s.l.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
// The header is preferred; the query parameter allows manual reconnects to resume from a known index.
func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.l.Debug("invalid last event id", zap.String("id", idStr), zap.Error(err))
		return 0
	}
	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
