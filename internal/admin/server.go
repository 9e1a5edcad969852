package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/service"
)

// Sender delivers broadcast messages. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// operator is the identity behind every authenticated HTTP call.
var operator = service.Caller{Privileged: true}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	admin    *service.AdminService
	sender   Sender
	router   *chi.Mux
}

// NewServer builds the operator API. sender may be nil, which disables
// /broadcast; gatherer may be nil, which disables /metrics.
func NewServer(cfg config.Admin, log *slog.Logger, admin *service.AdminService, sender Sender, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	s := &Server{
		addr:     cfg.ListenAddr,
		username: cfg.Username,
		password: cfg.Password,
		log:      log,
		admin:    admin,
		sender:   sender,
		router:   r,
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Get("/stats", s.handleStats)
		protected.Post("/reset", s.handleReset)
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleListUsers)
			r.Get("/{id}", s.handleGetUser)
			r.Get("/{id}/usage", s.handleUsage)
			r.Post("/{id}/block", s.handleSetBlocked(true))
			r.Post("/{id}/unblock", s.handleSetBlocked(false))
			r.Post("/{id}/balance", s.handleAdjustBalance)
		})
		protected.Route("/coupons", func(r chi.Router) {
			r.Get("/", s.handleListCoupons)
			r.Post("/", s.handleCreateCoupon)
			r.Get("/{code}/redemptions", s.handleRedemptions)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.Stats(r.Context(), operator)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	report, err := s.admin.TriggerReset(r.Context(), operator)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		http.Error(w, "broadcast is not available", http.StatusServiceUnavailable)
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ids, err := s.admin.ListUserIDs(ctx, operator)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sent := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.sender.Send(tgbotapi.NewMessage(id, req.Message)); err != nil {
			s.log.Warn("send broadcast", "user_id", id, "err", err)
			continue
		}
		sent++
	}
	s.log.Info("broadcast finished", "sent", sent, "total", len(ids))
	s.writeJSON(w, http.StatusOK, map[string]int{"sent": sent, "total": len(ids)})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	accounts, err := s.admin.ListAccounts(r.Context(), operator, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	acct, err := s.admin.GetAccount(r.Context(), operator, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.admin.UsageHistory(r.Context(), operator, id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSetBlocked(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userID(w, r)
		if !ok {
			return
		}
		if err := s.admin.SetBlocked(r.Context(), operator, id, blocked); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "blocked": blocked})
	}
}

type balanceRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	acct, err := s.admin.AdjustBalance(r.Context(), operator, id, req.Delta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := s.admin.ListCoupons(r.Context(), operator)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, coupons)
}

type couponRequest struct {
	Code        string     `json:"code"`
	CreditValue int        `json:"credit_value"`
	MaxUses     int        `json:"max_uses"`
	ValidUntil  *time.Time `json:"valid_until"`
}

func (s *Server) handleCreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	coupon, err := s.admin.CreateCoupon(r.Context(), operator, service.CreateCouponInput{
		Code:        req.Code,
		CreditValue: req.CreditValue,
		MaxUses:     req.MaxUses,
		ValidUntil:  req.ValidUntil,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, coupon)
}

func (s *Server) handleRedemptions(w http.ResponseWriter, r *http.Request) {
	redemptions, err := s.admin.CouponRedemptions(r.Context(), operator, chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, redemptions)
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="imagebot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps ledger errors to status codes; anything unknown is logged
// and reported as a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, service.ErrCouponNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateCouponCode):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidCouponParameters), errors.Is(err, service.ErrInsufficientCredits):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.log.Error("admin handler error", "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}
