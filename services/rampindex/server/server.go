package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"rampledger/services/rampindex/models"
)

// ScopeExportsRun is the JWT scope required to trigger report exports.
const ScopeExportsRun = "exports:run"

const defaultPageSize = 100
const maxPageSize = 500

// Exporter runs one export pass and returns the manifest path.
type Exporter interface {
	Run() (string, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB             *gorm.DB
	Exporter       Exporter
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server exposes the read API over the projected ledger data.
type Server struct {
	db        *gorm.DB
	exporter  Exporter
	jwtSecret []byte
	limiter   *rate.Limiter

	router http.Handler
}

// New builds the HTTP server.
func New(cfg Config) *Server {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 40
	}
	s := &Server{
		db:        cfg.DB,
		exporter:  cfg.Exporter,
		jwtSecret: []byte(cfg.JWTSecret),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.throttle)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/deposits", s.handleListDeposits)
		r.Get("/deposits/{id}", s.handleGetDeposit)
		r.Get("/intents/{key}", s.handleGetIntent)
		r.Get("/identities/{hash}", s.handleGetIdentity)
		r.Get("/settlements", s.handleListSettlements)
		r.Get("/events", s.handleListEvents)
		r.With(s.requireScope(ScopeExportsRun)).Post("/exports", s.handleRunExport)
	})

	return otelhttp.NewHandler(r, "rampindex")
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type exportClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// requireScope verifies a Bearer JWT signed with the shared secret and carrying
// the given scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(s.jwtSecret) == 0 {
				writeJSONError(w, http.StatusForbidden, "export authentication not configured")
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			claims := &exportClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return s.jwtSecret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !hasScope(claims.Scope, scope) {
				writeJSONError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasScope(granted, required string) bool {
	for _, candidate := range strings.Fields(granted) {
		if candidate == required {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&models.Deposit{}).Order("deposit_id asc")
	if depositor := strings.TrimSpace(r.URL.Query().Get("depositor")); depositor != "" {
		query = query.Where("depositor = ?", depositor)
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		query = query.Where("status = ?", strings.ToUpper(status))
	}
	var deposits []models.Deposit
	if err := query.Limit(pageSize(r)).Find(&deposits).Error; err != nil {
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid deposit id")
		return
	}
	var deposit models.Deposit
	if err := s.db.Where("deposit_id = ?", id).First(&deposit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSONError(w, http.StatusNotFound, "deposit not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, deposit)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	key := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "key")))
	var intent models.Intent
	if err := s.db.Where("intent_key = ?", key).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSONError(w, http.StatusNotFound, "intent not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "hash")))
	var record models.IdentityRecord
	if err := s.db.Where("identity_hash = ?", hash).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSONError(w, http.StatusNotFound, "identity not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	query := s.db.Model(&models.Settlement{}).Order("settled_at asc")
	if identity := strings.TrimSpace(r.URL.Query().Get("identity")); identity != "" {
		query = query.Where("buyer_identity = ?", strings.ToLower(identity))
	}
	var settlements []models.Settlement
	if err := query.Limit(pageSize(r)).Find(&settlements).Error; err != nil {
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, settlements)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	after := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		after = parsed
	}
	var events []models.LedgerEvent
	query := s.db.Model(&models.LedgerEvent{}).Where("sequence > ?", after).Order("sequence asc")
	if eventType := strings.TrimSpace(r.URL.Query().Get("type")); eventType != "" {
		query = query.Where("type = ?", eventType)
	}
	if err := query.Limit(pageSize(r)).Find(&events).Error; err != nil {
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRunExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "exporter not configured")
		return
	}
	manifest, err := s.exporter.Run()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"manifest":  manifest,
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func pageSize(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultPageSize
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
