// Package api exposes the herringbone HTTP surface: correlation,
// orchestration, incident CRUD, rules, the matcher endpoint and the
// events read API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"herringbone/config"
	"herringbone/core"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IncidentStorer is the incident storage surface the API needs.
type IncidentStorer interface {
	Create(ctx context.Context, payload map[string]interface{}) (string, error)
	Update(ctx context.Context, id string, changes map[string]interface{}) error
	Get(ctx context.Context, id string) (*core.Incident, error)
	List(ctx context.Context, limit int64) ([]core.Incident, error)
}

// EventStorer is the event storage surface the API needs.
type EventStorer interface {
	GetEvent(ctx context.Context, id string) (*core.Event, error)
	GetEvents(ctx context.Context, limit int64) ([]core.Event, error)
	GetState(ctx context.Context, eventID string) (*core.EventState, error)
}

// RuleStorer is the rule storage surface the API needs.
type RuleStorer interface {
	LoadRules(ctx context.Context) ([]core.Rule, error)
	GetRule(ctx context.Context, name string) (*core.Rule, error)
	UpsertRule(ctx context.Context, payload map[string]interface{}) error
	DeleteRule(ctx context.Context, name string) error
}

// Correlator decides attach-or-create for a detection.
type Correlator interface {
	Decide(ctx context.Context, req core.CorrelationRequest) (*core.CorrelationDecision, error)
}

// DetectionProcessor carries out correlation decisions.
type DetectionProcessor interface {
	ProcessDetection(ctx context.Context, payload core.DetectionPayload) (*core.ProcessResult, error)
}

// HealthChecker reports backing-store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// API holds the API server
type API struct {
	router       *mux.Router
	server       *http.Server
	config       *config.Config
	logger       *zap.SugaredLogger
	incidents    IncidentStorer
	events       EventStorer
	rules        RuleStorer
	correlator   Correlator
	orchestrator DetectionProcessor
	health       HealthChecker

	rateLimiters map[string]*rateLimiterEntry
	rateMu       sync.Mutex
	lastCleanup  time.Time
}

// NewAPI creates the API server and registers all routes.
func NewAPI(cfg *config.Config, incidents IncidentStorer, events EventStorer, rules RuleStorer,
	correlator Correlator, orchestrator DetectionProcessor, health HealthChecker,
	logger *zap.SugaredLogger) *API {

	a := &API{
		router:       mux.NewRouter(),
		config:       cfg,
		logger:       logger,
		incidents:    incidents,
		events:       events,
		rules:        rules,
		correlator:   correlator,
		orchestrator: orchestrator,
		health:       health,
		rateLimiters: make(map[string]*rateLimiterEntry),
		lastCleanup:  time.Now(),
	}
	a.setupRoutes()

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      a.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/incidents/correlator/correlate",
		a.requireScope(ScopeCorrelate, a.correlate)).Methods("POST")
	a.router.HandleFunc("/incidents/orchestrator/process_detection",
		a.requireScope(ScopeIncidentsWrite, a.processDetection)).Methods("POST")

	a.router.HandleFunc("/incidents/incidentset/insert",
		a.requireScope(ScopeIncidentsWrite, a.createIncident)).Methods("POST")
	a.router.HandleFunc("/incidents/incidentset/update/{id}",
		a.requireScope(ScopeIncidentsWrite, a.updateIncident)).Methods("POST")
	a.router.HandleFunc("/incidents/incidentset/incidents",
		a.requireScope(ScopeIncidentsRead, a.listIncidents)).Methods("GET")
	a.router.HandleFunc("/incidents/incidentset/incidents/{id}",
		a.requireScope(ScopeIncidentsRead, a.getIncident)).Methods("GET")

	a.router.HandleFunc("/herringbone/logs/events",
		a.requireScope(ScopeIncidentsRead, a.getEvents)).Methods("GET")
	a.router.HandleFunc("/herringbone/logs/events/{id}",
		a.requireScope(ScopeIncidentsRead, a.getEvent)).Methods("GET")

	a.router.HandleFunc("/detectionengine/matcher/match",
		a.requireScope(ScopeMatcher, a.matchRule)).Methods("POST")

	a.router.HandleFunc("/detectionengine/ruleset/rules",
		a.requireScope(ScopeRulesRead, a.getRules)).Methods("GET")
	a.router.HandleFunc("/detectionengine/ruleset/rules",
		a.requireScope(ScopeRulesWrite, a.upsertRule)).Methods("POST")
	a.router.HandleFunc("/detectionengine/ruleset/rules/{name}",
		a.requireScope(ScopeRulesRead, a.getRule)).Methods("GET")
	a.router.HandleFunc("/detectionengine/ruleset/rules/{name}",
		a.requireScope(ScopeRulesWrite, a.deleteRule)).Methods("DELETE")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Router exposes the mux so additional surfaces (the ingest receiver)
// can mount onto the same server.
func (a *API) Router() *mux.Router {
	return a.router
}

// Start begins serving. Blocks until the server stops.
func (a *API) Start() error {
	a.logger.Infof("Starting API server on %s", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// rateLimitMiddleware applies per-client rate limiting
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.clientLimiter(clientIP(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil, a.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) clientLimiter(ip string) *rate.Limiter {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	// Drop limiters idle for 10 minutes so the map cannot grow without
	// bound under address churn.
	if time.Since(a.lastCleanup) > 10*time.Minute {
		for key, entry := range a.rateLimiters {
			if time.Since(entry.lastSeen) > 10*time.Minute {
				delete(a.rateLimiters, key)
			}
		}
		a.lastCleanup = time.Now()
	}

	entry, ok := a.rateLimiters[ip]
	if !ok {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(
				rate.Limit(a.config.API.RateLimit.RequestsPerSecond),
				a.config.API.RateLimit.Burst),
		}
		a.rateLimiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// clientIP extracts the caller address, honoring X-Forwarded-For from
// fronting proxies.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
