package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/audit"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/auth"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/hardening"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/metrics"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/notify"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/objstore"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/ratelimit"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/risk"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/store"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/telemetry"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/usage"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  apiDB
	Cache               store.Cache
	Redis               *redis.Client
	HTTPClient          *http.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Audit               auditStore
	Notify              *notify.Service
	Feed                feedSource
	Usage               *usage.Tracker
	Rules               *risk.RuleService
	Scorer              *risk.Scorer
	Storage             objstore.Storage
	AuthMode            string
	AuthSecret          string
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
	SecretHashSalt      string
	RetentionEnabled    bool
	RetentionDays       int
	RetentionInterval   time.Duration
	RiskSweepEnabled    bool
	RiskSweepInterval   time.Duration
	SubscriptionTTL     time.Duration
}

type apiDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore interface {
	Append(ctx context.Context, e audit.Entry) error
	ListByEntity(ctx context.Context, tenant, entityType, entityID string, limit int) ([]audit.Entry, error)
	Get(ctx context.Context, id, tenant string) (audit.Entry, error)
}

type apiDBCloser interface {
	apiDB
	Close()
}

type apiInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type apiOpenDBFunc func(ctx context.Context) (apiDBCloser, error)
type apiOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type apiListenFunc func(server *http.Server) error
type apiStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (apiDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(s *Server) {
		if s.RetentionEnabled {
			go s.retentionLoop(context.Background())
		}
		if s.RiskSweepEnabled {
			go s.riskSweepLoop(context.Background())
		}
		if s.Feed != nil {
			go s.feedLoop(context.Background())
		}
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runAPI(initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("api: %v", err)
	}
}

func runAPI(
	initTelemetry apiInitTelemetryFunc,
	openDB apiOpenDBFunc,
	openRedis apiOpenRedisFunc,
	listen apiListenFunc,
	startLoops apiStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "api")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	ruleCacheTTL := time.Second * time.Duration(envInt("RISK_RULE_CACHE_TTL_SEC", 30))
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	maxUploadBytes := int64(envInt("MAX_UPLOAD_BYTES", 25<<20))
	if maxUploadBytes <= 0 {
		maxUploadBytes = 25 << 20
	}
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "true")), "true")

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000))}),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Usage:               usage.NewTracker(redisClient),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		MaxUploadBytes:      maxUploadBytes,
		SecretHashSalt:      env("INTEGRATION_SECRET_SALT", ""),
		RetentionEnabled:    env("RETENTION_ENABLED", "false") == "true",
		RetentionDays:       envInt("RETENTION_DAYS", 365),
		RetentionInterval:   envDurationSec("RETENTION_INTERVAL_SEC", 3600),
		RiskSweepEnabled:    env("RISK_SWEEP_ENABLED", "true") == "true",
		RiskSweepInterval:   envDurationSec("RISK_SWEEP_INTERVAL_SEC", 21600),
		SubscriptionTTL:     envDurationSec("SUBSCRIPTION_CACHE_TTL_SEC", 60),
	}
	s.Rules = risk.NewRuleService(pool, ruleCacheTTL)
	s.Notify = &notify.Service{DB: pool, Hub: s.Events, Metrics: s.Metrics}
	s.Scorer = &risk.Scorer{
		DB:       pool,
		Rules:    s.Rules,
		Engine:   &risk.Engine{Metrics: s.Metrics},
		Notifier: s.Notify,
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		bus, err := notify.NewKafkaBus(notify.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_NOTIFY_TOPIC", "muhasebi.notifications"),
		})
		if err != nil {
			log.Printf("kafka bus disabled: %v", err)
		} else {
			s.Notify.Bus = bus
		}
		if feedTopic := env("KAFKA_FEED_TOPIC", ""); feedTopic != "" {
			consumer, err := notify.NewFeedConsumer(notify.KafkaConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   feedTopic,
				GroupID: env("KAFKA_FEED_GROUP_ID", "muhasebi-api"),
			})
			if err != nil {
				log.Printf("invoice feed disabled: %v", err)
			} else {
				s.Feed = consumer
			}
		}
	}

	storageBackend := strings.ToLower(strings.TrimSpace(env("STORAGE_BACKEND", "")))
	if storageBackend == "" {
		if strings.TrimSpace(env("STORAGE_ENDPOINT", "")) != "" {
			storageBackend = "http"
		} else {
			storageBackend = "disk"
		}
	}
	switch storageBackend {
	case "http":
		s.Storage = &objstore.HTTPStorage{
			Client:   s.HTTPClient,
			Endpoint: env("STORAGE_ENDPOINT", ""),
			Bucket:   env("STORAGE_BUCKET", "documents"),
			Headers:  authHeaderMap(env("STORAGE_AUTH_HEADER", ""), env("STORAGE_AUTH_TOKEN", "")),
		}
	default:
		disk, err := objstore.NewDisk(env("STORAGE_ROOT", "./data/documents"))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		s.Storage = disk
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "api",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		ObjectStoreEndpoint:   env("STORAGE_ENDPOINT", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "OIDC_HS256_SECRET", Value: s.AuthSecret},
			{Name: "AUDIT_HASH_SALT", Value: auditSalt},
			{Name: "INTEGRATION_SECRET_SALT", Value: s.SecretHashSalt},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("api"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "api"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Use(s.apiUsageMiddleware)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	// client companies
	authRouter.Post("/v1/companies", s.withRoles(s.createCompany, "accountant", "tenantadmin"))
	authRouter.Get("/v1/companies", s.withRoles(s.listCompanies, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/companies/{company_id}", s.withRoles(s.getCompany, "accountant", "tenantadmin", "viewer"))
	authRouter.Put("/v1/companies/{company_id}", s.withRoles(s.updateCompany, "accountant", "tenantadmin"))
	authRouter.Delete("/v1/companies/{company_id}", s.withRoles(s.archiveCompany, "tenantadmin"))

	// invoices
	authRouter.Post("/v1/invoices", s.withRoles(s.createInvoice, "accountant", "tenantadmin"))
	authRouter.Get("/v1/invoices", s.withRoles(s.listInvoices, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/invoices/{invoice_id}", s.withRoles(s.getInvoice, "accountant", "tenantadmin", "viewer"))
	authRouter.Put("/v1/invoices/{invoice_id}", s.withRoles(s.updateInvoice, "accountant", "tenantadmin"))
	authRouter.Post("/v1/invoices/{invoice_id}/status", s.withRoles(s.changeInvoiceStatus, "accountant", "tenantadmin"))
	authRouter.Delete("/v1/invoices/{invoice_id}", s.withRoles(s.deleteInvoice, "tenantadmin"))

	// documents
	authRouter.Post("/v1/documents", s.withRoles(s.createDocument, "accountant", "tenantadmin"))
	authRouter.Get("/v1/documents", s.withRoles(s.listDocuments, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/documents/{document_id}", s.withRoles(s.getDocument, "accountant", "tenantadmin", "viewer"))
	authRouter.Put("/v1/documents/{document_id}/content", s.withRoles(s.uploadDocumentContent, "accountant", "tenantadmin"))
	authRouter.Get("/v1/documents/{document_id}/content", s.withRoles(s.downloadDocumentContent, "accountant", "tenantadmin", "viewer"))
	authRouter.Delete("/v1/documents/{document_id}", s.withRoles(s.deleteDocument, "accountant", "tenantadmin"))

	// tasks
	authRouter.Post("/v1/tasks", s.withRoles(s.createTask, "accountant", "tenantadmin"))
	authRouter.Get("/v1/tasks", s.withRoles(s.listTasks, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/tasks/overdue", s.withRoles(s.listOverdueTasks, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/tasks/{task_id}", s.withRoles(s.getTask, "accountant", "tenantadmin", "viewer"))
	authRouter.Put("/v1/tasks/{task_id}", s.withRoles(s.updateTask, "accountant", "tenantadmin"))
	authRouter.Delete("/v1/tasks/{task_id}", s.withRoles(s.deleteTask, "tenantadmin"))

	// checks and promissory notes
	authRouter.Post("/v1/checknotes", s.withRoles(s.createCheckNote, "accountant", "tenantadmin"))
	authRouter.Get("/v1/checknotes", s.withRoles(s.listCheckNotes, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/checknotes/{checknote_id}", s.withRoles(s.getCheckNote, "accountant", "tenantadmin", "viewer"))
	authRouter.Post("/v1/checknotes/{checknote_id}/transition", s.withRoles(s.transitionCheckNote, "accountant", "tenantadmin"))

	// tenant integrations
	authRouter.Post("/v1/integrations", s.withRoles(s.createIntegration, "tenantadmin"))
	authRouter.Get("/v1/integrations", s.withRoles(s.listIntegrations, "tenantadmin", "accountant"))
	authRouter.Put("/v1/integrations/{integration_id}", s.withRoles(s.updateIntegration, "tenantadmin"))
	authRouter.Delete("/v1/integrations/{integration_id}", s.withRoles(s.deleteIntegration, "tenantadmin"))
	authRouter.Post("/v1/integrations/{integration_id}/test", s.withRoles(s.testIntegration, "tenantadmin"))

	// document requirements
	authRouter.Post("/v1/requirements", s.withRoles(s.createRequirement, "tenantadmin"))
	authRouter.Get("/v1/requirements", s.withRoles(s.listRequirements, "accountant", "tenantadmin", "viewer"))
	authRouter.Delete("/v1/requirements/{requirement_id}", s.withRoles(s.deleteRequirement, "tenantadmin"))
	authRouter.Get("/v1/companies/{company_id}/requirements/missing", s.withRoles(s.listMissingRequirements, "accountant", "tenantadmin", "viewer"))

	// tax reporting
	authRouter.Get("/v1/tax/summary", s.withRoles(s.taxPeriodSummary, "accountant", "tenantadmin", "viewer"))

	// risk
	authRouter.Post("/v1/risk/rules", s.withRoles(s.createRiskRule, "tenantadmin"))
	authRouter.Get("/v1/risk/rules", s.withRoles(s.listRiskRules, "accountant", "tenantadmin"))
	authRouter.Put("/v1/risk/rules/{rule_id}", s.withRoles(s.updateRiskRule, "tenantadmin"))
	authRouter.Delete("/v1/risk/rules/{rule_id}", s.withRoles(s.deleteRiskRule, "tenantadmin"))
	authRouter.Post("/v1/companies/{company_id}/risk/evaluate", s.withRoles(s.evaluateCompanyRisk, "accountant", "tenantadmin"))
	authRouter.Get("/v1/companies/{company_id}/risk/trend", s.withRoles(s.companyRiskTrend, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/companies/{company_id}/risk/scores", s.withRoles(s.listCompanyRiskScores, "accountant", "tenantadmin", "viewer"))

	// subscription and usage
	authRouter.Get("/v1/subscription", s.withRoles(s.getSubscription, "tenantadmin", "accountant"))
	authRouter.Put("/v1/subscription", s.withRoles(s.putSubscription, "platformadmin"))
	authRouter.Get("/v1/usage", s.withRoles(s.getUsage, "tenantadmin", "accountant"))

	// notifications
	authRouter.Get("/v1/notifications", s.withRoles(s.listNotifications, "accountant", "tenantadmin", "viewer"))
	authRouter.Post("/v1/notifications/{notification_id}/read", s.withRoles(s.markNotificationRead, "accountant", "tenantadmin", "viewer"))
	authRouter.Post("/v1/notifications/read-all", s.withRoles(s.markAllNotificationsRead, "accountant", "tenantadmin", "viewer"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "accountant", "tenantadmin", "viewer"))

	// KVKK data subject endpoints
	authRouter.Get("/v1/kvkk/export", s.withRoles(s.handleKVKKExport, "complianceofficer", "platformadmin"))
	authRouter.Post("/v1/kvkk/erasure", s.withRoles(s.handleKVKKErasure, "complianceofficer", "platformadmin"))
	authRouter.Post("/v1/kvkk/access-request", s.withRoles(s.handleKVKKAccessRequest, "complianceofficer", "platformadmin"))
	authRouter.Post("/v1/kvkk/retention/run", s.withRoles(s.runRetentionNow, "complianceofficer", "platformadmin"))
	authRouter.Get("/v1/kvkk/events", s.withRoles(s.listComplianceEvents, "complianceofficer", "platformadmin"))

	// audit trail
	authRouter.Get("/v1/audit/{entity_type}/{entity_id}", s.withRoles(s.getAuditTrail, "tenantadmin", "complianceofficer", "platformadmin"))

	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("api listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.MaxRequestBodyBytes
		if strings.HasSuffix(r.URL.Path, "/content") && r.Method == http.MethodPut {
			limit = s.MaxUploadBytes
		}
		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := s.clientIP(r)
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Tenant != "" {
			key = principal.Tenant + ":" + key
		}
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiUsageMiddleware counts API calls against the tenant's plan. Reads
// are counted but never blocked; mutating calls get a 402 past the cap.
func (s *Server) apiUsageMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, scoped := s.tenantScope(r.Context())
		if !scoped {
			next.ServeHTTP(w, r)
			return
		}
		sub, err := s.loadSubscription(r.Context(), tenant)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet {
			_, _ = s.Usage.Incr(r.Context(), tenant, usage.CounterAPICalls, 1)
			next.ServeHTTP(w, r)
			return
		}
		if err := s.Usage.CheckAndIncr(r.Context(), tenant, usage.CounterAPICalls, sub.MaxCallsPerMonth); err != nil {
			if errors.Is(err, usage.ErrLimitExceeded) {
				s.Metrics.IncUsageRejection(usage.CounterAPICalls)
				httpx.Error(w, http.StatusPaymentRequired, "LIMIT_EXCEEDED: monthly API call limit reached")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) && !isElevatedPrincipal(principal) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		if !isElevatedPrincipal(principal) && strings.TrimSpace(principal.Tenant) == "" {
			httpx.Error(w, 403, "tenant required")
			return
		}
		h(w, r)
	}
}

// tenantScope returns the tenant every query must be scoped to. Elevated
// principals and auth-off mode are unscoped.
func (s *Server) tenantScope(ctx context.Context) (string, bool) {
	if strings.EqualFold(s.AuthMode, "off") {
		return "", false
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return "", false
	}
	if isElevatedPrincipal(principal) {
		return "", false
	}
	if principal.Tenant == "" {
		return "", false
	}
	return principal.Tenant, true
}

// requestTenant resolves the tenant a handler operates on. Scoped
// principals always get their own tenant; elevated principals and
// auth-off mode may select one with the tenant_id query parameter.
func (s *Server) requestTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if tenant, ok := s.tenantScope(r.Context()); ok {
		return tenant, true
	}
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenant == "" {
		tenant = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	}
	if tenant == "" {
		httpx.Error(w, 400, "tenant_id required")
		return "", false
	}
	return tenant, true
}

func (s *Server) resolveComplianceActor(w http.ResponseWriter, r *http.Request, provided string) (string, bool) {
	provided = strings.TrimSpace(provided)
	if strings.EqualFold(s.AuthMode, "off") {
		if provided == "" {
			httpx.Error(w, 400, "requested_by required")
			return "", false
		}
		return provided, true
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		httpx.Error(w, 401, "unauthenticated")
		return "", false
	}
	if provided != "" && !strings.EqualFold(provided, principal.Subject) {
		httpx.Error(w, 403, "requested_by must match principal")
		return "", false
	}
	return principal.Subject, true
}

func (s *Server) actorHash(ctx context.Context) string {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || principal.Subject == "" {
		return hashIdentity("anonymous")
	}
	return hashIdentity(principal.Subject)
}

func (s *Server) appendAudit(ctx context.Context, tenant, entityType, entityID, action string, payload interface{}) {
	if s.Audit == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	err := s.Audit.Append(ctx, audit.Entry{
		ID:          newID(),
		Tenant:      tenant,
		ActorIDHash: s.actorHash(ctx),
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		log.Printf("audit append failed entity=%s/%s action=%s: %v", entityType, entityID, action, err)
	}
}

func (s *Server) loadSubscription(ctx context.Context, tenant string) (models.Subscription, error) {
	cacheKey := "sub:" + tenant
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, cacheKey); err == nil && raw != "" {
			var sub models.Subscription
			if json.Unmarshal([]byte(raw), &sub) == nil {
				return sub, nil
			}
		}
	}
	var sub models.Subscription
	err := s.DB.QueryRow(ctx, `
		SELECT tenant_id, plan, status, max_companies, max_users, max_docs_per_month, max_calls_per_month, renewed_at, expires_at
		FROM subscriptions WHERE tenant_id=$1
	`, tenant).Scan(&sub.TenantID, &sub.Plan, &sub.Status, &sub.MaxCompanies, &sub.MaxUsers, &sub.MaxDocsPerMonth, &sub.MaxCallsPerMonth, &sub.RenewedAt, &sub.ExpiresAt)
	if err != nil {
		return models.Subscription{}, err
	}
	if s.Cache != nil {
		if raw, err := json.Marshal(sub); err == nil {
			ttl := s.SubscriptionTTL
			if ttl <= 0 {
				ttl = time.Minute
			}
			_ = s.Cache.Set(ctx, cacheKey, string(raw), ttl)
		}
	}
	return sub, nil
}

func (s *Server) invalidateSubscription(ctx context.Context, tenant string) {
	if s.Cache != nil {
		_ = s.Cache.Del(ctx, "sub:"+tenant)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	tenant, _ := s.tenantScope(r.Context())
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(tenant, 64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", tenant, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) retentionLoop(ctx context.Context) {
	interval := s.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.applyRetention(ctx)
			if err != nil {
				log.Printf("retention run failed: %v", err)
				continue
			}
			log.Printf("retention run completed: %+v", report)
		}
	}
}

func (s *Server) applyRetention(ctx context.Context) (map[string]interface{}, error) {
	days := s.RetentionDays
	if days <= 0 {
		days = 365
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	report := map[string]interface{}{
		"cutoff":           cutoff.Format(time.RFC3339),
		"days":             days,
		"tables":           map[string]int64{},
		"immutable_tables": []string{"audit_entries", "compliance_events"},
	}
	tables := report["tables"].(map[string]int64)

	cmd, err := s.DB.Exec(ctx, `DELETE FROM notifications WHERE created_at < $1 AND read_at IS NOT NULL`, cutoff)
	if err != nil {
		return nil, err
	}
	tables["notifications"] = cmd.RowsAffected()

	cmd, err = s.DB.Exec(ctx, `DELETE FROM risk_scores WHERE created_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	tables["risk_scores"] = cmd.RowsAffected()

	cmd, err = s.DB.Exec(ctx, `DELETE FROM documents WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	tables["documents"] = cmd.RowsAffected()

	// audit_entries and compliance_events are immutable by migration
	// trigger and excluded from retention deletes.
	tables["audit_entries"] = 0
	tables["compliance_events"] = 0

	deleted := tables["notifications"] + tables["risk_scores"] + tables["documents"]
	_, err = s.DB.Exec(ctx, `
		INSERT INTO compliance_events (id, tenant_id, event_type, subject_hash, requested_by, reason, records_affected, created_at)
		VALUES ($1,NULL,$2,$3,$4,$5,$6,$7)
	`, newID(), "RETENTION_RUN", hashIdentity("system"), "system",
		"Retention sweep, cutoff "+cutoff.Format(time.RFC3339), deleted, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("log retention run: %w", err)
	}
	return report, nil
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var openTasks int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status=$1 OR status=$2`, models.TaskStatusOpen, models.TaskStatusInProgress).Scan(&openTasks)
	s.Metrics.SetGauge("tasks_open", float64(openTasks))
	var overdueInvoices int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM invoices
		WHERE status=$1 AND due_date < now()
	`, models.InvoiceStatusIssued).Scan(&overdueInvoices)
	s.Metrics.SetGauge("invoices_overdue", float64(overdueInvoices))
	var unreadNotifications int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE read_at IS NULL`).Scan(&unreadNotifications)
	s.Metrics.SetGauge("notifications_unread", float64(unreadNotifications))
	var criticalCompanies int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM client_companies
		WHERE active=true AND risk_severity IN ('HIGH','CRITICAL')
	`).Scan(&criticalCompanies)
	s.Metrics.SetGauge("companies_high_risk", float64(criticalCompanies))
}

func (s *Server) riskSweepLoop(ctx context.Context) {
	interval := s.RiskSweepInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runRiskSweep(ctx); err != nil {
				log.Printf("risk sweep failed: %v", err)
			}
		}
	}
}

// runRiskSweep re-evaluates every active company so scores stay current
// even when nothing touched the company's records.
func (s *Server) runRiskSweep(ctx context.Context) error {
	rows, err := s.DB.Query(ctx, `SELECT id, tenant_id FROM client_companies WHERE active=true`)
	if err != nil {
		return err
	}
	type target struct{ id, tenant string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.tenant); err != nil {
			rows.Close()
			return err
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	evaluated := 0
	for _, t := range targets {
		features, err := s.companyFeatures(ctx, t.tenant, t.id)
		if err != nil {
			log.Printf("risk sweep: features failed company=%s: %v", t.id, err)
			continue
		}
		start := time.Now()
		if _, err := s.Scorer.ScoreCompany(ctx, t.tenant, t.id, features); err != nil {
			log.Printf("risk sweep: scoring failed company=%s: %v", t.id, err)
			continue
		}
		s.Metrics.ObserveRiskEvalLatency(time.Since(start))
		evaluated++
	}
	log.Printf("risk sweep completed: companies=%d evaluated=%d", len(targets), evaluated)
	return nil
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func authHeaderMap(header, token string) map[string]string {
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}

func isElevatedPrincipal(principal auth.Principal) bool {
	return auth.HasAnyRole(principal, "platformadmin", "complianceofficer")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func newID() string {
	return uuid.NewString()
}

func hashIdentity(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return fmt.Sprintf("%x", sum[:])
}

func nullIfEmpty(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
