package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/metrics"
	"manuscripthub/internal/ratelimit"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/session"
	"manuscripthub/services/api/internal/app"
	"manuscripthub/services/api/internal/security"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Limiter        *ratelimit.Limiter
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
	ForceHSTS      bool
	SecureCookies  bool
	CookieDomain   string
	ShareLinkTTL   time.Duration
	Now            func() time.Time
}

// Server exposes the HTTP API.
type Server struct {
	app           *app.App
	limiter       *ratelimit.Limiter
	alerter       *security.AuditAlerter
	trusted       *util.TrustedProxies
	origins       []string
	forceHSTS     bool
	secureCookies bool
	cookieDomain  string
	shareTTL      time.Duration
	now           func() time.Time
	router        chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		app:           cfg.App,
		limiter:       cfg.Limiter,
		alerter:       cfg.Alerter,
		trusted:       cfg.TrustedProxies,
		origins:       cfg.AllowedOrigins,
		forceHSTS:     cfg.ForceHSTS,
		secureCookies: cfg.SecureCookies,
		cookieDomain:  cfg.CookieDomain,
		shareTTL:      cfg.ShareLinkTTL,
		now:           cfg.Now,
	}
	s.routes()
	return s, nil
}

// Route is one method and pattern served by the router.
type Route struct {
	Method  string
	Pattern string
}

// Routes lists every method and pattern the API serves, in walk order.
func Routes() ([]Route, error) {
	s := &Server{now: time.Now}
	s.routes()
	var out []Route
	err := chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		out = append(out, Route{Method: method, Pattern: route})
		return nil
	})
	return out, err
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(util.WithRequestID)
	r.Use(util.RequestLog("api"))
	r.Use(s.recoverer)
	r.Use(s.observe)
	r.Use(util.SecurityHeaders(s.forceHSTS))
	r.Use(util.CORS(s.origins))
	r.Use(util.WithClientIP(s.trusted))
	r.Use(s.extractPrincipal)
	r.Use(s.rateLimit)

	r.NotFound(s.handle(func(http.ResponseWriter, *http.Request) error {
		return apperr.NotFound("route not found")
	}))
	r.MethodNotAllowed(s.handle(func(http.ResponseWriter, *http.Request) error {
		return apperr.Validation("method not allowed").WithCode("method_not_allowed")
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handle(s.handleRegister))
		r.Get("/verify-email", s.handle(s.handleVerifyEmail))
		r.Post("/login", s.handle(s.handleLogin))
		r.Post("/logout", s.handle(s.handleLogout))
		r.Post("/password-reset-request", s.handle(s.handlePasswordResetRequest))
		r.Get("/verify-reset-token", s.handle(s.handleVerifyResetToken))
		r.Post("/password-reset", s.handle(s.handlePasswordReset))
		r.Get("/me", s.authenticated(s.handleMe))
	})

	r.Post("/upload/manuscript", s.authenticated(s.handleUpload))
	r.Route("/manuscripts", func(r chi.Router) {
		r.Get("/", s.authenticated(s.handleListManuscripts))
		r.Get("/stats", s.authenticated(s.handleManuscriptStats))
		r.Get("/{id}", s.authenticated(s.handleGetManuscript))
		r.Put("/{id}", s.authenticated(s.handleUpdateManuscript))
		r.Delete("/{id}", s.authenticated(s.handleDeleteManuscript))
	})
	r.Get("/usage", s.authenticated(s.handleUsage))

	r.Get("/analyze/status", s.authenticated(s.handleAnalysisStatus))
	r.Get("/assets/status", s.authenticated(s.handleAssetStatus))
	r.Get("/results", s.authenticated(s.handleResults))
	r.Get("/report", s.handle(s.handleReport))
	r.Post("/report/share", s.authenticated(s.handleShareReport))

	r.Post("/webhooks/*", s.handleWebhook)
	r.HandleFunc("/payments/*", s.handle(s.handleNotImplemented))
	r.HandleFunc("/admin/*", s.adminOnly(func(w http.ResponseWriter, r *http.Request, _ domain.Principal) error {
		return s.handleNotImplemented(w, r)
	}))
	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health_check_failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"received": true})
}

func (s *Server) handleNotImplemented(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusNotImplemented, map[string]string{
		"error":   "not_implemented",
		"message": "this endpoint is not available",
	})
	return nil
}

// recoverer turns a handler panic into a normalized 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				util.LoggerFromContext(r.Context()).Error("panic_recovered", "panic", rec, "stack", string(debug.Stack()))
				writeError(w, r, apperr.Internal("unexpected panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request metrics under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, route, status, time.Since(start))
	})
}

// extractPrincipal resolves the session cookie without ever failing the
// request; protected handlers gate on the result.
func (s *Server) extractPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(session.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := s.app.ResolveSession(r.Context(), cookie.Value)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("session_resolve_failed", "err", err)
		}
		if principal == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := withPrincipal(r.Context(), *principal, cookie.Value)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", principal.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit counts the request against its windows and decorates the
// response with the tightest window's headers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method == http.MethodOptions || s.limiter.Policy().Bypassed(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		req := ratelimit.Request{
			IP:     util.ClientIPFromContext(r.Context()),
			Method: r.Method,
			Path:   r.URL.Path,
		}
		if p, ok := principalFrom(r.Context()); ok {
			req.PrincipalID = p.ID
			req.Tier = p.Tier
		}
		decision, err := s.limiter.Check(r.Context(), req)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("rate_limit_check_failed", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if decision.Limit > 0 {
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
		}
		if !decision.Allowed {
			metrics.RecordRateLimit(decision.Rule.Scope, string(decision.Rule.Class))
			s.audit(r, "rate_limit", "rate_limited", "scope", decision.Rule.Scope, "class", string(decision.Rule.Class))
			writeError(w, r, apperr.RateLimited(time.Duration(decision.RetryAfterSeconds())*time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type principalContextKey struct{}

type principalValue struct {
	principal domain.Principal
	token     string
}

func withPrincipal(ctx context.Context, p domain.Principal, token string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principalValue{principal: p, token: token})
}

func principalFrom(ctx context.Context) (domain.Principal, bool) {
	v, ok := ctx.Value(principalContextKey{}).(principalValue)
	return v.principal, ok
}

func sessionTokenFrom(ctx context.Context) string {
	v, _ := ctx.Value(principalContextKey{}).(principalValue)
	return v.token
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type authHandler func(w http.ResponseWriter, r *http.Request, p domain.Principal) error

// handle adapts an error-returning handler; errors go through the normalizer.
func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			writeError(w, r, err)
		}
	}
}

func (s *Server) authenticated(next authHandler) http.HandlerFunc {
	return s.handle(func(w http.ResponseWriter, r *http.Request) error {
		p, ok := principalFrom(r.Context())
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "unauthenticated")
			return apperr.Auth("unauthenticated", "authentication required")
		}
		return next(w, r, p)
	})
}

func (s *Server) adminOnly(next authHandler) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, p domain.Principal) error {
		if p.Role != domain.RoleAdmin {
			s.audit(r, "auth.authorize", "fail", "reason", "not_admin", "user_id", p.ID)
			return apperr.Forbidden("admin role required")
		}
		return next(w, r, p)
	})
}

// audit emits a security_event line and feeds failures to the alerter.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIPFromContext(r.Context())
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert", slog.String("event", event), slog.String("outcome", outcome), slog.String("ip", ip),
			slog.Int64("count", result.Count), slog.Int64("threshold", result.Threshold), slog.Duration("window", result.Window))
	}
}
