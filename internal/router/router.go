package router

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/auth"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/session"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/setting"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
)

// PublicPaths skip the auth decision. Prefixes end with a slash.
var PublicPaths = []string{"/health", "/logout/", "/oauth/"}

// Deps are the handlers and services the router mounts.
type Deps struct {
	Logger      *zap.SugaredLogger
	Sessions    *session.Manager
	Auth        *auth.Authenticator
	Gate        *auth.Gate
	AuthHandler *auth.Handler
	Users       *user.Handler
	Settings    *setting.Handler
	// OIDC is nil when federated login is not configured.
	OIDC *oidc.Handler

	ExternalURL  string
	TrustedProxy bool
	RateLimit    int
	// Health is an optional readiness check behind GET /health.
	Health func(ctx context.Context) error
}

// RegisterRoutes mounts every route on a ServeMux and wraps it with the
// middleware chain.
func RegisterRoutes(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				logger.Warnw("health check failed", "error", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// login / logout
	limit := LoginRateLimit(d.RateLimit)
	mux.HandleFunc("GET /login/{$}", d.AuthHandler.LoginForm)
	mux.Handle("POST /login/{$}", limit(http.HandlerFunc(d.AuthHandler.Login)))
	mux.HandleFunc("GET /logout/{$}", d.AuthHandler.Logout)

	// federated login
	if d.OIDC != nil {
		mux.HandleFunc("GET /oauth/login", d.OIDC.Login)
		mux.HandleFunc("GET "+oidc.CallbackPath, d.OIDC.Callback)
	}

	// pages
	mux.HandleFunc("GET /{$}", d.Users.Index)
	mux.HandleFunc("GET /prefs/general", d.Settings.General)
	mux.HandleFunc("POST /prefs/general", d.Settings.UpdateGeneral)
	mux.HandleFunc("POST /prefs/notification", d.Settings.UpdateNotification)

	// api
	mux.HandleFunc("GET /api/currentuser/{$}", d.Users.GetCurrentUser)
	mux.HandleFunc("POST /api/currentuser/{$}", d.Users.UpdateCurrentUser)
	mux.HandleFunc("GET /api/users/{$}", d.Users.ListUsers)
	mux.HandleFunc("POST /api/users/{$}", d.Users.AddUser)
	mux.HandleFunc("PUT /api/users/{login}", d.Users.UpdateUser)
	mux.HandleFunc("DELETE /api/users/{login}", d.Users.DeleteUser)

	// unmatched paths get the error page instead of the mux's plain text
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		web.Error(w, r, http.StatusNotFound, "")
	})

	mws := []Middleware{
		{Priority: PriorityRequestID, Name: "request-id", Wrap: RequestID},
		{Priority: PriorityLogging, Name: "logging", Wrap: LoggingMiddleware(logger)},
		{Priority: PrioritySecure, Name: "secure", Wrap: SecurePolicy(SecureConfig{SessionCookie: d.Sessions.CookieName()})},
		{Priority: PrioritySession, Name: "session", Wrap: d.Sessions.Middleware},
		{Priority: PriorityAuthRestore, Name: "auth-restore", Wrap: d.Gate.Restore},
		{Priority: PriorityAuthBasic, Name: "auth-basic", Wrap: d.Gate.Basic(d.Auth)},
		{Priority: PriorityAuthDecide, Name: "auth-decide", Wrap: d.Gate.Decide},
	}
	switch {
	case d.ExternalURL != "":
		mws = append(mws, Middleware{Priority: PriorityProxy, Name: "base", Wrap: FixedBase(d.ExternalURL)})
		if d.TrustedProxy {
			mws = append(mws, Middleware{Priority: PriorityRealIP, Name: "real-ip", Wrap: RealIP})
		}
	case d.TrustedProxy:
		mws = append(mws,
			Middleware{Priority: PriorityProxy, Name: "proxy", Wrap: Proxy},
			Middleware{Priority: PriorityRealIP, Name: "real-ip", Wrap: RealIP},
		)
	}
	return Chain(mux, mws...)
}
