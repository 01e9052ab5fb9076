package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/session"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

const DefaultLoginPath = "/login/"

type GateConfig struct {
	LoginPath string
	// ReauthTimeout bounds the age of the last password login a session may rely on.
	ReauthTimeout time.Duration
	// Public path prefixes skip the decide pass.
	Public []string
}

// Gate restores the identity stored in the session and decides whether a
// request may reach its handler.
type Gate struct {
	cfg      GateConfig
	users    user.Store
	sessions *session.Manager
	logger   *zap.SugaredLogger
}

func NewGate(cfg GateConfig, users user.Store, sessions *session.Manager, logger *zap.SugaredLogger) *Gate {
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.ReauthTimeout <= 0 {
		cfg.ReauthTimeout = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gate{cfg: cfg, users: users, sessions: sessions, logger: logger}
}

func (g *Gate) LoginPath() string { return g.cfg.LoginPath }

// Restore attaches the session's login to the request while the last
// password login is within the re-auth window.
func (g *Gate) Restore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		if s == nil {
			next.ServeHTTP(w, r)
			return
		}
		login := s.Get(session.KeyUserKey)
		if login == "" {
			next.ServeHTTP(w, r)
			return
		}
		at, ok := s.Time(session.KeyLastPasswordAt)
		if !ok || at.Add(g.cfg.ReauthTimeout).Before(g.sessions.Now()) {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithLogin(r.Context(), login)))
	})
}

func (g *Gate) isPublic(path string) bool {
	if path == g.cfg.LoginPath {
		return true
	}
	for _, p := range g.cfg.Public {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// Decide resolves the current user or turns the request away: a redirect
// to the login page for browsers, 403 for the API.
func (g *Gate) Decide(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		s := session.FromContext(ctx)
		if login := LoginFromContext(ctx); login != "" {
			u, err := g.users.Get(ctx, login)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(user.WithCurrentUser(ctx, u)))
				return
			case errors.Is(err, user.ErrUserNotFound):
				g.logger.Infow("session user no longer exists", "login", login)
				if s != nil {
					s.Delete(session.KeyUserKey)
				}
			default:
				g.logger.Errorw("user lookup failed", "login", login, "err", err)
				web.Error(w, r, http.StatusServiceUnavailable, "")
				return
			}
		}
		if web.IsAPI(r.URL.Path) {
			web.Error(w, r, http.StatusForbidden, "authentication required")
			return
		}
		if s != nil {
			s.Set(session.KeyOriginalURL, r.URL.RequestURI())
		}
		http.Redirect(w, r, g.cfg.LoginPath, http.StatusSeeOther)
	})
}

// Basic authenticates requests carrying an Authorization: Basic header.
// API requests are authenticated for this request only; others get a session.
func (g *Gate) Basic(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if LoginFromContext(r.Context()) != "" {
				next.ServeHTTP(w, r)
				return
			}
			login, password, ok := r.BasicAuth()
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ident := a.Verify(r.Context(), login, password)
			if ident == nil {
				_ = a.reject(r, login, MethodBasic)
				g.unauthorized(w, r)
				return
			}
			var (
				resolved *entity.User
				err      error
			)
			if web.IsAPI(r.URL.Path) || session.FromContext(r.Context()) == nil {
				resolved, err = a.Resolve(r.Context(), ident)
			} else {
				resolved, err = a.Login(r, ident, MethodBasic)
			}
			if err != nil {
				g.logger.Warnw("basic authentication failed", "login", login, "ip", utilities.ClientIP(r), "err", err)
				g.unauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithLogin(r.Context(), resolved.Login)))
		})
	}
}

func (g *Gate) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Basic realm="console", charset="UTF-8"`)
	web.Error(w, r, http.StatusUnauthorized, "invalid credentials")
}
