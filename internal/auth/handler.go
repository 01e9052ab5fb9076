package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/session"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
)

// Handler serves the login form and logout.
type Handler struct {
	auth   *Authenticator
	gate   *Gate
	oauth  bool
	logger *zap.SugaredLogger
}

func NewHandler(a *Authenticator, g *Gate, oauthEnabled bool, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{auth: a, gate: g, oauth: oauthEnabled, logger: logger}
}

type loginPage struct {
	Action   string
	Login    string
	Redirect string
	Error    string
	OAuth    bool
}

func (h *Handler) LoginForm(w http.ResponseWriter, r *http.Request) {
	web.Render(w, http.StatusOK, "login.html", loginPage{
		Action:   h.gate.LoginPath(),
		Redirect: r.URL.Query().Get("redirect"),
		OAuth:    h.oauth,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		web.Error(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	login := strings.TrimSpace(r.PostForm.Get("login"))
	password := r.PostForm.Get("password")
	redirect := r.PostForm.Get("redirect")

	_, err := h.auth.LoginWithPassword(r, login, password, MethodPassword)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			h.logger.Errorw("login error", "login", login, "err", err)
		}
		web.Render(w, http.StatusOK, "login.html", loginPage{
			Action:   h.gate.LoginPath(),
			Login:    login,
			Redirect: redirect,
			Error:    "Invalid username or password.",
			OAuth:    h.oauth,
		})
		return
	}
	http.Redirect(w, r, TakeOriginalURL(r, redirect), http.StatusSeeOther)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r); err != nil {
		h.logger.Warnw("logout failed", "err", err)
	}
	http.Redirect(w, r, h.gate.LoginPath(), http.StatusSeeOther)
}

// TakeOriginalURL picks where to send a freshly logged-in user: the
// explicit redirect when it is a local path, else the URL captured by the
// gate, else "/". The captured URL is consumed.
func TakeOriginalURL(r *http.Request, explicit string) string {
	var saved string
	if s := session.FromContext(r.Context()); s != nil {
		saved = s.Get(session.KeyOriginalURL)
		s.Delete(session.KeyOriginalURL)
	}
	for _, u := range []string{explicit, saved} {
		if isLocalPath(u) {
			return u
		}
	}
	return "/"
}

// isLocalPath accepts absolute paths on this host. Browsers drop tab and
// newline bytes and read backslashes as slashes, so neither may appear.
func isLocalPath(u string) bool {
	if !strings.HasPrefix(u, "/") || strings.ContainsFunc(u, unicode.IsControl) || strings.ContainsRune(u, '\\') {
		return false
	}
	p, err := url.Parse(u)
	return err == nil && p.Scheme == "" && p.Host == "" && !strings.HasPrefix(u, "//")
}
