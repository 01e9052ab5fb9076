package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/session"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

// Method records how a session was authenticated.
type Method string

const (
	MethodPassword  Method = "password"
	MethodBasic     Method = "basic"
	MethodFederated Method = "federated"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoSession          = errors.New("no session bound to request")
)

// LoginEvent describes a successful login.
type LoginEvent struct {
	User      *entity.User
	Method    Method
	IP        string
	UserAgent string
	Time      time.Time
}

// Authenticator turns a verified identity into a logged-in session.
type Authenticator struct {
	chain    *Chain
	users    user.Store
	sessions *session.Manager
	logger   *zap.SugaredLogger

	// identity source -> root template for users created on first login
	provision map[string]string
	listeners []func(context.Context, LoginEvent)
}

func NewAuthenticator(chain *Chain, users user.Store, sessions *session.Manager, logger *zap.SugaredLogger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Authenticator{chain: chain, users: users, sessions: sessions, logger: logger, provision: map[string]string{}}
}

// AllowProvisioning lets identities from source create their user record on
// first login. "{login}" in rootTemplate is replaced by the login.
func (a *Authenticator) AllowProvisioning(source, rootTemplate string) {
	a.provision[source] = rootTemplate
}

// OnLogin registers fn to run after every successful login.
func (a *Authenticator) OnLogin(fn func(context.Context, LoginEvent)) {
	a.listeners = append(a.listeners, fn)
}

// Verify runs the verifier chain.
func (a *Authenticator) Verify(ctx context.Context, login, password string) *entity.Identity {
	if login == "" || password == "" {
		return nil
	}
	return a.chain.Verify(ctx, login, password)
}

// Resolve finds or provisions the user for ident and refreshes the email
// and fullname the identity source supplied.
func (a *Authenticator) Resolve(ctx context.Context, ident *entity.Identity) (*entity.User, error) {
	login := strings.TrimSpace(ident.Login)
	if login == "" {
		return nil, ErrInvalidCredentials
	}
	u, err := a.users.Get(ctx, login)
	if errors.Is(err, user.ErrUserNotFound) {
		u, err = a.provisionUser(ctx, login, ident.Source)
	}
	if err != nil {
		return nil, err
	}
	if ident.Email != "" && ident.Email != u.Email {
		if err := a.users.SetEmail(ctx, login, ident.Email); err != nil {
			a.logger.Warnw("cannot update email from identity", "login", login, "err", err)
		} else {
			u.Email = ident.Email
		}
	}
	if ident.Fullname != "" && ident.Fullname != u.Fullname {
		if err := a.users.SetFullname(ctx, login, ident.Fullname); err != nil {
			a.logger.Warnw("cannot update fullname from identity", "login", login, "err", err)
		} else {
			u.Fullname = ident.Fullname
		}
	}
	return u, nil
}

func (a *Authenticator) provisionUser(ctx context.Context, login, source string) (*entity.User, error) {
	tmpl, ok := a.provision[source]
	if !ok {
		a.logger.Infow("verified login has no user record", "login", login, "source", source)
		return nil, ErrInvalidCredentials
	}
	u, err := a.users.Add(ctx, login, "")
	if errors.Is(err, user.ErrUserExists) {
		return a.users.Get(ctx, login)
	}
	if err != nil {
		return nil, err
	}
	if root := strings.ReplaceAll(tmpl, "{login}", login); root != "" {
		if err := a.users.SetInfo(ctx, login, root, false); err != nil {
			return nil, err
		}
		u.Root = root
	}
	a.logger.Infow("user provisioned", "login", login, "source", source)
	return u, nil
}

// Login resolves ident, moves the session to a new id and stamps it with
// the user, the method and the authentication time.
func (a *Authenticator) Login(r *http.Request, ident *entity.Identity, method Method) (*entity.User, error) {
	ctx := r.Context()
	s := session.FromContext(ctx)
	if s == nil {
		return nil, ErrNoSession
	}
	u, err := a.Resolve(ctx, ident)
	if err != nil {
		return nil, err
	}
	if err := a.sessions.Regenerate(ctx, s); err != nil {
		return nil, err
	}
	now := a.sessions.Now()
	s.Restart(now)
	s.Set(session.KeyUserKey, u.Login)
	s.Set(session.KeyAuthMethod, string(method))
	s.SetTime(session.KeyLastPasswordAt, now)

	ev := LoginEvent{User: u, Method: method, IP: utilities.ClientIP(r), UserAgent: r.UserAgent(), Time: now}
	for _, fn := range a.listeners {
		fn(ctx, ev)
	}
	a.logger.Infow("login", "login", u.Login, "method", method, "ip", ev.IP)
	return u, nil
}

// LoginWithPassword verifies the credentials and logs in. On failure the
// session id is still rotated.
func (a *Authenticator) LoginWithPassword(r *http.Request, login, password string, method Method) (*entity.User, error) {
	ident := a.Verify(r.Context(), login, password)
	if ident == nil {
		return nil, a.reject(r, login, method)
	}
	return a.Login(r, ident, method)
}

// reject rotates the request's session after a failed password check and
// returns ErrInvalidCredentials.
func (a *Authenticator) reject(r *http.Request, login string, method Method) error {
	if s := session.FromContext(r.Context()); s != nil {
		if err := a.sessions.Regenerate(r.Context(), s); err != nil {
			a.logger.Warnw("session regenerate failed", "err", err)
		}
	}
	a.logger.Warnw("login failed", "login", login, "method", method, "ip", utilities.ClientIP(r))
	return ErrInvalidCredentials
}

// Logout clears the request's session.
func (a *Authenticator) Logout(r *http.Request) error {
	s := session.FromContext(r.Context())
	if s == nil {
		return nil
	}
	if l := s.Get(session.KeyUserKey); l != "" {
		a.logger.Infow("logout", "login", l)
	}
	return a.sessions.Clear(r.Context(), s)
}
