package session

import (
	"bufio"
	"context"
	"errors"
	"hash/fnv"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

const DefaultCookieName = "session_id"

type Config struct {
	CookieName string
	// TTL is the idle lifetime; every committed request extends it.
	TTL time.Duration
}

type ctxKey struct{}

// FromContext returns the session bound to the request, or nil when the
// session middleware did not run.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// WithSession binds s to ctx. Tests use it to run handlers without the middleware.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// Manager binds sessions to requests and owns their lifecycle: load on the
// way in, persist before the first response byte, regenerate and clear on
// privilege changes.
type Manager struct {
	store  Store
	clock  clockwork.Clock
	cfg    Config
	logger *zap.SugaredLogger

	stripes [64]sync.Mutex
}

func NewManager(store Store, clock clockwork.Clock, cfg Config, logger *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{store: store, clock: clock, cfg: cfg, logger: logger}
}

func (m *Manager) Now() time.Time { return m.clock.Now() }

func (m *Manager) CookieName() string { return m.cfg.CookieName }

// lock serializes store writes for one session id.
func (m *Manager) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}

func newID() string { return utilities.RandomToken(32) }

// Load binds a session to r: the stored one named by the cookie, or a new
// empty one when the cookie is missing, unknown or expired.
func (m *Manager) Load(r *http.Request) *Session {
	now := m.clock.Now()
	s := &Session{}
	if c, err := r.Cookie(m.cfg.CookieName); err == nil && c.Value != "" {
		s.cookieID = c.Value
		rec, err := m.store.Load(r.Context(), c.Value)
		switch {
		case err == nil:
			s.rec = rec
			s.stored = true
		case errors.Is(err, ErrNotFound):
		default:
			m.logger.Warnw("session load failed", "err", err)
		}
	}
	if s.rec == nil {
		s.rec = &Record{ID: newID(), CreatedAt: now, AccessedAt: now, Values: map[string]string{}}
	}
	if now.After(s.rec.AccessedAt) {
		s.rec.AccessedAt = now
	}
	return s
}

// Middleware loads the session, exposes it through FromContext and commits
// it before the handler's first write.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		s := m.Load(r)
		cw := &commitWriter{ResponseWriter: w}
		cw.commit = func() { m.Commit(w, r, s) }
		next.ServeHTTP(cw, r.WithContext(WithSession(r.Context(), s)))
		cw.flushCommit()
	})
}

// Commit persists s and sets or expires the cookie on w. Attributes changed
// after the response started are not saved.
func (m *Manager) Commit(w http.ResponseWriter, r *http.Request, s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.worthStoring() {
		if s.cookieID != "" {
			http.SetCookie(w, m.cookie(r, "", -1))
		}
		return
	}
	now := m.clock.Now()
	s.rec.Values[KeyAccessTime] = now.UTC().Format(time.RFC3339)
	s.rec.Values[KeyIPAddress] = utilities.ClientIP(r)
	s.rec.Values[KeyUserAgent] = r.UserAgent()
	s.rec.ExpiresAt = now.Add(m.cfg.TTL)

	unlock := m.lock(s.rec.ID)
	if s.stored {
		// a concurrent request may have regenerated or cleared this id
		if _, err := m.store.Load(r.Context(), s.rec.ID); errors.Is(err, ErrNotFound) {
			unlock()
			m.logger.Debugw("session vanished before commit; dropping changes")
			return
		}
	}
	err := m.store.Save(r.Context(), s.rec)
	unlock()
	if err != nil {
		m.logger.Errorw("session save failed", "err", err)
		return
	}
	s.stored = true
	if s.cookieID != s.rec.ID {
		http.SetCookie(w, m.cookie(r, s.rec.ID, 0))
		s.cookieID = s.rec.ID
	}
}

// Regenerate moves the session to a fresh id. The old id stops working
// before this returns.
func (m *Manager) Regenerate(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.regenerateLocked(ctx, s)
}

func (m *Manager) regenerateLocked(ctx context.Context, s *Session) error {
	oldID := s.rec.ID
	s.rec.ID = newID()
	if !s.stored {
		return nil
	}
	unlock := m.lock(oldID)
	defer unlock()
	rec := s.rec.clone()
	rec.ExpiresAt = m.clock.Now().Add(m.cfg.TTL)
	if err := m.store.Rename(ctx, oldID, rec); err != nil {
		s.rec.ID = oldID
		return err
	}
	return nil
}

// Clear drops every attribute and regenerates the id.
func (m *Manager) Clear(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.rec.Values)
	s.rec.CreatedAt = m.clock.Now()
	return m.regenerateLocked(ctx, s)
}

// Restart marks t as the session's creation time. Logins call it so the
// session epoch starts at authentication.
func (s *Session) Restart(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.CreatedAt = t
}

func (m *Manager) cookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   utilities.IsSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
}

// commitWriter runs commit once, just before the first header or body write.
type commitWriter struct {
	http.ResponseWriter
	once   sync.Once
	commit func()
}

func (cw *commitWriter) flushCommit() { cw.once.Do(cw.commit) }

func (cw *commitWriter) WriteHeader(code int) {
	cw.flushCommit()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *commitWriter) Write(b []byte) (int, error) {
	cw.flushCommit()
	return cw.ResponseWriter.Write(b)
}

func (cw *commitWriter) Flush() {
	cw.flushCommit()
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *commitWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	cw.flushCommit()
	return http.NewResponseController(cw.ResponseWriter).Hijack()
}

func (cw *commitWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }
