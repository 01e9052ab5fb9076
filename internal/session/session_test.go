package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, store Store, clock clockwork.Clock) *Manager {
	return NewManager(store, clock, Config{TTL: 10 * time.Minute}, zaptest.NewLogger(t).Sugar())
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	return nil
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)
	require.NoError(t, s.Save(ctx, &Record{ID: "a", ExpiresAt: clock.Now().Add(time.Minute), Values: map[string]string{"k": "v"}}))
	require.NoError(t, s.Save(ctx, &Record{ID: "b", ExpiresAt: clock.Now().Add(time.Hour)}))

	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "v", got.Values["k"])
	got.Values["k"] = "mutated"
	again, _ := s.Load(ctx, "a")
	require.Equal(t, "v", again.Values["k"], "loads must not alias stored records")

	clock.Advance(2 * time.Minute)
	_, err = s.Load(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	clock.Advance(2 * time.Hour)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, s.Len())
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), clock)
	require.NoError(t, s.Ping(ctx))

	rec := &Record{ID: "one", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Minute), Values: map[string]string{KeyUserKey: "alice"}}
	require.NoError(t, s.Save(ctx, rec))
	require.True(t, mr.Exists(redisPrefix+"one"))

	got, err := s.Load(ctx, "one")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Values[KeyUserKey])

	rec.ID = "two"
	require.NoError(t, s.Rename(ctx, "one", rec))
	_, err = s.Load(ctx, "one")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Load(ctx, "two")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = s.Load(ctx, "two")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, rec))
	require.NoError(t, s.Delete(ctx, "two"))
	require.False(t, mr.Exists(redisPrefix+"two"))
}

func TestAnonymousRequestIsNotStored(t *testing.T) {
	store := NewMemoryStore(nil)
	m := newTestManager(t, store, nil)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, FromContext(r.Context()))
		require.Same(t, FromContext(r.Context()), FromContext(r.Context()))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Nil(t, sessionCookie(t, rec))
	require.Equal(t, 0, store.Len())
}

func TestCookieFlagsAndReload(t *testing.T) {
	store := NewMemoryStore(nil)
	m := newTestManager(t, store, nil)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := FromContext(r.Context())
		if r.URL.Query().Get("set") != "" {
			s.Set("color", r.URL.Query().Get("set"))
		}
		_, _ = w.Write([]byte(s.Get("color")))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://app.example/?set=blue", nil))
	c := sessionCookie(t, rec)
	require.NotNil(t, c)
	require.True(t, c.HttpOnly)
	require.True(t, c.Secure)
	require.Equal(t, http.SameSiteLaxMode, c.SameSite)
	require.GreaterOrEqual(t, len(c.Value), 43, "at least 256 bits, base64url")

	req := httptest.NewRequest(http.MethodGet, "http://app.example/", nil)
	req.AddCookie(c)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "blue", rec.Body.String())
	require.Nil(t, sessionCookie(t, rec), "cookie is only reissued when the id changes")
}

func TestRegenerateKeepsContents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	m := newTestManager(t, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s := m.Load(req)
	s.Set("a", "1")
	s.Set("b", "2")
	m.Commit(httptest.NewRecorder(), req, s)
	id0 := s.ID()
	want := s.Values()

	require.NoError(t, m.Regenerate(ctx, s))
	id1 := s.ID()
	require.NoError(t, m.Regenerate(ctx, s))
	id2 := s.ID()

	require.NotEqual(t, id0, id1)
	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id0, id2)
	require.Equal(t, want, s.Values())

	for _, old := range []string{id0, id1} {
		_, err := store.Load(ctx, old)
		require.ErrorIs(t, err, ErrNotFound)
	}
	_, err := store.Load(ctx, id2)
	require.NoError(t, err)
}

func TestClearInvalidatesOldCookie(t *testing.T) {
	store := NewMemoryStore(nil)
	m := newTestManager(t, store, nil)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := FromContext(r.Context())
		switch r.URL.Path {
		case "/login":
			s.Set(KeyUserKey, "alice")
		case "/logout":
			require.NoError(t, m.Clear(r.Context(), s))
		}
		_, _ = w.Write([]byte(s.Get(KeyUserKey)))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	c := sessionCookie(t, rec)
	require.NotNil(t, c)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(c)
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "", rec.Body.String())
	expired := sessionCookie(t, rec)
	require.NotNil(t, expired)
	require.Less(t, expired.MaxAge, 0)
}

func TestCommitSkipsRegeneratedSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	m := newTestManager(t, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s := m.Load(req)
	s.Set(KeyUserKey, "alice")
	m.Commit(httptest.NewRecorder(), req, s)
	c := &http.Cookie{Name: DefaultCookieName, Value: s.ID()}

	// a second in-flight request holding the same id
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(c)
	stale := m.Load(req2)

	require.NoError(t, m.Clear(ctx, s))
	m.Commit(httptest.NewRecorder(), req2, stale)

	_, err := store.Load(ctx, c.Value)
	require.ErrorIs(t, err, ErrNotFound, "a late commit must not resurrect the old id")
}

func TestSessionExpiresAfterIdleTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	m := newTestManager(t, store, clock)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s := m.Load(req)
	s.Set("k", "v")
	rec := httptest.NewRecorder()
	m.Commit(rec, req, s)
	c := sessionCookie(t, rec)

	clock.Advance(11 * time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	again := m.Load(req)
	require.NotEqual(t, c.Value, again.ID())
	require.Equal(t, "", again.Get("k"))
}
