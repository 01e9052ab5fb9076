package session

import (
	"maps"
	"sync"
	"time"
)

// Reserved attribute keys.
const (
	KeyUserKey        = "user_key"
	KeyAuthMethod     = "auth_method"
	KeyLastPasswordAt = "last_password_at"
	KeyOriginalURL    = "original_url"
	KeyIPAddress      = "ip_address"
	KeyUserAgent      = "user_agent"
	KeyAccessTime     = "access_time"
	KeyOAuthState     = "oauth_state"
	KeyOAuthStateAt   = "oauth_state_at"
)

// Record is the persisted form of a session.
type Record struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	AccessedAt time.Time         `json:"accessed_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Values     map[string]string `json:"values"`
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Values = maps.Clone(r.Values)
	if cp.Values == nil {
		cp.Values = map[string]string{}
	}
	return &cp
}

// Session is the request-bound view of a Record. It is safe for use by
// several goroutines serving the same request.
type Session struct {
	mu sync.Mutex
	// request cookie value, empty when the client sent none
	cookieID string
	rec      *Record
	// stored reports whether rec.ID exists in the store
	stored bool
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.ID
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.CreatedAt
}

func (s *Session) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Values[key]
}

func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Values[key] = value
}

func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rec.Values, key)
}

// Time reads a timestamp written by SetTime.
func (s *Session) Time(key string) (time.Time, bool) {
	v := s.Get(key)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Session) SetTime(key string, t time.Time) {
	s.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// Values returns a copy of the attribute bag.
func (s *Session) Values() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.rec.Values)
}

// worthStoring is false for a brand new session that carries nothing but
// bookkeeping, so anonymous hits do not fill the store.
func (s *Session) worthStoring() bool {
	if s.stored {
		return true
	}
	for k := range s.rec.Values {
		switch k {
		case KeyIPAddress, KeyUserAgent, KeyAccessTime:
		default:
			return true
		}
	}
	return false
}
