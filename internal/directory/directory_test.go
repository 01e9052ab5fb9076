package directory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/config"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/repo"
)

type fakeUser struct {
	dn       string
	password string
	attrs    map[string][]string
}

// fakeDirectory answers the two filter shapes the client sends.
type fakeDirectory struct {
	mu        sync.Mutex
	serviceDN string
	servicePW string
	users     []*fakeUser
	groups    map[string][]string // cn -> memberUid
	down      bool
	open      int
	dials     int
	filters   []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		serviceDN: "cn=admin,dc=example,dc=org",
		servicePW: "adminpw",
		users: []*fakeUser{
			{dn: "uid=user01,ou=people,dc=example,dc=org", password: "password1", attrs: map[string][]string{
				"uid": {"user01"}, "mail": {"user01@example.org", "alias@example.org"}, "givenName": {"User"}, "sn": {"One"},
			}},
			{dn: "uid=user02,ou=people,dc=example,dc=org", password: "password2", attrs: map[string][]string{
				"uid": {"user02"}, "cn": {"Second User"},
			}},
		},
		groups: map[string][]string{"appgroup": {"user01"}},
	}
}

func (d *fakeDirectory) dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil, errors.Join(user.ErrBackendUnavailable, errors.New("connection refused"))
	}
	d.dials++
	d.open++
	return &fakeConn{d: d}, nil
}

type fakeConn struct {
	d      *fakeDirectory
	bound  string
	closed bool
}

func (c *fakeConn) Bind(dn, password string) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if dn == c.d.serviceDN && password == c.d.servicePW {
		c.bound = dn
		return nil
	}
	for _, u := range c.d.users {
		if u.dn == dn && u.password == password && password != "" {
			c.bound = dn
			return nil
		}
	}
	return goldap.NewError(goldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (c *fakeConn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.down {
		return nil, goldap.NewError(goldap.ErrorNetwork, errors.New("connection reset"))
	}
	c.d.filters = append(c.d.filters, req.Filter)
	res := &goldap.SearchResult{}
	if strings.HasPrefix(req.Filter, "(&(memberUid=") {
		for cn, members := range c.d.groups {
			if !strings.Contains(req.Filter, "(cn="+cn+")") {
				continue
			}
			for _, m := range members {
				if strings.HasPrefix(req.Filter, "(&(memberUid="+m+")") {
					res.Entries = append(res.Entries, goldap.NewEntry("cn="+cn+",ou=groups,dc=example,dc=org", map[string][]string{"cn": {cn}}))
				}
			}
		}
		return res, nil
	}
	for _, u := range c.d.users {
		for _, v := range u.attrs["uid"] {
			if strings.Contains(req.Filter, "(uid="+goldap.EscapeFilter(v)+")") {
				res.Entries = append(res.Entries, goldap.NewEntry(u.dn, u.attrs))
			}
		}
		for _, v := range u.attrs["mail"] {
			if strings.Contains(req.Filter, "(mail="+goldap.EscapeFilter(v)+")") {
				res.Entries = append(res.Entries, goldap.NewEntry(u.dn, u.attrs))
			}
		}
	}
	return res, nil
}

func (c *fakeConn) PasswordModify(req *goldap.PasswordModifyRequest) (*goldap.PasswordModifyResult, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	for _, u := range c.d.users {
		if u.dn == c.bound {
			u.password = req.NewPassword
			return &goldap.PasswordModifyResult{}, nil
		}
	}
	return nil, goldap.NewError(goldap.LDAPResultInsufficientAccessRights, errors.New("not bound"))
}

func (c *fakeConn) IsClosing() bool { return c.closed }

func (c *fakeConn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.d.mu.Lock()
	c.d.open--
	c.d.mu.Unlock()
}

func testConfig() config.LDAP {
	return config.LDAP{
		URI:                "ldap://directory.test",
		BaseDN:             "dc=example,dc=org",
		Scope:              "subtree",
		Filter:             "(objectClass=posixAccount)",
		Attribute:          []string{"uid"},
		BindDN:             "cn=admin,dc=example,dc=org",
		BindPassword:       "adminpw",
		RequiredGroup:      []string{"appgroup"},
		GroupAttribute:     "memberUid",
		EmailAttribute:     []string{"mail"},
		FirstnameAttribute: "givenName",
		LastnameAttribute:  "sn",
		PoolSize:           2,
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	d := newFakeDirectory()
	c := NewWithDialer(testConfig(), d.dial, zaptest.NewLogger(t).Sugar())

	ident, err := c.Verify(ctx, "user01", "password1")
	require.NoError(t, err)
	require.NotNil(t, ident)
	require.Equal(t, "user01", ident.Login)
	require.Equal(t, "user01@example.org", ident.Email)
	require.Equal(t, "User One", ident.Fullname)
	require.Equal(t, SourceName, ident.Source)

	for name, tc := range map[string][2]string{
		"wrong password": {"user01", "nope"},
		"unknown user":   {"ghost", "password1"},
		"not in group":   {"user02", "password2"},
		"empty password": {"user01", ""},
	} {
		ident, err := c.Verify(ctx, tc[0], tc[1])
		require.NoError(t, err, name)
		require.Nil(t, ident, name)
	}
}

func TestVerifyWithoutGroupAndFullnameAttribute(t *testing.T) {
	cfg := testConfig()
	cfg.RequiredGroup = nil
	cfg.FullnameAttribute = "cn"
	c := NewWithDialer(cfg, newFakeDirectory().dial, zaptest.NewLogger(t).Sugar())
	ident, err := c.Verify(context.Background(), "user02", "password2")
	require.NoError(t, err)
	require.NotNil(t, ident)
	require.Equal(t, "Second User", ident.Fullname)
	require.Empty(t, ident.Email)
}

func TestVerifyByAlternateAttributeCanonicalizesLogin(t *testing.T) {
	cfg := testConfig()
	cfg.Attribute = []string{"uid", "mail"}
	c := NewWithDialer(cfg, newFakeDirectory().dial, zaptest.NewLogger(t).Sugar())
	ident, err := c.Verify(context.Background(), "alias@example.org", "password1")
	require.NoError(t, err)
	require.NotNil(t, ident)
	require.Equal(t, "user01", ident.Login)
}

func TestFilters(t *testing.T) {
	cfg := testConfig()
	cfg.Attribute = []string{"uid", "mail"}
	c := NewWithDialer(cfg, newFakeDirectory().dial, nil)
	esc := goldap.EscapeFilter("a*)(uid=*")
	require.NotContains(t, esc, "(")
	require.NotContains(t, esc, "*")
	require.Equal(t, "(&(objectClass=posixAccount)(|(uid="+esc+")(mail="+esc+")))", c.UserFilter("a*)(uid=*"))

	cfg.Filter = "objectClass=person"
	c = NewWithDialer(cfg, newFakeDirectory().dial, nil)
	require.Equal(t, `(&(objectClass=person)(|(uid=bob)(mail=bob)))`, c.UserFilter("bob"))

	d := newFakeDirectory()
	c = NewWithDialer(testConfig(), d.dial, nil)
	_, err := c.Verify(context.Background(), "user01", "password1")
	require.NoError(t, err)
	require.Equal(t, "(&(memberUid=user01)(|(cn=appgroup)))", d.filters[len(d.filters)-1])
}

func TestDirectoryDownIsUnavailable(t *testing.T) {
	d := newFakeDirectory()
	c := NewWithDialer(testConfig(), d.dial, zaptest.NewLogger(t).Sugar())
	_, err := c.Verify(context.Background(), "user01", "password1")
	require.NoError(t, err)

	d.down = true
	_, err = c.Verify(context.Background(), "user01", "password1")
	require.ErrorIs(t, err, user.ErrBackendUnavailable)

	d.down = false
	ident, err := c.Verify(context.Background(), "user01", "password1")
	require.NoError(t, err)
	require.NotNil(t, ident, "the broken pooled connection must have been replaced")
}

func TestConnectionsAreReleased(t *testing.T) {
	d := newFakeDirectory()
	c := NewWithDialer(testConfig(), d.dial, nil)
	for i := 0; i < 10; i++ {
		_, _ = c.Verify(context.Background(), "user01", "password1")
		_, _ = c.Verify(context.Background(), "user01", "bad")
	}
	require.LessOrEqual(t, d.open, 2, "only pooled service connections may stay open")
	c.Close()
	require.Equal(t, 0, d.open)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()
	local := user.NewUserService(userrepo.NewFileRepo(filepath.Join(t.TempDir(), "users.yaml")),
		user.Argon2Hasher{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}, logger)
	require.NoError(t, local.EnsureTable(ctx))
	_, err := local.Add(ctx, "admin", "admin123")
	require.NoError(t, err)
	_, err = local.Add(ctx, "user01", "")
	require.NoError(t, err)

	d := newFakeDirectory()
	s := NewStore(local, NewWithDialer(testConfig(), d.dial, logger), false, logger)

	ok, err := s.Verify(ctx, "admin", "admin123")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Verify(ctx, "user01", "password1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Verify(ctx, "user01", "password2")
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, s.SetPassword(ctx, "user01", "newpass1", "password1"), ErrPasswordChangeDisabled)

	s = NewStore(local, NewWithDialer(testConfig(), d.dial, logger), true, logger)
	require.ErrorIs(t, s.SetPassword(ctx, "user01", "newpass1", "wrong"), user.ErrWrongPassword)
	require.NoError(t, s.SetPassword(ctx, "user01", "newpass1", "password1"))
	ok, err = s.Verify(ctx, "user01", "newpass1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SetPassword(ctx, "admin", "admin456", "admin123"))
	ok, err = local.Verify(ctx, "admin", "admin456")
	require.NoError(t, err)
	require.True(t, ok)
}
