package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/config"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
)

// SourceName identifies identities verified by the directory.
const SourceName = "ldap"

var errNoEntry = errors.New("no matching directory entry")

// Client verifies credentials against an LDAP directory.
//
// Searches run on pooled connections bound as the service account.
// Credential binds use a fresh connection that is closed on every path.
type Client struct {
	cfg    config.LDAP
	dial   DialFunc
	pool   chan Conn
	logger *zap.SugaredLogger
}

// New returns a Client dialing cfg.URI.
func New(cfg config.LDAP, logger *zap.SugaredLogger) *Client {
	dial := Dialer(cfg.URI, cfg.TLS,
		time.Duration(cfg.NetworkTimeout)*time.Second,
		time.Duration(cfg.Timeout)*time.Second)
	return NewWithDialer(cfg, dial, logger)
}

func NewWithDialer(cfg config.LDAP, dial DialFunc, logger *zap.SugaredLogger) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if len(cfg.Attribute) == 0 {
		cfg.Attribute = []string{"uid"}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Version == 2 {
		logger.Warnw("LdapVersion 2 requested; the directory is spoken to with protocol version 3")
	}
	return &Client{cfg: cfg, dial: dial, pool: make(chan Conn, cfg.PoolSize), logger: logger}
}

// Close releases pooled connections.
func (c *Client) Close() {
	for {
		select {
		case cn := <-c.pool:
			cn.Close()
		default:
			return
		}
	}
}

func (c *Client) acquire(ctx context.Context) (Conn, error) {
	for {
		select {
		case cn := <-c.pool:
			if !cn.IsClosing() {
				return cn, nil
			}
			cn.Close()
		default:
			return c.open(ctx)
		}
	}
}

// open dials and binds as the service account, if one is configured.
func (c *Client) open(ctx context.Context) (Conn, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if c.cfg.BindDN != "" {
		if err := cn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			cn.Close()
			return nil, fmt.Errorf("%w: service bind: %v", user.ErrBackendUnavailable, err)
		}
	}
	return cn, nil
}

func (c *Client) release(cn Conn, broken bool) {
	if broken || cn.IsClosing() {
		cn.Close()
		return
	}
	select {
	case c.pool <- cn:
	default:
		cn.Close()
	}
}

func (c *Client) scope() int {
	switch c.cfg.Scope {
	case "base":
		return goldap.ScopeBaseObject
	case "onelevel":
		return goldap.ScopeSingleLevel
	default:
		return goldap.ScopeWholeSubtree
	}
}

// UserFilter builds the search filter for login.
func (c *Client) UserFilter(login string) string {
	var b strings.Builder
	b.WriteString("(&")
	b.WriteString(wrapFilter(c.cfg.Filter))
	b.WriteString("(|")
	esc := goldap.EscapeFilter(login)
	for _, a := range c.cfg.Attribute {
		fmt.Fprintf(&b, "(%s=%s)", a, esc)
	}
	b.WriteString("))")
	return b.String()
}

func wrapFilter(f string) string {
	f = strings.TrimSpace(f)
	if f == "" {
		return "(objectClass=*)"
	}
	if !strings.HasPrefix(f, "(") {
		return "(" + f + ")"
	}
	return f
}

func (c *Client) attributes() []string {
	attrs := append([]string{}, c.cfg.Attribute...)
	attrs = append(attrs, c.cfg.EmailAttribute...)
	for _, a := range []string{c.cfg.FullnameAttribute, c.cfg.FirstnameAttribute, c.cfg.LastnameAttribute} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

// search runs req on a pooled service connection. Transport failures
// discard the connection and surface as user.ErrBackendUnavailable.
func (c *Client) search(ctx context.Context, req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	cn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := cn.Search(req)
	if err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject) {
			c.release(cn, false)
			return &goldap.SearchResult{}, nil
		}
		c.release(cn, true)
		return nil, fmt.Errorf("%w: search: %v", user.ErrBackendUnavailable, err)
	}
	c.release(cn, false)
	return res, nil
}

func (c *Client) findUser(ctx context.Context, login string) (*goldap.Entry, error) {
	req := goldap.NewSearchRequest(c.cfg.BaseDN, c.scope(), goldap.NeverDerefAliases, 0, c.cfg.Timeout, false,
		c.UserFilter(login), c.attributes(), nil)
	res, err := c.search(ctx, req)
	if err != nil {
		return nil, err
	}
	switch len(res.Entries) {
	case 0:
		return nil, errNoEntry
	case 1:
		return res.Entries[0], nil
	default:
		c.logger.Warnw("login matches several directory entries", "login", login, "count", len(res.Entries))
		return nil, errNoEntry
	}
}

// bindAs checks password by binding as dn on a fresh connection.
// It returns (false, nil) for rejected credentials.
func (c *Client) bindAs(ctx context.Context, dn, password string) (bool, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer cn.Close()
	if err := cn.Bind(dn, password); err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials) {
			return false, nil
		}
		return false, fmt.Errorf("%w: bind: %v", user.ErrBackendUnavailable, err)
	}
	return true, nil
}

func (c *Client) inRequiredGroup(ctx context.Context, dn, login string) (bool, error) {
	if len(c.cfg.RequiredGroup) == 0 {
		return true, nil
	}
	member := login
	if c.cfg.GroupAttributeIsDN {
		member = dn
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(&(%s=%s)(|", c.cfg.GroupAttribute, goldap.EscapeFilter(member))
	for _, g := range c.cfg.RequiredGroup {
		fmt.Fprintf(&b, "(cn=%s)", goldap.EscapeFilter(g))
	}
	b.WriteString(")")
	if f := strings.TrimSpace(c.cfg.GroupFilter); f != "" {
		b.WriteString(wrapFilter(f))
	}
	b.WriteString(")")
	req := goldap.NewSearchRequest(c.cfg.BaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, c.cfg.Timeout, false,
		b.String(), []string{"cn"}, nil)
	res, err := c.search(ctx, req)
	if err != nil {
		return false, err
	}
	return len(res.Entries) > 0, nil
}

// Verify implements auth.Verifier. The returned login is the entry's value
// of the first login attribute, so a user found by mail logs in by uid.
func (c *Client) Verify(ctx context.Context, login, password string) (*entity.Identity, error) {
	if login == "" || password == "" {
		return nil, nil
	}
	e, err := c.findUser(ctx, login)
	if errors.Is(err, errNoEntry) {
		c.logger.Debugw("directory user not found", "login", login)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ok, err := c.bindAs(ctx, e.DN, password)
	if err != nil || !ok {
		if err == nil {
			c.logger.Debugw("directory rejected password", "login", login)
		}
		return nil, err
	}
	ok, err = c.inRequiredGroup(ctx, e.DN, login)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.logger.Infow("directory user not in required group", "login", login, "groups", c.cfg.RequiredGroup)
		return nil, nil
	}
	return c.identity(e, login), nil
}

func (c *Client) identity(e *goldap.Entry, login string) *entity.Identity {
	ident := &entity.Identity{Login: login, Source: SourceName}
	if v := firstValue(e, c.cfg.Attribute[0]); v != "" {
		ident.Login = v
	}
	for _, a := range c.cfg.EmailAttribute {
		if v := firstValue(e, a); v != "" {
			ident.Email = v
			break
		}
	}
	if c.cfg.FullnameAttribute != "" {
		ident.Fullname = firstValue(e, c.cfg.FullnameAttribute)
	}
	if ident.Fullname == "" {
		ident.Fullname = strings.TrimSpace(firstValue(e, c.cfg.FirstnameAttribute) + " " + firstValue(e, c.cfg.LastnameAttribute))
	}
	return ident
}

// ChangePassword binds as the user and issues a Password Modify extended
// operation.
func (c *Client) ChangePassword(ctx context.Context, login, oldPassword, newPassword string) error {
	e, err := c.findUser(ctx, login)
	if errors.Is(err, errNoEntry) {
		return user.ErrUserNotFound
	}
	if err != nil {
		return err
	}
	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.Close()
	if err := cn.Bind(e.DN, oldPassword); err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials) {
			return user.ErrWrongPassword
		}
		return fmt.Errorf("%w: bind: %v", user.ErrBackendUnavailable, err)
	}
	if _, err := cn.PasswordModify(goldap.NewPasswordModifyRequest("", oldPassword, newPassword)); err != nil {
		var lerr *goldap.Error
		if errors.As(err, &lerr) && lerr.ResultCode != goldap.ErrorNetwork {
			return fmt.Errorf("%w: %v", user.ErrInvalidArgument, err)
		}
		return fmt.Errorf("%w: password modify: %v", user.ErrBackendUnavailable, err)
	}
	c.logger.Infow("directory password changed", "login", login)
	return nil
}

func attrValues(e *goldap.Entry, name string) []string {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a.Values
		}
	}
	return nil
}

func firstValue(e *goldap.Entry, name string) string {
	if v := attrValues(e, name); len(v) > 0 {
		return v[0]
	}
	return ""
}
