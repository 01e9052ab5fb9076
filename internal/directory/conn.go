package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
)

// Conn is the part of an LDAP connection the client uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	PasswordModify(req *goldap.PasswordModifyRequest) (*goldap.PasswordModifyResult, error)
	IsClosing() bool
	Close()
}

// DialFunc opens a new, unbound connection.
type DialFunc func(ctx context.Context) (Conn, error)

type ldapConn struct {
	c *goldap.Conn
}

func (l ldapConn) Bind(username, password string) error { return l.c.Bind(username, password) }

func (l ldapConn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	return l.c.Search(req)
}

func (l ldapConn) PasswordModify(req *goldap.PasswordModifyRequest) (*goldap.PasswordModifyResult, error) {
	return l.c.PasswordModify(req)
}

func (l ldapConn) IsClosing() bool { return l.c.IsClosing() }

func (l ldapConn) Close() { l.c.Close() }

// Dialer returns a DialFunc for uri. ldaps:// URIs speak TLS from the
// start; startTLS upgrades a plain ldap:// connection.
func Dialer(uri string, startTLS bool, networkTimeout, opTimeout time.Duration) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse ldap uri: %w", err)
		}
		d := &net.Dialer{Timeout: networkTimeout}
		if dl, ok := ctx.Deadline(); ok {
			d.Deadline = dl
		}
		tlsCfg := &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
		c, err := goldap.DialURL(uri, goldap.DialWithDialer(d), goldap.DialWithTLSConfig(tlsCfg))
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", user.ErrBackendUnavailable, u.Host, err)
		}
		if startTLS && !strings.EqualFold(u.Scheme, "ldaps") {
			if err := c.StartTLS(tlsCfg); err != nil {
				c.Close()
				return nil, fmt.Errorf("%w: starttls: %v", user.ErrBackendUnavailable, err)
			}
		}
		if opTimeout > 0 {
			c.SetTimeout(opTimeout)
		}
		return ldapConn{c: c}, nil
	}
}
