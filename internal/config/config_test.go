package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	p := filepath.Join(t.TempDir(), "console.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "sqlite", c.UserDB)
	require.Equal(t, 60, c.ReauthTimeout)
	require.Equal(t, 15, c.AutoUpdateRepos)
	require.Equal(t, "23:00", c.Email.NotificationTime)
	require.Equal(t, "openid profile email", c.OAuth.Scope)
	require.Equal(t, "email", c.OAuth.UserkeyClaim)
}

func TestLoadYAMLKeys(t *testing.T) {
	p := writeFile(t, `
UserDB: ldap
LdapUri: ldap://dir.example:389
LdapAttribute: [uid, mail]
LdapRequiredGroup: [appgroup]
LdapGroupAttribute: memberUid
reauth_timeout: 5
emailEncryption: starttls
oauth:
  client_id: console
  auth_url: https://idp.example/auth
  token_url: https://idp.example/token
  required_claims:
    - claim: groups
      value: backup
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "ldap://dir.example:389", c.LDAP.URI)
	require.Equal(t, []string{"uid", "mail"}, c.LDAP.Attribute)
	require.Equal(t, "memberUid", c.LDAP.GroupAttribute)
	require.Equal(t, 5, c.ReauthTimeout)
	require.Equal(t, "starttls", c.Email.Encryption)
	require.True(t, c.OAuth.Enabled())
	require.Equal(t, []RequiredClaim{{Claim: "groups", Value: "backup"}}, c.OAuth.RequiredClaims)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONSOLE_USERDB", "file")
	t.Setenv("CONSOLE_REAUTH_TIMEOUT", "1")
	t.Setenv("CONSOLE_OAUTH_CLIENT_ID", "")
	t.Setenv("CONSOLE_LDAPREQUIREDGROUP", "a, b")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "file", c.UserDB)
	require.Equal(t, 1, c.ReauthTimeout)
	require.Equal(t, []string{"a", "b"}, c.LDAP.RequiredGroup)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown backend":   "UserDB: nosql\n",
		"ldap without uri":  "UserDB: ldap\n",
		"bad scope":         "LdapScope: deep\n",
		"bad version":       "LdapVersion: 4\n",
		"bad encryption":    "emailEncryption: tls13\n",
		"bad time":          "emailNotificationTime: 25:99\n",
		"redis without url": "SessionStore: redis\n",
		"oauth without url": "oauth:\n  client_id: x\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	c := Default()
	c.UserDB = "file"
	c.UserFile = "/var/lib/console/users.yaml"
	p := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, c.Save(p))

	back, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "file", back.UserDB)
	require.Equal(t, "/var/lib/console/users.yaml", back.UserFile)

	err = c.Save(filepath.Join(t.TempDir(), "missing-dir", "out.yaml"))
	require.True(t, errors.Is(err, ErrWrite))
}
