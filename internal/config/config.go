package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalid = errors.New("invalid configuration")
	ErrWrite   = errors.New("unable to write configuration")
)

// EnvPrefix prefixes environment overrides, e.g. CONSOLE_USERDB or CONSOLE_OAUTH_CLIENT_ID.
const EnvPrefix = "CONSOLE_"

type LDAP struct {
	URI                 string   `yaml:"LdapUri,omitempty"`
	BaseDN              string   `yaml:"LdapBaseDn,omitempty"`
	TLS                 bool     `yaml:"LdapTls,omitempty"`
	Attribute           []string `yaml:"LdapAttribute,omitempty"`
	Scope               string   `yaml:"LdapScope,omitempty"`
	Filter              string   `yaml:"LdapFilter,omitempty"`
	BindDN              string   `yaml:"LdapBindDn,omitempty"`
	BindPassword        string   `yaml:"LdapBindPassword,omitempty"`
	Version             int      `yaml:"LdapVersion,omitempty"`
	NetworkTimeout      int      `yaml:"LdapNetworkTimeout,omitempty"`
	Timeout             int      `yaml:"LdapTimeout,omitempty"`
	AllowPasswordChange bool     `yaml:"LdapAllowPasswordChange,omitempty"`
	RequiredGroup       []string `yaml:"LdapRequiredGroup,omitempty"`
	GroupAttribute      string   `yaml:"LdapGroupAttribute,omitempty"`
	GroupAttributeIsDN  bool     `yaml:"LdapGroupAttributeIsDn,omitempty"`
	GroupFilter         string   `yaml:"LdapGroupFilter,omitempty"`
	EmailAttribute      []string `yaml:"LdapEmailAttribute,omitempty"`
	FullnameAttribute   string   `yaml:"LdapFullnameAttribute,omitempty"`
	FirstnameAttribute  string   `yaml:"LdapFirstnameAttribute,omitempty"`
	LastnameAttribute   string   `yaml:"LdapLastnameAttribute,omitempty"`
	AddMissingUser      bool     `yaml:"LdapAddMissingUser,omitempty"`
	AddUserDefaultRoot  string   `yaml:"LdapAddUserDefaultRoot,omitempty"`
	PoolSize            int      `yaml:"LdapPoolSize,omitempty"`
}

type RequiredClaim struct {
	Claim string `yaml:"claim"`
	Value string `yaml:"value"`
}

type OAuth struct {
	ClientID           string          `yaml:"client_id,omitempty"`
	ClientSecret       string          `yaml:"client_secret,omitempty"`
	AuthURL            string          `yaml:"auth_url,omitempty"`
	TokenURL           string          `yaml:"token_url,omitempty"`
	UserinfoURL        string          `yaml:"userinfo_url,omitempty"`
	Scope              string          `yaml:"scope,omitempty"`
	FullnameClaim      string          `yaml:"fullname_claim,omitempty"`
	FirstnameClaim     string          `yaml:"firstname_claim,omitempty"`
	LastnameClaim      string          `yaml:"lastname_claim,omitempty"`
	EmailClaim         string          `yaml:"email_claim,omitempty"`
	UserkeyClaim       string          `yaml:"userkey_claim,omitempty"`
	RequiredClaims     []RequiredClaim `yaml:"required_claims,omitempty"`
	AddUserDefaultRoot string          `yaml:"add_user_default_root,omitempty"`
	Timeout            int             `yaml:"timeout,omitempty"`
}

// Enabled reports whether federated login is configured.
func (o OAuth) Enabled() bool { return o.ClientID != "" }

type Email struct {
	Host              string `yaml:"emailHost,omitempty"`
	Sender            string `yaml:"emailSender,omitempty"`
	Username          string `yaml:"emailUsername,omitempty"`
	Password          string `yaml:"emailPassword,omitempty"`
	Encryption        string `yaml:"emailEncryption,omitempty"`
	NotificationTime  string `yaml:"emailNotificationTime,omitempty"`
	LoginNotification bool   `yaml:"emailLoginNotification,omitempty"`
}

type Config struct {
	ServerHost   string `yaml:"ServerHost,omitempty"`
	ServerPort   int    `yaml:"ServerPort,omitempty"`
	ExternalURL  string `yaml:"ExternalUrl,omitempty"`
	TrustedProxy bool   `yaml:"TrustedProxy,omitempty"`

	LogLevel string `yaml:"LogLevel,omitempty"`
	LogFile  string `yaml:"LogFile,omitempty"`
	LogDev   bool   `yaml:"LogDev,omitempty"`

	UserDB       string `yaml:"UserDB,omitempty"`
	SqliteDBFile string `yaml:"SqliteDBFile,omitempty"`
	SQLHost      string `yaml:"sqlHost,omitempty"`
	SQLPort      int    `yaml:"sqlPort,omitempty"`
	SQLUsername  string `yaml:"sqlUsername,omitempty"`
	SQLPassword  string `yaml:"sqlPassword,omitempty"`
	SQLDatabase  string `yaml:"sqlDatabase,omitempty"`
	UserFile     string `yaml:"UserFile,omitempty"`
	// LocalDB picks the store wrapped by the directory client when UserDB is ldap.
	LocalDB string `yaml:"LocalDB,omitempty"`

	LDAP  `yaml:",inline"`
	OAuth OAuth `yaml:"oauth,omitempty"`
	Email `yaml:",inline"`

	AutoUpdateRepos int    `yaml:"autoUpdateRepos,omitempty"`
	ReauthTimeout   int    `yaml:"reauth_timeout,omitempty"`
	SessionTimeout  int    `yaml:"SessionTimeout,omitempty"`
	SessionStore    string `yaml:"SessionStore,omitempty"`
	RedisURL        string `yaml:"RedisUrl,omitempty"`
	RateLimit       int    `yaml:"RateLimit,omitempty"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ServerHost == "" {
		c.ServerHost = "127.0.0.1"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UserDB == "" {
		c.UserDB = "sqlite"
	}
	if c.LocalDB == "" {
		c.LocalDB = "sqlite"
	}
	if c.SqliteDBFile == "" {
		c.SqliteDBFile = "console.db"
	}
	if c.UserFile == "" {
		c.UserFile = "users.yaml"
	}
	if c.LDAP.Scope == "" {
		c.LDAP.Scope = "subtree"
	}
	if len(c.LDAP.Attribute) == 0 {
		c.LDAP.Attribute = []string{"uid"}
	}
	if c.LDAP.Filter == "" {
		c.LDAP.Filter = "(objectClass=*)"
	}
	if c.LDAP.Version == 0 {
		c.LDAP.Version = 3
	}
	if c.LDAP.NetworkTimeout == 0 {
		c.LDAP.NetworkTimeout = 10
	}
	if c.LDAP.Timeout == 0 {
		c.LDAP.Timeout = 300
	}
	if c.LDAP.GroupAttribute == "" {
		c.LDAP.GroupAttribute = "member"
	}
	if len(c.LDAP.EmailAttribute) == 0 {
		c.LDAP.EmailAttribute = []string{"mail"}
	}
	if c.LDAP.FirstnameAttribute == "" {
		c.LDAP.FirstnameAttribute = "givenName"
	}
	if c.LDAP.LastnameAttribute == "" {
		c.LDAP.LastnameAttribute = "sn"
	}
	if c.LDAP.PoolSize == 0 {
		c.LDAP.PoolSize = 2
	}
	if c.OAuth.Scope == "" {
		c.OAuth.Scope = "openid profile email"
	}
	if c.OAuth.EmailClaim == "" {
		c.OAuth.EmailClaim = "email"
	}
	if c.OAuth.UserkeyClaim == "" {
		c.OAuth.UserkeyClaim = "email"
	}
	if c.OAuth.FullnameClaim == "" {
		c.OAuth.FullnameClaim = "name"
	}
	if c.OAuth.FirstnameClaim == "" {
		c.OAuth.FirstnameClaim = "given_name"
	}
	if c.OAuth.LastnameClaim == "" {
		c.OAuth.LastnameClaim = "family_name"
	}
	if c.OAuth.Timeout == 0 {
		c.OAuth.Timeout = 10
	}
	if c.Email.Encryption == "" {
		c.Email.Encryption = "none"
	}
	if c.Email.NotificationTime == "" {
		c.Email.NotificationTime = "23:00"
	}
	if c.AutoUpdateRepos == 0 {
		c.AutoUpdateRepos = 15
	}
	if c.ReauthTimeout == 0 {
		c.ReauthTimeout = 60
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 60
	}
	if c.SessionStore == "" {
		c.SessionStore = "memory"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
}

// Load reads the YAML file at path (missing file means defaults), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if err := applyEnv(reflect.ValueOf(c).Elem(), EnvPrefix, os.LookupEnv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c as YAML to path with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	switch c.UserDB {
	case "sqlite", "mysql", "postgres", "file":
	case "ldap":
		if c.LDAP.URI == "" {
			return invalid("LdapUri is required when UserDB is ldap")
		}
		if c.LocalDB == "ldap" {
			return invalid("LocalDB cannot be ldap")
		}
	default:
		return invalid("unknown UserDB %q", c.UserDB)
	}
	switch c.LDAP.Scope {
	case "base", "onelevel", "subtree":
	default:
		return invalid("unknown LdapScope %q", c.LDAP.Scope)
	}
	if c.LDAP.Version != 2 && c.LDAP.Version != 3 {
		return invalid("LdapVersion must be 2 or 3")
	}
	switch c.Email.Encryption {
	case "none", "starttls", "ssl":
	default:
		return invalid("unknown emailEncryption %q", c.Email.Encryption)
	}
	if _, _, err := c.NotificationClock(); err != nil {
		return invalid("emailNotificationTime: %v", err)
	}
	switch c.SessionStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return invalid("RedisUrl is required when SessionStore is redis")
		}
	default:
		return invalid("unknown SessionStore %q", c.SessionStore)
	}
	if c.OAuth.Enabled() && (c.OAuth.AuthURL == "" || c.OAuth.TokenURL == "") {
		return invalid("oauth.auth_url and oauth.token_url are required with oauth.client_id")
	}
	if c.AutoUpdateRepos < 0 || c.ReauthTimeout < 0 || c.SessionTimeout < 0 || c.RateLimit < 0 {
		return invalid("durations and limits must not be negative")
	}
	return nil
}

// NotificationClock parses emailNotificationTime as hour and minute.
func (c *Config) NotificationClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.Email.NotificationTime)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func (c *Config) ReauthWindow() time.Duration {
	return time.Duration(c.ReauthTimeout) * time.Minute
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Minute
}

func (c *Config) SpiderInterval() time.Duration {
	return time.Duration(c.AutoUpdateRepos) * time.Minute
}

// applyEnv walks the yaml-tagged fields of v and overrides them from
// PREFIX + upper-cased tag. Nested structs extend the prefix; inline ones do not.
func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		fv := v.Field(i)
		if f.Type.Kind() == reflect.Struct {
			p := prefix
			if !strings.Contains(opts, "inline") {
				p = prefix + strings.ToUpper(name) + "_"
			}
			if err := applyEnv(fv, p, lookup); err != nil {
				return err
			}
			continue
		}
		if name == "" || name == "-" {
			continue
		}
		key := prefix + strings.ToUpper(name)
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			fv.SetInt(int64(n))
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			fv.SetBool(b)
		case reflect.Slice:
			if fv.Type().Elem().Kind() != reflect.String {
				continue
			}
			parts := strings.Split(raw, ",")
			out := reflect.MakeSlice(fv.Type(), 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = reflect.Append(out, reflect.ValueOf(p))
				}
			}
			fv.Set(out)
		}
	}
	return nil
}
