package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/auth"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/config"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/directory"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/mail"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/notification"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/router"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/scheduler"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/session"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/setting"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/spider"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/database"
)

const (
	ShutdownTimeout  = 5 * time.Second
	sessionPurgeJob  = "session-purge"
	sessionPurgeTick = time.Minute
)

// Options replace the real clock, filesystem and remote services in tests.
type Options struct {
	Clock         clockwork.Clock
	FS            afero.Fs
	MailTransport mail.Transport
	LDAPDial      directory.DialFunc
	Hasher        user.PasswordHasher
}

// App holds every long-lived component for the lifetime of the server.
type App struct {
	Config *config.Config
	Logger *zap.SugaredLogger

	DB        *sqlx.DB
	Local     *user.UserService
	Users     user.Store
	Directory *directory.Client
	Sessions  *session.Manager
	Auth      *auth.Authenticator
	Scheduler *scheduler.Scheduler
	Mail      *mail.Dispatcher
	Spider    *spider.Spider
	Notifier  *notification.Service
	Handler   http.Handler

	health  []func(context.Context) error
	closers []func() error
}

// OpenLocalStore opens the user store selected by kind (sqlite, mysql,
// postgres or file) and makes sure its tables exist.
func OpenLocalStore(ctx context.Context, cfg *config.Config, kind string, hasher user.PasswordHasher, logger *zap.SugaredLogger) (*user.UserService, *sqlx.DB, error) {
	if hasher == nil {
		hasher = user.DefaultHasher
	}
	var (
		r  user.Repository
		db *sqlx.DB
	)
	switch kind {
	case "file":
		r = userrepo.NewFileRepo(cfg.UserFile)
	case database.DriverSQLite:
		conn, err := database.Connect(database.SQLiteConfig(cfg.SqliteDBFile))
		if err != nil {
			return nil, nil, err
		}
		db, r = conn, userrepo.NewUserRepo(conn)
	case database.DriverMySQL, database.DriverPostgres:
		conn, err := database.Connect(database.NetworkConfig(kind, cfg.SQLHost, cfg.SQLPort, cfg.SQLUsername, cfg.SQLPassword, cfg.SQLDatabase))
		if err != nil {
			return nil, nil, err
		}
		db, r = conn, userrepo.NewUserRepo(conn)
	default:
		return nil, nil, fmt.Errorf("%w: unknown user store %q", config.ErrInvalid, kind)
	}
	svc := user.NewUserService(r, hasher, logger)
	if err := svc.EnsureTable(ctx); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, fmt.Errorf("prepare user store: %w", err)
	}
	return svc, db, nil
}

// New wires the application from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// users
	kind := cfg.UserDB
	if kind == "ldap" {
		kind = cfg.LocalDB
	}
	local, db, err := OpenLocalStore(ctx, cfg, kind, opts.Hasher, logger.Named("user"))
	if err != nil {
		return nil, err
	}
	a.Local, a.Users, a.DB = local, local, db
	if db != nil {
		a.closers = append(a.closers, db.Close)
		a.health = append(a.health, db.PingContext)
	}
	chain := auth.NewChain(logger.Named("auth")).Add("local", auth.LocalVerifier(local))
	if cfg.UserDB == "ldap" {
		dlog := logger.Named("directory")
		if opts.LDAPDial != nil {
			a.Directory = directory.NewWithDialer(cfg.LDAP, opts.LDAPDial, dlog)
		} else {
			a.Directory = directory.New(cfg.LDAP, dlog)
		}
		a.closers = append(a.closers, func() error { a.Directory.Close(); return nil })
		a.Users = directory.NewStore(local, a.Directory, cfg.LDAP.AllowPasswordChange, dlog)
		chain.Add(directory.SourceName, a.Directory)
	}

	// sessions
	a.Scheduler = scheduler.New(logger.Named("scheduler"), time.Local, scheduler.DefaultPoolSize)
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return a.Scheduler.Stop(sctx)
	})
	var store session.Store
	switch cfg.SessionStore {
	case "redis":
		rs, err := session.NewRedisStoreFromURL(cfg.RedisURL, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("%w: RedisUrl: %v", config.ErrInvalid, err)
		}
		a.closers = append(a.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.health = append(a.health, rs.Ping)
		store = rs
	default:
		ms := session.NewMemoryStore(opts.Clock)
		if err := a.Scheduler.Every(sessionPurgeJob, sessionPurgeTick, func(ctx context.Context) error {
			n, err := ms.Purge(ctx)
			if n > 0 {
				logger.Debugw("expired sessions purged", "count", n)
			}
			return err
		}); err != nil {
			return nil, err
		}
		store = ms
	}
	a.Sessions = session.NewManager(store, opts.Clock, session.Config{TTL: cfg.SessionTTL()}, logger.Named("session"))

	// auth
	a.Auth = auth.NewAuthenticator(chain, a.Users, a.Sessions, logger.Named("auth"))
	if cfg.UserDB == "ldap" && cfg.LDAP.AddMissingUser {
		a.Auth.AllowProvisioning(directory.SourceName, cfg.LDAP.AddUserDefaultRoot)
	}
	gate := auth.NewGate(auth.GateConfig{ReauthTimeout: cfg.ReauthWindow(), Public: router.PublicPaths}, a.Users, a.Sessions, logger.Named("auth"))

	var oidcHandler *oidc.Handler
	if cfg.OAuth.Enabled() {
		a.Auth.AllowProvisioning(oidc.SourceName, cfg.OAuth.AddUserDefaultRoot)
		oidcHandler = oidc.NewHandler(oidc.NewService(cfg.OAuth, opts.Clock, logger.Named("oidc")), a.Auth, logger.Named("oidc"))
	}

	// background jobs
	a.Mail = mail.NewDispatcher(cfg.Email, opts.MailTransport, a.Scheduler, logger.Named("mail"))
	a.Spider = spider.New(opts.FS, a.Users, logger.Named("spider"))
	if err := a.Scheduler.Every(spider.JobName, cfg.SpiderInterval(), a.Spider.Run); err != nil {
		return nil, err
	}
	a.Auth.OnLogin(func(_ context.Context, ev auth.LoginEvent) {
		if ev.Method == auth.MethodBasic {
			return
		}
		login := ev.User.Login
		if err := a.Scheduler.Submit("spider-user", func(ctx context.Context) error {
			return a.Spider.UpdateUser(ctx, login)
		}); err != nil {
			logger.Debugw("repository refresh not queued", "login", login, "error", err)
		}
	})

	a.Notifier = notification.NewService(a.Users, opts.FS, a.Mail, opts.Clock, cfg.ExternalURL, logger.Named("notification"))
	hour, minute, err := cfg.NotificationClock()
	if err != nil {
		return nil, fmt.Errorf("%w: emailNotificationTime: %v", config.ErrInvalid, err)
	}
	if err := a.Scheduler.Daily(notification.StaleJobName, hour, minute, a.Notifier.CheckStale); err != nil {
		return nil, err
	}
	if cfg.Email.LoginNotification {
		a.Auth.OnLogin(a.Notifier.NotifyLogin)
	}

	// http
	directoryPasswords := cfg.UserDB == "ldap" && cfg.LDAP.AllowPasswordChange
	a.Handler = router.RegisterRoutes(router.Deps{
		Logger:       logger.Named("http"),
		Sessions:     a.Sessions,
		Auth:         a.Auth,
		Gate:         gate,
		AuthHandler:  auth.NewHandler(a.Auth, gate, oidcHandler != nil, logger.Named("auth")),
		Users:        user.NewHandler(a.Users, logger.Named("user")),
		Settings:     setting.NewHandler(setting.NewService(a.Users, setting.DefaultMinPasswordLength, logger.Named("setting")), a.Users, directoryPasswords, logger.Named("setting")),
		OIDC:         oidcHandler,
		ExternalURL:  cfg.ExternalURL,
		TrustedProxy: cfg.TrustedProxy,
		RateLimit:    cfg.RateLimit,
		Health:       a.Health,
	})
	ok = true
	return a, nil
}

// Health reports the first failing dependency.
func (a *App) Health(ctx context.Context) error {
	for _, check := range a.health {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the scheduler and an initial repository scan.
func (a *App) Start() error {
	a.Scheduler.Start()
	return a.Scheduler.Trigger(spider.JobName)
}

// Serve listens on the configured address and serves until ctx is done.
// ready is called once the listener is open.
func (a *App) Serve(ctx context.Context, ready func()) error {
	ln, err := net.Listen("tcp", a.Config.Addr())
	if err != nil {
		return err
	}
	return a.serve(ctx, ln, ready)
}

func (a *App) serve(ctx context.Context, ln net.Listener, ready func()) error {
	srv := &http.Server{
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(a.Logger.Desugar()),
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	a.Logger.Infow("listening", "addr", ln.Addr().String())
	if ready != nil {
		ready()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.Logger.Warnw("http server shutdown failed", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops background work and releases connections.
func (a *App) Close() error {
	return a.close()
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
