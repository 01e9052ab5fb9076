package notification

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/auth"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/mail"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/notification/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/spider"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
)

const (
	StaleJobName = "notification"

	mirrorPrefix = "current_mirror."
	mirrorSuffix = ".data"
)

// LastBackup reads the completion time of the newest backup in repoDir
// from its current_mirror marker. It returns the zero time when the
// repository has no marker or does not exist.
func LastBackup(fsys afero.Fs, repoDir string) (time.Time, error) {
	entries, err := afero.ReadDir(fsys, filepath.Join(repoDir, spider.MetadataDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	var last time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, mirrorPrefix) || !strings.HasSuffix(name, mirrorSuffix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, mirrorPrefix), mirrorSuffix)
		t, ok := parseMarkerTime(ts)
		if !ok {
			continue
		}
		// two markers exist while a backup is running
		if t.After(last) {
			last = t
		}
	}
	return last, nil
}

// parseMarkerTime reads the timestamp of a current_mirror marker. Besides
// RFC3339 it accepts the form written by --use-compatible-timestamps, where
// every colon is a dash ("2026-10-12T09-30-00+02-00").
func parseMarkerTime(ts string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, true
	}
	date, clock, ok := strings.Cut(ts, "T")
	if !ok || len(clock) < 8 {
		return time.Time{}, false
	}
	b := []byte(clock)
	b[2], b[5] = ':', ':'
	if len(b) == 14 {
		b[11] = ':'
	}
	t, err := time.Parse(time.RFC3339, date+"T"+string(b))
	return t, err == nil
}

// Service sends the stale backup digest and login notices.
type Service struct {
	users  user.Store
	fs     afero.Fs
	mail   *mail.Dispatcher
	clock  clockwork.Clock
	link   string
	logger *zap.SugaredLogger
}

func NewService(users user.Store, fsys afero.Fs, dispatcher *mail.Dispatcher, clock clockwork.Clock, link string, logger *zap.SugaredLogger) *Service {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{users: users, fs: fsys, mail: dispatcher, clock: clock, link: link, logger: logger}
}

// StaleRepos lists the repositories of u with a max age that have not
// been backed up within it.
func (s *Service) StaleRepos(ctx context.Context, u *userentity.User) ([]entity.StaleRepo, error) {
	repos, err := s.users.Repos(ctx, u.Login)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var stale []entity.StaleRepo
	for _, r := range repos {
		if r.MaxAgeDays <= 0 {
			continue
		}
		last, err := LastBackup(s.fs, filepath.Join(u.Root, filepath.FromSlash(r.Path)))
		if err != nil {
			s.logger.Warnw("backup age unreadable", "login", u.Login, "repo", r.Path, "error", err)
			continue
		}
		if !last.IsZero() && now.Sub(last) <= time.Duration(r.MaxAgeDays)*24*time.Hour {
			continue
		}
		stale = append(stale, entity.StaleRepo{Path: r.Path, MaxAgeDays: r.MaxAgeDays, LastBackup: last})
	}
	return stale, nil
}

// CheckStale queues one digest per user with an email and stale repositories.
func (s *Service) CheckStale(ctx context.Context) error {
	if !s.mail.Enabled() {
		return nil
	}
	users, err := s.users.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	sent := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if u.Email == "" || u.Root == "" {
			continue
		}
		stale, err := s.StaleRepos(ctx, u)
		if err != nil {
			s.logger.Warnw("stale check failed", "login", u.Login, "error", err)
			continue
		}
		if len(stale) == 0 {
			continue
		}
		body, err := web.RenderString("mail_stale.html", entity.StaleReport{User: u, Repos: stale, Link: s.link})
		if err != nil {
			return err
		}
		subject := fmt.Sprintf("%d repositories need attention", len(stale))
		if len(stale) == 1 {
			subject = fmt.Sprintf("Repository %s needs attention", stale[0].Path)
		}
		if err := s.mail.Queue(subject, recipient(u), body); err != nil {
			return err
		}
		sent++
	}
	s.logger.Infow("stale backup check done", "users", len(users), "notified", sent)
	return nil
}

// NotifyLogin is an auth.Authenticator login listener. Basic logins,
// which happen on every API call, are not reported.
func (s *Service) NotifyLogin(_ context.Context, ev auth.LoginEvent) {
	if ev.Method == auth.MethodBasic || ev.User == nil || ev.User.Email == "" {
		return
	}
	body, err := web.RenderString("mail_login.html", entity.LoginNotice{User: ev.User, Time: ev.Time, IP: ev.IP, UserAgent: ev.UserAgent})
	if err != nil {
		s.logger.Errorw("login notice render failed", "error", err)
		return
	}
	if err := s.mail.Queue("New sign-in to your account", recipient(ev.User), body); err != nil {
		s.logger.Warnw("login notice not queued", "login", ev.User.Login, "error", err)
	}
}

func recipient(u *userentity.User) []mail.Address {
	return []mail.Address{{Name: u.Fullname, Email: u.Email}}
}
