package setting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/setting/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
)

const DefaultMinPasswordLength = 8

var (
	ErrPasswordMismatch = errors.New("the new password and its confirmation do not match")
	ErrPasswordTooShort = errors.New("password too short")
	ErrSamePassword     = errors.New("the new password must differ from the current one")
)

// Service applies the preference changes a user makes to their own account.
type Service struct {
	users     user.Store
	minLength int
	logger    *zap.SugaredLogger
}

func NewService(users user.Store, minPasswordLength int, logger *zap.SugaredLogger) *Service {
	if minPasswordLength <= 0 {
		minPasswordLength = DefaultMinPasswordLength
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{users: users, minLength: minPasswordLength, logger: logger}
}

func (s *Service) UpdateProfile(ctx context.Context, login string, f entity.ProfileForm) error {
	if len(f.Fullname) > 256 || len(f.Email) > 256 {
		return user.ErrInvalidArgument
	}
	if err := s.users.SetFullname(ctx, login, f.Fullname); err != nil {
		return err
	}
	return s.users.SetEmail(ctx, login, f.Email)
}

// ChangePassword checks the confirmation and the current password before
// storing the new one.
func (s *Service) ChangePassword(ctx context.Context, login string, f entity.PasswordForm) error {
	switch {
	case f.New != f.Confirm:
		return ErrPasswordMismatch
	case len(f.New) < s.minLength:
		return fmt.Errorf("%w: at least %d characters", ErrPasswordTooShort, s.minLength)
	case f.New == f.Current:
		return ErrSamePassword
	}
	if err := s.users.SetPassword(ctx, login, f.New, f.Current); err != nil {
		return err
	}
	s.logger.Infow("password changed", "login", login)
	return nil
}

func (s *Service) UpdatePreferences(ctx context.Context, login string, f entity.PreferencesForm) error {
	return s.users.SetPreferences(ctx, login, userentity.Preferences{
		RestoreFormat: f.RestoreFormat,
		Lang:          strings.TrimSpace(f.Lang),
	})
}

// SetMaxAges updates the notification threshold of each listed repository.
func (s *Service) SetMaxAges(ctx context.Context, login string, ages []entity.MaxAge) error {
	for _, a := range ages {
		if err := s.users.SetRepoMaxAge(ctx, login, a.Repo, a.Days); err != nil {
			return fmt.Errorf("%s: %w", a.Repo, err)
		}
	}
	return nil
}
