package directory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
)

var ErrPasswordChangeDisabled = fmt.Errorf("%w: directory password change is disabled", user.ErrInvalidArgument)

// Store is a user.Store backed by a local store, with credentials also
// checked against the directory.
type Store struct {
	user.Store
	dir                 *Client
	allowPasswordChange bool
	logger              *zap.SugaredLogger
}

var _ user.Store = (*Store)(nil)

func NewStore(local user.Store, dir *Client, allowPasswordChange bool, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{Store: local, dir: dir, allowPasswordChange: allowPasswordChange, logger: logger}
}

// Verify accepts a matching local password first, then asks the directory.
func (s *Store) Verify(ctx context.Context, login, password string) (bool, error) {
	if ok, err := s.Store.Verify(ctx, login, password); err == nil && ok {
		return true, nil
	}
	ident, err := s.dir.Verify(ctx, login, password)
	if err != nil {
		return false, err
	}
	return ident != nil, nil
}

// SetPassword changes a local password locally. Users without one change
// their directory password, when allowed.
func (s *Store) SetPassword(ctx context.Context, login, newPassword, oldPassword string) error {
	u, err := s.Store.Get(ctx, login)
	if err != nil {
		return err
	}
	if u.HasLocalPassword() {
		return s.Store.SetPassword(ctx, login, newPassword, oldPassword)
	}
	if !s.allowPasswordChange {
		return ErrPasswordChangeDisabled
	}
	if newPassword == "" {
		return user.ErrInvalidArgument
	}
	return s.dir.ChangePassword(ctx, login, oldPassword, newPassword)
}
