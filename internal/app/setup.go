package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/config"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
)

// SetupRequest is what the setup command collects interactively.
type SetupRequest struct {
	ConfigPath string
	Login      string
	Password   string
	Root       string
}

// Setup validates cfg, writes it to req.ConfigPath and creates (or resets)
// the administrator in the local user store. Errors wrap config.ErrInvalid
// or config.ErrWrite.
func Setup(ctx context.Context, cfg *config.Config, req SetupRequest, hasher user.PasswordHasher, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if req.Login == "" || len(req.Password) < 8 {
		return fmt.Errorf("%w: an administrator login and a password of at least 8 characters are required", config.ErrInvalid)
	}
	if err := cfg.Save(req.ConfigPath); err != nil {
		return err
	}

	kind := cfg.UserDB
	if kind == "ldap" {
		kind = cfg.LocalDB
	}
	users, db, err := OpenLocalStore(ctx, cfg, kind, hasher, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrWrite, err)
	}
	if db != nil {
		defer db.Close()
	}

	_, err = users.Add(ctx, req.Login, req.Password)
	switch {
	case errors.Is(err, user.ErrUserExists):
		if err := users.ResetPassword(ctx, req.Login, req.Password); err != nil {
			return fmt.Errorf("%w: %v", config.ErrWrite, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", config.ErrWrite, err)
	}
	if err := users.SetInfo(ctx, req.Login, req.Root, true); err != nil {
		return fmt.Errorf("%w: %v", config.ErrWrite, err)
	}
	logger.Infow("administrator ready", "login", req.Login, "config", req.ConfigPath)
	return nil
}
