package user

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/repo"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrWrongPassword      = errors.New("wrong password")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Store is the user database contract shared by every backend.
type Store interface {
	Exists(ctx context.Context, login string) (bool, error)
	Verify(ctx context.Context, login, password string) (bool, error)
	Get(ctx context.Context, login string) (*entity.User, error)
	List(ctx context.Context, filter string) ([]*entity.User, error)
	Add(ctx context.Context, login, password string) (*entity.User, error)
	Delete(ctx context.Context, login string) error
	// SetPassword changes the password after checking the current one.
	SetPassword(ctx context.Context, login, newPassword, oldPassword string) error
	// ResetPassword changes the password without the current one (administrators).
	ResetPassword(ctx context.Context, login, newPassword string) error
	SetInfo(ctx context.Context, login, root string, isAdmin bool) error
	SetEmail(ctx context.Context, login, email string) error
	SetFullname(ctx context.Context, login, fullname string) error
	SetPreferences(ctx context.Context, login string, p entity.Preferences) error
	Repos(ctx context.Context, login string) ([]entity.RepoBinding, error)
	SetRepos(ctx context.Context, login string, paths []string) error
	SetRepoMaxAge(ctx context.Context, login, path string, days int) error
}

// Repository is the persistence layer behind UserService.
type Repository interface {
	EnsureTable(ctx context.Context) error
	Create(ctx context.Context, u *entity.User) error
	GetByLogin(ctx context.Context, login string) (*entity.User, error)
	List(ctx context.Context) ([]*entity.User, error)
	Delete(ctx context.Context, id int64) error
	UpdatePassword(ctx context.Context, id int64, hash string) error
	UpdateInfo(ctx context.Context, id int64, root string, isAdmin bool) error
	UpdateEmail(ctx context.Context, id int64, email string) error
	UpdateFullname(ctx context.Context, id int64, fullname string) error
	UpdatePreferences(ctx context.Context, id int64, p entity.Preferences) error
	Repos(ctx context.Context, userID int64) ([]entity.RepoBinding, error)
	SetRepos(ctx context.Context, userID int64, paths []string) error
	SetRepoMaxAge(ctx context.Context, userID int64, path string, days int) error
}

var (
	_ Repository = (*userrepo.UserRepo)(nil)
	_ Repository = (*userrepo.FileRepo)(nil)
	_ Store      = (*UserService)(nil)
)

// UserService is the local user store.
type UserService struct {
	repo   Repository
	hasher PasswordHasher
	logger *zap.SugaredLogger
	// compared against when the login is unknown so both paths cost the same
	dummyHash string
}

func NewUserService(r Repository, hasher PasswordHasher, logger *zap.SugaredLogger) *UserService {
	if hasher == nil {
		hasher = DefaultHasher
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	dummy, _ := hasher.Hash("not a real password")
	return &UserService{repo: r, hasher: hasher, logger: logger, dummyHash: dummy}
}

// EnsureTable brings the backend schema up to date.
func (s *UserService) EnsureTable(ctx context.Context) error {
	return s.repo.EnsureTable(ctx)
}

func (s *UserService) Exists(ctx context.Context, login string) (bool, error) {
	_, err := s.Get(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Verify checks password against the stored hash. A match on a legacy or
// outdated hash rewrites it with the current hasher.
func (s *UserService) Verify(ctx context.Context, login, password string) (bool, error) {
	u, err := s.Get(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		s.hasher.Verify(s.dummyHash, password)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !u.HasLocalPassword() || !s.hasher.Verify(u.PasswordHash, password) {
		return false, nil
	}
	if s.hasher.NeedsRehash(u.PasswordHash) {
		if h, err := s.hasher.Hash(password); err == nil {
			if err := s.repo.UpdatePassword(ctx, u.ID, h); err != nil {
				s.logger.Warnw("password rehash failed", "login", login, "err", err)
			} else {
				s.logger.Infow("password hash upgraded", "login", login)
			}
		}
	}
	return true, nil
}

func (s *UserService) Get(ctx context.Context, login string) (*entity.User, error) {
	if login == "" {
		return nil, ErrUserNotFound
	}
	u, err := s.repo.GetByLogin(ctx, login)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// List returns users whose login, email or fullname contains filter,
// ignoring case. An empty filter returns everyone.
func (s *UserService) List(ctx context.Context, filter string) ([]*entity.User, error) {
	all, err := s.repo.List(ctx)
	if err != nil || filter == "" {
		return all, err
	}
	f := strings.ToLower(filter)
	out := all[:0]
	for _, u := range all {
		if strings.Contains(strings.ToLower(u.Login), f) ||
			strings.Contains(strings.ToLower(u.Email), f) ||
			strings.Contains(strings.ToLower(u.Fullname), f) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Add creates a user. An empty password creates an account that can only
// be authenticated by an external source.
func (s *UserService) Add(ctx context.Context, login, password string) (*entity.User, error) {
	if strings.TrimSpace(login) == "" {
		return nil, ErrInvalidArgument
	}
	u := &entity.User{Login: login, RestoreFormat: entity.RestoreFormatZip}
	if password != "" {
		h, err := s.hasher.Hash(password)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = h
	}
	if err := s.repo.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	s.logger.Infow("user added", "login", login)
	return u, nil
}

func (s *UserService) Delete(ctx context.Context, login string) error {
	u, err := s.Get(ctx, login)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, u.ID); err != nil {
		return s.mapErr(err)
	}
	s.logger.Infow("user deleted", "login", login)
	return nil
}

func (s *UserService) SetPassword(ctx context.Context, login, newPassword, oldPassword string) error {
	if newPassword == "" {
		return ErrInvalidArgument
	}
	ok, err := s.Verify(ctx, login, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongPassword
	}
	return s.ResetPassword(ctx, login, newPassword)
}

func (s *UserService) ResetPassword(ctx context.Context, login, newPassword string) error {
	if newPassword == "" {
		return ErrInvalidArgument
	}
	u, err := s.Get(ctx, login)
	if err != nil {
		return err
	}
	h, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	return s.mapErr(s.repo.UpdatePassword(ctx, u.ID, h))
}

func (s *UserService) SetInfo(ctx context.Context, login, root string, isAdmin bool) error {
	return s.withUser(ctx, login, func(u *entity.User) error {
		return s.repo.UpdateInfo(ctx, u.ID, root, isAdmin)
	})
}

func (s *UserService) SetEmail(ctx context.Context, login, email string) error {
	email = strings.TrimSpace(email)
	if email != "" && !strings.Contains(email, "@") {
		return ErrInvalidArgument
	}
	return s.withUser(ctx, login, func(u *entity.User) error {
		return s.repo.UpdateEmail(ctx, u.ID, email)
	})
}

func (s *UserService) SetFullname(ctx context.Context, login, fullname string) error {
	return s.withUser(ctx, login, func(u *entity.User) error {
		return s.repo.UpdateFullname(ctx, u.ID, strings.TrimSpace(fullname))
	})
}

func (s *UserService) SetPreferences(ctx context.Context, login string, p entity.Preferences) error {
	if p.RestoreFormat != entity.RestoreFormatZip && p.RestoreFormat != entity.RestoreFormatTarGz {
		return ErrInvalidArgument
	}
	return s.withUser(ctx, login, func(u *entity.User) error {
		return s.repo.UpdatePreferences(ctx, u.ID, p)
	})
}

func (s *UserService) Repos(ctx context.Context, login string) ([]entity.RepoBinding, error) {
	u, err := s.Get(ctx, login)
	if err != nil {
		return nil, err
	}
	return s.repo.Repos(ctx, u.ID)
}

func (s *UserService) SetRepos(ctx context.Context, login string, paths []string) error {
	for _, p := range paths {
		if p == "" || strings.HasPrefix(p, "/") || strings.Contains("/"+p+"/", "/../") {
			return ErrInvalidArgument
		}
	}
	return s.withUser(ctx, login, func(u *entity.User) error {
		return s.repo.SetRepos(ctx, u.ID, paths)
	})
}

func (s *UserService) SetRepoMaxAge(ctx context.Context, login, path string, days int) error {
	if days < 0 {
		return ErrInvalidArgument
	}
	return s.withUser(ctx, login, func(u *entity.User) error {
		err := s.repo.SetRepoMaxAge(ctx, u.ID, path, days)
		if errors.Is(err, userrepo.ErrNotFound) {
			return ErrInvalidArgument
		}
		return err
	})
}

func (s *UserService) withUser(ctx context.Context, login string, fn func(u *entity.User) error) error {
	u, err := s.Get(ctx, login)
	if err != nil {
		return err
	}
	return s.mapErr(fn(u))
}

func (s *UserService) mapErr(err error) error {
	if errors.Is(err, userrepo.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
