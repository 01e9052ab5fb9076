package spider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
)

const (
	// MetadataDir marks the top of a backup repository.
	MetadataDir = "rdiff-backup-data"

	DefaultMaxDepth = 3
	JobName         = "spider"
)

// FindRepos walks root depth-first and returns the slash separated paths,
// relative to root, of every directory holding MetadataDir. The search
// stops descending at a repository and never follows symlinks. "." stands
// for root itself.
func FindRepos(ctx context.Context, fsys afero.Fs, root string, maxDepth int) ([]string, error) {
	fi, err := fsys.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", root)
	}
	var repos []string
	var walk func(dir, rel string, depth int) error
	walk = func(dir, rel string, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := afero.ReadDir(fsys, dir)
		if err != nil {
			// unreadable subtrees are not fatal for the rest of the scan
			if depth == 0 {
				return err
			}
			return nil
		}
		for _, e := range entries {
			if e.Name() == MetadataDir && e.IsDir() {
				repos = append(repos, rel)
				return nil
			}
		}
		if depth >= maxDepth {
			return nil
		}
		for _, e := range entries {
			if !e.IsDir() || e.Mode()&os.ModeSymlink != 0 {
				continue
			}
			if err := walk(filepath.Join(dir, e.Name()), path.Join(rel, e.Name()), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, ".", 0); err != nil {
		return nil, err
	}
	return repos, nil
}

// Spider refreshes the repository list of every user from disk.
type Spider struct {
	fs       afero.Fs
	users    user.Store
	maxDepth int
	logger   *zap.SugaredLogger
}

func New(fsys afero.Fs, users user.Store, logger *zap.SugaredLogger) *Spider {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Spider{fs: fsys, users: users, maxDepth: DefaultMaxDepth, logger: logger}
}

// Run scans every user. A failing user is logged and skipped; cancellation
// is checked between users.
func (s *Spider) Run(ctx context.Context) error {
	users, err := s.users.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	updated := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.update(ctx, u); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Warnw("repository scan failed", "login", u.Login, "root", u.Root, "error", err)
			continue
		}
		updated++
	}
	s.logger.Infow("repository scan done", "users", len(users), "updated", updated)
	return nil
}

// UpdateUser rescans a single user's root.
func (s *Spider) UpdateUser(ctx context.Context, login string) error {
	u, err := s.users.Get(ctx, login)
	if err != nil {
		return err
	}
	return s.update(ctx, u)
}

func (s *Spider) update(ctx context.Context, u *entity.User) error {
	if u.Root == "" {
		return nil
	}
	repos, err := FindRepos(ctx, s.fs, u.Root, s.maxDepth)
	if err != nil {
		return err
	}
	s.logger.Debugw("repositories found", "login", u.Login, "count", len(repos))
	return s.users.SetRepos(ctx, u.Login, repos)
}
