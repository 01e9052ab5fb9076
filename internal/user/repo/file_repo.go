package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

type fileUser struct {
	entity.User `yaml:",inline"`
	Repos       []entity.RepoBinding `yaml:"repos,omitempty"`
}

type fileData struct {
	Users []*fileUser `yaml:"users"`
}

// FileRepo keeps users in a single YAML document. Every write rewrites the
// file through a temporary sibling so a crash never leaves it half written.
type FileRepo struct {
	path string

	mu   sync.RWMutex
	data fileData
}

func NewFileRepo(path string) *FileRepo { return &FileRepo{path: path} }

// EnsureTable loads the file, creating an empty one when it does not exist.
func (r *FileRepo) EnsureTable(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.data = fileData{}
		return r.flush(&r.data)
	}
	if err != nil {
		return err
	}
	var d fileData
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}
	for _, u := range d.Users {
		if u.ID == 0 {
			u.ID = utilities.NewSnowflakeID()
		}
		if u.RestoreFormat == 0 {
			u.RestoreFormat = entity.RestoreFormatZip
		}
	}
	r.data = d
	return nil
}

func (d *fileData) clone() fileData {
	out := fileData{Users: make([]*fileUser, len(d.Users))}
	for i, u := range d.Users {
		cp := *u
		cp.Repos = append([]entity.RepoBinding(nil), u.Repos...)
		out.Users[i] = &cp
	}
	return out
}

// update applies fn to a copy of the data and keeps the copy only once it
// is on disk. The caller holds r.mu.
func (r *FileRepo) update(fn func(d *fileData) error) error {
	next := r.data.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := r.flush(&next); err != nil {
		return err
	}
	r.data = next
	return nil
}

func (r *FileRepo) flush(d *fileData) error {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".users-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

func (d *fileData) find(login string) *fileUser {
	for _, u := range d.Users {
		if u.Login == login {
			return u
		}
	}
	return nil
}

func (d *fileData) findID(id int64) *fileUser {
	for _, u := range d.Users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (r *FileRepo) Create(ctx context.Context, u *entity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.find(u.Login) != nil {
		return ErrDuplicate
	}
	id := utilities.NewSnowflakeID()
	err := r.update(func(d *fileData) error {
		cp := *u
		cp.ID = id
		d.Users = append(d.Users, &fileUser{User: cp})
		return nil
	})
	if err == nil {
		u.ID = id
	}
	return err
}

func (r *FileRepo) GetByLogin(ctx context.Context, login string) (*entity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := r.data.find(login)
	if u == nil {
		return nil, ErrNotFound
	}
	cp := u.User
	return &cp, nil
}

func (r *FileRepo) List(ctx context.Context) ([]*entity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.User, 0, len(r.data.Users))
	for _, u := range r.data.Users {
		cp := u.User
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Login), strings.ToLower(out[j].Login)
		if a != b {
			return a < b
		}
		return out[i].Login < out[j].Login
	})
	return out, nil
}

func (r *FileRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(func(d *fileData) error {
		for i, u := range d.Users {
			if u.ID == id {
				d.Users = append(d.Users[:i], d.Users[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
}

func (r *FileRepo) mutate(id int64, fn func(u *fileUser)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(func(d *fileData) error {
		u := d.findID(id)
		if u == nil {
			return ErrNotFound
		}
		fn(u)
		return nil
	})
}

func (r *FileRepo) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return r.mutate(id, func(u *fileUser) { u.PasswordHash = hash })
}

func (r *FileRepo) UpdateInfo(ctx context.Context, id int64, root string, isAdmin bool) error {
	return r.mutate(id, func(u *fileUser) { u.Root, u.IsAdmin = root, isAdmin })
}

func (r *FileRepo) UpdateEmail(ctx context.Context, id int64, email string) error {
	return r.mutate(id, func(u *fileUser) { u.Email = email })
}

func (r *FileRepo) UpdateFullname(ctx context.Context, id int64, fullname string) error {
	return r.mutate(id, func(u *fileUser) { u.Fullname = fullname })
}

func (r *FileRepo) UpdatePreferences(ctx context.Context, id int64, p entity.Preferences) error {
	return r.mutate(id, func(u *fileUser) { u.RestoreFormat, u.Lang = p.RestoreFormat, p.Lang })
}

func (r *FileRepo) Repos(ctx context.Context, userID int64) ([]entity.RepoBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := r.data.findID(userID)
	if u == nil {
		return nil, nil
	}
	out := make([]entity.RepoBinding, len(u.Repos))
	copy(out, u.Repos)
	for i := range out {
		out[i].UserID = userID
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *FileRepo) SetRepos(ctx context.Context, userID int64, paths []string) error {
	return r.mutate(userID, func(u *fileUser) {
		age := make(map[string]int, len(u.Repos))
		for _, b := range u.Repos {
			age[b.Path] = b.MaxAgeDays
		}
		seen := make(map[string]bool, len(paths))
		next := make([]entity.RepoBinding, 0, len(paths))
		for _, p := range paths {
			if seen[p] {
				continue
			}
			seen[p] = true
			next = append(next, entity.RepoBinding{Path: p, MaxAgeDays: age[p]})
		}
		u.Repos = next
	})
}

func (r *FileRepo) SetRepoMaxAge(ctx context.Context, userID int64, path string, days int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(func(d *fileData) error {
		u := d.findID(userID)
		if u == nil {
			return ErrNotFound
		}
		for i := range u.Repos {
			if u.Repos[i].Path == path {
				u.Repos[i].MaxAgeDays = days
				return nil
			}
		}
		return ErrNotFound
	})
}
