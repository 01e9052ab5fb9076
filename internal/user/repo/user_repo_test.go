package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/database"
)

func TestEnsureTableUpgradesLegacySchema(t *testing.T) {
	ctx := context.Background()
	db, err := database.Connect(database.SQLiteConfig(filepath.Join(t.TempDir(), "legacy.db")))
	require.NoError(t, err)
	defer db.Close()

	for _, q := range []string{
		`CREATE TABLE users (UserID INTEGER PRIMARY KEY AUTOINCREMENT, Username VARCHAR NOT NULL UNIQUE,
			Password VARCHAR DEFAULT '', UserRoot VARCHAR DEFAULT '', IsAdmin BOOLEAN DEFAULT FALSE,
			UserEmail VARCHAR DEFAULT '', RestoreFormat BOOLEAN DEFAULT TRUE)`,
		`CREATE TABLE repos (RepoID INTEGER PRIMARY KEY AUTOINCREMENT, UserID INTEGER NOT NULL, RepoPath VARCHAR NOT NULL)`,
		`INSERT INTO users (Username, Password, UserRoot, IsAdmin, UserEmail) VALUES ('admin', '', '/backups', 1, 'root@example.com')`,
		`INSERT INTO repos (UserID, RepoPath) VALUES (1, 'laptop')`,
	} {
		_, err := db.ExecContext(ctx, q)
		require.NoError(t, err)
	}

	r := NewUserRepo(db)
	require.NoError(t, r.EnsureTable(ctx))
	require.NoError(t, r.EnsureTable(ctx), "second run must be a no-op")

	u, err := r.GetByLogin(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, int64(1), u.ID)
	require.True(t, u.IsAdmin)
	require.Equal(t, "/backups", u.Root)
	require.Equal(t, "root@example.com", u.Email)
	require.Equal(t, "", u.Fullname)

	repos, err := r.Repos(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []entity.RepoBinding{{UserID: 1, Path: "laptop", MaxAgeDays: 0}}, repos)

	require.NoError(t, r.UpdateFullname(ctx, u.ID, "Administrator"))
	require.ErrorIs(t, r.UpdateFullname(ctx, 999, "x"), ErrNotFound)
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	db, err := database.Connect(database.SQLiteConfig(filepath.Join(t.TempDir(), "dup.db")))
	require.NoError(t, err)
	defer db.Close()
	r := NewUserRepo(db)
	require.NoError(t, r.EnsureTable(ctx))

	require.NoError(t, r.Create(ctx, &entity.User{Login: "x"}))
	require.ErrorIs(t, r.Create(ctx, &entity.User{Login: "x"}), ErrDuplicate)
	require.NoError(t, r.Create(ctx, &entity.User{Login: "X"}))
}

func TestFileRepoPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.yaml")
	r := NewFileRepo(path)
	require.NoError(t, r.EnsureTable(ctx))
	u := &entity.User{Login: "admin", Root: "/srv", IsAdmin: true}
	require.NoError(t, r.Create(ctx, u))
	require.NoError(t, r.SetRepos(ctx, u.ID, []string{"a", "b"}))
	require.NoError(t, r.SetRepoMaxAge(ctx, u.ID, "b", 3))

	again := NewFileRepo(path)
	require.NoError(t, again.EnsureTable(ctx))
	got, err := again.GetByLogin(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
	require.Equal(t, "/srv", got.Root)
	repos, err := again.Repos(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	require.Equal(t, 3, repos[1].MaxAgeDays)
}

func TestFileRepoKeepsStateWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o755))
	r := NewFileRepo(filepath.Join(dir, "users.yaml"))
	require.NoError(t, r.EnsureTable(ctx))
	u := &entity.User{Login: "bob", Email: "bob@example.org"}
	require.NoError(t, r.Create(ctx, u))
	require.NoError(t, r.SetRepos(ctx, u.ID, []string{"laptop"}))

	require.NoError(t, os.RemoveAll(dir))

	require.Error(t, r.Delete(ctx, u.ID))
	require.Error(t, r.UpdateEmail(ctx, u.ID, "new@example.org"))
	require.Error(t, r.SetRepos(ctx, u.ID, []string{"laptop", "srv"}))
	require.Error(t, r.SetRepoMaxAge(ctx, u.ID, "laptop", 4))
	carol := &entity.User{Login: "carol"}
	require.Error(t, r.Create(ctx, carol))
	require.Zero(t, carol.ID)

	got, err := r.GetByLogin(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob@example.org", got.Email)
	repos, err := r.Repos(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []entity.RepoBinding{{UserID: u.ID, Path: "laptop"}}, repos)
	_, err = r.GetByLogin(ctx, "carol")
	require.ErrorIs(t, err, ErrNotFound)
}
