package user

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/database"
)

var testHasher = Argon2Hasher{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type backend struct {
	name string
	repo func(t *testing.T) Repository
}

func backends() []backend {
	return []backend{
		{"sqlite", func(t *testing.T) Repository {
			db, err := database.Connect(database.SQLiteConfig(filepath.Join(t.TempDir(), "users.db")))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return userrepo.NewUserRepo(db)
		}},
		{"file", func(t *testing.T) Repository {
			return userrepo.NewFileRepo(filepath.Join(t.TempDir(), "users.yaml"))
		}},
	}
}

func newService(t *testing.T, r Repository) *UserService {
	s := NewUserService(r, testHasher, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.EnsureTable(context.Background()))
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s *UserService, r Repository)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			r := b.repo(t)
			fn(t, newService(t, r), r)
		})
	}
}

func TestAddAndVerify(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		_, err := s.Add(ctx, "alice", "")
		require.NoError(t, err)
		require.NoError(t, s.ResetPassword(ctx, "alice", "s3cret"))

		ok, err := s.Verify(ctx, "alice", "s3cret")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.Verify(ctx, "alice", "S3cret")
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = s.Verify(ctx, "nobody", "s3cret")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		_, err := s.Add(ctx, "", "x")
		require.ErrorIs(t, err, ErrInvalidArgument)
		_, err = s.Add(ctx, "bob", "x")
		require.NoError(t, err)
		_, err = s.Add(ctx, "bob", "y")
		require.ErrorIs(t, err, ErrUserExists)
	})
}

func TestLoginIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		_, err := s.Add(ctx, "alice", "pw")
		require.NoError(t, err)
		_, err = s.Get(ctx, "Alice")
		require.ErrorIs(t, err, ErrUserNotFound)
		exists, err := s.Exists(ctx, "Alice")
		require.NoError(t, err)
		require.False(t, exists)
		_, err = s.Add(ctx, "Alice", "pw")
		require.NoError(t, err)
	})
}

func TestSetPasswordRequiresOld(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		_, err := s.Add(ctx, "carol", "old-pw")
		require.NoError(t, err)

		require.ErrorIs(t, s.SetPassword(ctx, "carol", "new-pw", "wrong"), ErrWrongPassword)
		require.ErrorIs(t, s.SetPassword(ctx, "carol", "", "old-pw"), ErrInvalidArgument)

		require.NoError(t, s.SetPassword(ctx, "carol", "new-pw", "old-pw"))
		ok, _ := s.Verify(ctx, "carol", "new-pw")
		require.True(t, ok)
		ok, _ = s.Verify(ctx, "carol", "old-pw")
		require.False(t, ok)
	})
}

func TestSetReposKeepsMaxAge(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		_, err := s.Add(ctx, "dave", "")
		require.NoError(t, err)
		require.NoError(t, s.SetRepos(ctx, "dave", []string{"b", "a"}))
		require.NoError(t, s.SetRepoMaxAge(ctx, "dave", "a", 7))
		require.ErrorIs(t, s.SetRepoMaxAge(ctx, "dave", "zzz", 1), ErrInvalidArgument)
		require.ErrorIs(t, s.SetRepoMaxAge(ctx, "dave", "a", -1), ErrInvalidArgument)

		require.NoError(t, s.SetRepos(ctx, "dave", []string{"a", "c"}))
		repos, err := s.Repos(ctx, "dave")
		require.NoError(t, err)
		require.Len(t, repos, 2)
		require.Equal(t, "a", repos[0].Path)
		require.Equal(t, 7, repos[0].MaxAgeDays)
		require.Equal(t, "c", repos[1].Path)
		require.Equal(t, 0, repos[1].MaxAgeDays)

		require.ErrorIs(t, s.SetRepos(ctx, "dave", []string{"../etc"}), ErrInvalidArgument)
	})
}

func TestDeleteLeavesNoRepos(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		before, err := s.List(ctx, "")
		require.NoError(t, err)

		_, err = s.Add(ctx, "erin", "pw")
		require.NoError(t, err)
		require.NoError(t, s.SetRepos(ctx, "erin", []string{"host1", "host2"}))
		require.NoError(t, s.Delete(ctx, "erin"))

		after, err := s.List(ctx, "")
		require.NoError(t, err)
		require.Equal(t, len(before), len(after))
		require.ErrorIs(t, s.Delete(ctx, "erin"), ErrUserNotFound)

		_, err = s.Add(ctx, "erin", "")
		require.NoError(t, err)
		repos, err := s.Repos(ctx, "erin")
		require.NoError(t, err)
		require.Empty(t, repos)
	})
}

func TestListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		for _, l := range []string{"bob", "Alice", "carol"} {
			_, err := s.Add(ctx, l, "")
			require.NoError(t, err)
		}
		require.NoError(t, s.SetEmail(ctx, "carol", "carol@example.com"))
		require.ErrorIs(t, s.SetEmail(ctx, "carol", "not-an-address"), ErrInvalidArgument)

		all, err := s.List(ctx, "")
		require.NoError(t, err)
		var logins []string
		for _, u := range all {
			logins = append(logins, u.Login)
		}
		require.Equal(t, []string{"Alice", "bob", "carol"}, logins)

		hits, err := s.List(ctx, "EXAMPLE")
		require.NoError(t, err)
		require.Len(t, hits, 1)
		require.Equal(t, "carol", hits[0].Login)
	})
}

func TestProfileAndPreferences(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, _ Repository) {
		_, err := s.Add(ctx, "frank", "")
		require.NoError(t, err)
		require.NoError(t, s.SetInfo(ctx, "frank", "/backups/frank", true))
		require.NoError(t, s.SetFullname(ctx, "frank", " Frank Ocean "))
		require.NoError(t, s.SetPreferences(ctx, "frank", entity.Preferences{RestoreFormat: entity.RestoreFormatTarGz, Lang: "fr"}))
		require.ErrorIs(t, s.SetPreferences(ctx, "frank", entity.Preferences{RestoreFormat: 9}), ErrInvalidArgument)
		require.ErrorIs(t, s.SetInfo(ctx, "ghost", "/", false), ErrUserNotFound)

		u, err := s.Get(ctx, "frank")
		require.NoError(t, err)
		require.Equal(t, "/backups/frank", u.Root)
		require.True(t, u.IsAdmin)
		require.Equal(t, "Frank Ocean", u.Fullname)
		require.Equal(t, entity.RestoreFormatTarGz, u.RestoreFormat)
		require.Equal(t, "fr", u.Lang)
		require.False(t, u.HasLocalPassword())
	})
}

func TestLegacyHashIsUpgradedOnLogin(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, s *UserService, r Repository) {
		sum := sha1.Sum([]byte("legacy"))
		u := &entity.User{Login: "old", PasswordHash: hex.EncodeToString(sum[:]), RestoreFormat: 1}
		require.NoError(t, r.Create(ctx, u))

		ok, err := s.Verify(ctx, "old", "legacy")
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Get(ctx, "old")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(got.PasswordHash, "$argon2id$"))

		ok, _ = s.Verify(ctx, "old", "legacy")
		require.True(t, ok)
	})
}
