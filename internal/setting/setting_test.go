package setting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/repo"
)

func newFixture(t *testing.T) (*Handler, *user.UserService) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()
	users := user.NewUserService(userrepo.NewFileRepo(filepath.Join(t.TempDir(), "users.yaml")),
		user.Argon2Hasher{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}, logger)
	require.NoError(t, users.EnsureTable(ctx))
	_, err := users.Add(ctx, "bob", "oldpassword")
	require.NoError(t, err)
	require.NoError(t, users.SetRepos(ctx, "bob", []string{"laptop", "nas"}))
	return NewHandler(NewService(users, 0, logger), users, false, logger), users
}

func post(t *testing.T, users *user.UserService, fn http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	u, err := users.Get(context.Background(), "bob")
	require.NoError(t, err)
	req = req.WithContext(user.WithCurrentUser(req.Context(), u))
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func TestSetProfileInfo(t *testing.T) {
	h, users := newFixture(t)
	rec := post(t, users, h.UpdateGeneral, "/prefs/general", url.Values{
		"action": {"set_profile_info"}, "fullname": {"Bob Builder"}, "email": {"bob@example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Profile updated successfully.")

	u, err := users.Get(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, "Bob Builder", u.Fullname)
	require.Equal(t, "bob@example.com", u.Email)

	rec = post(t, users, h.UpdateGeneral, "/prefs/general", url.Values{"action": {"set_profile_info"}, "email": {"nope"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetPassword(t *testing.T) {
	h, users := newFixture(t)
	ctx := context.Background()
	for _, tc := range []struct {
		name    string
		form    url.Values
		wantMsg string
	}{
		{"mismatch", url.Values{"current": {"oldpassword"}, "new": {"newpassword"}, "confirm": {"other"}}, "do not match"},
		{"short", url.Values{"current": {"oldpassword"}, "new": {"abc"}, "confirm": {"abc"}}, "Password too short"},
		{"wrong current", url.Values{"current": {"guess"}, "new": {"newpassword"}, "confirm": {"newpassword"}}, "Wrong current password."},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.form.Set("action", "set_password")
			rec := post(t, users, h.UpdateGeneral, "/prefs/general", tc.form)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.wantMsg)
			ok, err := users.Verify(ctx, "bob", "oldpassword")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}

	rec := post(t, users, h.UpdateGeneral, "/prefs/general", url.Values{
		"action": {"set_password"}, "current": {"oldpassword"}, "new": {"newpassword"}, "confirm": {"newpassword"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ok, err := users.Verify(ctx, "bob", "newpassword")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSetPreferences(t *testing.T) {
	h, users := newFixture(t)
	rec := post(t, users, h.UpdateGeneral, "/prefs/general", url.Values{"action": {"set_preferences"}, "lang": {"de"}, "restore_format": {"2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	u, err := users.Get(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, "de", u.Lang)
	require.Equal(t, 2, u.RestoreFormat)

	rec = post(t, users, h.UpdateGeneral, "/prefs/general", url.Values{"action": {"set_preferences"}, "restore_format": {"7"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, users, h.UpdateGeneral, "/prefs/general", url.Values{"action": {"explode"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateNotification(t *testing.T) {
	h, users := newFixture(t)
	rec := post(t, users, h.UpdateNotification, "/prefs/notification", url.Values{"repo": {"laptop", "nas"}, "maxage": {"3", "0"}})
	require.Equal(t, http.StatusOK, rec.Code)

	repos, err := users.Repos(context.Background(), "bob")
	require.NoError(t, err)
	got := map[string]int{}
	for _, r := range repos {
		got[r.Path] = r.MaxAgeDays
	}
	require.Equal(t, map[string]int{"laptop": 3, "nas": 0}, got)

	rec = post(t, users, h.UpdateNotification, "/prefs/notification", url.Values{"repo": {"unknown"}, "maxage": {"1"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = post(t, users, h.UpdateNotification, "/prefs/notification", url.Values{"repo": {"laptop"}, "maxage": {"x"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
