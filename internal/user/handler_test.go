package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/repo"
)

func newHandlerFixture(t *testing.T) (*Handler, *UserService) {
	t.Helper()
	ctx := context.Background()
	s := newService(t, userrepo.NewFileRepo(filepath.Join(t.TempDir(), "users.yaml")))
	_, err := s.Add(ctx, "admin", "admin123")
	require.NoError(t, err)
	require.NoError(t, s.SetInfo(ctx, "admin", "/backups", true))
	_, err = s.Add(ctx, "bob", "")
	require.NoError(t, err)
	require.NoError(t, s.SetInfo(ctx, "bob", "/backups/bob", false))
	require.NoError(t, s.SetRepos(ctx, "bob", []string{"laptop", "srv/etc"}))
	require.NoError(t, s.SetRepoMaxAge(ctx, "bob", "laptop", 3))
	return NewHandler(s, zaptest.NewLogger(t).Sugar()), s
}

func as(t *testing.T, s *UserService, login string, req *http.Request) *http.Request {
	u, err := s.Get(context.Background(), login)
	require.NoError(t, err)
	return req.WithContext(WithCurrentUser(req.Context(), u))
}

func TestGetCurrentUser(t *testing.T) {
	h, s := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	h.GetCurrentUser(rec, as(t, s, "bob", httptest.NewRequest(http.MethodGet, "/api/currentuser/", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body CurrentUserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "bob", body.Username)
	require.False(t, body.IsAdmin)
	require.ElementsMatch(t, []RepoView{{Name: "laptop", MaxAge: 3}, {Name: "srv/etc"}}, body.Repos)
	require.NotContains(t, rec.Body.String(), "password")
}

func TestUpdateCurrentUser(t *testing.T) {
	h, s := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/currentuser/", strings.NewReader(`{"fullname":"Bob Builder","email":"bob@example.com","lang":"fr"}`))
	h.UpdateCurrentUser(rec, as(t, s, "bob", req))
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := s.Get(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, "Bob Builder", u.Fullname)
	require.Equal(t, "bob@example.com", u.Email)
	require.Equal(t, "fr", u.Lang)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/currentuser/", strings.NewReader(`{"email":"not-an-address"}`))
	h.UpdateCurrentUser(rec, as(t, s, "bob", req))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAPIRequiresAdmin(t *testing.T) {
	h, s := newHandlerFixture(t)
	for _, fn := range []http.HandlerFunc{h.ListUsers, h.AddUser, h.UpdateUser, h.DeleteUser} {
		rec := httptest.NewRecorder()
		fn(rec, as(t, s, "bob", httptest.NewRequest(http.MethodGet, "/api/users/", strings.NewReader("{}"))))
		require.Equal(t, http.StatusForbidden, rec.Code)
	}
}

func TestAdminUserLifecycle(t *testing.T) {
	h, s := newHandlerFixture(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/users/", strings.NewReader(`{"username":"carol","password":"pw1","user_root":"/backups/carol","email":"carol@example.com"}`))
	h.AddUser(rec, as(t, s, "admin", req))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created entity.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "carol", created.Login)
	require.Equal(t, "/backups/carol", created.Root)
	ok, err := s.Verify(ctx, "carol", "pw1")
	require.NoError(t, err)
	require.True(t, ok)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/users/", strings.NewReader(`{"username":"carol"}`))
	h.AddUser(rec, as(t, s, "admin", req))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/users/carol", strings.NewReader(`{"is_admin":true,"password":"pw2"}`))
	req.SetPathValue("login", "carol")
	h.UpdateUser(rec, as(t, s, "admin", req))
	require.Equal(t, http.StatusOK, rec.Code)
	u, err := s.Get(ctx, "carol")
	require.NoError(t, err)
	require.True(t, u.IsAdmin)
	require.Equal(t, "/backups/carol", u.Root, "absent fields are kept")
	ok, _ = s.Verify(ctx, "carol", "pw2")
	require.True(t, ok)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/users/?filter=CAR", nil)
	h.ListUsers(rec, as(t, s, "admin", req))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []entity.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/users/carol", nil)
	req.SetPathValue("login", "carol")
	h.DeleteUser(rec, as(t, s, "admin", req))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/users/carol", nil)
	req.SetPathValue("login", "carol")
	h.DeleteUser(rec, as(t, s, "admin", req))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/users/admin", nil)
	req.SetPathValue("login", "admin")
	h.DeleteUser(rec, as(t, s, "admin", req))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
