package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
)

// Handler exposes the landing page, the current-user API and the
// administrator user API.
type Handler struct {
	store  Store
	logger *zap.SugaredLogger
}

func NewHandler(store Store, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{store: store, logger: logger}
}

// RepoView is a repository as returned by the API.
type RepoView struct {
	Name   string `json:"name"`
	MaxAge int    `json:"maxage"`
}

// CurrentUserResponse is the body of GET /api/currentuser/.
type CurrentUserResponse struct {
	UserID        int64      `json:"userid"`
	Username      string     `json:"username"`
	Fullname      string     `json:"fullname"`
	Email         string     `json:"email"`
	Lang          string     `json:"lang"`
	IsAdmin       bool       `json:"is_admin"`
	RestoreFormat int        `json:"restore_format"`
	Repos         []RepoView `json:"repos"`
}

// UserRequest is the body accepted by the administrator user API.
// Absent fields are left unchanged on update.
type UserRequest struct {
	Username string  `json:"username"`
	Password *string `json:"password"`
	UserRoot *string `json:"user_root"`
	IsAdmin  *bool   `json:"is_admin"`
	Email    *string `json:"email"`
	Fullname *string `json:"fullname"`
}

// ProfileRequest is the body of POST /api/currentuser/.
type ProfileRequest struct {
	Fullname *string `json:"fullname"`
	Email    *string `json:"email"`
	Lang     *string `json:"lang"`
}

type indexPage struct {
	User  *entity.User
	Repos []entity.RepoBinding
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	u := CurrentUser(r.Context())
	repos, err := h.store.Repos(r.Context(), u.Login)
	if err != nil {
		h.logger.Errorw("list repos failed", "login", u.Login, "err", err)
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	web.Render(w, http.StatusOK, "index.html", indexPage{User: u, Repos: repos})
}

func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	u := CurrentUser(r.Context())
	repos, err := h.store.Repos(r.Context(), u.Login)
	if err != nil {
		h.logger.Errorw("list repos failed", "login", u.Login, "err", err)
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	resp := CurrentUserResponse{
		UserID:        u.ID,
		Username:      u.Login,
		Fullname:      u.Fullname,
		Email:         u.Email,
		Lang:          u.Lang,
		IsAdmin:       u.IsAdmin,
		RestoreFormat: u.RestoreFormat,
		Repos:         make([]RepoView, 0, len(repos)),
	}
	for _, rb := range repos {
		resp.Repos = append(resp.Repos, RepoView{Name: rb.Path, MaxAge: rb.MaxAgeDays})
	}
	web.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) UpdateCurrentUser(w http.ResponseWriter, r *http.Request) {
	u := CurrentUser(r.Context())
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid profile payload", "err", err)
		web.Error(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	ctx := r.Context()
	var err error
	if req.Fullname != nil {
		err = errors.Join(err, h.store.SetFullname(ctx, u.Login, *req.Fullname))
	}
	if req.Email != nil {
		err = errors.Join(err, h.store.SetEmail(ctx, u.Login, *req.Email))
	}
	if req.Lang != nil {
		err = errors.Join(err, h.store.SetPreferences(ctx, u.Login, entity.Preferences{RestoreFormat: orZip(u.RestoreFormat), Lang: *req.Lang}))
	}
	if err != nil {
		h.fail(w, r, "update profile", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func orZip(f int) int {
	if f == 0 {
		return entity.RestoreFormatZip
	}
	return f
}

// requireAdmin answers 403 and returns false unless the current user is
// an administrator.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if u := CurrentUser(r.Context()); u == nil || !u.IsAdmin {
		web.Error(w, r, http.StatusForbidden, "administrator only")
		return false
	}
	return true
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	users, err := h.store.List(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		h.fail(w, r, "list users", err)
		return
	}
	if users == nil {
		users = []*entity.User{}
	}
	web.WriteJSON(w, http.StatusOK, users)
}

func (h *Handler) AddUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid user payload", "err", err)
		web.Error(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	login := strings.TrimSpace(req.Username)
	password := ""
	if req.Password != nil {
		password = *req.Password
	}
	if _, err := h.store.Add(r.Context(), login, password); err != nil {
		h.fail(w, r, "add user", err)
		return
	}
	if err := h.apply(r, login, req); err != nil {
		h.fail(w, r, "add user", err)
		return
	}
	u, err := h.store.Get(r.Context(), login)
	if err != nil {
		h.fail(w, r, "add user", err)
		return
	}
	h.logger.Infow("user created through api", "login", login, "by", CurrentUser(r.Context()).Login)
	web.WriteJSON(w, http.StatusCreated, u)
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	login := r.PathValue("login")
	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid user payload", "err", err)
		web.Error(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Password != nil {
		if err := h.store.ResetPassword(r.Context(), login, *req.Password); err != nil {
			h.fail(w, r, "update user", err)
			return
		}
	}
	if err := h.apply(r, login, req); err != nil {
		h.fail(w, r, "update user", err)
		return
	}
	u, err := h.store.Get(r.Context(), login)
	if err != nil {
		h.fail(w, r, "update user", err)
		return
	}
	web.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	login := r.PathValue("login")
	if login == CurrentUser(r.Context()).Login {
		web.Error(w, r, http.StatusBadRequest, "cannot delete yourself")
		return
	}
	if err := h.store.Delete(r.Context(), login); err != nil {
		h.fail(w, r, "delete user", err)
		return
	}
	h.logger.Infow("user deleted through api", "login", login, "by", CurrentUser(r.Context()).Login)
	w.WriteHeader(http.StatusNoContent)
}

// apply writes the optional attributes of req to login.
func (h *Handler) apply(r *http.Request, login string, req UserRequest) error {
	ctx := r.Context()
	if req.UserRoot != nil || req.IsAdmin != nil {
		u, err := h.store.Get(ctx, login)
		if err != nil {
			return err
		}
		root, admin := u.Root, u.IsAdmin
		if req.UserRoot != nil {
			root = *req.UserRoot
		}
		if req.IsAdmin != nil {
			admin = *req.IsAdmin
		}
		if err := h.store.SetInfo(ctx, login, root, admin); err != nil {
			return err
		}
	}
	if req.Email != nil {
		if err := h.store.SetEmail(ctx, login, *req.Email); err != nil {
			return err
		}
	}
	if req.Fullname != nil {
		if err := h.store.SetFullname(ctx, login, *req.Fullname); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrUserExists):
		web.Error(w, r, http.StatusConflict, "user already exists")
	case errors.Is(err, ErrUserNotFound):
		web.Error(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrInvalidArgument):
		web.Error(w, r, http.StatusBadRequest, "invalid value")
	case errors.Is(err, ErrBackendUnavailable):
		web.Error(w, r, http.StatusServiceUnavailable, "")
	default:
		h.logger.Errorw(op+" failed", "err", err)
		web.Error(w, r, http.StatusInternalServerError, "")
	}
}
