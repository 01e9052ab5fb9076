package setting

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/setting/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
)

// Handler serves the preference pages.
type Handler struct {
	svc    *Service
	users  user.Store
	logger *zap.SugaredLogger
	// directory users may change their password through the directory
	directoryPasswords bool
}

// NewHandler constructs a new Handler.
func NewHandler(svc *Service, users user.Store, directoryPasswords bool, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, users: users, directoryPasswords: directoryPasswords, logger: logger}
}

type prefsPage struct {
	User            *userentity.User
	Repos           []userentity.RepoBinding
	CanSetPassword  bool
	RestoreFormatTB bool
	Message         string
	Error           string
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, msg, errMsg string) {
	login := user.CurrentUser(r.Context()).Login
	// reload so the page shows what was just saved
	u, err := h.users.Get(r.Context(), login)
	if err != nil {
		h.logger.Errorw("load user failed", "login", login, "err", err)
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	repos, err := h.users.Repos(r.Context(), login)
	if err != nil {
		h.logger.Errorw("list repos failed", "login", login, "err", err)
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	web.Render(w, status, "prefs.html", prefsPage{
		User:            u,
		Repos:           repos,
		CanSetPassword:  u.HasLocalPassword() || h.directoryPasswords,
		RestoreFormatTB: u.RestoreFormat == userentity.RestoreFormatTarGz,
		Message:         msg,
		Error:           errMsg,
	})
}

// General shows the preference page.
func (h *Handler) General(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "", "")
}

// UpdateGeneral dispatches on the form's action field.
func (h *Handler) UpdateGeneral(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "", "Invalid form.")
		return
	}
	ctx := r.Context()
	login := user.CurrentUser(ctx).Login
	f := r.PostForm

	var err error
	var done string
	switch f.Get("action") {
	case "set_profile_info":
		err = h.svc.UpdateProfile(ctx, login, entity.ProfileForm{Fullname: f.Get("fullname"), Email: f.Get("email")})
		done = "Profile updated successfully."
	case "set_password":
		err = h.svc.ChangePassword(ctx, login, entity.PasswordForm{Current: f.Get("current"), New: f.Get("new"), Confirm: f.Get("confirm")})
		done = "Password updated successfully."
	case "set_preferences":
		format, convErr := strconv.Atoi(f.Get("restore_format"))
		if convErr != nil {
			err = user.ErrInvalidArgument
			break
		}
		err = h.svc.UpdatePreferences(ctx, login, entity.PreferencesForm{Lang: f.Get("lang"), RestoreFormat: format})
		done = "Preferences updated successfully."
	default:
		h.render(w, r, http.StatusBadRequest, "", "Unknown action.")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, done, "")
}

// UpdateNotification stores the per-repository max age. The form repeats
// "repo" and "maxage" in matching order.
func (h *Handler) UpdateNotification(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "", "Invalid form.")
		return
	}
	repos, ages := r.PostForm["repo"], r.PostForm["maxage"]
	if len(repos) != len(ages) {
		h.render(w, r, http.StatusBadRequest, "", "Invalid form.")
		return
	}
	list := make([]entity.MaxAge, 0, len(repos))
	for i, repo := range repos {
		days, err := strconv.Atoi(strings.TrimSpace(ages[i]))
		if err != nil {
			h.render(w, r, http.StatusBadRequest, "", "Max age must be a number of days.")
			return
		}
		list = append(list, entity.MaxAge{Repo: repo, Days: days})
	}
	if err := h.svc.SetMaxAges(r.Context(), user.CurrentUser(r.Context()).Login, list); err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "Notification settings updated successfully.", "")
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var msg string
	switch {
	case errors.Is(err, user.ErrWrongPassword):
		msg = "Wrong current password."
	case errors.Is(err, ErrPasswordMismatch), errors.Is(err, ErrPasswordTooShort), errors.Is(err, ErrSamePassword):
		msg = capitalize(err.Error()) + "."
	case errors.Is(err, user.ErrInvalidArgument):
		msg = "Invalid value."
	case errors.Is(err, user.ErrBackendUnavailable):
		msg = "The user directory is unavailable, try again later."
	default:
		h.logger.Errorw("preferences update failed", "err", err)
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	h.render(w, r, http.StatusBadRequest, "", msg)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
