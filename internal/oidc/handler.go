package oidc

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/auth"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/session"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/web"
)

type Handler struct {
	svc    *Service
	auth   *auth.Authenticator
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, a *auth.Authenticator, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, auth: a, logger: logger}
}

// Login sends the browser to the provider.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	if s == nil {
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	http.Redirect(w, r, h.svc.Begin(r, s), http.StatusSeeOther)
}

// Callback completes the flow and logs the user in.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	if s == nil {
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	ident, err := h.svc.Callback(r, s)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrBadRequest):
			status = http.StatusBadRequest
		case errors.Is(err, ErrForbidden):
			status = http.StatusForbidden
		case errors.Is(err, ErrUnavailable):
			status = http.StatusServiceUnavailable
		}
		h.logger.Warnw("federated login failed", "status", status, "err", err)
		web.Error(w, r, status, "Federated login failed.")
		return
	}
	if _, err := h.auth.Login(r, ident, auth.MethodFederated); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			web.Error(w, r, http.StatusForbidden, "Federated login failed.")
			return
		}
		h.logger.Errorw("federated login error", "login", ident.Login, "err", err)
		web.Error(w, r, http.StatusInternalServerError, "")
		return
	}
	http.Redirect(w, r, auth.TakeOriginalURL(r, ""), http.StatusSeeOther)
}
