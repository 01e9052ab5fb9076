package oidc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/config"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/session"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

const (
	CallbackPath    = "/oauth/callback"
	DefaultStateTTL = 10 * time.Minute
)

// Service runs the authorization-code flow against one provider.
// Nothing issued by the provider outlives the callback.
type Service struct {
	cfg      config.OAuth
	endpoint oauth2.Endpoint
	client   *http.Client
	clock    clockwork.Clock
	stateTTL time.Duration
	logger   *zap.SugaredLogger
}

func NewService(cfg config.OAuth, clock clockwork.Clock, logger *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		cfg:      cfg,
		endpoint: oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		client:   &http.Client{Timeout: timeout},
		clock:    clock,
		stateTTL: DefaultStateTTL,
		logger:   logger,
	}
}

// oauthConfig binds the callback URL to the base the request came in on.
func (s *Service) oauthConfig(r *http.Request) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint:     s.endpoint,
		RedirectURL:  utilities.RequestBase(r) + CallbackPath,
		Scopes:       strings.Fields(s.cfg.Scope),
	}
}

// Begin stores a fresh state in sess and returns the provider URL to send
// the browser to.
func (s *Service) Begin(r *http.Request, sess *session.Session) string {
	state := utilities.RandomToken(24)
	sess.Set(session.KeyOAuthState, state)
	sess.SetTime(session.KeyOAuthStateAt, s.clock.Now())
	return s.oauthConfig(r).AuthCodeURL(state)
}

// checkState consumes the stored state. It is valid once.
func (s *Service) checkState(sess *session.Session, got string) error {
	want := sess.Get(session.KeyOAuthState)
	at, ok := sess.Time(session.KeyOAuthStateAt)
	sess.Delete(session.KeyOAuthState)
	sess.Delete(session.KeyOAuthStateAt)
	switch {
	case want == "" || !ok:
		return fmt.Errorf("%w: no pending authorization", ErrBadRequest)
	case subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1:
		return fmt.Errorf("%w: state mismatch", ErrBadRequest)
	case s.clock.Since(at) > s.stateTTL:
		return fmt.Errorf("%w: authorization expired", ErrBadRequest)
	}
	return nil
}

// Callback validates the provider's redirect, exchanges the code and
// returns the identity the claims describe.
func (s *Service) Callback(r *http.Request, sess *session.Session) (*entity.Identity, error) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		sess.Delete(session.KeyOAuthState)
		sess.Delete(session.KeyOAuthStateAt)
		return nil, fmt.Errorf("%w: provider returned %s: %s", ErrBadRequest, e, q.Get("error_description"))
	}
	if err := s.checkState(sess, q.Get("state")); err != nil {
		return nil, err
	}
	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrBadRequest)
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, s.client)
	conf := s.oauthConfig(r)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%w: token exchange: %s", ErrBadRequest, re.ErrorCode)
		}
		return nil, fmt.Errorf("%w: token exchange: %v", ErrUnavailable, err)
	}

	claims, err := s.claims(ctx, conf, tok)
	if err != nil {
		return nil, err
	}
	return s.identity(claims)
}

func (s *Service) claims(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) (Claims, error) {
	if s.cfg.UserinfoURL == "" {
		raw, _ := tok.Extra("id_token").(string)
		if raw == "" {
			return nil, fmt.Errorf("%w: no userinfo endpoint and no id_token", ErrBadRequest)
		}
		// the token came straight from the token endpoint over TLS
		mc := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
			return nil, fmt.Errorf("%w: id_token: %v", ErrBadRequest, err)
		}
		return Claims(mc), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.UserinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := conf.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo returned %d", ErrBadRequest, resp.StatusCode)
	}
	var c Claims
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: userinfo: %v", ErrBadRequest, err)
	}
	return c, nil
}

func (s *Service) identity(c Claims) (*entity.Identity, error) {
	key := c.FirstOf(s.cfg.UserkeyClaim)
	if key == "" {
		return nil, fmt.Errorf("%w: claim %q is empty", ErrBadRequest, s.cfg.UserkeyClaim)
	}
	for _, rc := range s.cfg.RequiredClaims {
		if !c.Matches(rc.Claim, rc.Value) {
			s.logger.Infow("required claim not satisfied", "claim", rc.Claim)
			return nil, fmt.Errorf("%w: %s", ErrForbidden, rc.Claim)
		}
	}
	ident := &entity.Identity{Login: key, Source: SourceName, Email: c.FirstOf(s.cfg.EmailClaim)}
	if s.cfg.FullnameClaim != "" {
		ident.Fullname = c.FirstOf(s.cfg.FullnameClaim)
	}
	if ident.Fullname == "" {
		ident.Fullname = strings.TrimSpace(c.String(s.cfg.FirstnameClaim) + " " + c.String(s.cfg.LastnameClaim))
	}
	return ident, nil
}
