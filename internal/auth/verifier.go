package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user"
	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
)

// Verifier checks a login and password against one identity source.
// It returns (identity, nil) to accept, (nil, nil) to reject, and an error
// wrapping user.ErrBackendUnavailable when the source cannot be reached.
type Verifier interface {
	Verify(ctx context.Context, login, password string) (*entity.Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, login, password string) (*entity.Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, login, password string) (*entity.Identity, error) {
	return f(ctx, login, password)
}

// LocalVerifier checks passwords held by the user store.
func LocalVerifier(store user.Store) Verifier {
	return VerifierFunc(func(ctx context.Context, login, password string) (*entity.Identity, error) {
		ok, err := store.Verify(ctx, login, password)
		if err != nil || !ok {
			return nil, err
		}
		return &entity.Identity{Login: login, Source: "local"}, nil
	})
}

type namedVerifier struct {
	name string
	v    Verifier
}

// Chain tries verifiers in order; the first to accept wins.
type Chain struct {
	verifiers []namedVerifier
	logger    *zap.SugaredLogger
}

func NewChain(logger *zap.SugaredLogger) *Chain {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Chain{logger: logger}
}

// Add appends v under name. Order of calls is the order of evaluation.
func (c *Chain) Add(name string, v Verifier) *Chain {
	c.verifiers = append(c.verifiers, namedVerifier{name: name, v: v})
	return c
}

// Verify returns the accepted identity, or nil when every verifier
// rejected or failed. Failures are logged, never returned.
func (c *Chain) Verify(ctx context.Context, login, password string) *entity.Identity {
	for _, nv := range c.verifiers {
		ident, err := c.try(ctx, nv, login, password)
		switch {
		case err != nil && errors.Is(err, user.ErrBackendUnavailable):
			c.logger.Warnw("verifier unavailable", "verifier", nv.name, "login", login, "err", err)
		case err != nil:
			c.logger.Errorw("verifier failed", "verifier", nv.name, "login", login, "err", err)
		case ident != nil:
			if ident.Login == "" {
				ident.Login = login
			}
			if ident.Source == "" {
				ident.Source = nv.name
			}
			return ident
		}
	}
	return nil
}

func (c *Chain) try(ctx context.Context, nv namedVerifier, login, password string) (ident *entity.Identity, err error) {
	defer func() {
		if p := recover(); p != nil {
			ident, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return nv.v.Verify(ctx, login, password)
}

// Len reports how many verifiers are registered.
func (c *Chain) Len() int { return len(c.verifiers) }
