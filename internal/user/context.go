package user

import (
	"context"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
)

type currentKey struct{}

func WithCurrentUser(ctx context.Context, u *entity.User) context.Context {
	return context.WithValue(ctx, currentKey{}, u)
}

// CurrentUser returns the user resolved for the request, or nil.
func CurrentUser(ctx context.Context) *entity.User {
	u, _ := ctx.Value(currentKey{}).(*entity.User)
	return u
}
