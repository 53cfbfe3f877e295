package tenant

import (
	"context"

	"github.com/oneclicktag/trackd/internal/domain"
)

// Context carries the resolved tenant identity for one request. It is
// installed on the request's context.Context by the Resolve middleware and
// follows every downstream call and goroutine that derives from that context,
// so handlers never thread it as an explicit parameter.
type Context struct {
	TenantID    string
	UserID      string
	Permissions []string
	Tenant      domain.Tenant
}

type ctxKey struct{}

func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the ambient tenant context, or nil when the request
// resolved without one.
func FromContext(ctx context.Context) *Context {
	tc, _ := ctx.Value(ctxKey{}).(*Context)
	return tc
}

// ClearContext drops any installed tenant context. Admin operations that must
// not be tenant-scoped run under a cleared context.
func ClearContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, (*Context)(nil))
}
