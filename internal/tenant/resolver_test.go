package tenant

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oneclicktag/trackd/internal/domain"
)

var signingKey = []byte("test-signing-key")

type fakeLookup struct {
	tenants map[string]domain.Tenant
	err     error
}

func (f *fakeLookup) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func lookupWith(ids ...string) *fakeLookup {
	l := &fakeLookup{tenants: map[string]domain.Tenant{}}
	for _, id := range ids {
		l.tenants[id] = domain.Tenant{ID: id, Name: id, IsActive: true}
	}
	return l
}

func newResolver(l Lookup) *Resolver {
	return NewResolver(l, signingKey, zap.NewNop())
}

func signedToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestResolvePrecedence(t *testing.T) {
	r := newResolver(lookupWith("jwt-tenant", "header-tenant", "query-tenant"))

	t.Run("jwt wins over header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, signingKey, jwt.MapClaims{
			"sub": "user-1", "tenantId": "jwt-tenant",
		}))
		req.Header.Set("X-Tenant-Id", "header-tenant")

		tc := r.Resolve(req)
		require.NotNil(t, tc)
		assert.Equal(t, "jwt-tenant", tc.TenantID)
		assert.Equal(t, "user-1", tc.UserID)
	})

	t.Run("header wins over query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/batches?tenantId=query-tenant", nil)
		req.Header.Set("X-Tenant-Id", "header-tenant")

		tc := r.Resolve(req)
		require.NotNil(t, tc)
		assert.Equal(t, "header-tenant", tc.TenantID)
	})

	t.Run("query wins over subdomain", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://jwt-tenant.example.com/v1/batches?tenantId=query-tenant", nil)

		tc := r.Resolve(req)
		require.NotNil(t, tc)
		assert.Equal(t, "query-tenant", tc.TenantID)
	})
}

func TestResolveBearerToken(t *testing.T) {
	r := newResolver(lookupWith("t1", "header-tenant"))

	t.Run("permissions claim carried", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, signingKey, jwt.MapClaims{
			"sub":         "user-9",
			"tenantId":    "t1",
			"permissions": []string{"tracking:read", "tracking:write"},
		}))

		tc := r.Resolve(req)
		require.NotNil(t, tc)
		assert.Equal(t, []string{"tracking:read", "tracking:write"}, tc.Permissions)
	})

	t.Run("forged signature falls through to header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("wrong-key"), jwt.MapClaims{
			"tenantId": "t1",
		}))
		req.Header.Set("X-Tenant-Id", "header-tenant")

		tc := r.Resolve(req)
		require.NotNil(t, tc)
		assert.Equal(t, "header-tenant", tc.TenantID)
	})

	t.Run("garbage token ignored", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")

		assert.Nil(t, r.Resolve(req))
	})
}

func TestResolveSubdomain(t *testing.T) {
	r := newResolver(lookupWith("tenanta", "body-tenant"))

	t.Run("subdomain used as candidate", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://tenanta.example.com/", nil)
		tc := r.Resolve(req)
		require.NotNil(t, tc)
		assert.Equal(t, "tenanta", tc.TenantID)
	})

	t.Run("host port stripped", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://tenanta.example.com:8080/", nil)
		tc := r.Resolve(req)
		require.NotNil(t, tc)
		assert.Equal(t, "tenanta", tc.TenantID)
	})

	for _, reserved := range []string{"www", "api"} {
		t.Run(reserved+" falls through to body", func(t *testing.T) {
			body := strings.NewReader(`{"tenantId":"body-tenant"}`)
			req := httptest.NewRequest(http.MethodPost, "http://"+reserved+".example.com/", body)
			req.Header.Set("Content-Type", "application/json")

			tc := r.Resolve(req)
			require.NotNil(t, tc)
			assert.Equal(t, "body-tenant", tc.TenantID)
		})
	}

	t.Run("bare domain has no subdomain", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
		assert.Nil(t, r.Resolve(req))
	})
}

func TestResolveBodyRestored(t *testing.T) {
	r := newResolver(lookupWith("body-tenant"))

	raw := `{"tenantId":"body-tenant","trackingIds":["tr-1"]}`
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", bytes.NewReader([]byte(raw)))
	req.Header.Set("Content-Type", "application/json")

	tc := r.Resolve(req)
	require.NotNil(t, tc)
	assert.Equal(t, "body-tenant", tc.TenantID)

	// The handler must still see the full body.
	got, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, raw, string(got))
}

func TestResolveRouteParam(t *testing.T) {
	r := newResolver(lookupWith("route-tenant"))

	rc := chi.NewRouteContext()
	rc.URLParams.Add("tenantId", "route-tenant")
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	tc := r.Resolve(req)
	require.NotNil(t, tc)
	assert.Equal(t, "route-tenant", tc.TenantID)
}

func TestResolveNeverFatal(t *testing.T) {
	t.Run("unknown tenant", func(t *testing.T) {
		r := newResolver(lookupWith())
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-Id", "ghost")
		assert.Nil(t, r.Resolve(req))
	})

	t.Run("lookup failure swallowed", func(t *testing.T) {
		r := newResolver(&fakeLookup{err: errors.New("store down")})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-Id", "t1")
		assert.Nil(t, r.Resolve(req))
	})

	t.Run("inactive tenant yields no context", func(t *testing.T) {
		l := &fakeLookup{tenants: map[string]domain.Tenant{
			"t1": {ID: "t1", IsActive: false},
		}}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-Id", "t1")
		assert.Nil(t, newResolver(l).Resolve(req))
	})

	t.Run("no sources at all", func(t *testing.T) {
		r := newResolver(lookupWith("t1"))
		req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
		assert.Nil(t, r.Resolve(req))
	})
}
