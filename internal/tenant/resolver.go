package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/oneclicktag/trackd/internal/domain"
)

// maxPeekBody bounds how much of a request body the resolver will read when
// looking for a tenantId field.
const maxPeekBody = 1 << 20

// Lookup fetches a tenant record by id. Implemented by the storage layer.
type Lookup interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
}

// Resolver derives a tenant Context from an inbound request. Sources are
// tried in a fixed order, first non-empty candidate wins: bearer token
// claims, X-Tenant-Id header, tenantId query param, host subdomain, JSON body
// tenantId, route param tenantId. Resolution never fails the request; any
// error yields a nil context and the request proceeds without isolation.
type Resolver struct {
	lookup     Lookup
	signingKey []byte
	log        *zap.Logger
}

func NewResolver(lookup Lookup, signingKey []byte, log *zap.Logger) *Resolver {
	return &Resolver{lookup: lookup, signingKey: signingKey, log: log}
}

type candidate struct {
	tenantID    string
	userID      string
	permissions []string
	source      string
}

func (r *Resolver) Resolve(req *http.Request) *Context {
	cand := r.findCandidate(req)
	if cand == nil {
		return nil
	}

	t, err := r.lookup.GetTenant(req.Context(), cand.tenantID)
	if err != nil {
		// Lookup failures are swallowed so public routes stay reachable.
		r.log.Debug("tenant lookup failed",
			zap.String("tenant_id", cand.tenantID),
			zap.String("source", cand.source),
			zap.Error(err))
		return nil
	}
	if t == nil || !t.IsActive {
		return nil
	}

	perms := cand.permissions
	if perms == nil {
		perms = []string{}
	}
	return &Context{
		TenantID:    t.ID,
		UserID:      cand.userID,
		Permissions: perms,
		Tenant:      *t,
	}
}

func (r *Resolver) findCandidate(req *http.Request) *candidate {
	if c := r.fromBearer(req); c != nil {
		return c
	}
	if id := req.Header.Get("X-Tenant-Id"); id != "" {
		return &candidate{tenantID: id, source: "header"}
	}
	if id := req.URL.Query().Get("tenantId"); id != "" {
		return &candidate{tenantID: id, source: "query"}
	}
	if id := subdomain(req.Host); id != "" {
		return &candidate{tenantID: id, source: "subdomain"}
	}
	if id := peekBodyTenantID(req); id != "" {
		return &candidate{tenantID: id, source: "body"}
	}
	if rc := chi.RouteContext(req.Context()); rc != nil {
		if id := rc.URLParam("tenantId"); id != "" {
			return &candidate{tenantID: id, source: "route"}
		}
	}
	return nil
}

// fromBearer extracts claims from an Authorization bearer token. The
// signature is verified against the configured key; a token that fails
// verification is skipped so resolution falls through to the next source.
func (r *Resolver) fromBearer(req *http.Request) *candidate {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	tok, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return r.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		r.log.Debug("bearer token rejected", zap.Error(err))
		return nil
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	tenantID, _ := claims["tenantId"].(string)
	if tenantID == "" {
		return nil
	}
	c := &candidate{tenantID: tenantID, source: "jwt"}
	if sub, err := claims.GetSubject(); err == nil {
		c.userID = sub
	}
	if raw, ok := claims["permissions"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				c.permissions = append(c.permissions, s)
			}
		}
	}
	return c
}

// subdomain returns the leftmost host label as a tenant id candidate,
// skipping the reserved www and api labels. Two-label hosts have no
// subdomain.
func subdomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	sub := parts[0]
	if sub == "www" || sub == "api" {
		return ""
	}
	return sub
}

// peekBodyTenantID reads a JSON body looking for a top-level tenantId field
// and restores the body for the handler.
func peekBodyTenantID(req *http.Request) string {
	if req.Body == nil || req.Body == http.NoBody {
		return ""
	}
	if ct := req.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return ""
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, maxPeekBody))
	req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), req.Body))
	if err != nil {
		return ""
	}
	var probe struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(buf, &probe); err != nil {
		return ""
	}
	return probe.TenantID
}
