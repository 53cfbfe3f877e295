package tenant

import "net/http"

// Middleware resolves tenant context for every request and installs it on
// the request context. It never rejects; gating is left to Require.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if tc := r.Resolve(req); tc != nil {
			req = req.WithContext(WithContext(req.Context(), tc))
		}
		next.ServeHTTP(w, req)
	})
}

// Require rejects any request that reached it without a tenant context.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if FromContext(req.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"tenant_required","message":"tenant context required"}}`))
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Bypass clears any tenant context for admin routes that must not be
// tenant-scoped.
func Bypass(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(ClearContext(req.Context())))
	})
}
