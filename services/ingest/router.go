package ingest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const claimsKey contextKey = "claims"

// Routes constructs the chi router containing all ingest endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/health", a.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(a.requireToken)
			r.Get("/me", a.handleMe)
			r.Post("/artifacts", a.handleCreateArtifact)
			r.Get("/artifacts", a.handleListArtifacts)
			r.Get("/artifacts/{id}", a.handleGetArtifact)
			r.Delete("/artifacts/{id}", a.handleDeleteArtifact)
			r.Post("/artifacts/chunked/init", a.handleChunkedInit)
			r.Post("/artifacts/chunked/{session}/chunk", a.handleChunk)
			r.Post("/artifacts/chunked/{session}/finalize", a.handleChunkedFinalize)
		})
	})

	return r
}

// requireToken validates the bearer token and stashes its claims in the
// request context.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondFault(w, Errorf(KindAuthentication, "missing or invalid authorization header"))
			return
		}

		claims, ok := a.gate.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondFault(w, Errorf(KindAuthentication, "invalid or expired token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// requestClaims returns the verified claims placed by requireToken, or an
// empty claim set for unauthenticated routes.
func requestClaims(r *http.Request) *Claims {
	if claims, ok := r.Context().Value(claimsKey).(*Claims); ok {
		return claims
	}
	return &Claims{}
}

// subjectOf names the caller for created_by and session ownership.
func subjectOf(r *http.Request) string {
	if sub := requestClaims(r).Subject; sub != "" {
		return sub
	}
	return "unknown"
}
