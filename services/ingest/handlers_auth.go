package ingest

import (
	"net/http"
	"time"
)

const loginScope = "artifacts:read artifacts:write"

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if !a.gate.VerifySecret(req.APIKey) {
		respondFault(w, Errorf(KindAuthentication, "invalid API key"))
		return
	}

	token, err := a.gate.IssueToken("forensics_user", loginScope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   TokenTTLSeconds,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"database":  a.store.Health(),
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := requestClaims(r)

	var expires string
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time.UTC().Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":    claims.Subject,
		"scope":      claims.Scope,
		"expires_at": expires,
	})
}
