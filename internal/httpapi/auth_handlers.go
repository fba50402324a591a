package httpapi

import (
	"net/http"
	"strings"
	"time"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/audit"
)

type tokenRequest struct {
	User  string   `json:"user"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const defaultTokenTTL = 12 * time.Hour

// handleAuthToken issues development tokens. Production deployments leave
// dev tokens off and rely on an external identity provider using the same secret.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.issuer == nil || !a.devTokens {
		writeError(w, r, http.StatusNotFound, "token issuing disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	roles := make([]string, 0, len(req.Roles))
	for _, raw := range req.Roles {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		role, err := attendance.ParseRole(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unknown role: "+raw)
			return
		}
		roles = append(roles, string(role))
	}
	if len(roles) == 0 {
		writeError(w, r, http.StatusBadRequest, "roles are required")
		return
	}

	token, expiresAt, err := a.issuer.GenerateToken(user, strings.TrimSpace(req.Name), roles, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	fields := map[string]any{
		"user":       user,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	}
	_ = audit.LogEvent(r.Context(), audit.TokenIssued, fields)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
