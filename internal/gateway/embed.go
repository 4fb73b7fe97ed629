// ABOUTME: Frame-ancestors policy for the widget embed page
// ABOUTME: Derived from a fresh capability token; restrictive on any validation failure

package gateway

import (
	"net/http"

	"github.com/2389/switchboard/internal/auth"
)

// FramePolicyResponse is the JSON response for GET /embed/{id}/frame-policy.
type FramePolicyResponse struct {
	DialogID string `json:"dialog_id"`
	Policy   string `json:"policy"`
	Allowed  bool   `json:"allowed"`
}

// framePolicy returns the Content-Security-Policy value for embedding the
// widget for a dialog. Stale, mis-scoped, or unverifiable tokens get the
// restrictive policy.
func (g *Gateway) framePolicy(r *http.Request, dialogID, token string) (string, bool) {
	claims, err := g.capability.Verify(r.Context(), token, dialogID)
	if err != nil {
		g.logger.Debug("frame policy token rejected", "dialog_id", dialogID, "error", err)
		return auth.RestrictiveFramePolicy, false
	}
	return auth.FrameAncestors(claims.AllowedDomains()), true
}

func (g *Gateway) handleFramePolicy(w http.ResponseWriter, r *http.Request) {
	dialogID := r.PathValue("id")
	policy, ok := g.framePolicy(r, dialogID, r.URL.Query().Get("token"))

	w.Header().Set("Content-Security-Policy", policy)
	writeJSON(w, http.StatusOK, FramePolicyResponse{DialogID: dialogID, Policy: policy, Allowed: ok})
}
