// ABOUTME: Connection admission shared by websocket and event-stream transports
// ABOUTME: Rate guard first, then operator bearer, capability token, or anonymous guest pair

package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/delivery"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/ratelimit"
	"github.com/2389/switchboard/internal/store"
)

// rejection is a refused connection attempt. Websocket transports close with
// code; the event stream answers with status.
type rejection struct {
	code       int
	status     int
	reason     string
	err        error
	retryAfter time.Duration
}

func (r *rejection) Error() string { return r.err.Error() }

// admission is an accepted connection attempt.
type admission struct {
	dialog     *store.Dialog
	remoteAddr string
	identity   string
	domain     string
	// operator is set for bearer-authenticated connections
	operator *auth.AuthContext
}

func unauthorized(err error) *rejection {
	return &rejection{
		code:   delivery.CloseUnauthorized,
		status: http.StatusUnauthorized,
		reason: metrics.ReasonUnauthorized,
		err:    err,
	}
}

func forbidden(err error) *rejection {
	return &rejection{
		code:   delivery.CloseForbidden,
		status: http.StatusForbidden,
		reason: metrics.ReasonForbidden,
		err:    err,
	}
}

// authRejection classifies a credential failure. Origin and scope failures
// are forbidden; everything else is unauthorized.
func authRejection(err error) *rejection {
	switch {
	case errors.Is(err, auth.ErrOriginNotAllowed), errors.Is(err, auth.ErrScopeMismatch):
		return forbidden(err)
	default:
		return unauthorized(err)
	}
}

// checkRate applies the rate guard to the request's client address.
func (g *Gateway) checkRate(r *http.Request) (string, *rejection) {
	addr := g.proxies.ClientIP(r)
	if g.guard.Admit(addr) {
		return addr, nil
	}
	return addr, &rejection{
		code:       delivery.CloseRateLimited,
		status:     http.StatusTooManyRequests,
		reason:     metrics.ReasonRateLimited,
		err:        ratelimit.ErrRateLimited,
		retryAfter: g.guard.RetryAfter(addr),
	}
}

// loadConnDialog loads the dialog named in the path.
func (g *Gateway) loadConnDialog(r *http.Request) (*store.Dialog, *rejection) {
	d, err := g.store.GetDialog(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		return nil, &rejection{
			code:   delivery.CloseNotFound,
			status: http.StatusNotFound,
			reason: metrics.ReasonNotFound,
			err:    errors.New("dialog not found"),
		}
	}
	if err != nil {
		return nil, &rejection{
			code:   delivery.CloseGoingAway,
			status: http.StatusServiceUnavailable,
			reason: "unavailable",
			err:    err,
		}
	}
	return d, nil
}

// admitOperator authenticates a bearer session or service token.
func (g *Gateway) admitOperator(r *http.Request, remoteAddr string) (*admission, *rejection) {
	authCtx, err := g.authn.Authenticate(auth.BearerFromRequest(r))
	if err != nil {
		return nil, unauthorized(err)
	}

	d, rej := g.loadConnDialog(r)
	if rej != nil {
		return nil, rej
	}
	if !authCtx.CanAccessTenant(d.TenantID) {
		return nil, forbidden(errors.New("dialog not accessible"))
	}

	return &admission{
		dialog:     d,
		remoteAddr: remoteAddr,
		identity:   authCtx.PrincipalID,
		operator:   authCtx,
	}, nil
}

// admitWidget authenticates a widget by capability token or, without one,
// by the dialog's assistant and guest ids. Either way the origin must be
// allowed by the tenant's current domains.
func (g *Gateway) admitWidget(r *http.Request, remoteAddr string) (*admission, *rejection) {
	q := r.URL.Query()
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = q.Get("origin")
	}
	parent := q.Get("parent_origin")

	d, rej := g.loadConnDialog(r)
	if rej != nil {
		return nil, rej
	}

	adm := &admission{
		dialog:     d,
		remoteAddr: remoteAddr,
		identity:   d.GuestID,
		domain:     auth.NormalizeHost(origin),
	}
	if parent != "" {
		adm.domain = auth.NormalizeHost(parent)
	}

	if token := q.Get("token"); token != "" {
		claims, err := g.capability.Check(r.Context(), auth.Credentials{
			DialogID:     d.ID,
			Origin:       origin,
			ParentOrigin: parent,
			Token:        token,
		})
		if err != nil {
			return nil, authRejection(err)
		}
		if claims.TenantID != d.TenantID {
			return nil, forbidden(auth.ErrScopeMismatch)
		}
		return adm, nil
	}

	assistantID, guestID := q.Get("assistant_id"), q.Get("guest_id")
	if assistantID == "" || guestID == "" {
		return nil, unauthorized(auth.ErrInvalidToken)
	}
	if assistantID != d.AssistantID || guestID != d.GuestID {
		return nil, forbidden(auth.ErrScopeMismatch)
	}
	domains, err := g.store.TenantDomains(r.Context(), d.TenantID)
	if err != nil {
		return nil, unauthorized(auth.ErrUnknownTenant)
	}
	if err := auth.CheckOrigin(domains, g.capability.TrustedEmbedHosts(), origin, parent); err != nil {
		return nil, authRejection(err)
	}
	return adm, nil
}

// rejected logs and counts a refused connection.
func (g *Gateway) rejected(transport string, r *http.Request, remoteAddr string, rej *rejection) {
	g.metrics.Rejections.WithLabelValues(transport, rej.reason).Inc()
	g.logger.Warn("connection rejected",
		"transport", transport,
		"dialog_id", r.PathValue("id"),
		"remote_addr", remoteAddr,
		"reason", rej.reason,
		"code", rej.code,
		"error", rej.err)
}

// writeRejection answers a plain HTTP request with the rejection status.
func writeRejection(w http.ResponseWriter, rej *rejection) {
	if rej.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rej.retryAfter.Seconds()))))
	}
	sendJSONError(w, rej.status, rej.reason)
}
