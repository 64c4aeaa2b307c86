package wshub

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"predictive-maintenance-core/shared/authx"
	"predictive-maintenance-core/shared/httpx"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/tenantx"
)

// Handler serves GET /ws/{tenant_id}/{user_id}. With a verifier set the
// "token" query parameter must verify and grant the path tenant.
type Handler struct {
	Hub            *Hub
	Verifier       authx.Verifier
	AllowedOrigins []string
	Log            logx.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantx.Parse(r.PathValue("tenant_id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_tenant", "tenant_id must be a UUID", nil)
		return
	}
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_user", "user_id is required", nil)
		return
	}
	if h.Verifier != nil {
		auth, err := h.Verifier.Verify(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "token rejected", nil)
			return
		}
		if !auth.AllowsTenant(tenantID.String()) {
			httpx.WriteError(w, r, http.StatusForbidden, "forbidden", "token does not grant this tenant", nil)
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.Log.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed", logx.Tenant(tenantID), logx.Err(err))
		return
	}
	if err := h.Hub.Attach(tenantID, userID, conn); err != nil {
		_ = conn.Close()
		h.Log.Warn(r.Context(), "ws_attach_failed", "could not register connection", logx.Tenant(tenantID), logx.Err(err))
	}
}

// checkOrigin accepts any origin when none are configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.AllowedOrigins {
		if strings.EqualFold(o, origin) || o == "*" {
			return true
		}
	}
	return false
}
