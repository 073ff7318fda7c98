package api

import (
	"net/http"

	"drilunia/internal/config"
	"drilunia/internal/ice"
)

// ICEHandler hands clients the STUN/TURN configuration for call setup. TURN
// credentials are ephemeral and bound to the requesting user.
type ICEHandler struct {
	cfg config.ICEConfig
}

func NewICEHandler(cfg config.ICEConfig) *ICEHandler {
	return &ICEHandler{cfg: cfg}
}

// GET /api/v1/ice-servers
func (h *ICEHandler) GetServers(w http.ResponseWriter, r *http.Request) {
	servers := ice.Servers(h.cfg, GetUserID(r))
	if servers == nil {
		servers = []ice.ServerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}
