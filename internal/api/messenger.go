package api

import (
	"net/http"

	"github.com/atmx/collateral-bridge/internal/messenger"
)

// FaultsRequest toggles fault injection on the message bus. Omitted
// fields are left unchanged.
type FaultsRequest struct {
	Disabled  *bool `json:"disabled,omitempty"`
	DropNext  *int  `json:"drop_next,omitempty"`
	Duplicate *bool `json:"duplicate,omitempty"`
}

// MessengerStatus handles GET /api/v1/messenger.
func (s *Server) MessengerStatus(w http.ResponseWriter, r *http.Request) {
	dead := s.Bus.DeadLetters()
	if dead == nil {
		dead = []messenger.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":       s.Bus.Pending(),
		"dead_letters":  dead,
		"collected_wei": s.Bus.Collected().Dec(),
	})
}

// MessengerPump handles POST /api/v1/messenger/pump, delivering every
// queued message once.
func (s *Server) MessengerPump(w http.ResponseWriter, r *http.Request) {
	n, err := s.Bus.Pump(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": n, "pending": s.Bus.Pending()})
}

// MessengerFaults handles POST /api/v1/messenger/faults.
func (s *Server) MessengerFaults(w http.ResponseWriter, r *http.Request) {
	var req FaultsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DropNext != nil && *req.DropNext < 0 {
		writeError(w, "drop_next must not be negative", http.StatusBadRequest)
		return
	}
	if req.Disabled != nil {
		s.Bus.SetDisabled(*req.Disabled)
	}
	if req.DropNext != nil {
		s.Bus.DropNext(*req.DropNext)
	}
	if req.Duplicate != nil {
		s.Bus.SetDuplicate(*req.Duplicate)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
