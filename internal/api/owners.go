package api

import (
	"fmt"
	"net/http"
	"time"
)

// handleOwnerSummary handles GET /v1/owners/me/summary.
func (s *Server) handleOwnerSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.sessions.OwnerSummary(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleOwnerExport handles GET /v1/owners/me/export. The body is served as
// an attachment so browsers save it as a file.
func (s *Server) handleOwnerExport(w http.ResponseWriter, r *http.Request) {
	x, err := s.sessions.ExportOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("earpiece-export-%s.json", x.ExportedAt.UTC().Format(time.DateOnly))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	writeJSON(w, http.StatusOK, x)
}

// handleOwnerDelete handles DELETE /v1/owners/me/data. Sessions that are
// still pending or active are kept and listed in the response.
func (s *Server) handleOwnerDelete(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sessions.DeleteOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.log.Warn("api: owner deletion incomplete", "owner_id", rep.OwnerID, "deleted", len(rep.Deleted))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
