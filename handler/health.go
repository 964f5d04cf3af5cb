package handler

import (
	"net/http"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/sysinfo"
	"github.com/lipdiffusion/orchestrator/version"
)

func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := sysinfo.Collect(r.Context())
		response := api.HealthResponse{
			Version: version.Version,
			OK:      true,
			CPUPct:  snap.CPUPct,
			MemPct:  snap.MemPct,
		}
		WriteJSON(w, response, http.StatusOK)
	}
}
