package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rsna-anonymizer/dicomcore/internal/phi"
)

// Router builds the admin HTTP API: health, Prometheus metrics, and
// the abort/export-csv operations spec §4.H exposes as control-plane
// actions. cmd/anonymizerd mounts this at Model.ControlPlaneHTTPAddr.
func (p *Plane) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", p.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(p.Metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/admin/abort-move", p.handleAbortMove).Methods(http.MethodPost)
	r.HandleFunc("/admin/abort-export", p.handleAbortExport).Methods(http.MethodPost)
	r.HandleFunc("/admin/phi-csv", p.handleCreatePHICSV).Methods(http.MethodPost)
	r.HandleFunc("/admin/import-java-index", p.handleImportJavaIndex).Methods(http.MethodPost)

	return r
}

func (p *Plane) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"site_id":    p.Model.SiteID,
		"started_at": p.startedAt,
	})
}

func (p *Plane) handleAbortMove(w http.ResponseWriter, r *http.Request) {
	p.AbortMove()
	writeJSON(w, http.StatusAccepted, map[string]any{"aborted": "move"})
}

func (p *Plane) handleAbortExport(w http.ResponseWriter, r *http.Request) {
	p.AbortExport()
	writeJSON(w, http.StatusAccepted, map[string]any{"aborted": "export"})
}

func (p *Plane) handleCreatePHICSV(w http.ResponseWriter, r *http.Request) {
	path, err := p.CreatePHICSV()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (p *Plane) handleImportJavaIndex(w http.ResponseWriter, r *http.Request) {
	rows, err := phi.ReadJavaIndex(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := p.PHIStore.ProcessJavaPHIStudies(rows); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows_imported": len(rows)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
