// Package controlplane implements the Control Plane (spec §4.H): SCP
// lifecycle, move/export abort switches, the AWS Cognito identity-pool
// authentication flow, PHI CSV export, an HTTP admin API, and a
// Prometheus metrics registry. Adapted from the teacher's
// internal/progress supervisory role and from lockbot-evtechallenge's
// MetricsManager and gorilla/mux route wiring.
package controlplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rsna-anonymizer/dicomcore/internal/config"
	"github.com/rsna-anonymizer/dicomcore/internal/export"
	"github.com/rsna-anonymizer/dicomcore/internal/ingest"
	"github.com/rsna-anonymizer/dicomcore/internal/logging"
	"github.com/rsna-anonymizer/dicomcore/internal/phi"
	"github.com/rsna-anonymizer/dicomcore/internal/retrieve"
	"github.com/rsna-anonymizer/dicomcore/internal/storage"
)

// Plane wires the four long-lived components (ingest pipeline,
// retrieval orchestrator, export orchestrator, PHI store) behind the
// four operations spec §4.H names, plus the metrics and HTTP surface
// that supervises them.
type Plane struct {
	Model     *config.Model
	Layout    *storage.Layout
	PHIStore  *phi.Store
	Ingest    *ingest.Pipeline
	Retrieve  *retrieve.Orchestrator
	Export    *export.Orchestrator
	Auth      *Authenticator
	Metrics   *Metrics

	log zerolog.Logger

	startedAt    time.Time
	pollStop     chan struct{}
	pollDone     chan struct{}
}

// New constructs a Plane from its already-built collaborators. Callers
// (cmd/anonymizerd) are responsible for constructing the storage
// layout, PHI store, anonymizer engine, DICOM codec, and the three
// orchestrators before handing them here; Plane itself owns no
// construction logic beyond the authenticator and metrics registry,
// which are pure control-plane concerns.
func New(model *config.Model, layout *storage.Layout, store *phi.Store, pipeline *ingest.Pipeline, retrieveOrch *retrieve.Orchestrator, exportOrch *export.Orchestrator) *Plane {
	p := &Plane{
		Model:    model,
		Layout:   layout,
		PHIStore: store,
		Ingest:   pipeline,
		Retrieve: retrieveOrch,
		Export:   exportOrch,
		Metrics:  NewMetrics(),
		log:      logging.For("controlplane"),
	}
	if model.ExportToAWS {
		p.Auth = NewAuthenticator(model.AWSCognito)
	}
	return p
}

// StartSCP starts the ingest pipeline's worker pool and autosave loop.
// The association-accepting listener itself lives behind
// dicomwire.Codec (spec §1, §6: the upper-layer protocol is an
// external collaborator), so StartSCP's job here is exactly the
// worker-side half of "bind the local AE": everything the Ingest
// Pipeline needs running before the first association arrives.
func (p *Plane) StartSCP() {
	p.startedAt = time.Now()
	p.Ingest.Start()
	p.Metrics.SetSCPUp(true)
	p.startMetricsPoll()
	p.log.Info().Str("aet", p.Model.LocalServer.AET).Int("port", p.Model.LocalServer.Port).Msg("scp started")
}

// StopSCP drains in-flight stores and stops the worker pool and
// autosave loop, waiting up to joinTimeout for workers to exit.
func (p *Plane) StopSCP(joinTimeout time.Duration) {
	p.stopMetricsPoll()
	p.Ingest.Stop(joinTimeout)
	p.Metrics.SetSCPUp(false)
	p.log.Info().Msg("scp stopped")
}

// startMetricsPoll runs a small ticker loop sampling queue depth and
// stored-instance counts into the Prometheus registry. These figures
// are cheap to read but change continuously, so polling on an interval
// fits better than threading a metrics callback through the ingest
// pipeline's hot path.
func (p *Plane) startMetricsPoll() {
	p.pollStop = make(chan struct{})
	p.pollDone = make(chan struct{})
	go func() {
		defer close(p.pollDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-p.pollStop:
				return
			case <-ticker.C:
				p.Metrics.SetIngestQueueDepth(p.Ingest.Queue.Len())
				p.Metrics.SetInstancesStored(p.PHIStore.GetTotals().Instances)
			}
		}
	}()
}

func (p *Plane) stopMetricsPoll() {
	if p.pollStop == nil {
		return
	}
	close(p.pollStop)
	<-p.pollDone
}

// AbortMove halts the Retrieval Orchestrator's in-flight move.
func (p *Plane) AbortMove() {
	p.Retrieve.AbortMove()
	p.Metrics.IncMoveAborted()
}

// AbortExport halts the Export Orchestrator's in-flight export after
// the current batch per patient.
func (p *Plane) AbortExport() {
	p.Export.AbortExport()
	p.Metrics.IncExportAborted()
}

// MoveStudies runs the Retrieval Orchestrator and publishes per-study
// pending counts to the metrics registry as each study finishes.
func (p *Plane) MoveStudies(ctx context.Context, req retrieve.MoveRequest) []retrieve.StudyOutcome {
	outcomes := p.Retrieve.MoveStudies(ctx, req)
	for _, o := range outcomes {
		p.Metrics.SetMovePending(o.StudyUID, o.Pending)
	}
	return outcomes
}

// ExportPatients runs the Export Orchestrator, forwarding every
// Response onto the returned channel while updating the metrics
// registry from each batch's running file count.
func (p *Plane) ExportPatients(ctx context.Context, req export.Request) <-chan export.Response {
	upstream := p.Export.ExportPatients(ctx, req)
	out := make(chan export.Response, cap(upstream))
	go func() {
		defer close(out)
		for r := range upstream {
			p.Metrics.SetExportFilesSent(r.PatientID, r.FilesSent)
			out <- r
		}
	}()
	return out
}

// CreatePHICSV writes the PHI CSV (spec §6) to the project's
// phi_export directory and returns the path written.
func (p *Plane) CreatePHICSV() (string, error) {
	dir := p.Layout.PHIExportDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create phi export dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("phi_export_%s.csv", time.Now().UTC().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create phi csv: %w", err)
	}
	defer f.Close()

	if err := p.PHIStore.WritePHICSV(f); err != nil {
		return "", fmt.Errorf("write phi csv: %w", err)
	}
	p.log.Info().Str("path", path).Msg("phi csv written")
	return path, nil
}
