package export

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rsna-anonymizer/dicomcore/internal/logging"
	"github.com/rsna-anonymizer/dicomcore/internal/storage"
)

// Tuning mirrors config.ExportTuning, reproduced locally per the
// convention set in internal/ingest so this package stays usable from
// tests without importing the config schema.
type Tuning struct {
	PatientWorkers int
	BatchSize      int
}

// Orchestrator drives export_patients against a storage layout and a
// caller-supplied destination factory.
type Orchestrator struct {
	Layout *storage.Layout
	Tuning Tuning

	log zerolog.Logger

	mu       sync.Mutex
	aborting bool
}

// New constructs an Orchestrator. Zero-value Tuning fields fall back
// to the spec defaults (pool 4, batch 10).
func New(layout *storage.Layout, tuning Tuning) *Orchestrator {
	if tuning.PatientWorkers <= 0 {
		tuning.PatientWorkers = 4
	}
	if tuning.BatchSize <= 0 {
		tuning.BatchSize = 10
	}
	return &Orchestrator{Layout: layout, Tuning: tuning, log: logging.For("export")}
}

// AbortExport halts new batches; in-flight batches still run to
// completion (spec §4.G cancellation).
func (o *Orchestrator) AbortExport() {
	o.mu.Lock()
	o.aborting = true
	o.mu.Unlock()
}

func (o *Orchestrator) isAborting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborting
}

// ExportPatients runs export_patients, publishing one or more Response
// events per patient on the returned channel. The channel is closed
// once every patient has been processed (or skipped for an abort that
// arrived before its turn).
func (o *Orchestrator) ExportPatients(ctx context.Context, req Request) <-chan Response {
	o.mu.Lock()
	o.aborting = false
	o.mu.Unlock()

	responses := make(chan Response, len(req.AnonPatientIDs))
	go func() {
		defer close(responses)
		var g errgroup.Group
		g.SetLimit(o.Tuning.PatientWorkers)

		for _, id := range req.AnonPatientIDs {
			id := id
			g.Go(func() error {
				if o.isAborting() {
					responses <- Response{PatientID: id, Aborted: true}
					return nil
				}
				o.exportOnePatient(ctx, req, id, responses)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return responses
}

func (o *Orchestrator) exportOnePatient(ctx context.Context, req Request, anonPatientID string, responses chan<- Response) {
	dest := req.NewDestination()
	if err := dest.Open(ctx); err != nil {
		o.log.Error().Err(err).Str("patient", anonPatientID).Msg("export destination open failed")
		responses <- Response{PatientID: anonPatientID, Err: err}
		return
	}
	defer func() { _ = dest.Close() }()

	files, err := o.enumerateFiles(anonPatientID)
	if err != nil {
		o.log.Error().Err(err).Str("patient", anonPatientID).Msg("export file enumeration failed")
		responses <- Response{PatientID: anonPatientID, Err: err}
		return
	}

	filesSent := 0
	complete := true

	for start := 0; start < len(files); start += o.Tuning.BatchSize {
		if o.isAborting() {
			complete = false
			break
		}
		end := start + o.Tuning.BatchSize
		if end > len(files) {
			end = len(files)
		}

		var batchErr error
		for _, ref := range files[start:end] {
			exists, err := dest.Exists(ctx, ref)
			if err != nil {
				complete = false
				batchErr = err
				continue
			}
			if exists {
				continue
			}
			if err := dest.Send(ctx, ref); err != nil {
				complete = false
				batchErr = err
				continue
			}
			filesSent++
		}

		responses <- Response{PatientID: anonPatientID, FilesSent: filesSent, Err: batchErr, Complete: false}
	}

	responses <- Response{PatientID: anonPatientID, FilesSent: filesSent, Complete: complete}
}

// enumerateFiles walks {storage_dir}/{anon_patient_id}/** and builds a
// FileRef per stored instance (spec §4.G step 1). The anon study/
// series/SOP instance identifiers come straight out of the on-disk
// path, since internal/storage.Layout.InstancePath lays them out as
// its own three path segments.
func (o *Orchestrator) enumerateFiles(anonPatientID string) ([]FileRef, error) {
	root := o.Layout.PatientDir(anonPatientID)
	var refs []FileRef
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".dcm" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 {
			return nil
		}
		refs = append(refs, FileRef{
			AnonPatientID:      anonPatientID,
			AnonStudyUID:       parts[0],
			AnonSeriesUID:      parts[1],
			AnonSOPInstanceUID: strings.TrimSuffix(parts[2], ".dcm"),
			Path:               path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}
