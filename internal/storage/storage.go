// Package storage implements the Storage Layer (spec §4.C): a pure
// function from anonymized identifiers to an on-disk path, atomic
// writes, and quarantine routing for ingest failures.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rsna-anonymizer/dicomcore/internal/errs"
)

const dicomSuffix = ".dcm"

// Layout resolves paths under a project's storage_dir.
type Layout struct {
	StorageDir string
}

// New returns a Layout rooted at storageDir.
func New(storageDir string) *Layout {
	return &Layout{StorageDir: storageDir}
}

// PrivateDir is the private/ sibling directory holding the PHI Index
// snapshot, CSV exports, and quarantine tree.
func (l *Layout) PrivateDir() string { return filepath.Join(l.StorageDir, "private") }

// ImagesDir is where anonymized instances are written.
func (l *Layout) ImagesDir() string { return l.StorageDir }

// ModelPath is the PHI Index Store snapshot path.
func (l *Layout) ModelPath() string { return filepath.Join(l.PrivateDir(), "AnonymizerModel.bin") }

// PHIExportDir holds create_phi_csv output.
func (l *Layout) PHIExportDir() string { return filepath.Join(l.PrivateDir(), "phi_export") }

// QuarantineDir is the root of the category-partitioned quarantine
// tree.
func (l *Layout) QuarantineDir() string { return filepath.Join(l.PrivateDir(), "quarantine") }

// InstancePath is the pure function from anonymized identifiers to a
// stored instance's path (spec §4.C):
// {storage_dir}/{anon_patient_id}/{anon_study_uid}/{anon_series_uid}/{anon_sop_instance_uid}.dcm
func (l *Layout) InstancePath(anonPatientID, anonStudyUID, anonSeriesUID, anonSOPInstanceUID string) string {
	return filepath.Join(l.ImagesDir(), anonPatientID, anonStudyUID, anonSeriesUID, anonSOPInstanceUID+dicomSuffix)
}

// PatientDir is the root of one anon patient's stored instances, used
// by the Export Orchestrator to enumerate files (spec §4.G).
func (l *Layout) PatientDir(anonPatientID string) string {
	return filepath.Join(l.ImagesDir(), anonPatientID)
}

// QuarantinePath places source bytes for a given error kind under the
// quarantine sub-tree, keyed by an arbitrary caller-supplied name
// (the anonymizer engine passes the SOP Instance UID, or a checksum of
// the source bytes when that is absent).
func (l *Layout) QuarantinePath(kind errs.Kind, name string) (string, error) {
	category, ok := errs.QuarantineCategories[kind]
	if !ok {
		return "", fmt.Errorf("%q is not a quarantine category", kind)
	}
	return filepath.Join(l.QuarantineDir(), category, name+dicomSuffix), nil
}

// WriteFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so a crash mid-write never leaves a
// partial instance on disk (spec §4.C). If path already exists, the
// write fails with STORAGE_ERROR — collisions should not occur given
// invariant 2 (instance UID uniqueness).
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.StorageError, "create storage directory", err)
	}
	if _, err := os.Stat(path); err == nil {
		return errs.New(errs.StorageError, fmt.Sprintf("path already exists: %s", path))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*"+dicomSuffix)
	if err != nil {
		return errs.Wrap(errs.StorageError, "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.StorageError, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.StorageError, "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.StorageError, "rename temp file into place", err)
	}
	return nil
}

// Quarantine copies src bytes into the quarantine sub-tree for kind,
// under name. No entry is made in the PHI Index Store (spec §3
// Quarantine records).
func (l *Layout) Quarantine(kind errs.Kind, name string, src []byte) error {
	path, err := l.QuarantinePath(kind, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.StorageError, "create quarantine directory", err)
	}
	if err := os.WriteFile(path, src, 0o644); err != nil {
		return errs.Wrap(errs.StorageError, "write quarantine file", err)
	}
	return nil
}
