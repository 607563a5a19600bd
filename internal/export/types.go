// Package export implements the Export Orchestrator (spec §4.G):
// per-patient file enumeration under the storage layout, a
// destination-agnostic pre-flight/send pipeline, and batched progress
// events. Destination has two implementations: an SCP destination
// (dicomwire C-FIND/C-STORE) and an S3 destination
// (aws-sdk-go-v2/service/s3).
package export

import "context"

// FileRef names one stored instance file and the anon identifiers
// that address it at any destination.
type FileRef struct {
	AnonPatientID      string
	AnonStudyUID       string
	AnonSeriesUID      string
	AnonSOPInstanceUID string
	Path               string
}

// Destination is anything export_patients can pre-flight-check and
// send a file to. Open/Close bracket one patient's worth of batches;
// an S3 destination's Open/Close are no-ops since its client is
// already connection-pooled, an SCP destination's Open negotiates one
// association reused across the patient's files.
type Destination interface {
	Open(ctx context.Context) error
	Exists(ctx context.Context, ref FileRef) (bool, error)
	Send(ctx context.Context, ref FileRef) error
	Close() error
}

// Request is the input to ExportPatients.
type Request struct {
	AnonPatientIDs   []string
	NewDestination   func() Destination
}

// Response is one ExportPatientResponse event (spec §4.G step 3).
type Response struct {
	PatientID string
	FilesSent int
	Err       error
	Complete  bool
	Aborted   bool
}
