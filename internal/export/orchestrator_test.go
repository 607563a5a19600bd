package export

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsna-anonymizer/dicomcore/internal/storage"
)

type fakeDestination struct {
	mu       sync.Mutex
	existing map[string]bool
	sent     []FileRef
	sendErr  error
	opened   bool
	closed   bool
	onSend   func()
}

func (d *fakeDestination) Open(ctx context.Context) error {
	d.opened = true
	return nil
}

func (d *fakeDestination) Exists(ctx context.Context, ref FileRef) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.existing[ref.AnonSOPInstanceUID], nil
}

func (d *fakeDestination) Send(ctx context.Context, ref FileRef) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.mu.Lock()
	d.sent = append(d.sent, ref)
	d.mu.Unlock()
	if d.onSend != nil {
		d.onSend()
	}
	return nil
}

func (d *fakeDestination) Close() error {
	d.closed = true
	return nil
}

func writeInstance(t *testing.T, layout *storage.Layout, anonPatientID, studyUID, seriesUID, sopUID string) {
	t.Helper()
	path := layout.InstancePath(anonPatientID, studyUID, seriesUID, sopUID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("dcm"), 0o644))
}

func drain(ch <-chan Response) []Response {
	var out []Response
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestExportPatientsSendsNewFilesAndSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	layout := storage.New(dir)
	writeInstance(t, layout, "SITE-000001", "study1", "series1", "sop1")
	writeInstance(t, layout, "SITE-000001", "study1", "series1", "sop2")

	dest := &fakeDestination{existing: map[string]bool{"sop2": true}}
	orch := New(layout, Tuning{PatientWorkers: 2, BatchSize: 10})

	responses := orch.ExportPatients(context.Background(), Request{
		AnonPatientIDs: []string{"SITE-000001"},
		NewDestination: func() Destination { return dest },
	})
	results := drain(responses)

	require.NotEmpty(t, results)
	last := results[len(results)-1]
	require.Equal(t, "SITE-000001", last.PatientID)
	require.Equal(t, 1, last.FilesSent)
	require.True(t, last.Complete)
	require.Len(t, dest.sent, 1)
	require.Equal(t, "sop1", dest.sent[0].AnonSOPInstanceUID)
	require.True(t, dest.opened)
	require.True(t, dest.closed)
}

func TestExportPatientsRecordsSendFailureButStaysIncomplete(t *testing.T) {
	dir := t.TempDir()
	layout := storage.New(dir)
	writeInstance(t, layout, "SITE-000002", "study1", "series1", "sop1")

	dest := &fakeDestination{existing: map[string]bool{}, sendErr: os.ErrPermission}
	orch := New(layout, Tuning{PatientWorkers: 2, BatchSize: 10})

	responses := orch.ExportPatients(context.Background(), Request{
		AnonPatientIDs: []string{"SITE-000002"},
		NewDestination: func() Destination { return dest },
	})
	results := drain(responses)

	last := results[len(results)-1]
	require.False(t, last.Complete)
	require.Equal(t, 0, last.FilesSent)
}

func TestExportPatientsHaltsNewBatchesAfterAbort(t *testing.T) {
	dir := t.TempDir()
	layout := storage.New(dir)
	writeInstance(t, layout, "SITE-000003", "study1", "series1", "sop1")
	writeInstance(t, layout, "SITE-000003", "study1", "series1", "sop2")

	orch := New(layout, Tuning{PatientWorkers: 1, BatchSize: 1})
	dest := &fakeDestination{existing: map[string]bool{}}
	dest.onSend = func() { orch.AbortExport() }

	responses := orch.ExportPatients(context.Background(), Request{
		AnonPatientIDs: []string{"SITE-000003"},
		NewDestination: func() Destination { return dest },
	})
	results := drain(responses)

	last := results[len(results)-1]
	require.False(t, last.Complete)
	require.Equal(t, 1, last.FilesSent)
	require.Len(t, dest.sent, 1)
}
