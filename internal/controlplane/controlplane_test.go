package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsna-anonymizer/dicomcore/internal/anonymizer"
	"github.com/rsna-anonymizer/dicomcore/internal/config"
	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/export"
	"github.com/rsna-anonymizer/dicomcore/internal/ingest"
	"github.com/rsna-anonymizer/dicomcore/internal/phi"
	"github.com/rsna-anonymizer/dicomcore/internal/retrieve"
	"github.com/rsna-anonymizer/dicomcore/internal/storage"
)

type noopCodec struct{}

func (noopCodec) OpenAssociation(ctx context.Context, ae dicomwire.AE, contexts []dicomwire.PresentationContext) (dicomwire.Association, error) {
	return nil, nil
}
func (noopCodec) ParsePDU(data []byte) (dicomwire.Dataset, error)      { return nil, nil }
func (noopCodec) EncodeDataset(ds dicomwire.Dataset) ([]byte, error) { return nil, nil }

func newTestPlane(t *testing.T) *Plane {
	t.Helper()
	dir := t.TempDir()
	layout := storage.New(dir)
	model := config.Default("SITE1", dir)
	store := phi.New(model.SiteID, model.UIDRoot)
	engine := anonymizer.New(store, layout, anonymizer.NewScript(), model.SiteID, model.ProjectName, model.StorageClasses)

	pipeline := ingest.New(engine, store, noopCodec{}, layout.ModelPath(), ingest.Tuning{
		Workers:             1,
		WorkerIdleSleep:     time.Millisecond,
		QueueDequeueTimeout: time.Millisecond,
		QueueCapacity:       4,
		AutosaveInterval:    time.Hour,
	})
	retrieveOrch := retrieve.New(noopCodec{}, store, retrieve.Tuning{})
	exportOrch := export.New(layout, export.Tuning{})

	return New(model, layout, store, pipeline, retrieveOrch, exportOrch)
}

func TestCreatePHICSVWritesFile(t *testing.T) {
	p := newTestPlane(t)
	path, err := p.CreatePHICSV()
	require.NoError(t, err)
	require.FileExists(t, path)
	require.True(t, strings.HasPrefix(path, p.Layout.PHIExportDir()))
}

func TestAbortMoveAndExportIncrementMetrics(t *testing.T) {
	p := newTestPlane(t)
	p.AbortMove()
	p.AbortExport()

	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "anonymizer_move_aborted_total 1")
	require.Contains(t, body, "anonymizer_export_aborted_total 1")
}

func TestHTTPHealthAndAdminEndpoints(t *testing.T) {
	p := newTestPlane(t)
	router := p.Router()

	rec := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/healthz", nil)
	require.NoError(t, err)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req, err = http.NewRequest(http.MethodPost, "/admin/abort-move", nil)
	require.NoError(t, err)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	req, err = http.NewRequest(http.MethodPost, "/admin/phi-csv", nil)
	require.NoError(t, err)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "phi_export")
}
