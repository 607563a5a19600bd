package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/phi"
)

type tagKey struct{ g, e uint16 }

type fakeDataset struct {
	strs map[tagKey]string
	ints map[tagKey]int
}

func newDS() *fakeDataset {
	return &fakeDataset{strs: map[tagKey]string{}, ints: map[tagKey]int{}}
}

func (d *fakeDataset) withString(t tag.Tag, v string) *fakeDataset {
	d.strs[tagKey{uint16(t.Group), uint16(t.Element)}] = v
	return d
}

func (d *fakeDataset) withSubop(group, elem uint16, v int) *fakeDataset {
	d.ints[tagKey{group, elem}] = v
	return d
}

func (d *fakeDataset) withInt(t tag.Tag, v int) *fakeDataset {
	d.ints[tagKey{uint16(t.Group), uint16(t.Element)}] = v
	return d
}

func (d *fakeDataset) GetString(g, e uint16) string { return d.strs[tagKey{g, e}] }
func (d *fakeDataset) GetInt(g, e uint16) int        { return d.ints[tagKey{g, e}] }

type fakeStream struct {
	statuses []dicomwire.Status
	i        int
}

func (s *fakeStream) Next(ctx context.Context) (dicomwire.Status, bool, error) {
	if s.i >= len(s.statuses) {
		return dicomwire.Status{}, false, nil
	}
	st := s.statuses[s.i]
	s.i++
	return st, true, nil
}

type fakeAssociation struct {
	seriesFind     []dicomwire.Status
	instanceFind   map[string][]dicomwire.Status
	move           []dicomwire.Status
	onSeriesFind   func()
	onMove         func(identifier dicomwire.Dataset)
	aborted, closed bool
}

func (a *fakeAssociation) SendCStore(ctx context.Context, ds dicomwire.Dataset) (dicomwire.Status, error) {
	return dicomwire.Status{}, nil
}

func (a *fakeAssociation) SendCFind(ctx context.Context, identifier dicomwire.Dataset) (dicomwire.StatusStream, error) {
	level := identifier.GetString(uint16(tag.QueryRetrieveLevel.Group), uint16(tag.QueryRetrieveLevel.Element))
	if level == "SERIES" {
		if a.onSeriesFind != nil {
			a.onSeriesFind()
		}
		return &fakeStream{statuses: a.seriesFind}, nil
	}
	seriesUID := identifier.GetString(uint16(tag.SeriesInstanceUID.Group), uint16(tag.SeriesInstanceUID.Element))
	return &fakeStream{statuses: a.instanceFind[seriesUID]}, nil
}

func (a *fakeAssociation) SendCMove(ctx context.Context, identifier dicomwire.Dataset, destAE string) (dicomwire.StatusStream, error) {
	if a.onMove != nil {
		a.onMove(identifier)
	}
	return &fakeStream{statuses: a.move}, nil
}

func (a *fakeAssociation) Abort() error { a.aborted = true; return nil }
func (a *fakeAssociation) Close() error { a.closed = true; return nil }

type fakeCodec struct {
	assoc   *fakeAssociation
	openErr error
}

func (c *fakeCodec) OpenAssociation(ctx context.Context, ae dicomwire.AE, contexts []dicomwire.PresentationContext) (dicomwire.Association, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.assoc, nil
}
func (c *fakeCodec) ParsePDU(data []byte) (dicomwire.Dataset, error)      { return nil, nil }
func (c *fakeCodec) EncodeDataset(ds dicomwire.Dataset) ([]byte, error) { return nil, nil }

func capture(t *testing.T, model *phi.Store, patientID, studyUID, seriesUID, sopUID string) {
	t.Helper()
	_, err := model.CapturePHI("test", &phi.CaptureInput{
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.7",
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    sopUID,
		PatientID:         patientID,
	}, 0)
	require.NoError(t, err)
}

func fastTuning() Tuning {
	return Tuning{StudyMoveWorkers: 2, GracePeriod: 20 * time.Millisecond, PollInterval: 2 * time.Millisecond}
}

func TestMoveStudiesCompletesWhenAlreadyFullyStored(t *testing.T) {
	model := phi.New("SITE", "1.2.999")
	capture(t, model, "PHI1", "1.2.3", "1.2.3.1", "1.2.3.1.1")
	capture(t, model, "PHI1", "1.2.3", "1.2.3.1", "1.2.3.1.2")

	assoc := &fakeAssociation{
		seriesFind: []dicomwire.Status{
			{Code: dicomwire.StatusPending, Identifier: newDS().
				withString(tag.SeriesInstanceUID, "1.2.3.1").
				withInt(tag.NumberOfSeriesRelatedInstances, 2)},
		},
		move: []dicomwire.Status{
			{Code: dicomwire.StatusSuccess, Identifier: newDS().
				withSubop(groupDIMSE, elemCompletedSuboperations, 2).
				withSubop(groupDIMSE, elemRemainingSuboperations, 0)},
		},
	}
	orch := New(&fakeCodec{assoc: assoc}, model, fastTuning())

	outcomes := orch.MoveStudies(context.Background(), MoveRequest{
		Level: LevelStudy,
		Studies: []StudyRequest{{PHIPatientID: "PHI1", StudyUID: "1.2.3"}},
	})

	require.Len(t, outcomes, 1)
	require.Equal(t, 0, outcomes[0].Pending)
	require.False(t, outcomes[0].Aborted)
	require.Empty(t, outcomes[0].LastErrorMsg)
	require.True(t, assoc.closed)
}

func TestMoveStudiesRecordsZeroMatches(t *testing.T) {
	model := phi.New("SITE", "1.2.999")
	assoc := &fakeAssociation{}
	orch := New(&fakeCodec{assoc: assoc}, model, fastTuning())

	outcomes := orch.MoveStudies(context.Background(), MoveRequest{
		Level:   LevelStudy,
		Studies: []StudyRequest{{PHIPatientID: "PHI1", StudyUID: "1.2.3"}},
	})

	require.Len(t, outcomes, 1)
	require.Equal(t, "peer returned zero matches", outcomes[0].LastErrorMsg)
	require.False(t, outcomes[0].Aborted)
}

// TestMoveStudiesStepsDownToInstanceLevelAndResolvesPending models
// spec.md's S5 scenario: a STUDY-level C-MOVE whose sub-operation
// counters never advance (as if the peer silently dropped the
// request) must step down straight to INSTANCE level, per spec.md:134's
// single automatic step-down, and re-issue a C-MOVE for each missing
// UID individually rather than retrying at SERIES level.
func TestMoveStudiesStepsDownToInstanceLevelAndResolvesPending(t *testing.T) {
	model := phi.New("SITE", "1.2.999")
	assoc := &fakeAssociation{
		seriesFind: []dicomwire.Status{
			{Code: dicomwire.StatusPending, Identifier: newDS().
				withString(tag.SeriesInstanceUID, "1.2.3.1").
				withInt(tag.NumberOfSeriesRelatedInstances, 2)},
		},
		instanceFind: map[string][]dicomwire.Status{
			"1.2.3.1": {
				{Code: dicomwire.StatusPending, Identifier: newDS().withString(tag.SOPInstanceUID, "1.2.3.1.1")},
				{Code: dicomwire.StatusPending, Identifier: newDS().withString(tag.SOPInstanceUID, "1.2.3.1.2")},
			},
		},
		// The STUDY-level move itself reports no progress, leaving both
		// instances pending until the step-down retries them directly.
		move: []dicomwire.Status{
			{Code: dicomwire.StatusSuccess, Identifier: newDS()},
		},
	}
	// Simulate the destination actually receiving and storing each
	// instance-level C-MOVE's sub-operation, the way a real SCP
	// destination would capture PHI on inbound C-STORE.
	assoc.onMove = func(identifier dicomwire.Dataset) {
		sop := identifier.GetString(uint16(tag.SOPInstanceUID.Group), uint16(tag.SOPInstanceUID.Element))
		if sop == "" {
			return
		}
		capture(t, model, "PHI1", "1.2.3", "1.2.3.1", sop)
	}
	orch := New(&fakeCodec{assoc: assoc}, model, fastTuning())

	outcomes := orch.MoveStudies(context.Background(), MoveRequest{
		Level:   LevelStudy,
		Studies: []StudyRequest{{PHIPatientID: "PHI1", StudyUID: "1.2.3"}},
	})

	require.Len(t, outcomes, 1)
	require.Equal(t, 0, outcomes[0].Pending)
	require.False(t, outcomes[0].Aborted)
}

func TestMoveStudiesAbortsMidFlight(t *testing.T) {
	model := phi.New("SITE", "1.2.999")
	assoc := &fakeAssociation{
		seriesFind: []dicomwire.Status{
			{Code: dicomwire.StatusPending, Identifier: newDS().
				withString(tag.SeriesInstanceUID, "1.2.3.1").
				withInt(tag.NumberOfSeriesRelatedInstances, 2)},
		},
	}
	orch := New(&fakeCodec{assoc: assoc}, model, fastTuning())
	assoc.onSeriesFind = func() { orch.AbortMove() }

	outcomes := orch.MoveStudies(context.Background(), MoveRequest{
		Level:   LevelStudy,
		Studies: []StudyRequest{{PHIPatientID: "PHI1", StudyUID: "1.2.3"}},
	})

	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Aborted)
	require.True(t, assoc.aborted)
}
