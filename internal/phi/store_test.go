package phi

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rsna-anonymizer/dicomcore/internal/errs"
	"github.com/stretchr/testify/require"
)

func sampleInput(patientID, studyUID, seriesUID, sopUID string) *CaptureInput {
	return &CaptureInput{
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.1",
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    sopUID,
		PatientID:         patientID,
		PatientName:       "DOE^JOHN",
		PatientSex:        "M",
		PatientBirthDate:  "19700101",
		StudyDate:         "20200101",
		AccessionNumber:   "ACC1",
		StudyDescription:  "CHEST",
		SeriesDescription:  "AP",
		Modality:          "CR",
	}
}

func TestCapturePHIAllocatesAndDedups(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	in := sampleInput("PID1", "STUDY1", "SERIES1", "SOP1")

	res, err := s.CapturePHI("network", in, 42)
	require.NoError(t, err)
	require.Equal(t, "PID1", res.PHIPatientID)
	require.Equal(t, "SITE-000001", res.AnonPatientID)

	totals := s.GetTotals()
	require.Equal(t, Totals{Patients: 1, Studies: 1, Series: 1, Instances: 1}, totals)

	_, err = s.CapturePHI("network", in, 42)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.AlreadyPresent, kind)
}

func TestCapturePHIMissingAttributes(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	in := sampleInput("PID1", "STUDY1", "SERIES1", "SOP1")
	in.SOPInstanceUID = ""

	_, err := s.CapturePHI("network", in, 0)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.MissingAttributes, kind)
}

func TestEmptyPatientIDCollapsesToSentinel(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	in1 := sampleInput("", "STUDY1", "SERIES1", "SOP1")
	in2 := sampleInput("", "STUDY2", "SERIES2", "SOP2")

	res1, err := s.CapturePHI("network", in1, 0)
	require.NoError(t, err)
	res2, err := s.CapturePHI("network", in2, 0)
	require.NoError(t, err)

	require.Equal(t, "SITE-000000", res1.AnonPatientID)
	require.Equal(t, res1.AnonPatientID, res2.AnonPatientID)
	require.Equal(t, Totals{Patients: 1, Studies: 2, Series: 2, Instances: 2}, s.GetTotals())
}

func TestMaxPatientsExceeded(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	s.nextPatientN = MaxPatients

	_, err := s.GetNextAnonPatientID("SOME-NEW-PATIENT")
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.CapacityExceeded, kind)
}

func TestInstanceStoredUsesIndex(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	require.False(t, s.InstanceStored("SOP1"))

	_, err := s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP1"), 0)
	require.NoError(t, err)

	require.True(t, s.InstanceStored("SOP1"))
	require.False(t, s.InstanceStored("SOP-OTHER"))
}

func TestPendingAndCompleteCounts(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	_, err := s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP1"), 0)
	require.NoError(t, err)

	pending := s.GetPendingInstanceCount("PID1", "STUDY1", 3)
	require.Equal(t, 2, pending)
	require.False(t, s.StudyImported("PID1", "STUDY1"))

	_, err = s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP2"), 0)
	require.NoError(t, err)
	_, err = s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP3"), 0)
	require.NoError(t, err)

	require.True(t, s.StudyImported("PID1", "STUDY1"))
	require.True(t, s.SeriesComplete("PID1", "STUDY1", "SERIES1", 3))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	_, err := s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP1"), 99)
	require.NoError(t, err)
	_, err = s.GetNextAnonUID("STUDY1")
	require.NoError(t, err)
	_, err = s.GetNextAnonAccession("ACC1")
	require.NoError(t, err)

	buf, err := s.encodeLocked()
	require.NoError(t, err)

	restored, err := decode(buf)
	require.NoError(t, err)

	require.Equal(t, s.GetTotals(), restored.GetTotals())
	anonID, ok := restored.GetAnonPatientID("PID1")
	require.True(t, ok)
	require.Equal(t, "SITE-000001", anonID)
	require.True(t, restored.InstanceStored("SOP1"))

	anonUID, ok := restored.GetAnonUID("STUDY1")
	require.True(t, ok)
	require.NotEmpty(t, anonUID)
}

// TestSnapshotEncodeIsByteIdentical covers the testable property at
// spec.md:217: serialize(A) -> deserialize -> serialize must be
// byte-identical. Several patients/studies/series/instances are
// captured so the store's internal maps have more than one key, which
// is what exposed Go's randomized map iteration order before
// encodeLocked sorted its keys.
func TestSnapshotEncodeIsByteIdentical(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	_, err := s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP1"), 0)
	require.NoError(t, err)
	_, err = s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP2"), 0)
	require.NoError(t, err)
	_, err = s.CapturePHI("network", sampleInput("PID2", "STUDY2", "SERIES2", "SOP3"), 0)
	require.NoError(t, err)
	_, err = s.GetNextAnonUID("STUDY1")
	require.NoError(t, err)
	_, err = s.GetNextAnonUID("STUDY2")
	require.NoError(t, err)
	_, err = s.GetNextAnonAccession("ACC1")
	require.NoError(t, err)
	_, err = s.GetNextAnonAccession("ACC2")
	require.NoError(t, err)

	first, err := s.encodeLocked()
	require.NoError(t, err)
	second, err := s.encodeLocked()
	require.NoError(t, err)
	require.Equal(t, first, second)

	restored, err := decode(first)
	require.NoError(t, err)
	third, err := restored.encodeLocked()
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestSnapshotRejectsNewerVersion(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	buf, err := s.encodeLocked()
	require.NoError(t, err)

	// Corrupt the version field (bytes 4..8) to simulate a
	// forward-incompatible snapshot.
	buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 99

	_, err = decode(buf)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.ModelVersionMismatch, kind)
}

func TestWritePHICSV(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	_, err := s.CapturePHI("network", sampleInput("PID1", "STUDY1", "SERIES1", "SOP1"), 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.WritePHICSV(&buf))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "ANON_PatientID")
	require.Contains(t, lines[1], "SITE-000001")
}

func TestProcessJavaPHIStudiesSeedsTablesAndAdvancesCounters(t *testing.T) {
	s := New("SITE", "1.2.3.4")
	rows := []JavaIndexRow{
		{
			AnonPatientName: "SITE-000005",
			AnonPatientID:   "SITE-000005",
			PHIPatientName:  "DOE^JANE",
			PHIPatientID:    "PID-OLD",
			DateOffset:      "17",
			AnonStudyDate:   "20190101",
			PHIStudyDate:    "20181215",
			AnonAccession:   "42",
			PHIAccession:    "OLDACC",
			AnonStudyUID:    "1.2.3.4.SITE.7",
			PHIStudyUID:     "OLD-STUDY-UID",
		},
	}

	require.NoError(t, s.ProcessJavaPHIStudies(rows))

	anonID, ok := s.GetAnonPatientID("PID-OLD")
	require.True(t, ok)
	require.Equal(t, "SITE-000005", anonID)

	nextID, err := s.GetNextAnonPatientID("BRAND-NEW-PATIENT")
	require.NoError(t, err)
	require.Equal(t, "SITE-000006", nextID)

	nextUID, err := s.GetNextAnonUID("BRAND-NEW-UID")
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4.SITE.8", nextUID)

	nextAcc, err := s.GetNextAnonAccession("BRAND-NEW-ACC")
	require.NoError(t, err)
	require.Equal(t, "43", nextAcc)
}
