package retrieve

import "github.com/rsna-anonymizer/dicomcore/internal/dicomwire"

// Level is the DICOM C-MOVE retrieval granularity (spec §4.F).
type Level int

const (
	LevelStudy Level = iota
	LevelSeries
	LevelInstance
)

// wireLevel is the QueryRetrieveLevel (0008,0052) value for l. DICOM
// names the instance level IMAGE, not INSTANCE.
func (l Level) wireLevel() string {
	switch l {
	case LevelSeries:
		return "SERIES"
	case LevelInstance:
		return "IMAGE"
	default:
		return "STUDY"
	}
}

// stepDown returns the level to retry at after an incomplete move, and
// whether a step-down is still available. Spec §4.F allows only one
// automatic step-down per study, and it always lands on INSTANCE: a
// STUDY-level move that under-delivers re-issues per missing UID at
// INSTANCE level directly, not at SERIES (spec.md's S5 scenario).
func (l Level) stepDown() (Level, bool) {
	switch l {
	case LevelStudy, LevelSeries:
		return LevelInstance, true
	default:
		return l, false
	}
}

// StudyRequest names one study to retrieve, keyed the way the PHI
// Index Store's reconciliation queries want it.
type StudyRequest struct {
	PHIPatientID string
	StudyUID     string
}

// MoveRequest is the input to MoveStudies.
type MoveRequest struct {
	TargetSCP dicomwire.AE
	DestAE    string
	Level     Level
	Studies   []StudyRequest
}

// StudyOutcome reports the terminal state of one study's move.
type StudyOutcome struct {
	StudyUID     string
	Pending      int
	Aborted      bool
	LastErrorMsg string
}
