// Package hierarchy implements the UID Hierarchy (spec §4.E): an
// in-memory tree of study -> series -> instance UIDs carrying the
// per-level DIMSE sub-operation counters the Retrieval Orchestrator
// uses to reconcile a C-MOVE against what actually arrived.
package hierarchy

// InstanceUIDHierarchy is one leaf: a SOP Instance UID pending or
// confirmed stored.
type InstanceUIDHierarchy struct {
	SOPInstanceUID string
	Stored         bool
}

// Counters are the aggregate DIMSE sub-operation counts a C-MOVE
// response status dataset reports (spec §4.E).
type Counters struct {
	Completed int
	Failed    int
	Remaining int
	Warning   int
}

// merge takes the maximum of each field between c and other, since
// sub-operation numbers from an asynchronous peer may regress between
// consecutive status reports (spec §4.E update_move_states).
func (c *Counters) merge(other Counters) {
	c.Completed = max(c.Completed, other.Completed)
	c.Failed = max(c.Failed, other.Failed)
	c.Remaining = max(c.Remaining, other.Remaining)
	c.Warning = max(c.Warning, other.Warning)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SeriesUIDHierarchy is one series under a study, with its instance
// leaves.
type SeriesUIDHierarchy struct {
	SeriesUID string
	Instances []*InstanceUIDHierarchy

	// TargetInstanceCount is the series-level instance count a C-FIND
	// response reported, used for pre-reconciliation before any
	// instance-level probe has populated Instances.
	TargetInstanceCount int
}

func (s *SeriesUIDHierarchy) findInstance(sopInstanceUID string) *InstanceUIDHierarchy {
	for _, inst := range s.Instances {
		if inst.SOPInstanceUID == sopInstanceUID {
			return inst
		}
	}
	return nil
}

// AddInstance registers a pending instance under this series if not
// already present.
func (s *SeriesUIDHierarchy) AddInstance(sopInstanceUID string) *InstanceUIDHierarchy {
	if inst := s.findInstance(sopInstanceUID); inst != nil {
		return inst
	}
	inst := &InstanceUIDHierarchy{SOPInstanceUID: sopInstanceUID}
	s.Instances = append(s.Instances, inst)
	return inst
}

// StudyUIDHierarchy is the root: one study's move state.
type StudyUIDHierarchy struct {
	StudyUID         string
	PatientID        string
	LastErrorMsg     string
	PendingInstances int
	Counters         Counters
	Series           []*SeriesUIDHierarchy
}

// NewStudyUIDHierarchy constructs an empty hierarchy for one study.
func NewStudyUIDHierarchy(studyUID, patientID string) *StudyUIDHierarchy {
	return &StudyUIDHierarchy{StudyUID: studyUID, PatientID: patientID}
}

// AddSeries registers a series under this study if not already
// present.
func (h *StudyUIDHierarchy) AddSeries(seriesUID string) *SeriesUIDHierarchy {
	for _, s := range h.Series {
		if s.SeriesUID == seriesUID {
			return s
		}
	}
	s := &SeriesUIDHierarchy{SeriesUID: seriesUID}
	h.Series = append(h.Series, s)
	return s
}

// UpdateMoveStates folds a DIMSE C-MOVE response status report into
// the running counters, taking the maximum of observed vs current per
// field to tolerate regressing sub-operation numbers from
// asynchronous or non-compliant peers (spec §4.E).
func (h *StudyUIDHierarchy) UpdateMoveStates(status Counters) {
	h.Counters.merge(status)
	h.PendingInstances = h.Counters.Remaining
}

// FindInstance does an O(series) search for sopInstanceUID across
// every series in this study.
func (h *StudyUIDHierarchy) FindInstance(sopInstanceUID string) *InstanceUIDHierarchy {
	for _, s := range h.Series {
		if inst := s.findInstance(sopInstanceUID); inst != nil {
			return inst
		}
	}
	return nil
}

// MarkError records last_error_msg, used when a hierarchy probe
// returns zero matches (spec §4.F step 1).
func (h *StudyUIDHierarchy) MarkError(msg string) { h.LastErrorMsg = msg }
