package phi

import (
	"fmt"
	"sync"

	"github.com/rsna-anonymizer/dicomcore/internal/errs"
)

// MaxPatients is the design constant bounding the patient counter
// (spec §4.A). CAPACITY_EXCEEDED is returned once it would be
// exceeded.
const MaxPatients = 1_000_000

// emptyPatientKey is the internal key every empty/missing PHI patient
// id collapses onto (invariant 3).
const emptyPatientKey = "\x00EMPTY-PATIENT-ID\x00"

// Store is the PHI Index Store (spec §4.A). All mutation happens
// under a single writer lock; reads take a read lock, so many
// concurrent lookups can proceed while no write is in flight.
type Store struct {
	mu sync.RWMutex

	siteID  string
	uidRoot string

	byPatientKey map[string]*PHI   // internal key (PatientID, or emptyPatientKey) -> PHI
	anonToPHI    map[string]*PHI   // anon_patient_id -> PHI (reverse index)
	patientToAnon map[string]string // internal key -> anon_patient_id

	uidToAnon map[string]string
	anonToUID map[string]string

	accToAnon map[string]string
	anonToAcc map[string]string

	studyByAnonAndPHI map[string]*Study // "anon_patient_id|study_uid" -> Study, for O(1) capture_phi lookups
	storedInstances   map[string]struct{} // PHI SOP Instance UID -> present, for O(1) InstanceStored

	nextPatientN int
	nextUIDN     int
	nextAccN     int

	totals Totals

	dirty bool
}

// New creates an empty PHI Index Store for the given site and UID
// root.
func New(siteID, uidRoot string) *Store {
	return &Store{
		siteID:            siteID,
		uidRoot:           uidRoot,
		byPatientKey:      map[string]*PHI{},
		anonToPHI:         map[string]*PHI{},
		patientToAnon:     map[string]string{},
		uidToAnon:         map[string]string{},
		anonToUID:         map[string]string{},
		accToAnon:         map[string]string{},
		anonToAcc:         map[string]string{},
		studyByAnonAndPHI: map[string]*Study{},
		storedInstances:   map[string]struct{}{},
		nextPatientN:      0,
		nextUIDN:          0,
		nextAccN:          0,
	}
}

func (s *Store) sentinelAnonPatientID() string { return fmt.Sprintf("%s-000000", s.siteID) }

func patientKey(phiPatientID string) string {
	if phiPatientID == "" {
		return emptyPatientKey
	}
	return phiPatientID
}

// Dirty reports whether the store has unsaved mutations since the last
// ClearDirty call.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// ClearDirty clears the dirty flag; the autosave task calls this after
// a successful snapshot write.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

func (s *Store) markDirty() { s.dirty = true }

// GetAnonPatientID returns the anon patient id for phiPatientID, or
// ok=false if it has not been allocated yet.
func (s *Store) GetAnonPatientID(phiPatientID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.patientToAnon[patientKey(phiPatientID)]
	return id, ok
}

// GetNextAnonPatientID allocates (if absent) and returns the anon
// patient id for phiPatientID, enforcing MaxPatients and collapsing
// empty PHI ids onto the reserved sentinel (invariant 3).
func (s *Store) GetNextAnonPatientID(phiPatientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getNextAnonPatientIDLocked(phiPatientID)
}

func (s *Store) getNextAnonPatientIDLocked(phiPatientID string) (string, error) {
	key := patientKey(phiPatientID)
	if id, ok := s.patientToAnon[key]; ok {
		return id, nil
	}

	var anonID string
	if key == emptyPatientKey {
		anonID = s.sentinelAnonPatientID()
	} else {
		if s.nextPatientN+1 > MaxPatients {
			return "", errs.New(errs.CapacityExceeded, "maximum patient count exceeded")
		}
		s.nextPatientN++
		anonID = fmt.Sprintf("%s-%06d", s.siteID, s.nextPatientN)
	}

	rec := &PHI{PatientID: phiPatientID}
	s.byPatientKey[key] = rec
	s.anonToPHI[anonID] = rec
	s.patientToAnon[key] = anonID
	s.totals.Patients++
	s.markDirty()
	return anonID, nil
}

// GetNextAnonUID allocates (if absent) and returns the anon UID for
// phiUID. The counter is global across all UID kinds (study, series,
// instance) per spec S2.
func (s *Store) GetNextAnonUID(phiUID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if anon, ok := s.uidToAnon[phiUID]; ok {
		return anon, nil
	}
	s.nextUIDN++
	anon := fmt.Sprintf("%s.%s.%d", s.uidRoot, s.siteID, s.nextUIDN)
	s.uidToAnon[phiUID] = anon
	s.anonToUID[anon] = phiUID
	s.markDirty()
	return anon, nil
}

// GetAnonUID returns the anon UID for phiUID without allocating.
func (s *Store) GetAnonUID(phiUID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anon, ok := s.uidToAnon[phiUID]
	return anon, ok
}

// GetNextAnonAccession allocates (if absent) and returns the
// anonymized accession number for phiAccession. An empty
// phiAccession still allocates, like any other key, so all studies
// without an accession share one sequential placeholder, matching the reference
// implementation's behavior of never leaving AccessionNumber blank
// once a study has been captured.
func (s *Store) GetNextAnonAccession(phiAccession string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if anon, ok := s.accToAnon[phiAccession]; ok {
		return anon, nil
	}
	s.nextAccN++
	anon := fmt.Sprintf("%d", s.nextAccN)
	s.accToAnon[phiAccession] = anon
	s.anonToAcc[anon] = phiAccession
	s.markDirty()
	return anon, nil
}

// GetAnonAccession returns the anon accession for phiAccession without
// allocating.
func (s *Store) GetAnonAccession(phiAccession string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anon, ok := s.accToAnon[phiAccession]
	return anon, ok
}

// CaptureResult is returned by CapturePHI on success.
type CaptureResult struct {
	PHIPatientID    string
	AnonPatientID   string
	AnonAccession   string
	AnonStudyUID    string
	AnonSeriesUID   string
	AnonSOPInstance string
}

// CapturePHI walks a single dataset's identifying fields once, and
// upserts the PHI -> Study -> Series -> Instance path (spec §4.A).
// If the instance UID is already present the call is a no-op and
// returns errs.AlreadyPresent. The anon patient id is allocated here
// if the patient is new; the anon accession and UIDs in the result are
// only those already allocated when the call is made, and are empty
// otherwise (the engine captures before it allocates, and callers
// needing those anon ids call the GetNext* accessors separately).
func (s *Store) CapturePHI(source string, in *CaptureInput, dateDelta int) (*CaptureResult, error) {
	if missing := MissingRequired(in); len(missing) > 0 {
		return nil, errs.New(errs.MissingAttributes, fmt.Sprintf("missing attributes: %v", missing))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := patientKey(in.PatientID)
	phiRec, ok := s.byPatientKey[key]
	if !ok {
		anonID, err := s.getNextAnonPatientIDLocked(in.PatientID)
		if err != nil {
			return nil, err
		}
		phiRec = s.byPatientKey[key]
		_ = anonID
	}
	if phiRec.PatientName == "" {
		phiRec.PatientName = in.PatientName
	}
	if phiRec.Sex == "" {
		phiRec.Sex = in.PatientSex
	}
	if phiRec.DOB == "" {
		phiRec.DOB = in.PatientBirthDate
	}
	if phiRec.EthnicGroup == "" {
		phiRec.EthnicGroup = in.EthnicGroup
	}

	anonPatientID := s.patientToAnon[key]

	studyMapKey := in.StudyInstanceUID
	study := s.findStudy(phiRec, studyMapKey)
	if study == nil {
		study = &Study{
			Source:    source,
			StudyUID:  in.StudyInstanceUID,
			StudyDate: in.StudyDate,
			AnonDateDelta:   dateDelta,
			AccessionNumber: in.AccessionNumber,
			StudyDesc:       in.StudyDescription,
		}
		phiRec.Studies = append(phiRec.Studies, study)
		s.studyByAnonAndPHI[anonPatientID+"|"+study.StudyUID] = study
		s.totals.Studies++
		s.markDirty()
	}

	var series *Series
	for _, sr := range study.Series {
		if sr.SeriesUID == in.SeriesInstanceUID {
			series = sr
			break
		}
	}
	if series == nil {
		series = newSeries(in.SeriesInstanceUID, in.SeriesDescription, in.Modality)
		study.Series = append(study.Series, series)
		s.totals.Series++
		s.markDirty()
	}

	if series.HasInstance(in.SOPInstanceUID) {
		return nil, errs.New(errs.AlreadyPresent, "instance already captured")
	}
	series.addInstance(in.SOPInstanceUID)
	s.storedInstances[in.SOPInstanceUID] = struct{}{}
	s.totals.Instances++
	s.markDirty()

	anonAcc, _ := s.accToAnon[in.AccessionNumber]
	anonStudyUID, _ := s.uidToAnon[in.StudyInstanceUID]
	anonSeriesUID, _ := s.uidToAnon[in.SeriesInstanceUID]
	anonSOP, _ := s.uidToAnon[in.SOPInstanceUID]

	return &CaptureResult{
		PHIPatientID:    in.PatientID,
		AnonPatientID:   anonPatientID,
		AnonAccession:   anonAcc,
		AnonStudyUID:    anonStudyUID,
		AnonSeriesUID:   anonSeriesUID,
		AnonSOPInstance: anonSOP,
	}, nil
}

func (s *Store) findStudy(phiRec *PHI, studyUID string) *Study {
	for _, st := range phiRec.Studies {
		if st.StudyUID == studyUID {
			return st
		}
	}
	return nil
}

// GetTotals returns the O(1) cardinality view (spec §4.A).
func (s *Store) GetTotals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// PHIForAnonPatient returns the PHI record for an anon patient id.
func (s *Store) PHIForAnonPatient(anonPatientID string) (*PHI, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.anonToPHI[anonPatientID]
	return p, ok
}

// AnonPatientIDs returns every allocated anon patient id, for export
// enumeration (spec §4.G).
func (s *Store) AnonPatientIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.anonToPHI))
	for id := range s.anonToPHI {
		out = append(out, id)
	}
	return out
}

// studyByPHIUID finds a Study by its PHI study UID across the whole
// tree; used by reconciliation helpers keyed on PHI UIDs rather than
// (anon-patient, phi-study) pairs.
func (s *Store) studyByPHIUID(studyUID string) *Study {
	for _, ph := range s.byPatientKey {
		if st := s.findStudy(ph, studyUID); st != nil {
			return st
		}
	}
	return nil
}

// StudyImported reports whether the study identified by its PHI
// patient id and PHI study UID has received at least
// TargetInstanceCount instances. Returns false if the target has not
// been set (spec §4.A, mirrors study_imported).
func (s *Store) StudyImported(phiPatientID, studyUID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phiRec, ok := s.byPatientKey[patientKey(phiPatientID)]
	if !ok {
		return false
	}
	study := s.findStudy(phiRec, studyUID)
	if study == nil || study.TargetInstanceCount == 0 {
		return false
	}
	return s.storedCountLocked(study) >= study.TargetInstanceCount
}

func (s *Store) storedCountLocked(study *Study) int {
	n := 0
	for _, sr := range study.Series {
		n += sr.InstanceCount
	}
	return n
}

// SeriesComplete reports whether a series has reached target
// instances.
func (s *Store) SeriesComplete(phiPatientID, studyUID, seriesUID string, target int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phiRec, ok := s.byPatientKey[patientKey(phiPatientID)]
	if !ok {
		return false
	}
	study := s.findStudy(phiRec, studyUID)
	if study == nil {
		return false
	}
	for _, sr := range study.Series {
		if sr.SeriesUID == seriesUID {
			return sr.InstanceCount >= target
		}
	}
	return false
}

// GetStoredInstanceCount returns the number of instances captured so
// far for the given study.
func (s *Store) GetStoredInstanceCount(phiPatientID, studyUID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phiRec, ok := s.byPatientKey[patientKey(phiPatientID)]
	if !ok {
		return 0
	}
	study := s.findStudy(phiRec, studyUID)
	if study == nil {
		return 0
	}
	return s.storedCountLocked(study)
}

// GetPendingInstanceCount returns targetCount minus the number stored
// so far, clamped to zero, and also records targetCount on the study
// (the reference implementation updates target_instance_count as a
// side effect of this query, once the study's first instance has
// arrived).
func (s *Store) GetPendingInstanceCount(phiPatientID, studyUID string, targetCount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	phiRec, ok := s.byPatientKey[patientKey(phiPatientID)]
	if !ok {
		return targetCount
	}
	study := s.findStudy(phiRec, studyUID)
	if study == nil {
		return targetCount
	}
	study.TargetInstanceCount = targetCount
	s.markDirty()
	pending := targetCount - s.storedCountLocked(study)
	if pending < 0 {
		return 0
	}
	return pending
}

// SetStudyTargetInstanceCount records the total instance count the
// peer reported for a study (e.g. from NumberOfStudyRelatedInstances
// in a C-FIND response). The retrieval orchestrator does not call it;
// it records targets through GetPendingInstanceCount.
func (s *Store) SetStudyTargetInstanceCount(phiPatientID, studyUID string, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phiRec, ok := s.byPatientKey[patientKey(phiPatientID)]
	if !ok {
		return
	}
	study := s.findStudy(phiRec, studyUID)
	if study == nil {
		return
	}
	study.TargetInstanceCount = target
	s.markDirty()
}

// InstanceStored reports whether sopInstanceUID has already been
// captured, independent of which series it landed in. Used by the
// retrieval orchestrator's pre-reconciliation pass.
func (s *Store) InstanceStored(sopInstanceUID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.storedInstances[sopInstanceUID]
	return ok
}
