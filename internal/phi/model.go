// Package phi implements the PHI Index Store: the bijective lookup
// tables between protected identifiers and their anonymized
// counterparts, and the aggregate PHI tree (patients -> studies ->
// series -> instances) used for reconciliation by the retrieval and
// export orchestrators.
package phi

// PHI is one patient record in the PHI tree (spec §3).
type PHI struct {
	PatientName string
	PatientID   string // the PHI key; empty collapses to the sentinel patient.
	Sex         string
	DOB         string
	EthnicGroup string
	Studies     []*Study
}

// Study is one imaging exam under a PHI patient.
type Study struct {
	Source              string
	StudyUID            string
	StudyDate           string
	AnonDateDelta        int
	AccessionNumber      string
	StudyDesc            string
	TargetInstanceCount  int
	Series               []*Series
}

// Series is one acquisition run under a Study. Instances are tracked
// only as a set of SOP Instance UIDs (spec §3), not as full records.
type Series struct {
	SeriesUID     string
	SeriesDesc    string
	Modality      string
	InstanceCount int
	instanceUIDs  map[string]struct{}
}

func newSeries(uid, desc, modality string) *Series {
	return &Series{SeriesUID: uid, SeriesDesc: desc, Modality: modality, instanceUIDs: map[string]struct{}{}}
}

// HasInstance reports whether sopInstanceUID has already been recorded
// in this series.
func (s *Series) HasInstance(sopInstanceUID string) bool {
	_, ok := s.instanceUIDs[sopInstanceUID]
	return ok
}

func (s *Series) addInstance(sopInstanceUID string) bool {
	if s.HasInstance(sopInstanceUID) {
		return false
	}
	s.instanceUIDs[sopInstanceUID] = struct{}{}
	s.InstanceCount++
	return true
}

// InstanceUIDs returns a snapshot slice of the recorded SOP Instance
// UIDs in this series.
func (s *Series) InstanceUIDs() []string {
	out := make([]string, 0, len(s.instanceUIDs))
	for uid := range s.instanceUIDs {
		out = append(out, uid)
	}
	return out
}

// CaptureInput carries the dataset fields capture_phi needs. Callers
// (the anonymizer engine) populate it from the source dataset before
// any anonymization rewrite has happened — these are still PHI values.
type CaptureInput struct {
	SOPClassUID        string
	StudyInstanceUID   string
	SeriesInstanceUID  string
	SOPInstanceUID     string

	PatientID        string
	PatientName      string
	PatientSex       string
	PatientBirthDate string
	EthnicGroup      string

	StudyDate         string
	AccessionNumber   string
	StudyDescription  string
	SeriesDescription string
	Modality          string
}

// requiredForCapture are the attributes capture_phi demands per spec
// §4.A / §6. Missing any of these yields MISSING_ATTRIBUTES.
var requiredForCapture = []struct {
	name  string
	value func(*CaptureInput) string
}{
	{"SOPClassUID", func(c *CaptureInput) string { return c.SOPClassUID }},
	{"StudyInstanceUID", func(c *CaptureInput) string { return c.StudyInstanceUID }},
	{"SeriesInstanceUID", func(c *CaptureInput) string { return c.SeriesInstanceUID }},
	{"SOPInstanceUID", func(c *CaptureInput) string { return c.SOPInstanceUID }},
}

// MissingRequired returns the subset of required attribute names that
// are empty in in.
func MissingRequired(in *CaptureInput) []string {
	var missing []string
	for _, r := range requiredForCapture {
		if r.value(in) == "" {
			missing = append(missing, r.name)
		}
	}
	return missing
}

// Totals is the O(1) cardinality view spec §4.A's get_totals returns.
type Totals struct {
	Patients  int
	Studies   int
	Series    int
	Instances int
}
