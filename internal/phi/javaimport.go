package phi

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/rsna-anonymizer/dicomcore/internal/errs"
)

// JavaIndexRow is one row of a prior site's exported index, used to
// seed the lookup tables verbatim before any counter allocation (spec
// §4.A process_java_phi_studies). Field order matches the exported
// column set.
type JavaIndexRow struct {
	AnonPatientName string
	AnonPatientID   string
	PHIPatientName  string
	PHIPatientID    string
	DateOffset      string
	AnonStudyDate   string
	PHIStudyDate    string
	AnonAccession   string
	PHIAccession    string
	AnonStudyUID    string
	PHIStudyUID     string
}

// javaIndexColumns is the header row a prior index carries, in column
// order.
var javaIndexColumns = []string{
	"ANON_PatientName", "ANON_PatientID", "PHI_PatientName", "PHI_PatientID",
	"DateOffset", "ANON_StudyDate", "PHI_StudyDate", "ANON_Accession",
	"PHI_Accession", "ANON_StudyInstanceUID", "PHI_StudyInstanceUID",
}

// ReadJavaIndex parses a prior site's exported index from r. The
// reference implementation reads this from an Excel workbook; the
// corpus carries no spreadsheet library, so this core accepts the same
// column layout as a header-plus-rows CSV. The first row is taken as
// the header: only its column count is checked against
// javaIndexColumns, its names are not compared. Empty input yields no
// rows and no error.
func ReadJavaIndex(r io.Reader) ([]JavaIndexRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(javaIndexColumns)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.DICOMReadError, "read java index header", err)
	}
	if len(header) != len(javaIndexColumns) {
		return nil, errs.New(errs.DICOMReadError, "java index header has wrong column count")
	}

	var rows []JavaIndexRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.DICOMReadError, "read java index row", err)
		}
		rows = append(rows, JavaIndexRow{
			AnonPatientName: rec[0],
			AnonPatientID:   rec[1],
			PHIPatientName:  rec[2],
			PHIPatientID:    rec[3],
			DateOffset:      rec[4],
			AnonStudyDate:   rec[5],
			PHIStudyDate:    rec[6],
			AnonAccession:   rec[7],
			PHIAccession:    rec[8],
			AnonStudyUID:    rec[9],
			PHIStudyUID:     rec[10],
		})
	}
	return rows, nil
}

// ProcessJavaPHIStudies bulk-imports a prior site's index, seeding the
// patient/UID/accession lookup tables with the pre-existing mappings
// before any counter allocation. Counters are advanced past the
// largest imported N, in every one of the three namespaces
// independently, so newly captured records never collide with an
// imported anon id (spec §4.A, Open Question 2 — resolved in favor of
// the source's apparent behavior of never re-issuing an id at or below
// the highest imported value).
func (s *Store) ProcessJavaPHIStudies(rows []JavaIndexRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		key := patientKey(row.PHIPatientID)
		phiRec, ok := s.byPatientKey[key]
		if !ok {
			phiRec = &PHI{PatientID: row.PHIPatientID, PatientName: row.PHIPatientName}
			s.byPatientKey[key] = phiRec
			s.anonToPHI[row.AnonPatientID] = phiRec
			s.patientToAnon[key] = row.AnonPatientID
			s.totals.Patients++
			if n, err := anonPatientN(row.AnonPatientID, s.siteID); err == nil && n > s.nextPatientN {
				s.nextPatientN = n
			}
		} else if existing := s.patientToAnon[key]; existing != row.AnonPatientID {
			return errs.New(errs.CapturePHIError,
				fmt.Sprintf("java index patient %q already mapped to %q, import wants %q", row.PHIPatientID, existing, row.AnonPatientID))
		}

		study := s.findStudy(phiRec, row.PHIStudyUID)
		if study == nil {
			delta, err := strconv.Atoi(row.DateOffset)
			if err != nil {
				return errs.Wrap(errs.CapturePHIError, "parse java index DateOffset", err)
			}
			study = &Study{
				Source:          "Java Index File",
				StudyUID:        row.PHIStudyUID,
				StudyDate:       row.PHIStudyDate,
				AnonDateDelta:   delta,
				AccessionNumber: row.PHIAccession,
				StudyDesc:       "Imported from Java Index",
			}
			phiRec.Studies = append(phiRec.Studies, study)
			s.studyByAnonAndPHI[row.AnonPatientID+"|"+study.StudyUID] = study
			s.totals.Studies++
		} else if s.patientToAnon[key] != row.AnonPatientID {
			return errs.New(errs.CapturePHIError,
				fmt.Sprintf("java index study %q already belongs to a different patient", row.PHIStudyUID))
		}

		s.uidToAnon[row.PHIStudyUID] = row.AnonStudyUID
		s.anonToUID[row.AnonStudyUID] = row.PHIStudyUID
		if n, err := anonUIDN(row.AnonStudyUID, s.siteID, s.uidRoot); err == nil && n > s.nextUIDN {
			s.nextUIDN = n
		}

		s.accToAnon[row.PHIAccession] = row.AnonAccession
		s.anonToAcc[row.AnonAccession] = row.PHIAccession
		if n, err := strconv.Atoi(row.AnonAccession); err == nil && n > s.nextAccN {
			s.nextAccN = n
		}
	}

	s.markDirty()
	return nil
}

// anonPatientN extracts the sequential N from a "{site}-NNNNNN" anon
// patient id.
func anonPatientN(anonID, siteID string) (int, error) {
	prefix := siteID + "-"
	if len(anonID) <= len(prefix) || anonID[:len(prefix)] != prefix {
		return 0, fmt.Errorf("anon patient id %q does not carry site prefix %q", anonID, siteID)
	}
	return strconv.Atoi(anonID[len(prefix):])
}

// anonUIDN extracts the sequential N from a "{uidRoot}.{site}.N" anon
// UID.
func anonUIDN(anonUID, siteID, uidRoot string) (int, error) {
	prefix := uidRoot + "." + siteID + "."
	if len(anonUID) <= len(prefix) || anonUID[:len(prefix)] != prefix {
		return 0, fmt.Errorf("anon uid %q does not carry expected prefix %q", anonUID, prefix)
	}
	return strconv.Atoi(anonUID[len(prefix):])
}
