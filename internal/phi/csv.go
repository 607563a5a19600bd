package phi

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/rsna-anonymizer/dicomcore/internal/errs"
)

// shiftDate adds deltaDays to a DICOM-format (YYYYMMDD) date string,
// returning 20000101 for an empty PHI patient id or an invalid or
// pre-1900 date. Mirrors the anonymizer engine's @hashdate shift so the
// exported CSV reflects the same ANON_StudyDate the stored dataset
// carries.
func shiftDate(dicomDate string, deltaDays int, phiPatientID string) string {
	const defaultAnonDate = "20000101"
	if phiPatientID == "" {
		return defaultAnonDate
	}
	t, err := time.Parse("20060102", dicomDate)
	if err != nil || t.Before(time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)) {
		return defaultAnonDate
	}
	return t.AddDate(0, 0, deltaDays).Format("20060102")
}

// phiCSVHeader is the fixed column order create_phi_csv writes (spec
// §6).
var phiCSVHeader = []string{
	"ANON_PatientID", "ANON_PatientName", "PHI_PatientID", "PHI_PatientName",
	"DateOffset", "ANON_Accession", "PHI_Accession", "ANON_StudyInstanceUID",
	"PHI_StudyInstanceUID", "ANON_StudyDate", "PHI_StudyDate",
	"NumberOfSeries", "NumberOfInstances",
}

// WritePHICSV writes one row per imported study across every patient
// in the store, in the column order the reference implementation's
// create_phi_csv uses. The corpus carries no dedicated CSV library, so
// this uses encoding/csv directly — the format is fixed by the wire
// contract, not a domain concern a third-party library would add value
// to.
func (s *Store) WritePHICSV(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cw := csv.NewWriter(w)
	if err := cw.Write(phiCSVHeader); err != nil {
		return errs.Wrap(errs.StorageError, "write phi csv header", err)
	}

	for key, phiRec := range s.byPatientKey {
		anonPatientID := s.patientToAnon[key]
		for _, st := range phiRec.Studies {
			row := []string{
				anonPatientID,
				anonPatientID,
				phiRec.PatientID,
				phiRec.PatientName,
				fmt.Sprintf("%d", st.AnonDateDelta),
				s.accToAnon[st.AccessionNumber],
				st.AccessionNumber,
				s.uidToAnon[st.StudyUID],
				st.StudyUID,
				shiftDate(st.StudyDate, st.AnonDateDelta, phiRec.PatientID),
				st.StudyDate,
				fmt.Sprintf("%d", len(st.Series)),
				fmt.Sprintf("%d", s.storedCountLocked(st)),
			}
			if err := cw.Write(row); err != nil {
				return errs.Wrap(errs.StorageError, "write phi csv row", err)
			}
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return errs.Wrap(errs.StorageError, "flush phi csv", err)
	}
	return nil
}
