package phi

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rsna-anonymizer/dicomcore/internal/errs"
)

// snapshotMagic tags the file as an AnonymizerModel snapshot so a
// truncated or foreign file is rejected before the version check runs.
const snapshotMagic uint32 = 0x414e4f4e // "ANON"

// SnapshotVersion is the binary format version written to the header.
// Bump it whenever a block layout changes; Load rejects anything newer
// than this with MODEL_VERSION_MISMATCH (spec §6, §9).
const SnapshotVersion = 1

// Save serializes the store to path, writing to a temp file in the
// same directory and renaming it into place so a crash mid-write never
// leaves a corrupt AnonymizerModel.bin (spec §4.A lifecycle, §6
// atomic-write-per-file rule). The prior file, if any, is preserved as
// a ".bak" sibling so a corrupted write can be recovered from.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	buf, err := s.encodeLocked()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".anonmodel-*.tmp")
	if err != nil {
		return errs.Wrap(errs.StorageError, "create snapshot temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.StorageError, "write snapshot temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.StorageError, "close snapshot temp file", err)
	}

	if _, err := os.Stat(path); err == nil {
		os.Rename(path, path+".bak")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.StorageError, "rename snapshot into place", err)
	}
	return nil
}

// Load reads a snapshot from path, falling back to the ".bak" sibling
// if the primary file is missing or fails to decode — the supplemental
// recovery path the reference implementation's load_model takes on a
// corrupt pickle. A MODEL_VERSION_MISMATCH from the primary is returned
// as is, without trying ".bak".
func Load(path string) (*Store, error) {
	s, err := loadFile(path)
	if err == nil {
		return s, nil
	}
	if kind, ok := errs.KindOf(err); ok && kind == errs.ModelVersionMismatch {
		return nil, err
	}
	bak := path + ".bak"
	if _, statErr := os.Stat(bak); statErr != nil {
		return nil, err
	}
	return loadFile(bak)
}

func loadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "read snapshot", err)
	}
	return decode(data)
}

// header: magic(4) version(4) siteID(string) uidRoot(string)
// nextPatientN(4) nextUIDN(4) nextAccN(4) totals(4*4)
// then length-prefixed blocks: uidToAnon, accToAnon, and the patient
// entries (patient key, anon patient id, full PHI tree).
func (s *Store) encodeLocked() ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	writeUint32(w, snapshotMagic)
	writeUint32(w, SnapshotVersion)
	writeString(w, s.siteID)
	writeString(w, s.uidRoot)
	writeUint32(w, uint32(s.nextPatientN))
	writeUint32(w, uint32(s.nextUIDN))
	writeUint32(w, uint32(s.nextAccN))
	writeUint32(w, uint32(s.totals.Patients))
	writeUint32(w, uint32(s.totals.Studies))
	writeUint32(w, uint32(s.totals.Series))
	writeUint32(w, uint32(s.totals.Instances))

	writeStringMap(w, s.uidToAnon)
	writeStringMap(w, s.accToAnon)

	patientKeys := make([]string, 0, len(s.byPatientKey))
	for key := range s.byPatientKey {
		patientKeys = append(patientKeys, key)
	}
	sort.Strings(patientKeys)

	writeUint32(w, uint32(len(patientKeys)))
	for _, key := range patientKeys {
		writeString(w, key)
		anonID := s.patientToAnon[key]
		writeString(w, anonID)
		writePHI(w, s.byPatientKey[key])
	}

	if err := w.Flush(); err != nil {
		return nil, errs.Wrap(errs.StorageError, "encode snapshot", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*Store, error) {
	r := bytes.NewReader(data)

	magic, err := readUint32(r)
	if err != nil || magic != snapshotMagic {
		return nil, errs.New(errs.DICOMReadError, "not an AnonymizerModel snapshot")
	}
	version, err := readUint32(r)
	if err != nil {
		return nil, errs.New(errs.DICOMReadError, "truncated snapshot header")
	}
	if version > SnapshotVersion {
		return nil, errs.New(errs.ModelVersionMismatch,
			fmt.Sprintf("snapshot version %d newer than supported %d", version, SnapshotVersion))
	}

	siteID, err := readString(r)
	if err != nil {
		return nil, errs.Wrap(errs.DICOMReadError, "read site id", err)
	}
	uidRoot, err := readString(r)
	if err != nil {
		return nil, errs.Wrap(errs.DICOMReadError, "read uid root", err)
	}

	s := New(siteID, uidRoot)

	nextPatientN, _ := readUint32(r)
	nextUIDN, _ := readUint32(r)
	nextAccN, _ := readUint32(r)
	s.nextPatientN = int(nextPatientN)
	s.nextUIDN = int(nextUIDN)
	s.nextAccN = int(nextAccN)

	patients, _ := readUint32(r)
	studies, _ := readUint32(r)
	series, _ := readUint32(r)
	instances, _ := readUint32(r)
	s.totals = Totals{Patients: int(patients), Studies: int(studies), Series: int(series), Instances: int(instances)}

	uidToAnon, err := readStringMap(r)
	if err != nil {
		return nil, errs.Wrap(errs.DICOMReadError, "read uid table", err)
	}
	s.uidToAnon = uidToAnon
	for phiUID, anon := range uidToAnon {
		s.anonToUID[anon] = phiUID
	}

	accToAnon, err := readStringMap(r)
	if err != nil {
		return nil, errs.Wrap(errs.DICOMReadError, "read accession table", err)
	}
	s.accToAnon = accToAnon
	for phiAcc, anon := range accToAnon {
		s.anonToAcc[anon] = phiAcc
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, errs.Wrap(errs.DICOMReadError, "read patient count", err)
	}
	for i := uint32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, errs.Wrap(errs.DICOMReadError, "read patient key", err)
		}
		anonID, err := readString(r)
		if err != nil {
			return nil, errs.Wrap(errs.DICOMReadError, "read anon patient id", err)
		}
		rec, err := readPHI(r)
		if err != nil {
			return nil, errs.Wrap(errs.DICOMReadError, "read PHI record", err)
		}
		s.byPatientKey[key] = rec
		s.anonToPHI[anonID] = rec
		s.patientToAnon[key] = anonID
		for _, st := range rec.Studies {
			s.studyByAnonAndPHI[anonID+"|"+st.StudyUID] = st
			for _, sr := range st.Series {
				for uid := range sr.instanceUIDs {
					s.storedInstances[uid] = struct{}{}
				}
			}
		}
	}

	return s, nil
}

func writePHI(w *bufio.Writer, p *PHI) {
	writeString(w, p.PatientName)
	writeString(w, p.PatientID)
	writeString(w, p.Sex)
	writeString(w, p.DOB)
	writeString(w, p.EthnicGroup)
	writeUint32(w, uint32(len(p.Studies)))
	for _, st := range p.Studies {
		writeString(w, st.Source)
		writeString(w, st.StudyUID)
		writeString(w, st.StudyDate)
		writeUint32(w, uint32(st.AnonDateDelta))
		writeString(w, st.AccessionNumber)
		writeString(w, st.StudyDesc)
		writeUint32(w, uint32(st.TargetInstanceCount))
		writeUint32(w, uint32(len(st.Series)))
		for _, sr := range st.Series {
			writeString(w, sr.SeriesUID)
			writeString(w, sr.SeriesDesc)
			writeString(w, sr.Modality)
			instanceUIDs := make([]string, 0, len(sr.instanceUIDs))
			for uid := range sr.instanceUIDs {
				instanceUIDs = append(instanceUIDs, uid)
			}
			sort.Strings(instanceUIDs)
			writeUint32(w, uint32(len(instanceUIDs)))
			for _, uid := range instanceUIDs {
				writeString(w, uid)
			}
		}
	}
}

func readPHI(r *bytes.Reader) (*PHI, error) {
	p := &PHI{}
	var err error
	if p.PatientName, err = readString(r); err != nil {
		return nil, err
	}
	if p.PatientID, err = readString(r); err != nil {
		return nil, err
	}
	if p.Sex, err = readString(r); err != nil {
		return nil, err
	}
	if p.DOB, err = readString(r); err != nil {
		return nil, err
	}
	if p.EthnicGroup, err = readString(r); err != nil {
		return nil, err
	}
	nStudies, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nStudies; i++ {
		st := &Study{}
		if st.Source, err = readString(r); err != nil {
			return nil, err
		}
		if st.StudyUID, err = readString(r); err != nil {
			return nil, err
		}
		if st.StudyDate, err = readString(r); err != nil {
			return nil, err
		}
		delta, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		st.AnonDateDelta = int(delta)
		if st.AccessionNumber, err = readString(r); err != nil {
			return nil, err
		}
		if st.StudyDesc, err = readString(r); err != nil {
			return nil, err
		}
		target, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		st.TargetInstanceCount = int(target)
		nSeries, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < nSeries; j++ {
			seriesUID, err := readString(r)
			if err != nil {
				return nil, err
			}
			desc, err := readString(r)
			if err != nil {
				return nil, err
			}
			modality, err := readString(r)
			if err != nil {
				return nil, err
			}
			sr := newSeries(seriesUID, desc, modality)
			nInstances, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			for k := uint32(0); k < nInstances; k++ {
				uid, err := readString(r)
				if err != nil {
					return nil, err
				}
				sr.addInstance(uid)
			}
			st.Series = append(st.Series, sr)
		}
		p.Studies = append(p.Studies, st)
	}
	return p, nil
}

func writeUint32(w *bufio.Writer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeString(w *bufio.Writer, s string) {
	writeUint32(w, uint32(len(s)))
	w.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeStringMap(w *bufio.Writer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeUint32(w, uint32(len(m)))
	for _, k := range keys {
		writeString(w, k)
		writeString(w, m[k])
	}
}

func readStringMap(r *bytes.Reader) (map[string]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
