package anonymizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
	"github.com/rsna-anonymizer/dicomcore/internal/errs"
	"github.com/rsna-anonymizer/dicomcore/internal/phi"
	"github.com/rsna-anonymizer/dicomcore/internal/storage"
)

const deidentificationMethod = "RSNA DICOM ANONYMIZER"
const privateBlockCreator = "RSNA"
const privateBlockGroup = 0x0013

// curve/overlay group ranges and the retired-attribute groups deleted
// whenever the script does not name the tag (spec §4.B step 3).
const (
	curveOverlayLow1, curveOverlayHigh1 = 0x5000, 0x5FFF
	curveOverlayLow2, curveOverlayHigh2 = 0x6000, 0x6FFF
	retiredGroup                        = 0x0032
	retiredGroupMediaStorage            = 0x4008
)

// Engine is the Anonymizer Engine (spec §4.B): owns the script, and
// drives capture + rewrite against a PHI Index Store and a Storage
// Layout.
type Engine struct {
	Model          *phi.Store
	Layout         *storage.Layout
	Script         *Script
	AllowedStorageClasses map[string]struct{}

	siteID      string
	projectName string
}

// New constructs an Engine. allowedStorageClasses is the configured
// SOP Class UID allow-list (spec §4.B step 1, INVALID_STORAGE_CLASS).
func New(model *phi.Store, layout *storage.Layout, script *Script, siteID, projectName string, allowedStorageClasses []string) *Engine {
	allowed := make(map[string]struct{}, len(allowedStorageClasses))
	for _, sc := range allowedStorageClasses {
		allowed[sc] = struct{}{}
	}
	return &Engine{
		Model:                 model,
		Layout:                layout,
		Script:                script,
		AllowedStorageClasses: allowed,
		siteID:                siteID,
		projectName:           projectName,
	}
}

// Result is returned by Anonymize on success.
type Result struct {
	StoragePath string
	AlreadyPresent bool
}

// Anonymize executes the full contract from spec §4.B on one dataset
// read from raw. source identifies the origin (a DICOM node
// AE title, or a filesystem path for batch import) for PHI tree
// bookkeeping.
func (e *Engine) Anonymize(source string, raw []byte) (*Result, error) {
	// Idempotence (spec §4.B "calling anonymize on the same source
	// bytes twice"): the PHI Index Store already tracks every captured
	// SOP Instance UID, and that index is persisted in the snapshot, so
	// CapturePHI's ALREADY_PRESENT below is the single source of truth.
	// A separate in-process checksum cache would not survive a restart
	// and would disagree with the store after one, so none is kept here.
	checksum := sha256Hex(raw)

	ds, err := parseBytes(raw)
	if err != nil {
		e.quarantine(errs.InvalidDICOM, checksum, raw)
		return nil, errs.Wrap(errs.InvalidDICOM, "parse dataset", err)
	}

	in, missing := captureInputFrom(ds)
	if len(missing) > 0 {
		e.quarantine(errs.MissingAttributes, quarantineName(in, checksum), raw)
		return nil, errs.New(errs.MissingAttributes, fmt.Sprintf("missing attributes: %v", missing))
	}

	sopClassUID := ds.GetString(uint16(tag.SOPClassUID.Group), uint16(tag.SOPClassUID.Element))
	if len(e.AllowedStorageClasses) > 0 {
		if _, ok := e.AllowedStorageClasses[sopClassUID]; !ok {
			e.quarantine(errs.InvalidStorageClass, quarantineName(in, checksum), raw)
			return nil, errs.New(errs.InvalidStorageClass, fmt.Sprintf("storage class %q not allowed", sopClassUID))
		}
	}

	dateDelta := DateDelta(in.PatientID)

	capture, err := e.Model.CapturePHI(source, in, dateDelta)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.AlreadyPresent {
			return &Result{AlreadyPresent: true}, nil
		}
		e.quarantine(errs.CapturePHIError, quarantineName(in, checksum), raw)
		return nil, errs.Wrap(errs.CapturePHIError, "capture phi", err)
	}

	anonPatientID, err := e.Model.GetNextAnonPatientID(in.PatientID)
	if err != nil {
		e.quarantineOnAllocFailure(in.SOPInstanceUID)
		return nil, err
	}
	anonStudyUID, err := e.Model.GetNextAnonUID(in.StudyInstanceUID)
	if err != nil {
		e.quarantineOnAllocFailure(in.SOPInstanceUID)
		return nil, err
	}
	anonSeriesUID, err := e.Model.GetNextAnonUID(in.SeriesInstanceUID)
	if err != nil {
		e.quarantineOnAllocFailure(in.SOPInstanceUID)
		return nil, err
	}
	anonSOPInstanceUID, err := e.Model.GetNextAnonUID(in.SOPInstanceUID)
	if err != nil {
		e.quarantineOnAllocFailure(in.SOPInstanceUID)
		return nil, err
	}
	_ = capture

	e.rewrite(ds, anonPatientID, dateDelta, in.PatientID)

	path := e.Layout.InstancePath(anonPatientID, anonStudyUID, anonSeriesUID, anonSOPInstanceUID)
	out, err := encodeBytes(ds)
	if err != nil {
		e.quarantine(errs.StorageError, anonSOPInstanceUID, raw)
		return nil, errs.Wrap(errs.StorageError, "encode anonymized dataset", err)
	}
	if err := storage.WriteFileAtomic(path, out); err != nil {
		e.quarantine(errs.StorageError, anonSOPInstanceUID, raw)
		return nil, err
	}

	return &Result{StoragePath: path}, nil
}

// rewrite performs the single-pass script-driven tag rewrite (spec
// §4.B steps 3-5).
func (e *Engine) rewrite(ds *codec.Dataset, anonPatientID string, dateDelta int, phiPatientID string) {
	var toDelete []tag.Tag
	var toApply []tag.Tag

	ds.Each(func(t tag.Tag) {
		if _, ok := e.Script.Lookup(t); ok {
			toApply = append(toApply, t)
			return
		}
		if isCurveOrOverlay(t) || isPrivateGroup(t) || isRetiredGroup(t) {
			toDelete = append(toDelete, t)
		}
	})

	for _, t := range toDelete {
		ds.Delete(uint16(t.Group), uint16(t.Element))
	}
	for _, t := range toApply {
		e.applyOperator(ds, t, anonPatientID, dateDelta, phiPatientID)
	}

	ds.SetString(uint16(tag.PatientID.Group), uint16(tag.PatientID.Element), anonPatientID)

	ds.AddString(uint16(tag.PatientIdentityRemoved.Group), uint16(tag.PatientIdentityRemoved.Element), "YES")
	ds.AddString(uint16(tag.DeidentificationMethod.Group), uint16(tag.DeidentificationMethod.Element), deidentificationMethod)
	ds.AddCodeSequence(uint16(tag.DeidentificationMethodCodeSequence.Group), uint16(tag.DeidentificationMethodCodeSequence.Element), e.deidentificationCodes())

	base, _ := ds.PrivateBlock(privateBlockGroup, privateBlockCreator)
	ds.AddString(privateBlockGroup, base+0x1, e.siteID)
	ds.AddString(privateBlockGroup, base+0x3, e.projectName)
}

// deidentificationCodes appends codes in the order their triggering
// condition is detected during this rewrite pass: the base profile is
// always present, then the partial-retention options in the order
// checked here.
func (e *Engine) deidentificationCodes() []codec.CodeItem {
	codes := []codec.CodeItem{
		{CodeValue: "113100", CodingSchemeDesignator: "DCM", CodeMeaning: "Basic Application Confidentiality Profile"},
	}
	if e.Script.UsesHashDate() {
		codes = append(codes, codec.CodeItem{CodeValue: "113107", CodingSchemeDesignator: "DCM",
			CodeMeaning: "Retain Longitudinal Temporal Information Modified Dates Option"})
	}
	if e.Script.RetainsPatientCharacteristics() {
		codes = append(codes, codec.CodeItem{CodeValue: "113108", CodingSchemeDesignator: "DCM",
			CodeMeaning: "Retain Patient Characteristics Option"})
	}
	if e.Script.RetainsDeviceIdentity() {
		codes = append(codes, codec.CodeItem{CodeValue: "113109", CodingSchemeDesignator: "DCM",
			CodeMeaning: "Retain Device Identity Option"})
	}
	return codes
}

func (e *Engine) applyOperator(ds *codec.Dataset, t tag.Tag, anonPatientID string, dateDelta int, phiPatientID string) {
	op, ok := e.Script.Lookup(t)
	if !ok {
		return
	}
	group, elem := uint16(t.Group), uint16(t.Element)

	switch op.Kind {
	case OpKeep:
		return
	case OpRemove:
		ds.Delete(group, elem)
	case OpEmpty:
		ds.SetString(group, elem, "")
	case OpHashDate:
		ds.SetString(group, elem, HashDate(ds.GetString(group, elem), dateDelta, phiPatientID))
	case OpRound:
		ds.SetString(group, elem, RoundAge(ds.GetString(group, elem), op.Width))
	case OpPatID:
		ds.SetString(group, elem, anonPatientID)
	case OpAcc:
		value := ds.GetString(group, elem)
		anonAcc, err := e.Model.GetNextAnonAccession(value)
		if err == nil {
			ds.SetString(group, elem, anonAcc)
		}
	case OpUID:
		value := ds.GetString(group, elem)
		anonUID, err := e.Model.GetNextAnonUID(value)
		if err == nil {
			ds.SetString(group, elem, anonUID)
		}
	}
}

// quarantineOnAllocFailure handles a CAPACITY_EXCEEDED error from the
// PHI Index Store's allocators. CAPACITY_EXCEEDED is not one of
// errs.QuarantineCategories: it signals the whole store has run out of
// identifier space, not a fault in this one instance, so the source
// bytes are not quarantined. capture_phi already recorded the PHI
// record; it stays captured but unstored, and a retry after the store
// is reconfigured will detect ALREADY_PRESENT.
func (e *Engine) quarantineOnAllocFailure(sopInstanceUID string) {
	_ = sopInstanceUID
}

// quarantine routes raw bytes into the quarantine sub-tree for kind,
// under name. Best-effort: a failure to write the quarantine copy does
// not change what Anonymize returns to its caller, since the original
// error already carries the actionable kind.
func (e *Engine) quarantine(kind errs.Kind, name string, raw []byte) {
	_ = e.Layout.Quarantine(kind, name, raw)
}

// quarantineName picks a stable identifier for a quarantined file: the
// SOP Instance UID when the dataset parsed far enough to have one,
// otherwise the checksum of the source bytes.
func quarantineName(in *phi.CaptureInput, checksum string) string {
	if in != nil && in.SOPInstanceUID != "" {
		return in.SOPInstanceUID
	}
	return checksum
}

func isCurveOrOverlay(t tag.Tag) bool {
	g := t.Group
	return (g >= curveOverlayLow1 && g <= curveOverlayHigh1) || (g >= curveOverlayLow2 && g <= curveOverlayHigh2)
}

func isPrivateGroup(t tag.Tag) bool {
	return t.Group%2 == 1
}

func isRetiredGroup(t tag.Tag) bool {
	return t.Group == retiredGroup || t.Group == retiredGroupMediaStorage
}

func captureInputFrom(ds *codec.Dataset) (*phi.CaptureInput, []string) {
	in := &phi.CaptureInput{
		SOPClassUID:       ds.GetString(uint16(tag.SOPClassUID.Group), uint16(tag.SOPClassUID.Element)),
		StudyInstanceUID:  ds.GetString(uint16(tag.StudyInstanceUID.Group), uint16(tag.StudyInstanceUID.Element)),
		SeriesInstanceUID: ds.GetString(uint16(tag.SeriesInstanceUID.Group), uint16(tag.SeriesInstanceUID.Element)),
		SOPInstanceUID:    ds.GetString(uint16(tag.SOPInstanceUID.Group), uint16(tag.SOPInstanceUID.Element)),
		PatientID:         ds.GetString(uint16(tag.PatientID.Group), uint16(tag.PatientID.Element)),
		PatientName:       ds.GetString(uint16(tag.PatientName.Group), uint16(tag.PatientName.Element)),
		PatientSex:        ds.GetString(uint16(tag.PatientSex.Group), uint16(tag.PatientSex.Element)),
		PatientBirthDate:  ds.GetString(uint16(tag.PatientBirthDate.Group), uint16(tag.PatientBirthDate.Element)),
		EthnicGroup:       ds.GetString(uint16(tag.EthnicGroup.Group), uint16(tag.EthnicGroup.Element)),
		StudyDate:         ds.GetString(uint16(tag.StudyDate.Group), uint16(tag.StudyDate.Element)),
		AccessionNumber:   ds.GetString(uint16(tag.AccessionNumber.Group), uint16(tag.AccessionNumber.Element)),
		StudyDescription:  ds.GetString(uint16(tag.StudyDescription.Group), uint16(tag.StudyDescription.Element)),
		SeriesDescription: ds.GetString(uint16(tag.SeriesDescription.Group), uint16(tag.SeriesDescription.Element)),
		Modality:          ds.GetString(uint16(tag.Modality.Group), uint16(tag.Modality.Element)),
	}
	return in, phi.MissingRequired(in)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
