// Package anonymizer implements the Anonymizer Engine: the
// scripted, tag-by-tag dataset rewrite that turns a captured PHI
// dataset into its anonymized counterpart (spec §4.B).
package anonymizer

import "github.com/suyashkumar/dicom/pkg/tag"

// OperatorKind names one of the eight rewrite operators the script can
// apply to an element.
type OperatorKind string

const (
	OpKeep     OperatorKind = "@keep"
	OpRemove   OperatorKind = "@remove"
	OpEmpty    OperatorKind = "@empty"
	OpHashDate OperatorKind = "@hashdate"
	OpRound    OperatorKind = "@round"
	OpPatID    OperatorKind = "@ptid"
	OpAcc      OperatorKind = "@acc"
	OpUID      OperatorKind = "@uid"
)

// Operator is one (tag, operator, args) triple from the script.
type Operator struct {
	Kind OperatorKind
	// Width is the operand for @round (nearest multiple to round an
	// age string to).
	Width int
}

// Script is an ordered tag-keep set: for every tag it knows about, the
// operator to apply. Tags absent from the set follow the curve/overlay/
// private/group-range deletion rule in the rewrite pass (spec §4.B
// step 3).
type Script struct {
	ops map[tag.Tag]Operator
}

// NewScript builds an empty script.
func NewScript() *Script {
	return &Script{ops: map[tag.Tag]Operator{}}
}

// Set registers the operator for t.
func (s *Script) Set(t tag.Tag, op Operator) {
	s.ops[t] = op
}

// Lookup returns the operator registered for t, or ok=false if the
// script does not mention the tag.
func (s *Script) Lookup(t tag.Tag) (Operator, bool) {
	op, ok := s.ops[t]
	return op, ok
}

// UsesHashDate reports whether any tag in the script is rewritten with
// @hashdate — used to decide whether to append the "Retain
// Longitudinal Temporal Information Modified Dates Option" code
// (113107) to DeIdentificationMethodCodeSequence.
func (s *Script) UsesHashDate() bool {
	for _, op := range s.ops {
		if op.Kind == OpHashDate {
			return true
		}
	}
	return false
}

// retainsAnyOf reports whether any of tags is kept verbatim (@keep).
func (s *Script) retainsAnyOf(tags ...tag.Tag) bool {
	for _, t := range tags {
		if op, ok := s.ops[t]; ok && op.Kind == OpKeep {
			return true
		}
	}
	return false
}

// RetainsPatientCharacteristics reports whether PatientSex,
// EthnicGroup, PatientWeight or PatientSize is kept — triggers the "Retain Patient Characteristics
// Option" code (113108).
func (s *Script) RetainsPatientCharacteristics() bool {
	return s.retainsAnyOf(tag.PatientSex, tag.EthnicGroup, tag.PatientWeight, tag.PatientSize)
}

// RetainsDeviceIdentity reports whether equipment/device tags are kept
// — triggers the "Retain Device Identity Option" code (113109).
func (s *Script) RetainsDeviceIdentity() bool {
	return s.retainsAnyOf(tag.Manufacturer, tag.ManufacturerModelName, tag.DeviceSerialNumber, tag.StationName)
}

// DefaultScript returns the reference de-identification script: the
// same PHI tag inventory the teacher curated for PIITagsToClear /
// DateTagsToTruncate, re-expressed as the spec's eight-operator
// contract rather than a hardcoded clear-or-truncate pass.
func DefaultScript() *Script {
	s := NewScript()

	remove := []tag.Tag{
		tag.PatientAddress,
		tag.PatientTelephoneNumbers,
		tag.OtherPatientIDs,
		tag.OtherPatientIDsSequence,
		tag.PatientBirthTime,
		tag.PatientMotherBirthName,
		tag.MilitaryRank,
		tag.PatientReligiousPreference,
		tag.PatientComments,
		tag.StudyTime,
		tag.SeriesTime,
		tag.AcquisitionTime,
		tag.ContentTime,
		tag.InstanceCreationTime,
		tag.InstitutionAddress,
		tag.InstitutionalDepartmentName,
		tag.ReferringPhysicianName,
		tag.ReferringPhysicianAddress,
		tag.ReferringPhysicianTelephoneNumbers,
		tag.PerformingPhysicianName,
		tag.OperatorsName,
		tag.PhysiciansOfRecord,
		tag.NameOfPhysiciansReadingStudy,
		tag.RequestingPhysician,
		tag.ScheduledPerformingPhysicianName,
		tag.RequestAttributesSequence,
		tag.PerformedProcedureStepID,
		tag.ScheduledProcedureStepID,
	}
	for _, t := range remove {
		s.Set(t, Operator{Kind: OpRemove})
	}

	empty := []tag.Tag{
		tag.PatientName,
		tag.PatientBirthDate,
		tag.EthnicGroup,
	}
	for _, t := range empty {
		s.Set(t, Operator{Kind: OpEmpty})
	}

	keep := []tag.Tag{
		tag.PatientSex,
		tag.StudyDescription,
		tag.SeriesDescription,
		tag.InstitutionName,
		tag.StationName,
		tag.Modality,
		tag.SOPClassUID,
	}
	for _, t := range keep {
		s.Set(t, Operator{Kind: OpKeep})
	}

	hashdate := []tag.Tag{
		tag.StudyDate,
		tag.SeriesDate,
		tag.AcquisitionDate,
		tag.ContentDate,
		tag.InstanceCreationDate,
	}
	for _, t := range hashdate {
		s.Set(t, Operator{Kind: OpHashDate})
	}

	s.Set(tag.PatientAge, Operator{Kind: OpRound, Width: 1})

	s.Set(tag.PatientID, Operator{Kind: OpPatID})
	s.Set(tag.AccessionNumber, Operator{Kind: OpAcc})
	s.Set(tag.StudyID, Operator{Kind: OpAcc})

	for _, t := range []tag.Tag{
		tag.StudyInstanceUID, tag.SeriesInstanceUID, tag.SOPInstanceUID,
		tag.FrameOfReferenceUID,
	} {
		s.Set(t, Operator{Kind: OpUID})
	}

	return s
}
