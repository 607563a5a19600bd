// Package codec adapts github.com/suyashkumar/dicom into the
// dicomwire.Dataset contract and provides the tag-level primitives the
// Anonymizer Engine's rewrite pass needs: element iteration, delete,
// set, and private-block creation. Adapted from the teacher's
// internal/dicom package.
package codec

import (
	"fmt"
	"io"
	"os"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Dataset wraps a parsed DICOM dataset and implements
// dicomwire.Dataset plus the extra mutation primitives the
// anonymizer engine's rewrite pass needs.
type Dataset struct {
	Data dicom.Dataset
}

// Parse decodes a DICOM stream (file meta + dataset) from r.
func Parse(r io.Reader, size int64) (*Dataset, error) {
	ds, err := dicom.Parse(r, size, nil)
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}
	return &Dataset{Data: ds}, nil
}

// ParseFile decodes a DICOM stream from a file on disk.
func ParseFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dicom file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat dicom file: %w", err)
	}
	return Parse(f, info.Size())
}

// Write encodes the dataset to w.
func (d *Dataset) Write(w io.Writer) error {
	return dicom.Write(w, d.Data,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	)
}

func mkTag(group, element uint16) tag.Tag { return tag.Tag{Group: group, Element: element} }

// Element finds the element at (group, element), or nil.
func (d *Dataset) Element(group, element uint16) *dicom.Element {
	elem, err := d.Data.FindElementByTag(mkTag(group, element))
	if err != nil {
		return nil
	}
	return elem
}

// GetString implements dicomwire.Dataset.
func (d *Dataset) GetString(group, element uint16) string {
	elem := d.Element(group, element)
	if elem == nil || elem.Value == nil {
		return ""
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case string:
		return v
	}
	return ""
}

// GetInt implements dicomwire.Dataset.
func (d *Dataset) GetInt(group, element uint16) int {
	elem := d.Element(group, element)
	if elem == nil || elem.Value == nil {
		return 0
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case int:
		return v
	case []uint16:
		if len(v) > 0 {
			return int(v[0])
		}
	case uint16:
		return int(v)
	}
	return 0
}

// SetString replaces the value of (group, element), preserving its VR.
// A no-op if the element is not present — callers that need to create
// an absent element use AddString.
func (d *Dataset) SetString(group, element uint16, value string) error {
	t := mkTag(group, element)
	elem := d.Element(group, element)
	if elem == nil {
		return nil
	}
	newValue, err := dicom.NewValue([]string{value})
	if err != nil {
		return fmt.Errorf("create value: %w", err)
	}
	newElem := &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    elem.ValueRepresentation,
		RawValueRepresentation: elem.RawValueRepresentation,
		ValueLength:            uint32(len(value)),
		Value:                  newValue,
	}
	for i, e := range d.Data.Elements {
		if e.Tag == t {
			d.Data.Elements[i] = newElem
			return nil
		}
	}
	return nil
}

// AddString appends a new short-text element, used for attributes the
// anonymizer engine sets unconditionally (PatientIdentityRemoved,
// DeidentificationMethod) that may be absent from the source dataset.
// The VR is inferred by the library's own tag dictionary, matching how
// a value built from the public NewElement constructor behaves.
func (d *Dataset) AddString(group, element uint16, value string) error {
	t := mkTag(group, element)
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		return fmt.Errorf("create element: %w", err)
	}
	for i, e := range d.Data.Elements {
		if e.Tag == t {
			d.Data.Elements[i] = elem
			return nil
		}
	}
	d.Data.Elements = append(d.Data.Elements, elem)
	return nil
}

// CodeItem is one item of a code sequence (e.g.
// DeIdentificationMethodCodeSequence): CodeValue, CodingSchemeDesignator,
// CodeMeaning.
type CodeItem struct {
	CodeValue              string
	CodingSchemeDesignator string
	CodeMeaning            string
}

// AddCodeSequence builds and sets a sequence element of code items at
// (group, element), replacing any existing element there.
func (d *Dataset) AddCodeSequence(group, element uint16, items []CodeItem) error {
	t := mkTag(group, element)
	subItems := make([]*dicom.Dataset, 0, len(items))
	for _, it := range items {
		codeValueElem, err := dicom.NewElement(tag.CodeValue, it.CodeValue)
		if err != nil {
			return fmt.Errorf("create CodeValue element: %w", err)
		}
		schemeElem, err := dicom.NewElement(tag.CodingSchemeDesignator, it.CodingSchemeDesignator)
		if err != nil {
			return fmt.Errorf("create CodingSchemeDesignator element: %w", err)
		}
		meaningElem, err := dicom.NewElement(tag.CodeMeaning, it.CodeMeaning)
		if err != nil {
			return fmt.Errorf("create CodeMeaning element: %w", err)
		}
		item := dicom.Dataset{Elements: []*dicom.Element{codeValueElem, schemeElem, meaningElem}}
		subItems = append(subItems, &item)
	}

	elem, err := dicom.NewElement(t, subItems)
	if err != nil {
		return fmt.Errorf("create sequence element: %w", err)
	}
	for i, e := range d.Data.Elements {
		if e.Tag == t {
			d.Data.Elements[i] = elem
			return nil
		}
	}
	d.Data.Elements = append(d.Data.Elements, elem)
	return nil
}

// Delete removes the element at (group, element) if present.
func (d *Dataset) Delete(group, element uint16) {
	t := mkTag(group, element)
	out := d.Data.Elements[:0]
	for _, e := range d.Data.Elements {
		if e.Tag != t {
			out = append(out, e)
		}
	}
	d.Data.Elements = out
}

// Each visits every top-level element currently in the dataset. fn may
// be called against a snapshot slice; mutating the dataset from
// within fn is undefined — callers collect tags to act on first, then
// mutate in a second pass (this is what internal/anonymizer does).
func (d *Dataset) Each(fn func(t tag.Tag)) {
	for _, e := range d.Data.Elements {
		fn(e.Tag)
	}
}

// PrivateBlock writes a private creator element at (group, 0x0010) and
// returns the data-element base (group, 0x1000) new callers should OR
// their element offset into, mirroring pydicom's private_block(create=True)
// for the first available block (0x10).
func (d *Dataset) PrivateBlock(group uint16, creator string) (base uint16, err error) {
	if err := d.AddString(group, 0x0010, creator); err != nil {
		return 0, err
	}
	return 0x1000, nil
}
