package retrieve

import (
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
)

// newIdentifier builds a bare query/move identifier dataset from a set
// of tag/value pairs, in the order given. An empty value is added as
// a present but empty element; the C-FIND identifiers below use that
// for the return keys they ask the peer to fill in.
func newIdentifier(fields ...struct {
	Tag   tag.Tag
	Value string
}) (*codec.Dataset, error) {
	ds := &codec.Dataset{}
	for _, f := range fields {
		if err := ds.AddString(uint16(f.Tag.Group), uint16(f.Tag.Element), f.Value); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func field(t tag.Tag, value string) struct {
	Tag   tag.Tag
	Value string
} {
	return struct {
		Tag   tag.Tag
		Value string
	}{Tag: t, Value: value}
}

func seriesFindIdentifier(studyUID string) (*codec.Dataset, error) {
	return newIdentifier(
		field(tag.QueryRetrieveLevel, "SERIES"),
		field(tag.StudyInstanceUID, studyUID),
		field(tag.SeriesInstanceUID, ""),
		field(tag.NumberOfSeriesRelatedInstances, ""),
	)
}

func instanceFindIdentifier(studyUID, seriesUID string) (*codec.Dataset, error) {
	return newIdentifier(
		field(tag.QueryRetrieveLevel, "IMAGE"),
		field(tag.StudyInstanceUID, studyUID),
		field(tag.SeriesInstanceUID, seriesUID),
		field(tag.SOPInstanceUID, ""),
	)
}

func moveIdentifier(level Level, studyUID, seriesUID, sopInstanceUID string) (*codec.Dataset, error) {
	switch level {
	case LevelStudy:
		return newIdentifier(
			field(tag.QueryRetrieveLevel, level.wireLevel()),
			field(tag.StudyInstanceUID, studyUID),
		)
	case LevelSeries:
		return newIdentifier(
			field(tag.QueryRetrieveLevel, level.wireLevel()),
			field(tag.StudyInstanceUID, studyUID),
			field(tag.SeriesInstanceUID, seriesUID),
		)
	default:
		return newIdentifier(
			field(tag.QueryRetrieveLevel, level.wireLevel()),
			field(tag.StudyInstanceUID, studyUID),
			field(tag.SeriesInstanceUID, seriesUID),
			field(tag.SOPInstanceUID, sopInstanceUID),
		)
	}
}
