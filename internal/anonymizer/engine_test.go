package anonymizer

import (
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/stretchr/testify/require"
)

func TestIsCurveOrOverlayGroup(t *testing.T) {
	require.True(t, isCurveOrOverlay(tag.Tag{Group: 0x5000, Element: 0x0000}))
	require.True(t, isCurveOrOverlay(tag.Tag{Group: 0x6010, Element: 0x0000}))
	require.False(t, isCurveOrOverlay(tag.Tag{Group: 0x0008, Element: 0x0000}))
}

func TestIsPrivateGroupIsOdd(t *testing.T) {
	require.True(t, isPrivateGroup(tag.Tag{Group: 0x0013, Element: 0x0010}))
	require.False(t, isPrivateGroup(tag.Tag{Group: 0x0012, Element: 0x0010}))
}

func TestIsRetiredGroup(t *testing.T) {
	require.True(t, isRetiredGroup(tag.Tag{Group: 0x0032, Element: 0x0000}))
	require.True(t, isRetiredGroup(tag.Tag{Group: 0x4008, Element: 0x0000}))
	require.False(t, isRetiredGroup(tag.Tag{Group: 0x0010, Element: 0x0000}))
}

func TestDeidentificationCodesOrderedByDetection(t *testing.T) {
	script := NewScript()
	script.Set(tag.StudyDate, Operator{Kind: OpHashDate})
	script.Set(tag.PatientSex, Operator{Kind: OpKeep})

	e := &Engine{Script: script}
	codes := e.deidentificationCodes()

	require.Len(t, codes, 3)
	require.Equal(t, "113100", codes[0].CodeValue)
	require.Equal(t, "113107", codes[1].CodeValue)
	require.Equal(t, "113108", codes[2].CodeValue)
}

func TestDefaultScriptCoversRequiredUIDTags(t *testing.T) {
	s := DefaultScript()
	for _, tg := range []tag.Tag{tag.StudyInstanceUID, tag.SeriesInstanceUID, tag.SOPInstanceUID} {
		op, ok := s.Lookup(tg)
		require.True(t, ok)
		require.Equal(t, OpUID, op.Kind)
	}
}
