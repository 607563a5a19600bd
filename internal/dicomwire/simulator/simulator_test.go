package simulator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
)

func instance(t *testing.T, studyUID, seriesUID, sopUID string) *codec.Dataset {
	t.Helper()
	ds := &codec.Dataset{}
	require.NoError(t, ds.AddString(uint16(tag.StudyInstanceUID.Group), uint16(tag.StudyInstanceUID.Element), studyUID))
	require.NoError(t, ds.AddString(uint16(tag.SeriesInstanceUID.Group), uint16(tag.SeriesInstanceUID.Element), seriesUID))
	require.NoError(t, ds.AddString(uint16(tag.SOPInstanceUID.Group), uint16(tag.SOPInstanceUID.Element), sopUID))
	return ds
}

type capturingHandler struct {
	received []dicomwire.Dataset
}

func (h *capturingHandler) HandleCStore(ctx context.Context, source string, ds dicomwire.Dataset) (dicomwire.Status, error) {
	h.received = append(h.received, ds)
	return dicomwire.Status{Code: dicomwire.StatusSuccess}, nil
}

func TestPeerAnswersSeriesAndImageLevelFind(t *testing.T) {
	peer := NewPeer("REMOTE")
	peer.Store.Put(instance(t, "study1", "series1", "sop1"))
	peer.Store.Put(instance(t, "study1", "series1", "sop2"))
	peer.Store.Put(instance(t, "study1", "series2", "sop3"))

	assoc, err := peer.OpenAssociation(context.Background(), dicomwire.AE{Title: "REMOTE"}, nil)
	require.NoError(t, err)

	seriesIdent := newMemDataset().withString(tag.QueryRetrieveLevel, "SERIES").withString(tag.StudyInstanceUID, "study1")
	stream, err := assoc.SendCFind(context.Background(), seriesIdent)
	require.NoError(t, err)

	var seriesSeen []string
	for {
		status, ok, err := stream.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		if status.Identifier == nil {
			continue
		}
		seriesSeen = append(seriesSeen, status.Identifier.GetString(uint16(tag.SeriesInstanceUID.Group), uint16(tag.SeriesInstanceUID.Element)))
	}
	require.ElementsMatch(t, []string{"series1", "series2"}, seriesSeen)

	imageIdent := newMemDataset().
		withString(tag.QueryRetrieveLevel, "IMAGE").
		withString(tag.StudyInstanceUID, "study1").
		withString(tag.SeriesInstanceUID, "series1")
	stream, err = assoc.SendCFind(context.Background(), imageIdent)
	require.NoError(t, err)

	var sopSeen []string
	for {
		status, ok, err := stream.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		if status.Identifier == nil {
			continue
		}
		sopSeen = append(sopSeen, status.Identifier.GetString(uint16(tag.SOPInstanceUID.Group), uint16(tag.SOPInstanceUID.Element)))
	}
	require.ElementsMatch(t, []string{"sop1", "sop2"}, sopSeen)
}

func TestPeerMovePushesInstancesToRegisteredDestination(t *testing.T) {
	peer := NewPeer("REMOTE")
	peer.Store.Put(instance(t, "study1", "series1", "sop1"))
	peer.Store.Put(instance(t, "study1", "series1", "sop2"))

	dest := &capturingHandler{}
	peer.RegisterDestination("LOCAL", dest)

	assoc, err := peer.OpenAssociation(context.Background(), dicomwire.AE{Title: "REMOTE"}, nil)
	require.NoError(t, err)

	moveIdent := newMemDataset().withString(tag.QueryRetrieveLevel, "STUDY").withString(tag.StudyInstanceUID, "study1")
	stream, err := assoc.SendCMove(context.Background(), moveIdent, "LOCAL")
	require.NoError(t, err)

	var last dicomwire.Status
	for {
		status, ok, err := stream.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		last = status
	}
	require.Len(t, dest.received, 2)
	require.Equal(t, dicomwire.StatusSuccess, last.Code)
}

func TestAssociationAbortStopsInFlightMove(t *testing.T) {
	peer := NewPeer("REMOTE")
	for i := 0; i < 5; i++ {
		peer.Store.Put(instance(t, "study1", "series1", string(rune('a'+i))))
	}
	count := 0
	dest := storeHandlerFunc(func(ctx context.Context, source string, ds dicomwire.Dataset) (dicomwire.Status, error) {
		count++
		return dicomwire.Status{Code: dicomwire.StatusSuccess}, nil
	})
	peer.RegisterDestination("LOCAL", dest)

	a, err := peer.OpenAssociation(context.Background(), dicomwire.AE{Title: "REMOTE"}, nil)
	require.NoError(t, err)
	assoc := a.(*association)
	assoc.aborted = true

	moveIdent := newMemDataset().withString(tag.QueryRetrieveLevel, "STUDY").withString(tag.StudyInstanceUID, "study1")
	_, err = assoc.SendCMove(context.Background(), moveIdent, "LOCAL")
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.True(t, assoc.Aborted())
}

type storeHandlerFunc func(ctx context.Context, source string, ds dicomwire.Dataset) (dicomwire.Status, error)

func (f storeHandlerFunc) HandleCStore(ctx context.Context, source string, ds dicomwire.Dataset) (dicomwire.Status, error) {
	return f(ctx, source, ds)
}
