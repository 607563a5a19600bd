package simulator

import (
	"context"
	"fmt"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
)

const (
	groupDIMSE                 = 0x0000
	elemRemainingSuboperations = 0x1020
	elemCompletedSuboperations = 0x1021
	elemFailedSuboperations    = 0x1022
)

// association is the simulator's dicomwire.Association: it answers
// C-FIND/C-MOVE/C-STORE directly against the Peer's Store rather than
// crossing any real wire.
type association struct {
	peer     *Peer
	peerAET  string
	aborted  bool
	closed   bool
}

func (a *association) SendCStore(ctx context.Context, ds dicomwire.Dataset) (dicomwire.Status, error) {
	cds, ok := ds.(*codec.Dataset)
	if !ok {
		return dicomwire.Status{}, fmt.Errorf("simulator: SendCStore requires a *codec.Dataset")
	}
	a.peer.Store.Put(cds)
	return dicomwire.Status{Code: dicomwire.StatusSuccess}, nil
}

func (a *association) SendCFind(ctx context.Context, identifier dicomwire.Dataset) (dicomwire.StatusStream, error) {
	level := identifier.GetString(uint16(tag.QueryRetrieveLevel.Group), uint16(tag.QueryRetrieveLevel.Element))
	studyUID := identifier.GetString(uint16(tag.StudyInstanceUID.Group), uint16(tag.StudyInstanceUID.Element))

	var statuses []dicomwire.Status
	switch level {
	case "SERIES":
		for _, s := range a.peer.Store.FindSeries(studyUID) {
			ident := newMemDataset().
				withString(tag.SeriesInstanceUID, s.SeriesUID).
				withInt(tag.NumberOfSeriesRelatedInstances, s.InstanceCount)
			statuses = append(statuses, dicomwire.Status{Code: dicomwire.StatusPending, Identifier: ident})
		}
	case "IMAGE":
		seriesUID := identifier.GetString(uint16(tag.SeriesInstanceUID.Group), uint16(tag.SeriesInstanceUID.Element))
		for _, sop := range a.peer.Store.FindInstances(studyUID, seriesUID) {
			ident := newMemDataset().withString(tag.SOPInstanceUID, sop)
			statuses = append(statuses, dicomwire.Status{Code: dicomwire.StatusPending, Identifier: ident})
		}
	}
	statuses = append(statuses, dicomwire.Status{Code: dicomwire.StatusSuccess})
	return &sliceStream{statuses: statuses}, nil
}

// SendCMove pushes every instance matching identifier's level to the
// destination AE's registered StoreHandler (simulating the DIMSE
// sub-operations a real C-MOVE SCP issues), reporting progress as a
// stream of pending statuses carrying the sub-operation counters.
func (a *association) SendCMove(ctx context.Context, identifier dicomwire.Dataset, destAE string) (dicomwire.StatusStream, error) {
	studyUID := identifier.GetString(uint16(tag.StudyInstanceUID.Group), uint16(tag.StudyInstanceUID.Element))
	seriesUID := identifier.GetString(uint16(tag.SeriesInstanceUID.Group), uint16(tag.SeriesInstanceUID.Element))
	sopUID := identifier.GetString(uint16(tag.SOPInstanceUID.Group), uint16(tag.SOPInstanceUID.Element))

	matches := a.peer.Store.Get(studyUID, seriesUID, sopUID)
	dest, ok := a.peer.Destinations[destAE]
	if !ok {
		return nil, fmt.Errorf("simulator: no destination registered for AE %q", destAE)
	}

	completed, failed := 0, 0
	var statuses []dicomwire.Status
	for _, ds := range matches {
		if a.aborted {
			break
		}
		status, err := dest.HandleCStore(ctx, a.peerAET, ds)
		if err != nil || status.Code != dicomwire.StatusSuccess {
			failed++
		} else {
			completed++
		}
		remaining := len(matches) - completed - failed
		ident := newMemDataset().
			withSubop(groupDIMSE, elemCompletedSuboperations, completed).
			withSubop(groupDIMSE, elemFailedSuboperations, failed).
			withSubop(groupDIMSE, elemRemainingSuboperations, remaining)
		statuses = append(statuses, dicomwire.Status{Code: dicomwire.StatusPending, Identifier: ident})
	}
	statuses = append(statuses, dicomwire.Status{Code: dicomwire.StatusSuccess})
	return &sliceStream{statuses: statuses}, nil
}

func (a *association) Abort() error {
	a.aborted = true
	return nil
}

func (a *association) Close() error {
	a.closed = true
	return nil
}

// Aborted reports whether Abort has been called, for test assertions.
func (a *association) Aborted() bool { return a.aborted }

// Closed reports whether Close has been called, for test assertions.
func (a *association) Closed() bool { return a.closed }
