package simulator

import (
	"bytes"
	"context"
	"errors"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
)

var errNotCodecDataset = errors.New("simulator: EncodeDataset requires a *codec.Dataset")

// Peer is a simulated remote AE: a Store plus a registry of
// destination AEs it can push C-MOVE sub-operations to. It implements
// dicomwire.Codec, so internal/retrieve and internal/export can open
// associations against it exactly as they would a real wire codec.
type Peer struct {
	AET          string
	Store        *Store
	Destinations map[string]dicomwire.StoreHandler
}

// NewPeer builds a Peer with an empty store and destination registry.
func NewPeer(aet string) *Peer {
	return &Peer{AET: aet, Store: NewStore(), Destinations: map[string]dicomwire.StoreHandler{}}
}

// RegisterDestination makes handler reachable as a C-MOVE target under aet.
func (p *Peer) RegisterDestination(aet string, handler dicomwire.StoreHandler) {
	p.Destinations[aet] = handler
}

// OpenAssociation implements dicomwire.Codec.
func (p *Peer) OpenAssociation(ctx context.Context, ae dicomwire.AE, contexts []dicomwire.PresentationContext) (dicomwire.Association, error) {
	return &association{peer: p, peerAET: p.AET}, nil
}

// ParsePDU decodes a real DICOM stream (file meta + dataset), reusing
// internal/dicomwire/codec's suyashkumar/dicom-backed parser: the
// simulator fakes the association layer, not the dataset encoding
// itself, so a stored instance round-trips through the same encoder
// the Anonymizer Engine and export Destinations use.
func (p *Peer) ParsePDU(data []byte) (dicomwire.Dataset, error) {
	return codec.Parse(bytes.NewReader(data), int64(len(data)))
}

// EncodeDataset implements dicomwire.Codec.
func (p *Peer) EncodeDataset(ds dicomwire.Dataset) ([]byte, error) {
	cds, ok := ds.(*codec.Dataset)
	if !ok {
		return nil, errNotCodecDataset
	}
	var buf bytes.Buffer
	if err := cds.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
