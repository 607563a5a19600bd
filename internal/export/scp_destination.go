package export

import (
	"context"
	"fmt"
	"os"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
)

// SCPDestination sends files to a remote SCP, pre-flighting each with
// a C-FIND at instance level (spec §4.G step 2). One association is
// negotiated per patient and reused for every file.
type SCPDestination struct {
	Codec dicomwire.Codec
	Peer  dicomwire.AE

	assoc dicomwire.Association
}

func (d *SCPDestination) Open(ctx context.Context) error {
	assoc, err := d.Codec.OpenAssociation(ctx, d.Peer, []dicomwire.PresentationContext{
		{AbstractSyntaxUID: dicomwire.StudyRootFindSOPClass},
	})
	if err != nil {
		return fmt.Errorf("open export association: %w", err)
	}
	d.assoc = assoc
	return nil
}

func (d *SCPDestination) Exists(ctx context.Context, ref FileRef) (bool, error) {
	ident := &codec.Dataset{}
	for _, f := range []struct {
		t tag.Tag
		v string
	}{
		{tag.QueryRetrieveLevel, "IMAGE"},
		{tag.StudyInstanceUID, ref.AnonStudyUID},
		{tag.SeriesInstanceUID, ref.AnonSeriesUID},
		{tag.SOPInstanceUID, ref.AnonSOPInstanceUID},
	} {
		if err := ident.AddString(uint16(f.t.Group), uint16(f.t.Element), f.v); err != nil {
			return false, err
		}
	}

	stream, err := d.assoc.SendCFind(ctx, ident)
	if err != nil {
		return false, err
	}
	for {
		status, ok, err := stream.Next(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if status.Code == dicomwire.StatusPending && status.Identifier != nil &&
			status.Identifier.GetString(uint16(tag.SOPInstanceUID.Group), uint16(tag.SOPInstanceUID.Element)) == ref.AnonSOPInstanceUID {
			return true, nil
		}
	}
}

func (d *SCPDestination) Send(ctx context.Context, ref FileRef) error {
	raw, err := os.ReadFile(ref.Path)
	if err != nil {
		return fmt.Errorf("read stored instance: %w", err)
	}
	ds, err := d.Codec.ParsePDU(raw)
	if err != nil {
		return fmt.Errorf("decode stored instance: %w", err)
	}
	status, err := d.assoc.SendCStore(ctx, ds)
	if err != nil {
		return err
	}
	if status.Code != dicomwire.StatusSuccess {
		return fmt.Errorf("c-store failed with status 0x%04x", status.Code)
	}
	return nil
}

func (d *SCPDestination) Close() error {
	if d.assoc == nil {
		return nil
	}
	return d.assoc.Close()
}
