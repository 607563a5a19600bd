// Package dicomwire specifies the core's one external collaborator:
// the DICOM Upper-Layer wire protocol. PDU encoding, association
// negotiation, and the codec's own transport are out of scope (spec
// §1) — this package only names the shape the rest of the core
// depends on, so internal/ingest, internal/retrieve and
// internal/export can be written and tested against a fake without
// caring how bytes actually cross the wire.
package dicomwire

import "context"

// AE identifies a DICOM application entity.
type AE struct {
	Title string
	Host  string
	Port  int
}

// PresentationContext is one negotiated abstract-syntax/transfer-syntax
// pairing for an association.
type PresentationContext struct {
	AbstractSyntaxUID string
	TransferSyntaxUIDs []string
}

// Status is a DIMSE status code plus any identifier dataset attached
// to the response (C-FIND/C-MOVE return one per match; C-STORE
// returns exactly one terminal status).
type Status struct {
	Code       uint16
	Identifier Dataset
}

// Well-known DIMSE status codes referenced throughout the core.
const (
	StatusSuccess       uint16 = 0x0000
	StatusPending        uint16 = 0xFF00
	StatusOutOfResources uint16 = 0xA700
	StatusCancel         uint16 = 0xFE00
)

// Dataset is the minimal element-level view the core needs out of a
// decoded dataset: the required attributes (spec §6) plus enough to
// drive the anonymizer script. internal/dicomwire/codec provides the
// suyashkumar/dicom-backed implementation.
type Dataset interface {
	GetString(tagGroup, tagElement uint16) string
	GetInt(tagGroup, tagElement uint16) int
}

// StatusStream is what send_c_find and send_c_move return: a sequence
// of intermediate PENDING statuses (each optionally carrying a match)
// terminated by one final status.
type StatusStream interface {
	Next(ctx context.Context) (Status, bool, error)
}

// Association is an open DICOM association, negotiated with a set of
// presentation contexts.
type Association interface {
	SendCStore(ctx context.Context, ds Dataset) (Status, error)
	SendCFind(ctx context.Context, identifier Dataset) (StatusStream, error)
	SendCMove(ctx context.Context, identifier Dataset, destAE string) (StatusStream, error)
	Abort() error
	Close() error
}

// Codec is the wire collaborator's entry point: opening associations
// as an SCU, and decoding/encoding datasets on both sides.
type Codec interface {
	OpenAssociation(ctx context.Context, ae AE, contexts []PresentationContext) (Association, error)
	ParsePDU(data []byte) (Dataset, error)
	EncodeDataset(ds Dataset) ([]byte, error)
}

// StoreHandler is invoked by the SCP transport (out of scope) for each
// incoming C-STORE; the core's Ingest Pipeline implements it.
type StoreHandler interface {
	HandleCStore(ctx context.Context, source string, ds Dataset) (Status, error)
}

// EchoHandler is invoked for each incoming C-ECHO.
type EchoHandler interface {
	HandleCEcho(ctx context.Context) Status
}

// Required abstract syntaxes (spec §6).
const (
	VerificationSOPClass       = "1.2.840.10008.1.1"
	StudyRootFindSOPClass      = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMoveSOPClass      = "1.2.840.10008.5.1.4.1.2.2.2"
)
