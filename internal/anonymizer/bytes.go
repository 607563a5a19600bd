package anonymizer

import (
	"bytes"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
)

func parseBytes(raw []byte) (*codec.Dataset, error) {
	return codec.Parse(bytes.NewReader(raw), int64(len(raw)))
}

func encodeBytes(ds *codec.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := ds.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
