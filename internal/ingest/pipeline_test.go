package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
)

type fakeDataset struct{}

func (fakeDataset) GetString(group, element uint16) string { return "" }
func (fakeDataset) GetInt(group, element uint16) int        { return 0 }

type fakeCodec struct {
	encodeErr error
}

func (c *fakeCodec) OpenAssociation(ctx context.Context, ae dicomwire.AE, contexts []dicomwire.PresentationContext) (dicomwire.Association, error) {
	return nil, nil
}
func (c *fakeCodec) ParsePDU(data []byte) (dicomwire.Dataset, error) { return fakeDataset{}, nil }
func (c *fakeCodec) EncodeDataset(ds dicomwire.Dataset) ([]byte, error) {
	if c.encodeErr != nil {
		return nil, c.encodeErr
	}
	return []byte("fake"), nil
}

func newTestPipeline(t *testing.T, codec dicomwire.Codec) *Pipeline {
	restore := availableBytes
	t.Cleanup(func() { availableBytes = restore })
	availableBytes = func() (uint64, error) { return 1 << 30, nil }

	tuning := Tuning{
		Workers:              2,
		WorkerIdleSleep:       time.Millisecond,
		QueueDequeueTimeout:   10 * time.Millisecond,
		QueueCapacity:         1,
		MemoryThresholdBytes:  1 << 20,
		MemoryBackoffSleep:    time.Millisecond,
		MemoryBackoffRetries:  2,
		AutosaveInterval:      time.Hour,
	}
	return New(nil, nil, codec, "", tuning)
}

func TestHandleCEchoRespectsActiveFlag(t *testing.T) {
	p := newTestPipeline(t, &fakeCodec{})
	p.active.Store(true)
	require.Equal(t, dicomwire.StatusSuccess, p.HandleCEcho(context.Background()).Code)

	p.active.Store(false)
	require.Equal(t, dicomwire.StatusOutOfResources, p.HandleCEcho(context.Background()).Code)
}

func TestHandleCStoreEnqueuesOnSuccess(t *testing.T) {
	p := newTestPipeline(t, &fakeCodec{})
	p.active.Store(true)
	status, err := p.HandleCStore(context.Background(), "peer", fakeDataset{})
	require.NoError(t, err)
	require.Equal(t, dicomwire.StatusSuccess, status.Code)
	require.Equal(t, 1, p.Queue.Len())
}

func TestHandleCStoreRefusesWhenQueueFull(t *testing.T) {
	p := newTestPipeline(t, &fakeCodec{})
	p.active.Store(true)
	_, err := p.HandleCStore(context.Background(), "peer1", fakeDataset{})
	require.NoError(t, err)

	status, err := p.HandleCStore(context.Background(), "peer2", fakeDataset{})
	require.NoError(t, err)
	require.Equal(t, dicomwire.StatusOutOfResources, status.Code)
}

func TestHandleCStoreRefusesUnderMemoryPressure(t *testing.T) {
	p := newTestPipeline(t, &fakeCodec{})
	p.active.Store(true)
	availableBytes = func() (uint64, error) { return 0, nil }

	status, err := p.HandleCStore(context.Background(), "peer", fakeDataset{})
	require.NoError(t, err)
	require.Equal(t, dicomwire.StatusOutOfResources, status.Code)
	require.Equal(t, 0, p.Queue.Len())
}
