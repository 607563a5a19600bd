// Package ingest implements the Ingest Pipeline (spec §4.D): SCP
// C-STORE/C-ECHO handler adapters, a bounded queue, memory-pressure
// backoff, a worker pool driving the Anonymizer Engine, and periodic
// autosave of the PHI Index Store. Adapted from the teacher's
// internal/progress autosave/error-log helpers and dicom reader/writer
// worker-loop shape, generalized onto the DIMSE-service execution
// contract spec §4.D describes.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rsna-anonymizer/dicomcore/internal/anonymizer"
	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/logging"
	"github.com/rsna-anonymizer/dicomcore/internal/phi"
)

// Tuning holds the pool sizes and timing knobs from config.IngestTuning,
// reproduced here rather than importing internal/config directly so
// this package stays usable from tests without dragging in the config
// schema.
type Tuning struct {
	Workers             int
	WorkerIdleSleep      time.Duration
	QueueDequeueTimeout  time.Duration
	QueueCapacity        int
	MemoryThresholdBytes uint64
	MemoryBackoffSleep   time.Duration
	MemoryBackoffRetries int
	AutosaveInterval     time.Duration
}

// Pipeline owns the queue, worker pool, and autosave task. It
// implements dicomwire.StoreHandler and dicomwire.EchoHandler.
type Pipeline struct {
	Queue  *Queue
	Engine *anonymizer.Engine
	Model  *phi.Store
	Codec  dicomwire.Codec
	Gate   *MemoryGate
	Tuning Tuning

	ModelPath string

	log zerolog.Logger

	active atomic.Bool
	wg     sync.WaitGroup

	autosaveStop chan struct{}
	autosaveDone chan struct{}
}

// New constructs a Pipeline ready for Start.
func New(engine *anonymizer.Engine, model *phi.Store, codec dicomwire.Codec, modelPath string, tuning Tuning) *Pipeline {
	p := &Pipeline{
		Queue:     NewQueue(tuning.QueueCapacity),
		Engine:    engine,
		Model:     model,
		Codec:     codec,
		ModelPath: modelPath,
		Tuning:    tuning,
		Gate: &MemoryGate{
			ThresholdBytes: tuning.MemoryThresholdBytes,
			SleepInterval:  tuning.MemoryBackoffSleep,
			MaxRetries:     tuning.MemoryBackoffRetries,
		},
		log:          logging.For("ingest"),
		autosaveStop: make(chan struct{}),
		autosaveDone: make(chan struct{}),
	}
	return p
}

// Start launches the worker pool and the autosave task.
func (p *Pipeline) Start() {
	p.active.Store(true)
	for i := 0; i < p.Tuning.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	go p.autosaveLoop()
}

// Stop implements the deterministic shutdown order from spec §9:
// clear the active flag, stop accepting (handled by the caller closing
// the SCP before calling Stop), join workers with a finite timeout,
// then flush autosave.
func (p *Pipeline) Stop(joinTimeout time.Duration) {
	p.active.Store(false)
	p.Queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		p.log.Warn().Msg("worker pool join timed out, proceeding to flush autosave anyway")
	}

	close(p.autosaveStop)
	<-p.autosaveDone

	if p.Model.Dirty() {
		if err := p.Model.Save(p.ModelPath); err != nil {
			p.log.Error().Err(err).Msg("final autosave failed on shutdown")
		}
	}
}

// HandleCStore implements dicomwire.StoreHandler.
func (p *Pipeline) HandleCStore(ctx context.Context, source string, ds dicomwire.Dataset) (dicomwire.Status, error) {
	if !p.active.Load() {
		return dicomwire.Status{Code: dicomwire.StatusOutOfResources}, nil
	}

	if !p.Gate.Wait() {
		p.log.Warn().Str("source", source).Msg("memory backoff budget exhausted, refusing store")
		return dicomwire.Status{Code: dicomwire.StatusOutOfResources}, nil
	}

	raw, err := p.Codec.EncodeDataset(ds)
	if err != nil {
		p.log.Error().Err(err).Str("source", source).Msg("encode incoming dataset failed")
		return dicomwire.Status{Code: dicomwire.StatusOutOfResources}, nil
	}

	if err := p.Queue.TryEnqueue(Job{Source: source, Raw: raw}); err != nil {
		p.log.Warn().Str("source", source).Msg("ingest queue full, refusing store")
		return dicomwire.Status{Code: dicomwire.StatusOutOfResources}, nil
	}

	return dicomwire.Status{Code: dicomwire.StatusSuccess}, nil
}

// HandleCEcho implements dicomwire.EchoHandler.
func (p *Pipeline) HandleCEcho(ctx context.Context) dicomwire.Status {
	if !p.active.Load() {
		return dicomwire.Status{Code: dicomwire.StatusOutOfResources}
	}
	return dicomwire.Status{Code: dicomwire.StatusSuccess}
}

func (p *Pipeline) workerLoop(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()
	for {
		job, ok := p.Queue.Dequeue(p.Tuning.QueueDequeueTimeout)
		if !ok {
			if !p.active.Load() && p.Queue.Len() == 0 {
				return
			}
			time.Sleep(p.Tuning.WorkerIdleSleep)
			continue
		}

		result, err := p.Engine.Anonymize(job.Source, job.Raw)
		if err != nil {
			log.Warn().Err(err).Str("source", job.Source).Msg("anonymize failed, quarantined")
			continue
		}
		if result.AlreadyPresent {
			log.Debug().Str("source", job.Source).Msg("instance already present, skipped")
			continue
		}
		log.Info().Str("path", result.StoragePath).Msg("instance anonymized")
	}
}

func (p *Pipeline) autosaveLoop() {
	defer close(p.autosaveDone)
	ticker := time.NewTicker(p.Tuning.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.autosaveStop:
			return
		case <-ticker.C:
			if !p.Model.Dirty() {
				continue
			}
			if err := p.Model.Save(p.ModelPath); err != nil {
				p.log.Error().Err(err).Msg("autosave failed")
				continue
			}
			p.Model.ClearDirty()
			p.log.Debug().Msg("autosave complete")
		}
	}
}
