// Command anonymizerd is the headless DICOM de-identification service
// (spec §6): it loads ProjectModel.json, wires every domain module
// together, starts the SCP ingest pipeline, and serves the control
// plane's admin HTTP surface until signalled to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsna-anonymizer/dicomcore/internal/anonymizer"
	"github.com/rsna-anonymizer/dicomcore/internal/config"
	"github.com/rsna-anonymizer/dicomcore/internal/controlplane"
	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/simulator"
	"github.com/rsna-anonymizer/dicomcore/internal/export"
	"github.com/rsna-anonymizer/dicomcore/internal/ingest"
	"github.com/rsna-anonymizer/dicomcore/internal/logging"
	"github.com/rsna-anonymizer/dicomcore/internal/phi"
	"github.com/rsna-anonymizer/dicomcore/internal/retrieve"
	"github.com/rsna-anonymizer/dicomcore/internal/storage"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "anonymizerd",
		Short: "RSNA-style DICOM de-identification service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "ProjectModel.json", "path to ProjectModel.json")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "anonymizerd:", err)
		os.Exit(2)
	}
}

func run(configPath string) error {
	model, err := loadOrInitModel(configPath)
	if err != nil {
		return fmt.Errorf("load project model: %w", err)
	}

	logging.Init(model.LoggingLevels.Anonymizer)
	log := logging.For("anonymizerd")

	layout := storage.New(model.StorageDir)
	store, err := loadOrInitStore(layout.ModelPath(), model)
	if err != nil {
		return fmt.Errorf("load phi store: %w", err)
	}

	engine := anonymizer.New(store, layout, anonymizer.NewScript(), model.SiteID, model.ProjectName, model.StorageClasses)

	// The upper-layer wire transport (PDU encode/negotiate/send over
	// TCP) is an external collaborator per spec §1: only its interface,
	// dicomwire.Codec, is specified here. internal/dicomwire/simulator
	// is the one concrete implementation this repo carries, so it
	// stands in as the wire endpoint until a real SCP/SCU transport is
	// plugged in; swapping one in only requires supplying a different
	// dicomwire.Codec to the constructors below.
	peer := simulator.NewPeer(model.LocalServer.AET)

	ingestTuning := ingest.Tuning{
		Workers:              model.Ingest.AnonymizerWorkers,
		WorkerIdleSleep:      secs(model.Ingest.WorkerIdleSleepSecs),
		QueueDequeueTimeout:  secs(model.Ingest.QueueDequeueTimeoutSecs),
		QueueCapacity:        model.Ingest.QueueCapacity,
		MemoryThresholdBytes: model.Ingest.MemoryBackoffThresholdBytes,
		MemoryBackoffSleep:   secs(model.Ingest.MemoryBackoffSleepSecs),
		MemoryBackoffRetries: model.Ingest.MemoryBackoffMaxRetries,
		AutosaveInterval:     secs(model.Ingest.AutosaveIntervalSecs),
	}
	pipeline := ingest.New(engine, store, peer, layout.ModelPath(), ingestTuning)
	peer.RegisterDestination(model.LocalServer.AET, pipeline)

	retrieveOrch := retrieve.New(peer, store, retrieve.Tuning{
		StudyMoveWorkers: model.Retrieval.StudyMoveWorkers,
		GracePeriod:      secs(model.Retrieval.GracePeriodSecs),
		PollInterval:     100 * time.Millisecond,
	})
	exportOrch := export.New(layout, export.Tuning{
		PatientWorkers: model.Export.PatientWorkers,
		BatchSize:      model.Export.BatchSize,
	})

	plane := controlplane.New(model, layout, store, pipeline, retrieveOrch, exportOrch)
	plane.StartSCP()

	server := &http.Server{Addr: model.ControlPlaneHTTPAddr, Handler: plane.Router()}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", model.ControlPlaneHTTPAddr).Msg("control plane http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		plane.StopSCP(5 * time.Second)
		return fmt.Errorf("control plane http server: %w", err)
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("control plane http shutdown")
	}
	plane.StopSCP(5 * time.Second)

	if err := store.Save(layout.ModelPath()); err != nil {
		log.Error().Err(err).Msg("final phi store save failed")
		return err
	}
	return nil
}

// loadOrInitModel loads ProjectModel.json from path, or writes a
// freshly defaulted one if it does not exist yet, so a first run only
// needs -c pointed at a file path that does not exist yet.
func loadOrInitModel(path string) (*config.Model, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		model := config.Default("SITE1", ".")
		if err := model.Save(path); err != nil {
			return nil, err
		}
		return model, nil
	}
	return config.Load(path)
}

// loadOrInitStore loads the PHI index snapshot at path, or creates an
// empty store on first run (internal/phi.Load already falls back to
// the .bak sidecar on a corrupt primary, per spec's quarantine-backup
// recovery rule).
func loadOrInitStore(path string, model *config.Model) (*phi.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return phi.New(model.SiteID, model.UIDRoot), nil
	}
	return phi.Load(path)
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
