// Package config loads and validates ProjectModel.json, the project
// configuration persisted under the project root per spec §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rsna-anonymizer/dicomcore/internal/logging"
)

// ModelVersion is the current ProjectModel.json schema version.
const ModelVersion = 1

// RSNARootOrgUID is the default UID-root prefix, matching the
// registered org UID the reference implementation uses.
const RSNARootOrgUID = "1.2.826.0.1.3680043.10.474"

// Node identifies one DICOM application entity (local, query peer, or
// export peer).
type Node struct {
	AET  string `json:"aet"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// NetworkTimeouts holds the four distinct timeouts from spec §5, all
// in seconds.
type NetworkTimeouts struct {
	TCPConnect  float64 `json:"tcp_connect"`
	ACSE        float64 `json:"acse"`
	DIMSE       float64 `json:"dimse"`
	Network     float64 `json:"network"`
}

// DefaultTimeouts mirrors the reference implementation's defaults.
func DefaultTimeouts() NetworkTimeouts {
	return NetworkTimeouts{TCPConnect: 5, ACSE: 30, DIMSE: 30, Network: 60}
}

// AWSCognito holds the identity-pool flow configuration used by
// Control Plane's AWS_authenticate (spec §4.H).
type AWSCognito struct {
	AccountID      string `json:"account_id"`
	RegionName     string `json:"region_name"`
	AppClientID    string `json:"app_client_id"`
	UserPoolID     string `json:"user_pool_id"`
	IdentityPoolID string `json:"identity_pool_id"`
	S3Bucket       string `json:"s3_bucket"`
	S3Prefix       string `json:"s3_prefix"`
	// Username/Password are read from the AWS_COGNITO_USERNAME and
	// AWS_COGNITO_PASSWORD environment variables, never persisted in
	// ProjectModel.json, per the ambient-stack configuration rule that
	// secrets never land in the checked-in config file.
	Username string `json:"-"`
	Password string `json:"-"`
}

// LoggingLevels mirrors the reference implementation's per-subsystem
// verbosity knobs.
type LoggingLevels struct {
	Anonymizer      logging.Level `json:"anonymizer"`
	Network         logging.Level `json:"network"`
	StoreDicomSource bool         `json:"store_dicom_source"`
}

// IngestTuning holds the Ingest Pipeline's backpressure and pool-size
// knobs (spec §4.D, §5).
type IngestTuning struct {
	AnonymizerWorkers       int     `json:"anonymizer_workers"`
	WorkerIdleSleepSecs     float64 `json:"worker_idle_sleep_secs"`
	QueueDequeueTimeoutSecs float64 `json:"queue_dequeue_timeout_secs"`
	QueueCapacity           int     `json:"queue_capacity"`
	MemoryBackoffThresholdBytes uint64 `json:"memory_backoff_threshold_bytes"`
	MemoryBackoffSleepSecs  float64 `json:"memory_backoff_sleep_secs"`
	MemoryBackoffMaxRetries int     `json:"memory_backoff_max_retries"`
	AutosaveIntervalSecs    float64 `json:"autosave_interval_secs"`
}

// DefaultIngestTuning mirrors the reference implementation's defaults.
func DefaultIngestTuning() IngestTuning {
	return IngestTuning{
		AnonymizerWorkers:            4,
		WorkerIdleSleepSecs:          0.25,
		QueueDequeueTimeoutSecs:      0.5,
		QueueCapacity:                500,
		MemoryBackoffThresholdBytes: 256 * 1024 * 1024,
		MemoryBackoffSleepSecs:       0.1,
		MemoryBackoffMaxRetries:      10,
		AutosaveIntervalSecs:         30,
	}
}

// RetrievalTuning holds the Retrieval Orchestrator's concurrency knobs
// (spec §4.F, §5).
type RetrievalTuning struct {
	StudyMoveWorkers int     `json:"study_move_workers"`
	GracePeriodSecs  float64 `json:"grace_period_secs"`
}

func DefaultRetrievalTuning() RetrievalTuning {
	return RetrievalTuning{StudyMoveWorkers: 2, GracePeriodSecs: 5}
}

// ExportTuning holds the Export Orchestrator's concurrency knobs (spec
// §4.G, §5).
type ExportTuning struct {
	PatientWorkers int `json:"patient_workers"`
	BatchSize      int `json:"batch_size"`
}

func DefaultExportTuning() ExportTuning {
	return ExportTuning{PatientWorkers: 4, BatchSize: 10}
}

// Model is the persisted project configuration, ProjectModel.json.
type Model struct {
	Version    int    `json:"version"`
	SiteID     string `json:"site_id"`
	ProjectName string `json:"project_name"`
	UIDRoot    string `json:"uid_root"`
	StorageDir string `json:"storage_dir"`

	Modalities       []string `json:"modalities"`
	StorageClasses   []string `json:"storage_classes"`
	TransferSyntaxes []string `json:"transfer_syntaxes"`

	LocalServer Node            `json:"local_server"`
	QueryNodes  map[string]Node `json:"query_nodes"`
	ExportNodes map[string]Node `json:"export_nodes"`

	Timeouts      NetworkTimeouts `json:"timeouts"`
	LoggingLevels LoggingLevels   `json:"logging_levels"`

	Ingest    IngestTuning    `json:"ingest"`
	Retrieval RetrievalTuning `json:"retrieval"`
	Export    ExportTuning    `json:"export"`

	ExportToAWS bool       `json:"export_to_aws"`
	AWSCognito  AWSCognito `json:"aws_cognito"`

	ControlPlaneHTTPAddr string `json:"control_plane_http_addr"`
}

// Default returns a Model populated with the reference implementation's
// defaults, given a storage directory and site id.
func Default(siteID, storageDir string) *Model {
	return &Model{
		Version:     ModelVersion,
		SiteID:      siteID,
		ProjectName: "MY_PROJECT",
		UIDRoot:     RSNARootOrgUID + ".2",
		StorageDir:  storageDir,
		Modalities:  []string{"CR", "DX", "CT", "MR"},
		LocalServer: Node{AET: "ANONYMIZER", IP: "0.0.0.0", Port: 1045},
		QueryNodes:  map[string]Node{},
		ExportNodes: map[string]Node{},
		Timeouts:    DefaultTimeouts(),
		LoggingLevels: LoggingLevels{
			Anonymizer: logging.LevelInfo,
			Network:    logging.LevelWarn,
		},
		Ingest:               DefaultIngestTuning(),
		Retrieval:            DefaultRetrievalTuning(),
		Export:               DefaultExportTuning(),
		ControlPlaneHTTPAddr: "127.0.0.1:8420",
	}
}

// Load reads and validates ProjectModel.json from path, then overlays
// AWS Cognito credentials from the environment (never persisted).
func Load(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse project model: %w", err)
	}
	if m.Version > ModelVersion {
		return nil, fmt.Errorf("project model version %d newer than supported %d", m.Version, ModelVersion)
	}
	m.AWSCognito.Username = os.Getenv("AWS_COGNITO_USERNAME")
	m.AWSCognito.Password = os.Getenv("AWS_COGNITO_PASSWORD")
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the model to path as indented JSON, omitting the
// credential fields (they carry json:"-").
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project model: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the handful of fields that must never be empty for
// the rest of the core to operate.
func (m *Model) Validate() error {
	if m.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if m.UIDRoot == "" {
		return fmt.Errorf("uid_root is required")
	}
	if m.StorageDir == "" {
		return fmt.Errorf("storage_dir is required")
	}
	return nil
}
