package core

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// ResultStore persists scan records and deduplicated findings. Inserts
// report whether a new row was written so callers can alert exactly once.
type ResultStore interface {
	RecordScan(ctx context.Context, record *types.ScanRecord) error

	SecretExists(ctx context.Context, target, value string) (bool, error)
	InsertSecret(ctx context.Context, secret *types.SecretFinding) (bool, error)

	EndpointExists(ctx context.Context, target, endpoint string) (bool, error)
	InsertEndpoint(ctx context.Context, endpoint *types.EndpointFinding) (bool, error)

	ListScans(ctx context.Context, target string, limit int) ([]types.ScanRecord, error)
	ListSecrets(ctx context.Context, target string) ([]types.SecretFinding, error)
	ListEndpoints(ctx context.Context, target string) ([]types.EndpointFinding, error)

	Close() error
}

// AlertSink delivers one alert. Implementations may block; callers that
// must not block go through alert.Notifier.
type AlertSink interface {
	Send(ctx context.Context, alert types.Alert) error
}

// Alerter is the fire-and-forget side of alerting used by the scanners.
type Alerter interface {
	Alert(ctx context.Context, alert types.Alert)
}

// Fingerprinter produces a categorized technology profile for a URL.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, url string) (types.TechnologyProfile, error)
}

type JobQueue interface {
	Push(ctx context.Context, job *types.Job) error
	Pop(ctx context.Context, workerID string) (*types.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	Retry(ctx context.Context, jobID string) error
	GetStatus(ctx context.Context, jobID string) (*types.Job, error)
	GetPending(ctx context.Context) ([]*types.Job, error)
	Close() error
}

type Telemetry interface {
	Close() error
}
