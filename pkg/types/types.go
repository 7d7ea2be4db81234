package types

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity maps a case-insensitive severity name to a Severity.
// Unknown names map to INFO.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; ok {
		return sev
	}
	return SeverityInfo
}

// Rank orders severities from INFO (0) to CRITICAL (4).
func (s Severity) Rank() int {
	return severityRank[s]
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

type ScanType string

const (
	ScanTypeFingerprint ScanType = "fingerprint"
	ScanTypeInfo        ScanType = "info"
	ScanTypeRecon       ScanType = "recon"
	ScanTypeIDOR        ScanType = "idor"
)

// ToolScanType is the scan type recorded for an executed external tool.
func ToolScanType(tool string) ScanType {
	return ScanType(tool)
}

type Mode string

const (
	ModeRecon  Mode = "recon"
	ModeAttack Mode = "attack"
	ModeFull   Mode = "full"
)

// TechnologyProfile is the categorized fingerprint of one target.
type TechnologyProfile struct {
	Frameworks []string `json:"framework"`
	CMS        []string `json:"cms"`
	Servers    []string `json:"server"`
	Languages  []string `json:"lang"`
	All        []string `json:"all"`
}

// Details flattens the profile into the structure persisted with the
// fingerprint scan record.
func (p TechnologyProfile) Details() map[string]interface{} {
	return map[string]interface{}{
		"framework": nonNil(p.Frameworks),
		"cms":       nonNil(p.CMS),
		"server":    nonNil(p.Servers),
		"lang":      nonNil(p.Languages),
		"all":       nonNil(p.All),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type ScanRecord struct {
	ID        int64                  `json:"id" db:"id"`
	Target    string                 `json:"target" db:"target"`
	ScanType  ScanType               `json:"scan_type" db:"scan_type"`
	Severity  Severity               `json:"severity" db:"severity"`
	Details   map[string]interface{} `json:"details"`
	Timestamp time.Time              `json:"timestamp" db:"created_at"`
}

type SecretFinding struct {
	ID         int64     `json:"id" db:"id"`
	Target     string    `json:"target" db:"target"`
	SecretType string    `json:"secret_type" db:"secret_type"`
	Value      string    `json:"value" db:"value"`
	SourceURL  string    `json:"source_url" db:"source_url"`
	Timestamp  time.Time `json:"timestamp" db:"created_at"`
}

type EndpointFinding struct {
	ID        int64     `json:"id" db:"id"`
	Target    string    `json:"target" db:"target"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	SourceURL string    `json:"source_url" db:"source_url"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// CommandOutcome is the raw result of one external process run.
type CommandOutcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

type Alert struct {
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Evidence string   `json:"evidence"`
	Severity Severity `json:"severity"`
}

// ScopeConfig is the structured scope produced from a program policy.
type ScopeConfig struct {
	InScopeDomains          []string `json:"in_scope_domains" yaml:"in_scope_domains"`
	OutOfScopeDomains       []string `json:"out_of_scope_domains" yaml:"out_of_scope_domains"`
	ExcludedVulnerabilities []string `json:"excluded_vulnerabilities" yaml:"excluded_vulnerabilities"`
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is one queued target for distributed processing.
type Job struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Mode      Mode              `json:"mode"`
	Priority  int               `json:"priority"`
	Status    JobStatus         `json:"status"`
	Retries   int               `json:"retries"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type WorkerStatus struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Status       string    `json:"status"`
	CurrentJob   string    `json:"current_job,omitempty"`
	JobsComplete int       `json:"jobs_complete"`
	LastPing     time.Time `json:"last_ping"`
}
