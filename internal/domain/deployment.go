package domain

import (
	"fmt"
	"time"
)

// DeploymentType identifies the distribution channel for a release.
type DeploymentType string

// Deployment channels.
const (
	DeployTestflight DeploymentType = "testflight"
	DeployAppStore   DeploymentType = "app_store"
	DeployAdHoc      DeploymentType = "ad_hoc"
	DeployEnterprise DeploymentType = "enterprise"
)

// Valid reports whether the type is one of the enumerated values.
func (t DeploymentType) Valid() bool {
	switch t {
	case DeployTestflight, DeployAppStore, DeployAdHoc, DeployEnterprise:
		return true
	}
	return false
}

// Retention returns how long records of this deployment type must be kept.
// App Store and enterprise releases fall under long compliance retention.
func (t DeploymentType) Retention() time.Duration {
	if t == DeployAppStore || t == DeployEnterprise {
		return 2 * 365 * 24 * time.Hour
	}
	return 90 * 24 * time.Hour
}

// DeploymentStatus is a stage in the deployment workflow. Transitions are
// strictly forward; completed and failed are terminal.
type DeploymentStatus string

// Workflow stages in order.
const (
	StatusInitiated  DeploymentStatus = "initiated"
	StatusBuilding   DeploymentStatus = "building"
	StatusUploading  DeploymentStatus = "uploading"
	StatusProcessing DeploymentStatus = "processing"
	StatusCompleted  DeploymentStatus = "completed"
	StatusFailed     DeploymentStatus = "failed"
)

var statusRank = map[DeploymentStatus]int{
	StatusInitiated:  0,
	StatusBuilding:   1,
	StatusUploading:  2,
	StatusProcessing: 3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

// Terminal reports whether the status cannot be exited.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal forward step.
// failed is reachable from any non-terminal status.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Error kinds recorded on failed deployments.
const (
	ErrKindTeamMismatch      = "team_mismatch"
	ErrKindQuotaExceeded     = "quota_exceeded_unresolvable"
	ErrKindNoCompatibleCerts = "no_compatible_certificates"
	ErrKindProfileCreation   = "profile_creation_failed"
	ErrKindMalformedVersion  = "malformed_version"
	ErrKindSigningSetup      = "signing_setup_failed"
	ErrKindVersionConflict   = "version_conflict"
	ErrKindBuildFailed       = "build_failed"
	ErrKindUploadFailed      = "upload_failed"
	ErrKindProcessingTimeout = "processing_timeout"
	ErrKindCancelled         = "cancelled"
)

// DeploymentError is the structured error retained on a failed record.
type DeploymentError struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *DeploymentError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// LogLine is one timestamped entry in a deployment's ordered log.
type LogLine struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Deployment is the run record for one release attempt. It is an immutable
// value: every transition or annotation returns a new copy, leaving prior
// revisions untouched for audit.
type Deployment struct {
	ID          string
	TeamID      string
	AppID       string
	Type        DeploymentType
	Status      DeploymentStatus
	InitiatedBy string
	StartedAt   time.Time
	CompletedAt *time.Time
	Duration    time.Duration
	ArchivePath string
	ArchiveSize int64
	BuildURL    string
	Version     string
	BuildNumber int
	Logs        []LogLine
	Err         *DeploymentError
	Metadata    map[string]string
}

// NewDeployment returns an initiated record.
func NewDeployment(id, teamID, appID string, typ DeploymentType, initiatedBy string, now time.Time) Deployment {
	return Deployment{
		ID:          id,
		TeamID:      teamID,
		AppID:       appID,
		Type:        typ,
		Status:      StatusInitiated,
		InitiatedBy: initiatedBy,
		StartedAt:   now.UTC(),
	}
}

// WithStatus returns a copy moved to next. Moving to a terminal status stamps
// completion time and recomputes duration. Illegal transitions return an error
// and the receiver unchanged.
func (d Deployment) WithStatus(next DeploymentStatus, now time.Time) (Deployment, error) {
	if !d.Status.CanTransition(next) {
		return d, fmt.Errorf("deployment %s: illegal transition %s -> %s", d.ID, d.Status, next)
	}
	out := d.clone()
	out.Status = next
	if next.Terminal() {
		at := now.UTC()
		out.CompletedAt = &at
		out.Duration = at.Sub(out.StartedAt)
	}
	return out, nil
}

// WithLog returns a copy with a timestamped log line appended.
func (d Deployment) WithLog(now time.Time, format string, args ...any) Deployment {
	out := d.clone()
	out.Logs = append(out.Logs, LogLine{At: now.UTC(), Message: fmt.Sprintf(format, args...)})
	return out
}

// WithError returns a copy carrying the structured error.
func (d Deployment) WithError(kind, message string, errCtx map[string]string) Deployment {
	out := d.clone()
	out.Err = &DeploymentError{Kind: kind, Message: message, Context: errCtx}
	return out
}

// WithMetadata returns a copy with the key set in its metadata map.
func (d Deployment) WithMetadata(key, value string) Deployment {
	out := d.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata[key] = value
	return out
}

// WithArchive returns a copy recording the build artifact.
func (d Deployment) WithArchive(path string, size int64) Deployment {
	out := d.clone()
	out.ArchivePath = path
	out.ArchiveSize = size
	return out
}

// WithVersion returns a copy recording the resolved version/build pair.
func (d Deployment) WithVersion(version string, buildNumber int) Deployment {
	out := d.clone()
	out.Version = version
	out.BuildNumber = buildNumber
	return out
}

// ExpiresAt returns when the record falls out of its compliance retention window.
func (d Deployment) ExpiresAt() time.Time {
	ref := d.StartedAt
	if d.CompletedAt != nil {
		ref = *d.CompletedAt
	}
	return ref.Add(d.Type.Retention())
}

func (d Deployment) clone() Deployment {
	out := d
	out.Logs = append([]LogLine(nil), d.Logs...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	if d.Err != nil {
		errCopy := *d.Err
		out.Err = &errCopy
	}
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
