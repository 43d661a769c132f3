package httpx

import (
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
)

// deploymentView is the wire shape of a deployment record.
type deploymentView struct {
	ID          string                  `json:"id"`
	TeamID      string                  `json:"team_id"`
	AppID       string                  `json:"app_id"`
	Type        string                  `json:"type"`
	Status      string                  `json:"status"`
	InitiatedBy string                  `json:"initiated_by"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	DurationMS  int64                   `json:"duration_ms,omitempty"`
	Version     string                  `json:"version,omitempty"`
	BuildNumber int                     `json:"build_number,omitempty"`
	ArchiveSize int64                   `json:"archive_size,omitempty"`
	BuildURL    string                  `json:"build_url,omitempty"`
	Logs        []domain.LogLine        `json:"logs,omitempty"`
	Error       *domain.DeploymentError `json:"error,omitempty"`
	Metadata    map[string]string       `json:"metadata,omitempty"`
	ExpiresAt   time.Time               `json:"expires_at"`
}

func viewOf(rec domain.Deployment) deploymentView {
	return deploymentView{
		ID:          rec.ID,
		TeamID:      rec.TeamID,
		AppID:       rec.AppID,
		Type:        string(rec.Type),
		Status:      string(rec.Status),
		InitiatedBy: rec.InitiatedBy,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		DurationMS:  rec.Duration.Milliseconds(),
		Version:     rec.Version,
		BuildNumber: rec.BuildNumber,
		ArchiveSize: rec.ArchiveSize,
		BuildURL:    rec.BuildURL,
		Logs:        rec.Logs,
		Error:       rec.Err,
		Metadata:    rec.Metadata,
		ExpiresAt:   rec.ExpiresAt(),
	}
}
