package uploadtool

import (
	"context"
	"errors"

	"github.com/snooky23/apple-deploy-sub001/internal/ports"
	"github.com/snooky23/apple-deploy-sub001/internal/service/upload"
)

// registry is the slice of the platform API the channel needs: processing
// status and previously uploaded builds.
type registry interface {
	GetProcessingState(ctx context.Context, bundleID string, buildNumber int) (ports.ProcessingState, error)
	ListRecentBuilds(ctx context.Context, bundleID string, limit int) ([]ports.RemoteBuild, error)
}

// Channel joins a submission mechanism with the platform's build registry to
// satisfy the full upload contract. The REST registry cannot receive archive
// payloads itself, so submission goes through the primary strategy.
type Channel struct {
	primary  upload.Strategy
	registry registry
}

var _ ports.Upload = (*Channel)(nil)

// NewChannel returns an upload channel over the given mechanism and registry.
func NewChannel(primary upload.Strategy, reg registry) *Channel {
	return &Channel{primary: primary, registry: reg}
}

// Upload submits the archive through the primary mechanism.
func (c *Channel) Upload(ctx context.Context, archivePath string, creds ports.UploadCredentials, opts ports.UploadOptions) (ports.UploadResult, error) {
	if c.primary == nil {
		return ports.UploadResult{}, errors.New("no submission mechanism configured")
	}
	return c.primary.Upload(ctx, archivePath, creds, opts)
}

// GetProcessingState reports the platform's validation status for a build.
func (c *Channel) GetProcessingState(ctx context.Context, bundleID string, buildNumber int) (ports.ProcessingState, error) {
	return c.registry.GetProcessingState(ctx, bundleID, buildNumber)
}

// ListRecentBuilds returns previously uploaded builds for a bundle.
func (c *Channel) ListRecentBuilds(ctx context.Context, bundleID string, limit int) ([]ports.RemoteBuild, error) {
	return c.registry.ListRecentBuilds(ctx, bundleID, limit)
}
