package uploadtool

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// Transporter submits archives with iTMSTransporter, the fallback mechanism
// for environments where altool is unavailable or misbehaving.
type Transporter struct {
	keyDir string
	logger *slog.Logger
	run    runner
}

// NewTransporter returns the iTMSTransporter submission strategy. keyDir is
// where the tool expects API key files to live.
func NewTransporter(keyDir string, logger *slog.Logger) *Transporter {
	return &Transporter{keyDir: keyDir, logger: logger, run: defaultRunner}
}

// Name identifies the mechanism in logs and result metadata.
func (t *Transporter) Name() string { return "transporter" }

// Upload submits the archive over the transporter's own delivery protocol.
func (t *Transporter) Upload(ctx context.Context, archivePath string, creds ports.UploadCredentials, opts ports.UploadOptions) (ports.UploadResult, error) {
	args := []string{
		"iTMSTransporter",
		"-m", "upload",
		"-assetFile", archivePath,
		"-apiKey", creds.KeyID,
		"-apiIssuer", creds.IssuerID,
		"-v", "informational",
	}
	if t.keyDir != "" {
		args = append(args, "-itc_provider", filepath.Clean(t.keyDir))
	}
	out, err := t.run(ctx, "xcrun", args...)
	if err != nil {
		return ports.UploadResult{}, fmt.Errorf("transporter upload: %w: %s", err, tail(out))
	}
	t.logger.Info("transporter upload accepted", "archive", archivePath, "bundle_id", opts.BundleID)
	return ports.UploadResult{Metadata: map[string]string{}}, nil
}
