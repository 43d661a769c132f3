// Package uploadtool holds the concrete submission mechanisms the upload
// coordinator tries in priority order, plus the composite channel that joins
// them with the build registry.
package uploadtool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"

	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// runner executes one external command and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var deliveryUUIDPattern = regexp.MustCompile(`Delivery UUID: ([0-9a-fA-F-]+)`)

// Altool submits archives with xcrun altool, the primary mechanism.
type Altool struct {
	logger *slog.Logger
	run    runner
}

// NewAltool returns the altool submission strategy.
func NewAltool(logger *slog.Logger) *Altool {
	return &Altool{logger: logger, run: defaultRunner}
}

// Name identifies the mechanism in logs and result metadata.
func (a *Altool) Name() string { return "altool" }

// Upload submits the archive and returns once the tool acknowledges receipt.
func (a *Altool) Upload(ctx context.Context, archivePath string, creds ports.UploadCredentials, opts ports.UploadOptions) (ports.UploadResult, error) {
	out, err := a.run(ctx, "xcrun", "altool",
		"--upload-app",
		"--type", "ios",
		"--file", archivePath,
		"--apiKey", creds.KeyID,
		"--apiIssuer", creds.IssuerID)
	if err != nil {
		return ports.UploadResult{}, fmt.Errorf("altool upload: %w: %s", err, tail(out))
	}

	result := ports.UploadResult{Metadata: map[string]string{}}
	if m := deliveryUUIDPattern.FindSubmatch(out); m != nil {
		result.Metadata["delivery_uuid"] = string(m[1])
	}
	a.logger.Info("altool upload accepted", "archive", archivePath, "bundle_id", opts.BundleID)
	return result, nil
}

// tail trims tool output to its final lines, where altool reports errors.
func tail(out []byte) []byte {
	const max = 4096
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > max {
		trimmed = trimmed[len(trimmed)-max:]
	}
	return trimmed
}
