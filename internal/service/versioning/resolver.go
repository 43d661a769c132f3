// Package versioning computes the next marketing version and resolves
// build-number conflicts against the distribution platform's registry.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"

	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// IncrementKind selects which version component advances.
type IncrementKind string

// Increment kinds. No others are defined.
const (
	IncrementMajor IncrementKind = "major"
	IncrementMinor IncrementKind = "minor"
	IncrementPatch IncrementKind = "patch"
)

// Sentinel errors.
var (
	ErrMalformedVersion = errors.New("versioning: version is not major.minor.patch")
	ErrUnknownIncrement = errors.New("versioning: increment kind not recognized")
)

// remoteBuildsWindow bounds how far back the registry is consulted when
// resolving build numbers.
const remoteBuildsWindow = 50

// Resolver answers version and build-number questions for one bundle ID.
type Resolver struct {
	registry ports.Upload
	logger   *slog.Logger
}

// New returns a resolver backed by the platform's build registry.
func New(registry ports.Upload, logger *slog.Logger) *Resolver {
	return &Resolver{registry: registry, logger: logger}
}

// Validate checks that a marketing version is a strict major.minor.patch
// string (optional pre-release/build suffixes allowed).
func Validate(version string) error {
	if _, err := semver.StrictNewVersion(version); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedVersion, version, err)
	}
	return nil
}

// NextVersion applies the increment rule to a strict major.minor.patch string.
// Pre-release and build-metadata suffixes are accepted on input and dropped on
// increment. Anything else fails with ErrMalformedVersion.
func NextVersion(current string, kind IncrementKind) (string, error) {
	v, err := semver.StrictNewVersion(current)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedVersion, current, err)
	}
	// IncPatch on a pre-release only strips the suffix without advancing
	// patch, so suffixes come off before the increment is applied.
	base := *v
	if base.Prerelease() != "" || base.Metadata() != "" {
		base, _ = base.SetPrerelease("")
		base, _ = base.SetMetadata("")
	}
	var next semver.Version
	switch kind {
	case IncrementMajor:
		next = base.IncMajor()
	case IncrementMinor:
		next = base.IncMinor()
	case IncrementPatch:
		next = base.IncPatch()
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIncrement, kind)
	}
	return next.String(), nil
}

// ResolveBuildNumber returns a build number strictly greater than every build
// number the platform has ever recorded for the bundle, and greater than the
// local build. The candidate is localBuild+1; if the registry already holds a
// number at or above it (local and remote state drift after checkout resets),
// the candidate advances past the remote maximum.
//
// An unreachable registry must not block a release: resolution falls back to
// localBuild+1 and logs the degraded read. This trades consistency for
// availability and is deliberate, not silent data loss.
func (r *Resolver) ResolveBuildNumber(ctx context.Context, bundleID string, localBuild int) int {
	candidate := localBuild + 1
	builds, err := r.registry.ListRecentBuilds(ctx, bundleID, remoteBuildsWindow)
	if err != nil {
		r.logger.Warn("build registry unreachable, proceeding with local build number",
			"bundle_id", bundleID, "candidate", candidate, "error", err)
		return candidate
	}
	maxRemote := 0
	for _, b := range builds {
		if b.BuildNumber > maxRemote {
			maxRemote = b.BuildNumber
		}
	}
	if maxRemote >= candidate {
		r.logger.Info("build number conflict resolved against remote registry",
			"bundle_id", bundleID, "local", localBuild, "remote_max", maxRemote, "resolved", maxRemote+1)
		return maxRemote + 1
	}
	return candidate
}
