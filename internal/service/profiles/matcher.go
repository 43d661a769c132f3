// Package profiles finds or creates provisioning profiles compatible with a
// given app identifier, certificate set and build configuration.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// Sentinel errors surfaced to the orchestrator.
var (
	ErrNoCompatibleCertificates = errors.New("profiles: no certificates of the required type")
	ErrProfileCreationFailed    = errors.New("profiles: signing authority rejected profile creation")
	ErrUnknownBuildConfig       = errors.New("profiles: build configuration not recognized")
)

// Matcher resolves provisioning profiles against the signing authority.
type Matcher struct {
	authority ports.SigningAuthority
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a profile matcher.
func New(authority ports.SigningAuthority, logger *slog.Logger) *Matcher {
	return &Matcher{authority: authority, logger: logger, now: time.Now}
}

// RequiredProfileType derives the profile type a build configuration needs.
func RequiredProfileType(buildConfig string) (domain.ProfileType, error) {
	switch strings.ToLower(strings.TrimSpace(buildConfig)) {
	case "debug", "development":
		return domain.ProfileTypeDevelopment, nil
	case "release", "production", "appstore", "app-store":
		return domain.ProfileTypeAppStore, nil
	case "adhoc", "ad-hoc":
		return domain.ProfileTypeAdHoc, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBuildConfig, buildConfig)
}

// Resolve returns a profile covering appID that trusts every given certificate,
// preferring reuse of an existing profile over creating a new one since
// creation mutates platform-side state.
//
// An exact app-identifier match always wins over a wildcard match. Among
// equally-matched candidates the most recently issued one is chosen; profiles
// live a fixed platform term, so the latest expiry identifies the newest. A
// profile that still covers the app but no longer trusts the rotated
// certificate set is refreshed with the new set instead of duplicated.
func (m *Matcher) Resolve(ctx context.Context, appID string, certs []domain.Certificate, teamID, buildConfig string) (domain.ProvisioningProfile, error) {
	profType, err := RequiredProfileType(buildConfig)
	if err != nil {
		return domain.ProvisioningProfile{}, err
	}

	needType := profType.CertificateType()
	certIDs := make([]string, 0, len(certs))
	for _, cert := range certs {
		if cert.Type == needType {
			certIDs = append(certIDs, cert.ID)
		}
	}
	if len(certIDs) == 0 {
		return domain.ProvisioningProfile{}, fmt.Errorf("%w: app %s needs %s certificates",
			ErrNoCompatibleCertificates, appID, needType)
	}

	existing, err := m.authority.ListProfiles(ctx, teamID)
	if err != nil {
		return domain.ProvisioningProfile{}, fmt.Errorf("listing profiles for team %s: %w", teamID, err)
	}
	if match, ok := m.pick(existing, appID, teamID, profType, certIDs, true); ok {
		m.logger.Info("reusing provisioning profile",
			"team_id", teamID, "app_id", appID, "profile_id", match.ID, "wildcard", match.Wildcard())
		return match, nil
	}

	if stale, ok := m.pick(existing, appID, teamID, profType, certIDs, false); ok {
		refreshed, err := m.authority.UpdateProfile(ctx, stale.WithCertificates(certIDs, stale.ExpiresAt))
		if err != nil {
			return domain.ProvisioningProfile{}, fmt.Errorf("%w: refreshing profile %s: %v",
				ErrProfileCreationFailed, stale.ID, err)
		}
		m.logger.Info("provisioning profile refreshed after certificate rotation",
			"team_id", teamID, "app_id", appID, "stale_id", stale.ID, "profile_id", refreshed.ID)
		return refreshed, nil
	}

	var deviceIDs []string
	if profType.RequiresDevices() {
		deviceIDs, err = m.authority.ListDevices(ctx, teamID)
		if err != nil {
			return domain.ProvisioningProfile{}, fmt.Errorf("listing devices for team %s: %w", teamID, err)
		}
	}
	created, err := m.authority.CreateProfile(ctx, appID, certIDs, teamID, profType, deviceIDs)
	if err != nil {
		return domain.ProvisioningProfile{}, fmt.Errorf("%w: app %s: %v", ErrProfileCreationFailed, appID, err)
	}
	m.logger.Info("provisioning profile created",
		"team_id", teamID, "app_id", appID, "profile_id", created.ID, "type", profType)
	return created, nil
}

// pick filters candidates and applies the selection policy. With trusting
// false it selects among otherwise-compatible profiles whose trust set no
// longer covers the given certificates, the refresh candidates.
func (m *Matcher) pick(candidates []domain.ProvisioningProfile, appID, teamID string, profType domain.ProfileType, certIDs []string, trusting bool) (domain.ProvisioningProfile, bool) {
	now := m.now()
	var exact, wildcard []domain.ProvisioningProfile
	for _, p := range candidates {
		if p.Type != profType || p.TeamID != teamID || p.Expired(now) {
			continue
		}
		if !p.Covers(appID) || p.TrustsAll(certIDs) != trusting {
			continue
		}
		if p.Wildcard() {
			wildcard = append(wildcard, p)
		} else {
			exact = append(exact, p)
		}
	}
	pool := exact
	if len(pool) == 0 {
		pool = wildcard
	}
	if len(pool) == 0 {
		return domain.ProvisioningProfile{}, false
	}
	sort.Slice(pool, func(i, j int) bool {
		return pool[i].ExpiresAt.After(pool[j].ExpiresAt)
	})
	return pool[0], true
}
