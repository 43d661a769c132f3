package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProfileType distinguishes provisioning profile kinds.
type ProfileType string

// Profile types recognized by the platform.
const (
	ProfileTypeDevelopment ProfileType = "development"
	ProfileTypeAppStore    ProfileType = "appstore"
	ProfileTypeAdHoc       ProfileType = "adhoc"
)

// Valid reports whether the type is one of the enumerated values.
func (t ProfileType) Valid() bool {
	switch t {
	case ProfileTypeDevelopment, ProfileTypeAppStore, ProfileTypeAdHoc:
		return true
	}
	return false
}

// RequiresDevices reports whether profiles of this type carry a device allowlist.
func (t ProfileType) RequiresDevices() bool {
	return t == ProfileTypeDevelopment || t == ProfileTypeAdHoc
}

// CertificateType returns the signing identity type the profile type trusts.
func (t ProfileType) CertificateType() CertificateType {
	if t == ProfileTypeDevelopment {
		return CertTypeDevelopment
	}
	return CertTypeDistribution
}

// ProvisioningProfile binds an app identifier, a team, a certificate set and
// (for non-store types) a device set. Values are immutable; refresh operations
// return a new value with the same identifier.
type ProvisioningProfile struct {
	ID             string
	Name           string
	Type           ProfileType
	AppID          string
	TeamID         string
	ExpiresAt      time.Time
	CertificateIDs []string
	DeviceIDs      []string
}

// Expired reports whether the profile is past its expiry at the given instant.
func (p ProvisioningProfile) Expired(at time.Time) bool {
	return !p.ExpiresAt.After(at)
}

// Wildcard reports whether the profile's app identifier ends in a wildcard suffix.
func (p ProvisioningProfile) Wildcard() bool {
	return strings.HasSuffix(p.AppID, ".*")
}

// Covers reports whether the profile's app identifier matches bundleID.
// A wildcard identifier `com.team.*` covers `com.team.anything` and, as a
// documented special case, the bare prefix `com.team` itself. It never covers
// identifiers that merely share a string prefix (`com.teamother`).
func (p ProvisioningProfile) Covers(bundleID string) bool {
	if !p.Wildcard() {
		return p.AppID == bundleID
	}
	prefix := strings.TrimSuffix(p.AppID, ".*")
	if bundleID == prefix {
		return true
	}
	return strings.HasPrefix(bundleID, prefix+".")
}

// TrustsAll reports whether the profile includes every given certificate ID.
// A usable profile must trust every identity that will sign the build, not
// merely one of them.
func (p ProvisioningProfile) TrustsAll(certIDs []string) bool {
	if len(certIDs) == 0 {
		return false
	}
	trusted := make(map[string]struct{}, len(p.CertificateIDs))
	for _, id := range p.CertificateIDs {
		trusted[id] = struct{}{}
	}
	for _, id := range certIDs {
		if _, ok := trusted[id]; !ok {
			return false
		}
	}
	return true
}

// WithCertificates returns a refreshed copy trusting the given certificate set.
// The identifier is retained; the certificate set is replaced wholesale.
func (p ProvisioningProfile) WithCertificates(certIDs []string, expires time.Time) ProvisioningProfile {
	refreshed := p
	refreshed.CertificateIDs = append([]string(nil), certIDs...)
	refreshed.ExpiresAt = expires
	return refreshed
}

// Validate checks structural invariants.
func (p ProvisioningProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile id required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("profile type %q not recognized", p.Type)
	}
	if len(p.CertificateIDs) == 0 {
		return fmt.Errorf("profile certificate set must not be empty")
	}
	if !ValidTeamID(p.TeamID) {
		return fmt.Errorf("profile team id %q malformed", p.TeamID)
	}
	if p.ExpiresAt.IsZero() {
		return fmt.Errorf("profile expiry required")
	}
	return nil
}
