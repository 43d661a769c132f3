package domain

import (
	"fmt"
	"time"
)

// CertificateType distinguishes signing identity kinds.
type CertificateType string

// Certificate types recognized by the platform.
const (
	CertTypeDevelopment  CertificateType = "development"
	CertTypeDistribution CertificateType = "distribution"
)

// Platform-imposed limits on live certificates per type per team.
const (
	DevelopmentCertQuota  = 2
	DistributionCertQuota = 3
)

// Valid reports whether the type is one of the enumerated values.
func (t CertificateType) Valid() bool {
	return t == CertTypeDevelopment || t == CertTypeDistribution
}

// Quota returns the platform limit for the certificate type.
func (t CertificateType) Quota() int {
	if t == CertTypeDevelopment {
		return DevelopmentCertQuota
	}
	return DistributionCertQuota
}

// Certificate is one code-signing identity. Values are immutable once created;
// retirement is delegated to the signing authority, never done in place.
type Certificate struct {
	ID        string
	Name      string
	Type      CertificateType
	TeamID    string
	ExpiresAt time.Time
}

// Expired reports whether the certificate is past its expiry at the given instant.
func (c Certificate) Expired(at time.Time) bool {
	return !c.ExpiresAt.After(at)
}

// Validate checks structural invariants.
func (c Certificate) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("certificate id required")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("certificate type %q not recognized", c.Type)
	}
	if !ValidTeamID(c.TeamID) {
		return fmt.Errorf("certificate team id %q malformed", c.TeamID)
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("certificate expiry required")
	}
	return nil
}
