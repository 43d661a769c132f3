// Package ports declares the narrow contracts the rule engine consumes.
// Implementations may shell out, speak HTTP or wrap an SDK; the core never
// assumes a transport.
package ports

import (
	"context"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
)

// SigningAuthority creates, lists and revokes certificates and provisioning
// profiles on the developer's behalf.
type SigningAuthority interface {
	ListCertificates(ctx context.Context, teamID string, certType domain.CertificateType) ([]domain.Certificate, error)
	CreateCertificate(ctx context.Context, teamID string, certType domain.CertificateType) (domain.Certificate, error)
	RevokeCertificate(ctx context.Context, certID string) error
	ListProfiles(ctx context.Context, teamID string) ([]domain.ProvisioningProfile, error)
	CreateProfile(ctx context.Context, appID string, certIDs []string, teamID string, profType domain.ProfileType, deviceIDs []string) (domain.ProvisioningProfile, error)
	UpdateProfile(ctx context.Context, profile domain.ProvisioningProfile) (domain.ProvisioningProfile, error)
	DeleteProfile(ctx context.Context, profileID string) error
	ListDevices(ctx context.Context, teamID string) ([]string, error)
}

// CredentialStore is an OS keychain-like store of private keys and certificates.
type CredentialStore interface {
	ImportCertificate(ctx context.Context, path, password string) (domain.Certificate, error)
	ExportCertificate(ctx context.Context, cert domain.Certificate, password, path string) error
	HasPrivateKey(ctx context.Context, cert domain.Certificate) bool
}

// BuildRequest carries everything the build tool needs for one archive.
type BuildRequest struct {
	ProjectRef    string
	Scheme        string
	Configuration string
	TeamID        string
	ProfileID     string
	Version       string
	BuildNumber   int
}

// BuildResult is the distributable archive produced by a successful build.
type BuildResult struct {
	ArchivePath string
	Size        int64
}

// Build compiles the application and produces a distributable archive.
// Failures carry the tool's diagnostics verbatim.
type Build interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
}

// UploadCredentials authenticate an upload to the distribution platform.
type UploadCredentials struct {
	KeyID    string
	IssuerID string
	KeyPath  string
}

// UploadOptions tune a single upload operation.
type UploadOptions struct {
	BundleID    string
	BuildNumber int
	Enhanced    bool
}

// UploadResult is the outcome of an upload attempt. Success is the only
// authoritative flag; callers must not rely on error returns.
type UploadResult struct {
	Success     bool
	BuildURL    string
	FinalState  ProcessingState
	Metadata    map[string]string
	AttemptErrs []string
}

// ProcessingState is the platform's asynchronous validation status for an
// uploaded build.
type ProcessingState string

// Processing states.
const (
	ProcessingInProgress ProcessingState = "processing"
	ProcessingValid      ProcessingState = "valid"
	ProcessingInvalid    ProcessingState = "invalid"
	ProcessingUnknown    ProcessingState = "unknown"
)

// Terminal reports whether the platform has finished validating the build.
func (s ProcessingState) Terminal() bool {
	return s == ProcessingValid || s == ProcessingInvalid
}

// RemoteBuild is one previously uploaded build known to the registry.
type RemoteBuild struct {
	Version     string
	BuildNumber int
	State       ProcessingState
}

// Upload transmits archives to the distribution platform and exposes its
// build registry and processing status.
type Upload interface {
	Upload(ctx context.Context, archivePath string, creds UploadCredentials, opts UploadOptions) (UploadResult, error)
	GetProcessingState(ctx context.Context, bundleID string, buildNumber int) (ProcessingState, error)
	ListRecentBuilds(ctx context.Context, bundleID string, limit int) ([]RemoteBuild, error)
}
