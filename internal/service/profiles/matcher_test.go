package profiles

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAuthority struct {
	profiles   []domain.ProvisioningProfile
	devices    []string
	createErr  error
	updateErr  error
	listErr    error
	created    []domain.ProvisioningProfile
	updated    []domain.ProvisioningProfile
	deviceReqs int
}

func (f *fakeAuthority) ListCertificates(context.Context, string, domain.CertificateType) ([]domain.Certificate, error) {
	return nil, nil
}

func (f *fakeAuthority) CreateCertificate(context.Context, string, domain.CertificateType) (domain.Certificate, error) {
	return domain.Certificate{}, nil
}

func (f *fakeAuthority) RevokeCertificate(context.Context, string) error { return nil }

func (f *fakeAuthority) ListProfiles(context.Context, string) ([]domain.ProvisioningProfile, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.ProvisioningProfile(nil), f.profiles...), nil
}

func (f *fakeAuthority) CreateProfile(_ context.Context, appID string, certIDs []string, teamID string, profType domain.ProfileType, deviceIDs []string) (domain.ProvisioningProfile, error) {
	if f.createErr != nil {
		return domain.ProvisioningProfile{}, f.createErr
	}
	created := domain.ProvisioningProfile{
		ID:             "created-1",
		Name:           appID,
		Type:           profType,
		AppID:          appID,
		TeamID:         teamID,
		ExpiresAt:      baseTime.Add(365 * 24 * time.Hour),
		CertificateIDs: append([]string(nil), certIDs...),
		DeviceIDs:      append([]string(nil), deviceIDs...),
	}
	f.created = append(f.created, created)
	return created, nil
}

func (f *fakeAuthority) UpdateProfile(_ context.Context, profile domain.ProvisioningProfile) (domain.ProvisioningProfile, error) {
	if f.updateErr != nil {
		return domain.ProvisioningProfile{}, f.updateErr
	}
	f.updated = append(f.updated, profile)
	refreshed := profile
	refreshed.ID = "refreshed-" + profile.ID
	return refreshed, nil
}

func (f *fakeAuthority) DeleteProfile(context.Context, string) error { return nil }

func (f *fakeAuthority) ListDevices(context.Context, string) ([]string, error) {
	f.deviceReqs++
	return append([]string(nil), f.devices...), nil
}

func newTestMatcher(authority *fakeAuthority) *Matcher {
	m := New(authority, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return baseTime }
	return m
}

func distCert(id string) domain.Certificate {
	return domain.Certificate{ID: id, Type: domain.CertTypeDistribution, TeamID: "ABCD123456",
		ExpiresAt: baseTime.Add(200 * 24 * time.Hour)}
}

func profile(id, appID string, typ domain.ProfileType, certIDs []string, expiresIn time.Duration) domain.ProvisioningProfile {
	return domain.ProvisioningProfile{
		ID:             id,
		Name:           id,
		Type:           typ,
		AppID:          appID,
		TeamID:         "ABCD123456",
		ExpiresAt:      baseTime.Add(expiresIn),
		CertificateIDs: certIDs,
	}
}

func TestRequiredProfileType(t *testing.T) {
	cases := map[string]domain.ProfileType{
		"Debug":      domain.ProfileTypeDevelopment,
		"Release":    domain.ProfileTypeAppStore,
		"appstore":   domain.ProfileTypeAppStore,
		"ad-hoc":     domain.ProfileTypeAdHoc,
		"adhoc":      domain.ProfileTypeAdHoc,
		"production": domain.ProfileTypeAppStore,
	}
	for input, want := range cases {
		got, err := RequiredProfileType(input)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", input, err)
		}
		if got != want {
			t.Fatalf("%q: expected %s, got %s", input, want, got)
		}
	}
	if _, err := RequiredProfileType("nightly"); !errors.Is(err, ErrUnknownBuildConfig) {
		t.Fatalf("expected ErrUnknownBuildConfig, got %v", err)
	}
}

func TestResolveReusesExactMatch(t *testing.T) {
	authority := &fakeAuthority{profiles: []domain.ProvisioningProfile{
		profile("exact", "com.team.app", domain.ProfileTypeAppStore, []string{"c1"}, 100*24*time.Hour),
	}}
	m := newTestMatcher(authority)

	got, err := m.Resolve(context.Background(), "com.team.app", []domain.Certificate{distCert("c1")}, "ABCD123456", "release")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got.ID != "exact" {
		t.Fatalf("expected exact profile reused, got %s", got.ID)
	}
	if len(authority.created) != 0 {
		t.Fatal("expected no profile creation")
	}
}

func TestResolveExactBeatsWildcard(t *testing.T) {
	authority := &fakeAuthority{profiles: []domain.ProvisioningProfile{
		profile("wild", "com.team.*", domain.ProfileTypeAppStore, []string{"c1"}, 300*24*time.Hour),
		profile("exact", "com.team.app", domain.ProfileTypeAppStore, []string{"c1"}, 100*24*time.Hour),
	}}
	m := newTestMatcher(authority)

	got, err := m.Resolve(context.Background(), "com.team.app", []domain.Certificate{distCert("c1")}, "ABCD123456", "release")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got.ID != "exact" {
		t.Fatalf("expected exact match to win over wildcard, got %s", got.ID)
	}
}

func TestResolveWildcardCoversBarePrefix(t *testing.T) {
	authority := &fakeAuthority{profiles: []domain.ProvisioningProfile{
		profile("wild", "com.team.*", domain.ProfileTypeAppStore, []string{"c1"}, 300*24*time.Hour),
	}}
	m := newTestMatcher(authority)

	got, err := m.Resolve(context.Background(), "com.team", []domain.Certificate{distCert("c1")}, "ABCD123456", "release")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got.ID != "wild" {
		t.Fatalf("expected wildcard to cover its bare prefix, got %s", got.ID)
	}
}

func TestResolveRefreshesProfileAfterCertificateRotation(t *testing.T) {
	authority := &fakeAuthority{profiles: []domain.ProvisioningProfile{
		profile("partial", "com.team.app", domain.ProfileTypeAppStore, []string{"c1"}, 100*24*time.Hour),
	}}
	m := newTestMatcher(authority)

	// The partial profile trusts only c1; the rotated set adds c2, so the
	// profile is refreshed rather than duplicated.
	got, err := m.Resolve(context.Background(), "com.team.app",
		[]domain.Certificate{distCert("c1"), distCert("c2")}, "ABCD123456", "release")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if len(authority.updated) != 1 {
		t.Fatalf("expected one profile refresh, got %d", len(authority.updated))
	}
	want := authority.updated[0]
	if want.ID != "partial" {
		t.Fatalf("expected the stale profile refreshed, got %s", want.ID)
	}
	if len(want.CertificateIDs) != 2 {
		t.Fatalf("expected the rotated certificate set on the refresh, got %v", want.CertificateIDs)
	}
	if got.ID != "refreshed-partial" {
		t.Fatalf("expected the authority's replacement returned, got %s", got.ID)
	}
	if len(authority.created) != 0 {
		t.Fatal("expected no fresh profile next to the refreshed one")
	}
}

func TestResolveWrapsRefreshFailure(t *testing.T) {
	authority := &fakeAuthority{
		profiles: []domain.ProvisioningProfile{
			profile("partial", "com.team.app", domain.ProfileTypeAppStore, []string{"c1"}, 100*24*time.Hour),
		},
		updateErr: errors.New("authority down"),
	}
	m := newTestMatcher(authority)

	_, err := m.Resolve(context.Background(), "com.team.app",
		[]domain.Certificate{distCert("c1"), distCert("c2")}, "ABCD123456", "release")
	if !errors.Is(err, ErrProfileCreationFailed) {
		t.Fatalf("expected ErrProfileCreationFailed, got %v", err)
	}
}

func TestResolveSkipsExpiredProfiles(t *testing.T) {
	authority := &fakeAuthority{profiles: []domain.ProvisioningProfile{
		profile("stale", "com.team.app", domain.ProfileTypeAppStore, []string{"c1"}, -time.Hour),
	}}
	m := newTestMatcher(authority)

	got, err := m.Resolve(context.Background(), "com.team.app", []domain.Certificate{distCert("c1")}, "ABCD123456", "release")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got.ID != "created-1" {
		t.Fatalf("expected expired profile to be replaced, got %s", got.ID)
	}
}

func TestResolveFailsWithoutCompatibleCertificates(t *testing.T) {
	devCert := domain.Certificate{ID: "d1", Type: domain.CertTypeDevelopment, TeamID: "ABCD123456",
		ExpiresAt: baseTime.Add(200 * 24 * time.Hour)}
	m := newTestMatcher(&fakeAuthority{})

	_, err := m.Resolve(context.Background(), "com.team.app", []domain.Certificate{devCert}, "ABCD123456", "release")
	if !errors.Is(err, ErrNoCompatibleCertificates) {
		t.Fatalf("expected ErrNoCompatibleCertificates, got %v", err)
	}
}

func TestResolveIncludesDevicesForDevelopmentProfiles(t *testing.T) {
	authority := &fakeAuthority{devices: []string{"dev-1", "dev-2"}}
	devCert := domain.Certificate{ID: "d1", Type: domain.CertTypeDevelopment, TeamID: "ABCD123456",
		ExpiresAt: baseTime.Add(200 * 24 * time.Hour)}
	m := newTestMatcher(authority)

	got, err := m.Resolve(context.Background(), "com.team.app", []domain.Certificate{devCert}, "ABCD123456", "debug")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if authority.deviceReqs != 1 {
		t.Fatalf("expected one device lookup, got %d", authority.deviceReqs)
	}
	if len(got.DeviceIDs) != 2 {
		t.Fatalf("expected device allowlist on created profile, got %v", got.DeviceIDs)
	}
}

func TestResolveWrapsCreationFailure(t *testing.T) {
	authority := &fakeAuthority{createErr: errors.New("authority down")}
	m := newTestMatcher(authority)

	_, err := m.Resolve(context.Background(), "com.team.app", []domain.Certificate{distCert("c1")}, "ABCD123456", "release")
	if !errors.Is(err, ErrProfileCreationFailed) {
		t.Fatalf("expected ErrProfileCreationFailed, got %v", err)
	}
}
