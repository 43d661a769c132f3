package domain

import (
	"testing"
	"time"
)

func TestProfileCovers(t *testing.T) {
	wildcard := ProvisioningProfile{AppID: "com.team.*"}
	cases := []struct {
		bundleID string
		want     bool
	}{
		{"com.team.app", true},
		{"com.team.app.widget", true},
		{"com.team", true},
		{"com.teamother", false},
		{"com.other.app", false},
	}
	for _, tc := range cases {
		if got := wildcard.Covers(tc.bundleID); got != tc.want {
			t.Fatalf("Covers(%q) = %v, want %v", tc.bundleID, got, tc.want)
		}
	}

	exact := ProvisioningProfile{AppID: "com.team.app"}
	if !exact.Covers("com.team.app") {
		t.Fatal("exact identifier must cover itself")
	}
	if exact.Covers("com.team.app.widget") {
		t.Fatal("exact identifier must not cover sub-identifiers")
	}
}

func TestProfileTrustsAll(t *testing.T) {
	p := ProvisioningProfile{CertificateIDs: []string{"a", "b"}}
	if !p.TrustsAll([]string{"a"}) || !p.TrustsAll([]string{"a", "b"}) {
		t.Fatal("expected subsets of the trusted set to pass")
	}
	if p.TrustsAll([]string{"a", "c"}) {
		t.Fatal("expected failure when any certificate is untrusted")
	}
	if p.TrustsAll(nil) {
		t.Fatal("an empty requirement set must not pass")
	}
}

func TestProfileWithCertificatesKeepsIdentifier(t *testing.T) {
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	p := ProvisioningProfile{ID: "prof-1", CertificateIDs: []string{"old"}}
	refreshed := p.WithCertificates([]string{"new-1", "new-2"}, expires)

	if refreshed.ID != "prof-1" {
		t.Fatalf("expected identifier retained, got %s", refreshed.ID)
	}
	if len(refreshed.CertificateIDs) != 2 {
		t.Fatalf("expected replacement certificate set, got %v", refreshed.CertificateIDs)
	}
	if len(p.CertificateIDs) != 1 || p.CertificateIDs[0] != "old" {
		t.Fatalf("original value mutated: %v", p.CertificateIDs)
	}
}

func TestValidTeamID(t *testing.T) {
	if !ValidTeamID("ABCD123456") {
		t.Fatal("expected 10-char alphanumeric id to validate")
	}
	for _, id := range []string{"", "SHORT", "ABCD1234567", "ABCD-12345"} {
		if ValidTeamID(id) {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}

func TestIndividualProgramSingleMemberRule(t *testing.T) {
	team := Team{
		ID:      "ABCD123456",
		Program: ProgramIndividual,
		Status:  TeamActive,
		Members: []TeamMember{{Email: "a@example.com", Role: RoleAdmin}},
	}
	if err := team.Validate(); err != nil {
		t.Fatalf("single-member individual team should validate: %v", err)
	}
	team.Members = append(team.Members, TeamMember{Email: "b@example.com", Role: RoleDeveloper})
	if err := team.Validate(); err == nil {
		t.Fatal("expected second member to be rejected for individual program")
	}
}

func TestProfileTypeCertificateMapping(t *testing.T) {
	if ProfileTypeDevelopment.CertificateType() != CertTypeDevelopment {
		t.Fatal("development profiles must trust development certificates")
	}
	if ProfileTypeAppStore.CertificateType() != CertTypeDistribution {
		t.Fatal("app store profiles must trust distribution certificates")
	}
	if !ProfileTypeAdHoc.RequiresDevices() || ProfileTypeAppStore.RequiresDevices() {
		t.Fatal("device allowlist requirement mismatch")
	}
}
