package domain

import "fmt"

// ProgramType identifies the developer program a team is enrolled in.
type ProgramType string

// Developer program kinds.
const (
	ProgramIndividual   ProgramType = "individual"
	ProgramOrganization ProgramType = "organization"
	ProgramEnterprise   ProgramType = "enterprise"
)

// TeamStatus captures the team's standing with the platform.
type TeamStatus string

// Team statuses.
const (
	TeamActive    TeamStatus = "active"
	TeamInactive  TeamStatus = "inactive"
	TeamSuspended TeamStatus = "suspended"
)

// MemberRole is a team member's permission level.
type MemberRole string

// Member roles.
const (
	RoleAdmin     MemberRole = "admin"
	RoleDeveloper MemberRole = "developer"
)

// TeamMember links an email to a role within a team.
type TeamMember struct {
	Email string
	Role  MemberRole
}

// Team is the owning scope for certificates, profiles and app identifiers.
// Credentials never cross team boundaries.
type Team struct {
	ID      string
	Name    string
	Program ProgramType
	Status  TeamStatus
	Members []TeamMember
	AppIDs  []string
}

// Active reports whether the team may create or rotate credentials.
func (t Team) Active() bool {
	return t.Status == TeamActive
}

// Validate checks structural invariants, including the individual-program
// single-member rule.
func (t Team) Validate() error {
	if !ValidTeamID(t.ID) {
		return fmt.Errorf("team id %q malformed", t.ID)
	}
	if t.Program == ProgramIndividual && len(t.Members) > 1 {
		return fmt.Errorf("individual program team %s may have at most one member", t.ID)
	}
	return nil
}

// ValidTeamID reports whether id is a fixed-format 10-character alphanumeric token.
func ValidTeamID(id string) bool {
	if len(id) != 10 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
