// Package signing decides whether existing certificates can be reused, applies
// the platform's per-type quantity limits, and selects a cleanup strategy when
// a team's quota is exhausted.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// Sentinel errors surfaced to the orchestrator. None of these are retried
// automatically: each represents state that must change externally first.
var (
	ErrTeamInactive  = errors.New("signing: team is not active")
	ErrTeamMismatch  = errors.New("signing: certificate belongs to another team")
	ErrQuotaExceeded = errors.New("signing: quota exhausted and no certificate can be freed")
)

// EnsureResult reports which certificates were kept and which were minted.
type EnsureResult struct {
	Reused  []domain.Certificate
	Created []domain.Certificate
}

// Certificates returns the full usable set, reused first.
func (r EnsureResult) Certificates() []domain.Certificate {
	out := make([]domain.Certificate, 0, len(r.Reused)+len(r.Created))
	out = append(out, r.Reused...)
	return append(out, r.Created...)
}

// Manager holds no state between calls; every decision is a pure function of
// the team's current certificate inventory and the local key store.
type Manager struct {
	authority ports.SigningAuthority
	store     ports.CredentialStore
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a signing identity manager.
func New(authority ports.SigningAuthority, store ports.CredentialStore, logger *slog.Logger) *Manager {
	return &Manager{
		authority: authority,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Ensure guarantees the team has `required` usable certificates of the given
// type, preferring reuse over creation since creation consumes a scarce quota.
//
// A certificate is reusable only when it is unexpired and its private key is
// present in the local credential store; a valid certificate without a local
// key cannot sign anything and counts only against the quota. When the quota
// is reached, an expired certificate is revoked first (frees a slot without
// losing anything useful); failing that, the valid certificate with the
// earliest expiry is rotated out.
func (m *Manager) Ensure(ctx context.Context, team domain.Team, certType domain.CertificateType, required int) (EnsureResult, error) {
	if !team.Active() {
		return EnsureResult{}, fmt.Errorf("%w: team %s is %s", ErrTeamInactive, team.ID, team.Status)
	}
	if !certType.Valid() {
		return EnsureResult{}, fmt.Errorf("signing: certificate type %q not recognized", certType)
	}
	if required < 1 {
		required = 1
	}

	certs, err := m.authority.ListCertificates(ctx, team.ID, certType)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("listing certificates for team %s: %w", team.ID, err)
	}
	for _, cert := range certs {
		if cert.TeamID != team.ID {
			return EnsureResult{}, fmt.Errorf("%w: certificate %s is scoped to %s, not %s",
				ErrTeamMismatch, cert.ID, cert.TeamID, team.ID)
		}
	}

	now := m.now()
	var valid, expired []domain.Certificate
	for _, cert := range certs {
		if cert.Expired(now) {
			expired = append(expired, cert)
		} else {
			valid = append(valid, cert)
		}
	}

	var result EnsureResult
	for _, cert := range valid {
		if len(result.Reused) == required {
			break
		}
		if m.store.HasPrivateKey(ctx, cert) {
			result.Reused = append(result.Reused, cert)
		}
	}
	if len(result.Reused) >= required {
		m.logger.Info("reusing signing identities",
			"team_id", team.ID, "type", certType, "count", len(result.Reused))
		return result, nil
	}

	quota := certType.Quota()
	live := len(certs)
	for len(result.Reused)+len(result.Created) < required {
		if live >= quota {
			freedID, err := m.freeSlot(ctx, team, valid, expired)
			if err != nil {
				return EnsureResult{}, err
			}
			live--
			valid = dropCert(valid, freedID)
			expired = dropCert(expired, freedID)
		}
		created, err := m.authority.CreateCertificate(ctx, team.ID, certType)
		if err != nil {
			return EnsureResult{}, fmt.Errorf("creating %s certificate for team %s: %w", certType, team.ID, err)
		}
		live++
		result.Created = append(result.Created, created)
		m.logger.Info("signing identity created",
			"team_id", team.ID, "type", certType, "certificate_id", created.ID)
	}
	return result, nil
}

// freeSlot revokes one certificate to make room, preferring expired ones, and
// returns the revoked identifier.
func (m *Manager) freeSlot(ctx context.Context, team domain.Team, valid, expired []domain.Certificate) (string, error) {
	victim, ok := selectRevocation(valid, expired)
	if !ok {
		// Zero certificates yet still at quota: the inventory and the
		// platform's count disagree, and revoking blindly could destroy
		// an identity we cannot see.
		return "", fmt.Errorf("%w: team %s", ErrQuotaExceeded, team.ID)
	}
	if err := m.authority.RevokeCertificate(ctx, victim.ID); err != nil {
		return "", fmt.Errorf("%w: revoking %s: %v", ErrQuotaExceeded, victim.ID, err)
	}
	m.logger.Info("signing identity revoked to free quota slot",
		"team_id", team.ID, "certificate_id", victim.ID, "expired", victim.Expired(m.now()))
	return victim.ID, nil
}

// selectRevocation picks the cheapest certificate to lose: any expired one,
// otherwise the valid one with the earliest expiry.
func selectRevocation(valid, expired []domain.Certificate) (domain.Certificate, bool) {
	if len(expired) > 0 {
		return expired[0], true
	}
	if len(valid) == 0 {
		return domain.Certificate{}, false
	}
	sorted := append([]domain.Certificate(nil), valid...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ExpiresAt.Before(sorted[j].ExpiresAt)
	})
	return sorted[0], true
}

func dropCert(certs []domain.Certificate, id string) []domain.Certificate {
	out := certs[:0]
	for _, c := range certs {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
