package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
)

type fakeRepo struct {
	cutoffs []time.Time
	pruned  int
	err     error
}

func (f *fakeRepo) CreateDeployment(context.Context, domain.Deployment) error { return nil }
func (f *fakeRepo) SaveDeployment(context.Context, domain.Deployment) error   { return nil }

func (f *fakeRepo) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, nil
}

func (f *fakeRepo) ListDeploymentsByApp(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeRepo) ListDeploymentsByTeam(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeRepo) DeleteDeploymentsExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.err != nil {
		return 0, f.err
	}
	return f.pruned, nil
}

func TestSweepPassesCurrentCutoff(t *testing.T) {
	repo := &fakeRepo{pruned: 3}
	s := New(repo, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.sweep(context.Background())

	if len(repo.cutoffs) != 1 {
		t.Fatalf("expected one sweep, got %d", len(repo.cutoffs))
	}
	if !repo.cutoffs[0].Equal(at) {
		t.Fatalf("expected cutoff %s, got %s", at, repo.cutoffs[0])
	}
}

func TestSweepToleratesRepositoryFailure(t *testing.T) {
	repo := &fakeRepo{err: errors.New("db offline")}
	s := New(repo, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Must not panic; the next tick retries.
	s.sweep(context.Background())
	if len(repo.cutoffs) != 1 {
		t.Fatalf("expected the sweep attempt to reach the repository, got %d", len(repo.cutoffs))
	}
}
