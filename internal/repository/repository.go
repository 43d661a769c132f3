package repository

import (
	"context"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
)

// DeploymentRepository stores deployment run records for audit and compliance.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, dep domain.Deployment) error
	SaveDeployment(ctx context.Context, dep domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByApp(ctx context.Context, appID string, limit int) ([]domain.Deployment, error)
	ListDeploymentsByTeam(ctx context.Context, teamID string, limit int) ([]domain.Deployment, error)
	DeleteDeploymentsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// TeamRepository persists team registrations.
type TeamRepository interface {
	UpsertTeam(ctx context.Context, team domain.Team) error
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
	ListTeams(ctx context.Context) ([]domain.Team, error)
}
