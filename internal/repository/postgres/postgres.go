package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.TeamRepository       = (*Repository)(nil)
)

// CreateDeployment inserts a new run record.
func (r *Repository) CreateDeployment(ctx context.Context, dep domain.Deployment) error {
	const query = `INSERT INTO deployments
		(id, team_id, app_id, type, status, initiated_by, started_at, completed_at, duration_ms,
		 archive_path, archive_size, build_url, version, build_number, logs, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	logs, errPayload, metadata, err := marshalDeployment(dep)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		dep.ID, dep.TeamID, dep.AppID, dep.Type, dep.Status, dep.InitiatedBy,
		dep.StartedAt, dep.CompletedAt, dep.Duration.Milliseconds(),
		dep.ArchivePath, dep.ArchiveSize, dep.BuildURL, dep.Version, dep.BuildNumber,
		logs, errPayload, metadata)
	return err
}

// SaveDeployment stores the latest revision of an existing record.
func (r *Repository) SaveDeployment(ctx context.Context, dep domain.Deployment) error {
	const query = `UPDATE deployments SET
		status = $2, completed_at = $3, duration_ms = $4, archive_path = $5, archive_size = $6,
		build_url = $7, version = $8, build_number = $9, logs = $10, error = $11, metadata = $12
		WHERE id = $1`
	logs, errPayload, metadata, err := marshalDeployment(dep)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query,
		dep.ID, dep.Status, dep.CompletedAt, dep.Duration.Milliseconds(),
		dep.ArchivePath, dep.ArchiveSize, dep.BuildURL, dep.Version, dep.BuildNumber,
		logs, errPayload, metadata)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches one record.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = selectDeployment + ` WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	dep, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return dep, nil
}

// ListDeploymentsByApp returns recent deployments for a bundle identifier.
func (r *Repository) ListDeploymentsByApp(ctx context.Context, appID string, limit int) ([]domain.Deployment, error) {
	const query = selectDeployment + ` WHERE app_id = $1 ORDER BY started_at DESC LIMIT $2`
	return r.listDeployments(ctx, query, appID, normalizeLimit(limit))
}

// ListDeploymentsByTeam returns recent deployments for a team.
func (r *Repository) ListDeploymentsByTeam(ctx context.Context, teamID string, limit int) ([]domain.Deployment, error) {
	const query = selectDeployment + ` WHERE team_id = $1 ORDER BY started_at DESC LIMIT $2`
	return r.listDeployments(ctx, query, teamID, normalizeLimit(limit))
}

// DeleteDeploymentsExpiredBefore removes records whose per-type retention
// window ended before the cutoff and returns how many were pruned.
func (r *Repository) DeleteDeploymentsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `DELETE FROM deployments
		WHERE COALESCE(completed_at, started_at)
			+ CASE WHEN type IN ('app_store', 'enterprise')
				THEN INTERVAL '730 days' ELSE INTERVAL '90 days' END
			< $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UpsertTeam stores or refreshes a team registration.
func (r *Repository) UpsertTeam(ctx context.Context, team domain.Team) error {
	const query = `INSERT INTO teams (id, name, program, status, members, app_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, program = EXCLUDED.program, status = EXCLUDED.status,
			members = EXCLUDED.members, app_ids = EXCLUDED.app_ids`
	members, err := json.Marshal(team.Members)
	if err != nil {
		return fmt.Errorf("marshal team members: %w", err)
	}
	appIDs, err := json.Marshal(team.AppIDs)
	if err != nil {
		return fmt.Errorf("marshal team app ids: %w", err)
	}
	_, err = r.pool.Exec(ctx, query, team.ID, team.Name, team.Program, team.Status, members, appIDs)
	return err
}

// GetTeamByID returns one team.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, name, program, status, members, app_ids FROM teams WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	team, err := scanTeam(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return team, nil
}

// ListTeams returns every registered team.
func (r *Repository) ListTeams(ctx context.Context) ([]domain.Team, error) {
	const query = `SELECT id, name, program, status, members, app_ids FROM teams ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := make([]domain.Team, 0)
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *team)
	}
	return teams, rows.Err()
}

const selectDeployment = `SELECT id, team_id, app_id, type, status, initiated_by, started_at,
	completed_at, duration_ms, archive_path, archive_size, build_url, version, build_number,
	logs, error, metadata FROM deployments`

func (r *Repository) listDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}
	return deployments, rows.Err()
}

func marshalDeployment(dep domain.Deployment) (logs, errPayload, metadata []byte, err error) {
	logs, err = json.Marshal(dep.Logs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal deployment logs: %w", err)
	}
	if dep.Err != nil {
		errPayload, err = json.Marshal(dep.Err)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal deployment error: %w", err)
		}
	}
	meta := dep.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metadata, err = json.Marshal(meta)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal deployment metadata: %w", err)
	}
	return logs, errPayload, metadata, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		dep        domain.Deployment
		durationMS int64
		logs       []byte
		errPayload []byte
		metadata   []byte
	)
	if err := row.Scan(&dep.ID, &dep.TeamID, &dep.AppID, &dep.Type, &dep.Status, &dep.InitiatedBy,
		&dep.StartedAt, &dep.CompletedAt, &durationMS, &dep.ArchivePath, &dep.ArchiveSize,
		&dep.BuildURL, &dep.Version, &dep.BuildNumber, &logs, &errPayload, &metadata); err != nil {
		return nil, err
	}
	dep.Duration = time.Duration(durationMS) * time.Millisecond
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &dep.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal deployment logs: %w", err)
		}
	}
	if len(errPayload) > 0 {
		dep.Err = &domain.DeploymentError{}
		if err := json.Unmarshal(errPayload, dep.Err); err != nil {
			return nil, fmt.Errorf("unmarshal deployment error: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &dep.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal deployment metadata: %w", err)
		}
	}
	return &dep, nil
}

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var (
		team    domain.Team
		members []byte
		appIDs  []byte
	)
	if err := row.Scan(&team.ID, &team.Name, &team.Program, &team.Status, &members, &appIDs); err != nil {
		return nil, err
	}
	if len(members) > 0 {
		if err := json.Unmarshal(members, &team.Members); err != nil {
			return nil, fmt.Errorf("unmarshal team members: %w", err)
		}
	}
	if len(appIDs) > 0 {
		if err := json.Unmarshal(appIDs, &team.AppIDs); err != nil {
			return nil, fmt.Errorf("unmarshal team app ids: %w", err)
		}
	}
	return &team, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
