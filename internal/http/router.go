// Package httpx exposes the release service over HTTP: deployment triggers,
// record lookups, team registration and live log streaming.
package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/repository"
	"github.com/snooky23/apple-deploy-sub001/internal/service/deploy"
	"github.com/snooky23/apple-deploy-sub001/internal/service/versioning"
	"github.com/snooky23/apple-deploy-sub001/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Runner executes one deployment end to end.
type Runner interface {
	Run(ctx context.Context, req deploy.Request) (domain.Deployment, error)
}

// Router wires HTTP endpoints to the deployment services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	runner   Runner
	records  repository.DeploymentRepository
	teams    repository.TeamRepository
	hub      *ws.Hub
	upgrader websocket.Upgrader
	apiToken string
	dbHealth func(context.Context) error
	runCtx   context.Context
}

// NewRouter assembles routes with dependencies. runCtx bounds background
// deployment runs and should outlive individual requests.
func NewRouter(runCtx context.Context, logger *slog.Logger, runner Runner, records repository.DeploymentRepository,
	teams repository.TeamRepository, hub *ws.Hub, gatherer prometheus.Gatherer, apiToken string,
	dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		runner:  runner,
		records: records,
		teams:   teams,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		apiToken: strings.TrimSpace(apiToken),
		dbHealth: dbHealth,
		runCtx:   runCtx,
	}
	if r.runCtx == nil {
		r.runCtx = context.Background()
	}
	r.register(gatherer)
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register(gatherer prometheus.Gatherer) {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/teams", r.audit(r.requireToken(r.handleTeams)))
	r.mux.HandleFunc("/deployments", r.audit(r.requireToken(r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit(r.requireToken(r.handleDeploymentByID)))
	r.mux.HandleFunc("/ws/logs", r.audit(r.requireToken(r.handleLogsWS)))
	if gatherer != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

type deployPayload struct {
	DeploymentID   string `json:"deployment_id"`
	TeamID         string `json:"team_id"`
	AppID          string `json:"app_id"`
	Type           string `json:"type"`
	ProjectRef     string `json:"project_ref"`
	Scheme         string `json:"scheme"`
	Configuration  string `json:"configuration"`
	CurrentVersion string `json:"current_version"`
	Increment      string `json:"increment"`
	LocalBuild     int    `json:"local_build"`
	InitiatedBy    string `json:"initiated_by"`
	Enhanced       bool   `json:"enhanced"`
	Credentials    struct {
		KeyID    string `json:"key_id"`
		IssuerID string `json:"issuer_id"`
		KeyPath  string `json:"key_path"`
	} `json:"credentials"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleTrigger(w, req)
	case http.MethodGet:
		r.handleList(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTrigger(w http.ResponseWriter, req *http.Request) {
	var payload deployPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.AppID == "" || payload.TeamID == "" {
		writeError(w, http.StatusBadRequest, "team_id and app_id are required")
		return
	}
	depType := domain.DeploymentType(payload.Type)
	if !depType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown deployment type")
		return
	}
	team, err := r.teams.GetTeamByID(req.Context(), payload.TeamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "team not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if payload.DeploymentID == "" {
		payload.DeploymentID = uuid.NewString()
	}

	runReq := deploy.Request{
		DeploymentID:   payload.DeploymentID,
		Team:           *team,
		AppID:          payload.AppID,
		Type:           depType,
		ProjectRef:     payload.ProjectRef,
		Scheme:         payload.Scheme,
		Configuration:  payload.Configuration,
		CurrentVersion: payload.CurrentVersion,
		Increment:      incrementKind(payload.Increment),
		LocalBuild:     payload.LocalBuild,
		InitiatedBy:    payload.InitiatedBy,
		Enhanced:       payload.Enhanced,
	}
	runReq.Credentials.KeyID = payload.Credentials.KeyID
	runReq.Credentials.IssuerID = payload.Credentials.IssuerID
	runReq.Credentials.KeyPath = payload.Credentials.KeyPath

	go func() {
		if _, err := r.runner.Run(r.runCtx, runReq); err != nil {
			r.logger.Warn("deployment run finished with error",
				"deployment_id", runReq.DeploymentID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": runReq.DeploymentID,
		"status":        string(domain.StatusInitiated),
	})
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	appID := req.URL.Query().Get("app_id")
	teamID := req.URL.Query().Get("team_id")

	var (
		records []domain.Deployment
		err     error
	)
	switch {
	case appID != "":
		records, err = r.records.ListDeploymentsByApp(req.Context(), appID, limit)
	case teamID != "":
		records, err = r.records.ListDeploymentsByTeam(req.Context(), teamID, limit)
	default:
		writeError(w, http.StatusBadRequest, "app_id or team_id query parameter required")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]deploymentView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleDeploymentByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	rec, err := r.records.GetDeploymentByID(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*rec))
}

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		teams, err := r.teams.ListTeams(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, teams)
	case http.MethodPost, http.MethodPut:
		var payload struct {
			ID      string              `json:"id"`
			Name    string              `json:"name"`
			Program string              `json:"program"`
			Status  string              `json:"status"`
			Members []domain.TeamMember `json:"members"`
			AppIDs  []string            `json:"app_ids"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		team := domain.Team{
			ID:      payload.ID,
			Name:    payload.Name,
			Program: domain.ProgramType(payload.Program),
			Status:  domain.TeamStatus(payload.Status),
			Members: payload.Members,
			AppIDs:  payload.AppIDs,
		}
		if team.Status == "" {
			team.Status = domain.TeamActive
		}
		if err := team.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := r.teams.UpsertTeam(req.Context(), team); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	appID := req.URL.Query().Get("app_id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "app_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(appID, client)
	go func() {
		defer func() {
			r.hub.Unregister(appID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// requireToken guards mutating and read endpoints with the static service token.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiToken == "" {
			r.logger.Error("service token not configured", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "service authentication misconfigured")
			return
		}
		token := bearerToken(req)
		if len(token) != len(r.apiToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.apiToken)) != 1 {
			r.logger.Warn("service token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, req)
	}
}

func bearerToken(req *http.Request) string {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}

func incrementKind(raw string) versioning.IncrementKind {
	return versioning.IncrementKind(strings.ToLower(strings.TrimSpace(raw)))
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
