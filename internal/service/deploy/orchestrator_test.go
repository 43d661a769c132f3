package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/lock"
	"github.com/snooky23/apple-deploy-sub001/internal/ports"
	"github.com/snooky23/apple-deploy-sub001/internal/repository"
	"github.com/snooky23/apple-deploy-sub001/internal/service/profiles"
	"github.com/snooky23/apple-deploy-sub001/internal/service/signing"
	"github.com/snooky23/apple-deploy-sub001/internal/service/upload"
	"github.com/snooky23/apple-deploy-sub001/internal/service/versioning"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memoryRepo struct {
	mu      sync.Mutex
	records map[string]domain.Deployment
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[string]domain.Deployment)}
}

func (r *memoryRepo) CreateDeployment(_ context.Context, dep domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[dep.ID] = dep
	return nil
}

func (r *memoryRepo) SaveDeployment(_ context.Context, dep domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[dep.ID] = dep
	return nil
}

func (r *memoryRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (r *memoryRepo) ListDeploymentsByApp(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (r *memoryRepo) ListDeploymentsByTeam(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (r *memoryRepo) DeleteDeploymentsExpiredBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

// ctxRepo refuses writes once the caller's context is done, like the
// database-backed repository does.
type ctxRepo struct {
	memoryRepo
}

func (r *ctxRepo) CreateDeployment(ctx context.Context, dep domain.Deployment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memoryRepo.CreateDeployment(ctx, dep)
}

func (r *ctxRepo) SaveDeployment(ctx context.Context, dep domain.Deployment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memoryRepo.SaveDeployment(ctx, dep)
}

type fakeAuthority struct {
	certs    []domain.Certificate
	profiles []domain.ProvisioningProfile
}

func (f *fakeAuthority) ListCertificates(context.Context, string, domain.CertificateType) ([]domain.Certificate, error) {
	return f.certs, nil
}

func (f *fakeAuthority) CreateCertificate(_ context.Context, teamID string, certType domain.CertificateType) (domain.Certificate, error) {
	return domain.Certificate{ID: "minted", Type: certType, TeamID: teamID,
		ExpiresAt: baseTime.Add(10 * 365 * 24 * time.Hour)}, nil
}

func (f *fakeAuthority) RevokeCertificate(context.Context, string) error { return nil }

func (f *fakeAuthority) ListProfiles(context.Context, string) ([]domain.ProvisioningProfile, error) {
	return f.profiles, nil
}

func (f *fakeAuthority) CreateProfile(_ context.Context, appID string, certIDs []string, teamID string, profType domain.ProfileType, deviceIDs []string) (domain.ProvisioningProfile, error) {
	return domain.ProvisioningProfile{ID: "prof-new", AppID: appID, TeamID: teamID, Type: profType,
		ExpiresAt: baseTime.Add(10 * 365 * 24 * time.Hour), CertificateIDs: certIDs, DeviceIDs: deviceIDs}, nil
}

func (f *fakeAuthority) UpdateProfile(_ context.Context, p domain.ProvisioningProfile) (domain.ProvisioningProfile, error) {
	return p, nil
}

func (f *fakeAuthority) DeleteProfile(context.Context, string) error { return nil }

func (f *fakeAuthority) ListDevices(context.Context, string) ([]string, error) { return nil, nil }

type openStore struct{}

func (openStore) ImportCertificate(context.Context, string, string) (domain.Certificate, error) {
	return domain.Certificate{}, nil
}

func (openStore) ExportCertificate(context.Context, domain.Certificate, string, string) error {
	return nil
}

func (openStore) HasPrivateKey(context.Context, domain.Certificate) bool { return true }

type fakeBuild struct {
	err   error
	calls int
}

func (f *fakeBuild) Build(context.Context, ports.BuildRequest) (ports.BuildResult, error) {
	f.calls++
	if f.err != nil {
		return ports.BuildResult{}, f.err
	}
	return ports.BuildResult{ArchivePath: "/tmp/out/app.ipa", Size: 1 << 20}, nil
}

// cancelBuild cancels the run's context mid-build and reports the
// cancellation the way a context-aware tool runner would.
type cancelBuild struct {
	cancel context.CancelFunc
}

func (b *cancelBuild) Build(ctx context.Context, _ ports.BuildRequest) (ports.BuildResult, error) {
	b.cancel()
	return ports.BuildResult{}, ctx.Err()
}

type fakeStrategy struct {
	name  string
	err   error
	calls int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Upload(context.Context, string, ports.UploadCredentials, ports.UploadOptions) (ports.UploadResult, error) {
	f.calls++
	if f.err != nil {
		return ports.UploadResult{}, f.err
	}
	return ports.UploadResult{BuildURL: "https://example.test/builds/7"}, nil
}

type fakeChannel struct {
	states  []ports.ProcessingState
	builds  []ports.RemoteBuild
	polls   int
	stateMu sync.Mutex
}

func (f *fakeChannel) Upload(context.Context, string, ports.UploadCredentials, ports.UploadOptions) (ports.UploadResult, error) {
	return ports.UploadResult{}, nil
}

func (f *fakeChannel) GetProcessingState(context.Context, string, int) (ports.ProcessingState, error) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	state := ports.ProcessingInProgress
	if len(f.states) > 0 {
		if f.polls < len(f.states) {
			state = f.states[f.polls]
		} else {
			state = f.states[len(f.states)-1]
		}
	}
	f.polls++
	return state, nil
}

func (f *fakeChannel) ListRecentBuilds(context.Context, string, int) ([]ports.RemoteBuild, error) {
	return f.builds, nil
}

type testEnv struct {
	repo      repository.DeploymentRepository
	authority *fakeAuthority
	build     *fakeBuild
	strategy  *fakeStrategy
	channel   *fakeChannel
	orch      *Orchestrator
}

func newTestOrchestrator(opts ...func(*testEnv)) *testEnv {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		repo: newMemoryRepo(),
		authority: &fakeAuthority{certs: []domain.Certificate{{
			ID: "c1", Type: domain.CertTypeDistribution, TeamID: "ABCD123456",
			ExpiresAt: baseTime.Add(10 * 365 * 24 * time.Hour),
		}}},
		build:    &fakeBuild{},
		strategy: &fakeStrategy{name: "altool"},
		channel:  &fakeChannel{states: []ports.ProcessingState{ports.ProcessingValid}},
	}
	env.authority.profiles = []domain.ProvisioningProfile{{
		ID: "prof-1", AppID: "com.team.app", TeamID: "ABCD123456", Type: domain.ProfileTypeAppStore,
		ExpiresAt: baseTime.Add(10 * 365 * 24 * time.Hour), CertificateIDs: []string{"c1"},
	}}
	for _, opt := range opts {
		opt(env)
	}

	signingMgr := signing.New(env.authority, openStore{}, log)
	matcher := profiles.New(env.authority, log)
	versions := versioning.New(env.channel, log)
	coordinator := upload.NewCoordinator([]upload.Strategy{env.strategy}, env.channel, nil, log)

	env.orch = New(env.repo, signingMgr, matcher, versions, env.build, coordinator, env.channel,
		lock.NewMemoryLocker(), nil, nil, log)
	env.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return env
}

func baseRequest() Request {
	return Request{
		DeploymentID:   "dep-1",
		Team:           domain.Team{ID: "ABCD123456", Name: "Example", Status: domain.TeamActive},
		AppID:          "com.team.app",
		Type:           domain.DeployTestflight,
		ProjectRef:     "/srv/app/App.xcodeproj",
		Scheme:         "App",
		Configuration:  "release",
		CurrentVersion: "2.3.1",
		Increment:      versioning.IncrementMinor,
		LocalBuild:     41,
		InitiatedBy:    "ci@example.com",
	}
}

func TestRunHappyPath(t *testing.T) {
	env := newTestOrchestrator(func(e *testEnv) {
		e.channel.builds = []ports.RemoteBuild{{BuildNumber: 40}, {BuildNumber: 42}}
	})

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.Version != "2.4.0" {
		t.Fatalf("expected minor increment to 2.4.0, got %s", rec.Version)
	}
	if rec.BuildNumber != 43 {
		t.Fatalf("expected build number past remote max, got %d", rec.BuildNumber)
	}
	if rec.Metadata["upload_method"] != "altool" {
		t.Fatalf("expected winning mechanism recorded, got %q", rec.Metadata["upload_method"])
	}
	if rec.CompletedAt == nil {
		t.Fatal("expected completion timestamp on terminal record")
	}
	stored, err := env.repo.GetDeploymentByID(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("expected persisted terminal record, got %s", stored.Status)
	}
}

func TestRunTerminalIdempotence(t *testing.T) {
	env := newTestOrchestrator()
	done := domain.NewDeployment("dep-1", "ABCD123456", "com.team.app", domain.DeployTestflight, "ci", baseTime)
	done, _ = done.WithStatus(domain.StatusBuilding, baseTime)
	done, _ = done.WithStatus(domain.StatusFailed, baseTime.Add(time.Minute))
	_ = env.repo.CreateDeployment(context.Background(), done)

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("expected stored terminal record back, got %s", rec.Status)
	}
	if env.build.calls != 0 {
		t.Fatal("expected no re-execution of a terminal deployment")
	}
}

func TestRunRejectsInFlightDeployment(t *testing.T) {
	env := newTestOrchestrator()
	running := domain.NewDeployment("dep-1", "ABCD123456", "com.team.app", domain.DeployTestflight, "ci", baseTime)
	_ = env.repo.CreateDeployment(context.Background(), running)

	_, err := env.orch.Run(context.Background(), baseRequest())
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestRunCancellationPersistsTerminalRecord(t *testing.T) {
	repo := &ctxRepo{memoryRepo: memoryRepo{records: make(map[string]domain.Deployment)}}
	env := newTestOrchestrator(func(e *testEnv) { e.repo = repo })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.orch.build = &cancelBuild{cancel: cancel}

	rec, err := env.orch.Run(ctx, baseRequest())
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Err == nil || rec.Err.Kind != domain.ErrKindCancelled {
		t.Fatalf("expected cancelled kind, got %+v", rec.Err)
	}

	stored, err := repo.GetDeploymentByID(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if !stored.Status.Terminal() {
		t.Fatalf("expected terminal record in the store, got %s", stored.Status)
	}
	if stored.Err == nil || stored.Err.Kind != domain.ErrKindCancelled {
		t.Fatalf("expected cancelled kind persisted, got %+v", stored.Err)
	}

	// The identifier must not stay wedged: a later call sees the stored
	// terminal record instead of ErrInFlight.
	again, err := env.orch.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("re-invocation after cancellation returned error: %v", err)
	}
	if again.Status != domain.StatusFailed {
		t.Fatalf("expected stored failed record back, got %s", again.Status)
	}
}

func TestRunBuildFailureIsTerminalAndSkipsUpload(t *testing.T) {
	env := newTestOrchestrator(func(e *testEnv) {
		e.build.err = errors.New("error: cannot find module 'Core'")
	})

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected build error returned")
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Err == nil || rec.Err.Kind != domain.ErrKindBuildFailed {
		t.Fatalf("expected build_failed kind, got %+v", rec.Err)
	}
	if !strings.Contains(rec.Err.Message, "cannot find module 'Core'") {
		t.Fatalf("expected verbatim tool diagnostics, got %q", rec.Err.Message)
	}
	if env.strategy.calls != 0 {
		t.Fatal("expected upload never attempted after build failure")
	}
}

func TestRunMalformedVersionFailsAsVersionConflict(t *testing.T) {
	env := newTestOrchestrator()
	req := baseRequest()
	req.CurrentVersion = "2.3"

	rec, err := env.orch.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Err == nil || rec.Err.Kind != domain.ErrKindVersionConflict {
		t.Fatalf("expected version_conflict kind, got %+v", rec.Err)
	}
	if rec.Err.Context["component"] != domain.ErrKindMalformedVersion {
		t.Fatalf("expected malformed_version component, got %v", rec.Err.Context)
	}
	if env.build.calls != 0 {
		t.Fatal("expected no build for malformed version")
	}
}

func TestRunForeignCertificateFailsSigningSetup(t *testing.T) {
	env := newTestOrchestrator(func(e *testEnv) {
		e.authority.certs = []domain.Certificate{{
			ID: "c1", Type: domain.CertTypeDistribution, TeamID: "ZZZZ999999",
			ExpiresAt: baseTime.Add(10 * 365 * 24 * time.Hour),
		}}
	})

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Err == nil || rec.Err.Kind != domain.ErrKindSigningSetup {
		t.Fatalf("expected signing_setup_failed kind, got %+v", rec.Err)
	}
	if rec.Err.Context["component"] != domain.ErrKindTeamMismatch {
		t.Fatalf("expected team_mismatch component, got %v", rec.Err.Context)
	}
}

func TestRunPlatformRejectionFailsAsUploadFailed(t *testing.T) {
	env := newTestOrchestrator(func(e *testEnv) {
		e.channel.states = []ports.ProcessingState{ports.ProcessingInProgress, ports.ProcessingInvalid}
	})

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Err == nil || rec.Err.Kind != domain.ErrKindUploadFailed {
		t.Fatalf("expected upload_failed kind, got %+v", rec.Err)
	}
	if rec.Err.Context["reason"] != "platform_rejected_build" {
		t.Fatalf("expected platform rejection reason, got %v", rec.Err.Context)
	}
}

func TestRunProcessingTimeoutKeepsRemoteAmbiguous(t *testing.T) {
	env := newTestOrchestrator(func(e *testEnv) {
		e.channel.states = []ports.ProcessingState{ports.ProcessingInProgress}
	})
	clock := baseTime
	env.orch.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	env.orch.WithPolling(time.Second, 5*time.Minute)

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if rec.Err == nil || rec.Err.Kind != domain.ErrKindProcessingTimeout {
		t.Fatalf("expected processing_timeout kind, got %+v", rec.Err)
	}
	if !strings.Contains(rec.Err.Message, "may still complete") {
		t.Fatalf("expected ambiguity preserved in message, got %q", rec.Err.Message)
	}
	if rec.Err.Context["last_state"] == "" {
		t.Fatalf("expected last observed state recorded, got %v", rec.Err.Context)
	}
}

func TestRunUploadExhaustionFailsDeployment(t *testing.T) {
	env := newTestOrchestrator(func(e *testEnv) {
		e.strategy.err = errors.New("delivery refused")
	})

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Err == nil || rec.Err.Kind != domain.ErrKindUploadFailed {
		t.Fatalf("expected upload_failed kind, got %+v", rec.Err)
	}
	if len(rec.Logs) == 0 {
		t.Fatal("expected attempt failures in the deployment log")
	}
	var attemptLogged bool
	for _, line := range rec.Logs {
		if strings.Contains(line.Message, "delivery refused") {
			attemptLogged = true
		}
	}
	if !attemptLogged {
		t.Fatal("expected strategy failure retained in log lines")
	}
}

func TestRunFlagsExcessiveDuration(t *testing.T) {
	env := newTestOrchestrator()
	clock := baseTime
	env.orch.now = func() time.Time {
		clock = clock.Add(20 * time.Minute)
		return clock
	}
	env.orch.WithPolling(time.Second, 10*time.Hour)

	rec, err := env.orch.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if rec.Metadata["excessive_duration"] != "true" {
		t.Fatalf("expected excessive duration flag, got %v", rec.Metadata)
	}
	if rec.Status != domain.StatusCompleted {
		t.Fatalf("expected completion despite duration flag, got %s", rec.Status)
	}
}
