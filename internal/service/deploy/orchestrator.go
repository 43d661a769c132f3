// Package deploy sequences a release through signing-identity validation,
// profile validation, version resolution, build, upload and confirmation,
// with per-stage failure policy.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/domain"
	"github.com/snooky23/apple-deploy-sub001/internal/lock"
	"github.com/snooky23/apple-deploy-sub001/internal/metrics"
	"github.com/snooky23/apple-deploy-sub001/internal/ports"
	"github.com/snooky23/apple-deploy-sub001/internal/repository"
	"github.com/snooky23/apple-deploy-sub001/internal/service/profiles"
	"github.com/snooky23/apple-deploy-sub001/internal/service/signing"
	"github.com/snooky23/apple-deploy-sub001/internal/service/upload"
	"github.com/snooky23/apple-deploy-sub001/internal/service/versioning"
)

// ErrInFlight indicates the deployment identifier is already being worked on.
var ErrInFlight = errors.New("deploy: deployment already in flight")

// Wall-clock ceiling past which a deployment duration is flagged as excessive.
const DefaultDurationCeiling = 2 * time.Hour

// Request carries everything needed to run one deployment.
type Request struct {
	DeploymentID   string
	Team           domain.Team
	AppID          string
	Type           domain.DeploymentType
	ProjectRef     string
	Scheme         string
	Configuration  string
	CurrentVersion string
	Increment      versioning.IncrementKind
	LocalBuild     int
	InitiatedBy    string
	Credentials    ports.UploadCredentials
	Enhanced       bool
}

// LogSink receives serialized log lines for live streaming. Implementations
// must be safe for concurrent use.
type LogSink interface {
	Broadcast(channel string, payload []byte)
}

// Orchestrator drives the deployment state machine. One orchestrator run is a
// single sequential workflow; each stage depends on the previous stage's
// output, so there is no internal parallelism.
type Orchestrator struct {
	repo         repository.DeploymentRepository
	signing      *signing.Manager
	profiles     *profiles.Matcher
	versions     *versioning.Resolver
	build        ports.Build
	uploader     *upload.Coordinator
	channel      ports.Upload
	locks        lock.TeamLocker
	sink         LogSink
	recorder     *metrics.Recorder
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	pollInterval time.Duration
	pollBudget   time.Duration
	ceiling      time.Duration
}

// New assembles an orchestrator.
func New(repo repository.DeploymentRepository, signingMgr *signing.Manager, matcher *profiles.Matcher,
	versions *versioning.Resolver, build ports.Build, uploader *upload.Coordinator, channel ports.Upload,
	locks lock.TeamLocker, sink LogSink, recorder *metrics.Recorder, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		signing:      signingMgr,
		profiles:     matcher,
		versions:     versions,
		build:        build,
		uploader:     uploader,
		channel:      channel,
		locks:        locks,
		sink:         sink,
		recorder:     recorder,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepCtx,
		pollInterval: upload.DefaultPollInterval,
		pollBudget:   upload.DefaultPollBudget,
		ceiling:      DefaultDurationCeiling,
	}
}

// WithPolling overrides the processing poll interval and budget. Zero values
// keep defaults.
func (o *Orchestrator) WithPolling(interval, budget time.Duration) *Orchestrator {
	if interval > 0 {
		o.pollInterval = interval
	}
	if budget > 0 {
		o.pollBudget = budget
	}
	return o
}

// Run executes the deployment and returns its final record.
//
// Re-invoking with an identifier that already reached a terminal status is a
// no-op returning the stored record; a failed run is never auto-resumed, the
// caller starts a new identifier instead. Re-invoking a non-terminal
// identifier fails with ErrInFlight.
func (o *Orchestrator) Run(ctx context.Context, req Request) (domain.Deployment, error) {
	existing, err := o.repo.GetDeploymentByID(ctx, req.DeploymentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return domain.Deployment{}, fmt.Errorf("checking deployment %s: %w", req.DeploymentID, err)
	}
	if existing != nil {
		if existing.Status.Terminal() {
			o.logger.Info("deployment already terminal, returning stored record",
				"deployment_id", existing.ID, "status", existing.Status)
			return *existing, nil
		}
		return *existing, ErrInFlight
	}

	release, err := o.locks.Acquire(ctx, req.Team.ID)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("serializing team %s: %w", req.Team.ID, err)
	}
	defer release()

	rec := domain.NewDeployment(req.DeploymentID, req.Team.ID, req.AppID, req.Type, req.InitiatedBy, o.now())
	rec = o.log(rec, "deployment initiated by %s for %s", req.InitiatedBy, req.AppID)
	if err := o.repo.CreateDeployment(ctx, rec); err != nil {
		return domain.Deployment{}, fmt.Errorf("recording deployment %s: %w", req.DeploymentID, err)
	}

	return o.execute(ctx, req, rec)
}

func (o *Orchestrator) execute(ctx context.Context, req Request, rec domain.Deployment) (domain.Deployment, error) {
	stageStart := o.now()

	// Signing-identity validation, profile validation and version resolution
	// all happen before the first transition; any failure here is terminal
	// with no retry, since the underlying state (quota, team membership,
	// malformed version) must change externally first.
	profile, version, buildNumber, failKind, errCtx, err := o.prepareSigning(ctx, req)
	if err != nil {
		return o.fail(ctx, rec, failKind, err, errCtx)
	}
	rec = o.log(rec, "signing ready: profile %s, version %s (%d)", profile.ID, version, buildNumber)
	rec = rec.WithVersion(version, buildNumber)
	rec = rec.WithMetadata("profile_id", profile.ID)

	rec, err = o.transition(ctx, rec, domain.StatusBuilding)
	if err != nil {
		return rec, err
	}
	o.recorder.StageObserved("signing_setup", o.now().Sub(stageStart))

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, rec, domain.ErrKindCancelled, err, nil)
	}

	// Build failures are deterministic code-level problems; the tool's error
	// is surfaced verbatim and never retried.
	stageStart = o.now()
	artifact, err := o.build.Build(ctx, ports.BuildRequest{
		ProjectRef:    req.ProjectRef,
		Scheme:        req.Scheme,
		Configuration: req.Configuration,
		TeamID:        req.Team.ID,
		ProfileID:     profile.ID,
		Version:       version,
		BuildNumber:   buildNumber,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(ctx, rec, domain.ErrKindCancelled, ctx.Err(), nil)
		}
		return o.fail(ctx, rec, domain.ErrKindBuildFailed, err, map[string]string{"scheme": req.Scheme})
	}
	rec = rec.WithArchive(artifact.ArchivePath, artifact.Size)
	rec = o.log(rec, "archive produced at %s (%d bytes)", artifact.ArchivePath, artifact.Size)
	rec, err = o.transition(ctx, rec, domain.StatusUploading)
	if err != nil {
		return rec, err
	}
	o.recorder.StageObserved("build", o.now().Sub(stageStart))

	stageStart = o.now()
	result := o.uploader.Upload(ctx, artifact.ArchivePath, req.Credentials, ports.UploadOptions{
		BundleID:    req.AppID,
		BuildNumber: buildNumber,
		Enhanced:    req.Enhanced,
	})
	for _, attempt := range result.AttemptErrs {
		rec = o.log(rec, "upload attempt failed: %s", attempt)
	}
	if !result.Success {
		if ctx.Err() != nil {
			return o.fail(ctx, rec, domain.ErrKindCancelled, ctx.Err(), result.Metadata)
		}
		return o.fail(ctx, rec, domain.ErrKindUploadFailed,
			fmt.Errorf("all upload strategies exhausted: %s", result.Metadata["error"]), result.Metadata)
	}
	rec = o.log(rec, "upload accepted via %s", result.Metadata["upload_method"])
	for k, v := range result.Metadata {
		rec = rec.WithMetadata(k, v)
	}
	if result.BuildURL != "" {
		rec.BuildURL = result.BuildURL
	}
	rec, err = o.transition(ctx, rec, domain.StatusProcessing)
	if err != nil {
		return rec, err
	}
	o.recorder.StageObserved("upload", o.now().Sub(stageStart))

	stageStart = o.now()
	rec, err = o.awaitProcessing(ctx, req, rec, result.FinalState, buildNumber)
	o.recorder.StageObserved("processing", o.now().Sub(stageStart))
	return rec, err
}

// prepareSigning runs the pre-build rule engine. The returned failKind is the
// orchestrator-level tag; the component's own error kind lands in the context.
func (o *Orchestrator) prepareSigning(ctx context.Context, req Request) (domain.ProvisioningProfile, string, int, string, map[string]string, error) {
	var none domain.ProvisioningProfile

	profType, err := profiles.RequiredProfileType(req.Configuration)
	if err != nil {
		return none, "", 0, domain.ErrKindSigningSetup, nil, err
	}
	ensured, err := o.signing.Ensure(ctx, req.Team, profType.CertificateType(), 1)
	if err != nil {
		return none, "", 0, domain.ErrKindSigningSetup, map[string]string{"component": signingErrKind(err)}, err
	}
	for _, cert := range ensured.Created {
		o.recorder.CertificateEvent("created", string(cert.Type))
	}

	profile, err := o.profiles.Resolve(ctx, req.AppID, ensured.Certificates(), req.Team.ID, req.Configuration)
	if err != nil {
		return none, "", 0, domain.ErrKindSigningSetup, map[string]string{"component": profileErrKind(err)}, err
	}

	version := req.CurrentVersion
	if req.Increment != "" {
		version, err = versioning.NextVersion(req.CurrentVersion, req.Increment)
	} else {
		err = versioning.Validate(req.CurrentVersion)
	}
	if err != nil {
		return none, "", 0, domain.ErrKindVersionConflict,
			map[string]string{"component": domain.ErrKindMalformedVersion}, err
	}
	buildNumber := o.versions.ResolveBuildNumber(ctx, req.AppID, req.LocalBuild)
	return profile, version, buildNumber, "", nil, nil
}

// awaitProcessing polls the upload channel until a terminal remote state is
// observed or the wait budget elapses. A budget overrun records the
// orchestrator's own timeout without declaring the remote build dead: the
// platform may still finish later, and status checks must be able to tell
// "our wait expired" from "the platform rejected the build".
func (o *Orchestrator) awaitProcessing(ctx context.Context, req Request, rec domain.Deployment, observed ports.ProcessingState, buildNumber int) (domain.Deployment, error) {
	deadline := o.now().Add(o.pollBudget)
	state := observed
	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, rec, domain.ErrKindCancelled, err, nil)
		}
		if o.now().After(deadline) {
			return o.fail(ctx, rec, domain.ErrKindProcessingTimeout,
				fmt.Errorf("processing not terminal after %s; the remote build may still complete", o.pollBudget),
				map[string]string{"last_state": string(state)})
		}
		polled, err := o.channel.GetProcessingState(ctx, req.AppID, buildNumber)
		if err != nil {
			o.logger.Warn("processing poll failed", "deployment_id", rec.ID, "error", err)
			polled = ports.ProcessingUnknown
		}
		if polled != state {
			rec = o.log(rec, "processing state: %s", polled)
			o.persist(ctx, rec)
		}
		state = polled
		if state.Terminal() {
			break
		}
		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return o.fail(ctx, rec, domain.ErrKindCancelled, err, nil)
		}
	}

	if state == ports.ProcessingInvalid {
		return o.fail(ctx, rec, domain.ErrKindUploadFailed,
			fmt.Errorf("platform rejected build %d", buildNumber),
			map[string]string{"reason": "platform_rejected_build"})
	}
	rec = o.log(rec, "build %d validated by the platform", buildNumber)
	return o.complete(ctx, rec)
}

func (o *Orchestrator) complete(ctx context.Context, rec domain.Deployment) (domain.Deployment, error) {
	next, err := rec.WithStatus(domain.StatusCompleted, o.now())
	if err != nil {
		return rec, err
	}
	next = o.flagExcessive(next)
	next = o.log(next, "deployment completed in %s", next.Duration.Round(time.Second))
	o.persist(ctx, next)
	o.recorder.DeploymentFinished(string(next.Type), string(next.Status))
	o.logger.Info("deployment completed",
		"deployment_id", next.ID, "app_id", next.AppID, "duration", next.Duration)
	return next, nil
}

// fail moves the record to terminal failed with the structured error. The
// error is also returned so callers see the failure directly.
func (o *Orchestrator) fail(ctx context.Context, rec domain.Deployment, kind string, cause error, errCtx map[string]string) (domain.Deployment, error) {
	next, terr := rec.WithStatus(domain.StatusFailed, o.now())
	if terr != nil {
		// Already terminal; keep the stored record authoritative.
		return rec, cause
	}
	next = next.WithError(kind, cause.Error(), errCtx)
	next = o.flagExcessive(next)
	next = o.log(next, "deployment failed (%s): %v", kind, cause)
	// The cause may be this context's own cancellation; the terminal record
	// still has to land in the store.
	o.persist(context.WithoutCancel(ctx), next)
	o.recorder.DeploymentFinished(string(next.Type), string(next.Status))
	o.logger.Error("deployment failed",
		"deployment_id", next.ID, "app_id", next.AppID, "kind", kind, "error", cause)
	return next, cause
}

func (o *Orchestrator) transition(ctx context.Context, rec domain.Deployment, next domain.DeploymentStatus) (domain.Deployment, error) {
	moved, err := rec.WithStatus(next, o.now())
	if err != nil {
		return rec, err
	}
	moved = o.log(moved, "stage %s", next)
	o.persist(ctx, moved)
	return moved, nil
}

func (o *Orchestrator) flagExcessive(rec domain.Deployment) domain.Deployment {
	if rec.Duration > o.ceiling {
		return rec.WithMetadata("excessive_duration", "true")
	}
	return rec
}

// log appends a timestamped line and fans it out to the streaming sink.
func (o *Orchestrator) log(rec domain.Deployment, format string, args ...any) domain.Deployment {
	out := rec.WithLog(o.now(), format, args...)
	if o.sink != nil {
		line := out.Logs[len(out.Logs)-1]
		payload, err := json.Marshal(map[string]any{
			"deployment_id": out.ID,
			"at":            line.At,
			"message":       line.Message,
			"status":        out.Status,
		})
		if err == nil {
			o.sink.Broadcast(out.AppID, payload)
		}
	}
	return out
}

func (o *Orchestrator) persist(ctx context.Context, rec domain.Deployment) {
	if err := o.repo.SaveDeployment(ctx, rec); err != nil {
		o.logger.Warn("save deployment record failed", "deployment_id", rec.ID, "error", err)
	}
}

func signingErrKind(err error) string {
	switch {
	case errors.Is(err, signing.ErrTeamMismatch):
		return domain.ErrKindTeamMismatch
	case errors.Is(err, signing.ErrQuotaExceeded):
		return domain.ErrKindQuotaExceeded
	default:
		return domain.ErrKindSigningSetup
	}
}

func profileErrKind(err error) string {
	switch {
	case errors.Is(err, profiles.ErrNoCompatibleCertificates):
		return domain.ErrKindNoCompatibleCerts
	case errors.Is(err, profiles.ErrProfileCreationFailed):
		return domain.ErrKindProfileCreation
	default:
		return domain.ErrKindSigningSetup
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
