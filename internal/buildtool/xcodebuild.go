// Package buildtool produces distributable archives by shelling out to
// xcodebuild.
package buildtool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/ports"
)

// runner executes one external command and returns its combined output.
type runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Xcodebuild implements the build contract. Each build archives the project
// and exports a signed IPA into a per-build work directory.
type Xcodebuild struct {
	workDir string
	timeout time.Duration
	logger  *slog.Logger
	run     runner
	now     func() time.Time
}

var _ ports.Build = (*Xcodebuild)(nil)

// New returns a build tool writing artifacts under workDir.
func New(workDir string, timeout time.Duration, logger *slog.Logger) *Xcodebuild {
	if timeout <= 0 {
		timeout = 45 * time.Minute
	}
	return &Xcodebuild{
		workDir: workDir,
		timeout: timeout,
		logger:  logger,
		run:     defaultRunner,
		now:     time.Now,
	}
}

// Build archives and exports the app. Tool diagnostics are returned verbatim
// inside the error so callers can surface them unchanged.
func (x *Xcodebuild) Build(ctx context.Context, req ports.BuildRequest) (ports.BuildResult, error) {
	if req.ProjectRef == "" || req.Scheme == "" {
		return ports.BuildResult{}, errors.New("project reference and scheme are required")
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	buildDir := filepath.Join(x.workDir, fmt.Sprintf("%s-%d-%d", req.Scheme, req.BuildNumber, x.now().UnixNano()))
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return ports.BuildResult{}, fmt.Errorf("create build dir: %w", err)
	}
	archivePath := filepath.Join(buildDir, req.Scheme+".xcarchive")

	args := []string{
		"-scheme", req.Scheme,
		"-configuration", req.Configuration,
		"-archivePath", archivePath,
		"archive",
		"DEVELOPMENT_TEAM=" + req.TeamID,
		"CODE_SIGN_STYLE=Manual",
		"PROVISIONING_PROFILE_SPECIFIER=" + req.ProfileID,
		"MARKETING_VERSION=" + req.Version,
		fmt.Sprintf("CURRENT_PROJECT_VERSION=%d", req.BuildNumber),
	}
	args = append(projectArgs(req.ProjectRef), args...)

	x.logger.Info("archiving", "scheme", req.Scheme, "configuration", req.Configuration, "build_number", req.BuildNumber)
	started := x.now()
	out, err := x.run(ctx, filepath.Dir(req.ProjectRef), "xcodebuild", args...)
	if err != nil {
		return ports.BuildResult{}, fmt.Errorf("xcodebuild archive failed: %w\n%s", err, diagnostics(out))
	}
	x.logger.Info("archive complete", "duration", x.now().Sub(started).String())

	ipaPath, err := x.export(ctx, req, buildDir, archivePath)
	if err != nil {
		return ports.BuildResult{}, err
	}
	info, err := os.Stat(ipaPath)
	if err != nil {
		return ports.BuildResult{}, fmt.Errorf("locate exported archive: %w", err)
	}
	return ports.BuildResult{ArchivePath: ipaPath, Size: info.Size()}, nil
}

func (x *Xcodebuild) export(ctx context.Context, req ports.BuildRequest, buildDir, archivePath string) (string, error) {
	optionsPath := filepath.Join(buildDir, "ExportOptions.plist")
	if err := os.WriteFile(optionsPath, exportOptions(req), 0o644); err != nil {
		return "", fmt.Errorf("write export options: %w", err)
	}
	exportDir := filepath.Join(buildDir, "export")

	out, err := x.run(ctx, buildDir, "xcodebuild",
		"-exportArchive",
		"-archivePath", archivePath,
		"-exportPath", exportDir,
		"-exportOptionsPlist", optionsPath)
	if err != nil {
		return "", fmt.Errorf("xcodebuild export failed: %w\n%s", err, diagnostics(out))
	}

	matches, err := filepath.Glob(filepath.Join(exportDir, "*.ipa"))
	if err != nil || len(matches) == 0 {
		return "", errors.New("export produced no ipa")
	}
	return matches[0], nil
}

// projectArgs maps a project reference to the right xcodebuild flag.
func projectArgs(ref string) []string {
	if strings.HasSuffix(ref, ".xcworkspace") {
		return []string{"-workspace", ref}
	}
	return []string{"-project", ref}
}

func exportOptions(req ports.BuildRequest) []byte {
	method := "app-store"
	if strings.EqualFold(req.Configuration, "debug") {
		method = "development"
	}
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString("<plist version=\"1.0\">\n<dict>\n")
	fmt.Fprintf(&b, "\t<key>method</key>\n\t<string>%s</string>\n", method)
	fmt.Fprintf(&b, "\t<key>teamID</key>\n\t<string>%s</string>\n", req.TeamID)
	b.WriteString("\t<key>signingStyle</key>\n\t<string>manual</string>\n")
	b.WriteString("\t<key>uploadSymbols</key>\n\t<true/>\n")
	b.WriteString("</dict>\n</plist>\n")
	return b.Bytes()
}

// diagnostics trims tool output to the tail, where xcodebuild reports errors.
func diagnostics(out []byte) string {
	const maxDiagnostics = 8192
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > maxDiagnostics {
		trimmed = trimmed[len(trimmed)-maxDiagnostics:]
	}
	return string(trimmed)
}
