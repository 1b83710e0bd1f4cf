package sandboxd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	// installWaitMax is the bounded fast-path wait: small installs appear
	// synchronous, longer ones return "installing" for status polling.
	installWaitMax  = 5 * time.Second
	installWaitStep = 100 * time.Millisecond
)

func installKey(sandboxID, pkg string) string {
	return sandboxID + "|" + pkg
}

// InstallPackage launches a package install in the background and waits up
// to five seconds for it to finish. Concurrent requests for the same
// (sandbox, package) pair are deduplicated through the install table: the
// absent-to-installing transition happens atomically under the table lock,
// so exactly one installer runs.
func (m *Manager) InstallPackage(ctx context.Context, sandboxID, pkg string) *InstallStatus {
	if _, _, errRec := m.resolve(ctx, sandboxID); errRec != nil {
		return &InstallStatus{Status: InstallStateError, Message: errRec.Message, Complete: true}
	}
	slog.InfoContext(ctx, "Manager.InstallPackage", "sandbox", sandboxID, "package", pkg)

	key := installKey(sandboxID, pkg)
	m.mu.Lock()
	if st, ok := m.installs[key]; ok {
		if st.Status == InstallStateInstalling && !st.Complete {
			m.mu.Unlock()
			return &InstallStatus{
				Status:  InstallStateInstalling,
				Message: fmt.Sprintf("Package %s installation already in progress", pkg),
			}
		}
		// A completed success is terminal; failed or not_found entries
		// fall through to a fresh attempt.
		if st.Complete && st.Status == InstallStateSuccess {
			cp := *st
			m.mu.Unlock()
			return &cp
		}
	}
	m.installs[key] = &InstallStatus{
		Status:    InstallStateInstalling,
		Message:   fmt.Sprintf("Installing %s...", pkg),
		StartedAt: time.Now(),
	}
	m.mu.Unlock()

	// The worker owns the terminal status write; detach it from the
	// request context so a disconnecting caller does not kill the install.
	go m.installWorker(context.WithoutCancel(ctx), sandboxID, pkg)

	if st, ok := m.waitInstall(key, installWaitMax); ok {
		slog.InfoContext(ctx, "Manager.InstallPackage fast path", "sandbox", sandboxID, "package", pkg, "status", st.Status)
		return st
	}
	slog.InfoContext(ctx, "Manager.InstallPackage backgrounded", "sandbox", sandboxID, "package", pkg)
	return &InstallStatus{
		Status:  InstallStateInstalling,
		Message: fmt.Sprintf("Installation of %s in progress. Use check_package_installation_status to monitor progress.", pkg),
	}
}

func (m *Manager) installWorker(ctx context.Context, sandboxID, pkg string) {
	key := installKey(sandboxID, pkg)
	st := m.runInstall(ctx, sandboxID, pkg)
	now := time.Now()
	st.EndedAt = &now
	st.Complete = true
	m.mu.Lock()
	m.installs[key] = st
	m.mu.Unlock()
}

func (m *Manager) runInstall(ctx context.Context, sandboxID, pkg string) *InstallStatus {
	_, info, errRec := m.resolveRunning(ctx, sandboxID)
	if errRec != nil {
		return failedInstall(fmt.Sprintf("Error: %s", errRec.Message), errRec.Message)
	}

	cmd := "uv pip install"
	if m.cfg.PyPI.IndexURL != "" {
		cmd += " --index-url " + m.cfg.PyPI.IndexURL
	}
	cmd += " " + pkg

	res, err := m.runtime.Exec(ctx, info.ID, []string{"sh", "-c", cmd}, ExecOpts{})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.runInstall", "sandbox", sandboxID, "package", pkg, "error", err)
		return failedInstall(fmt.Sprintf("Error: %s", err.Error()), err.Error())
	}
	output := res.Stdout + res.Stderr
	slog.InfoContext(ctx, "Manager.runInstall", "sandbox", sandboxID, "package", pkg, "exitCode", res.ExitCode)
	if res.ExitCode != 0 {
		return failedInstall(fmt.Sprintf("Failed to install %s: %s", pkg, output), output)
	}
	ok := true
	return &InstallStatus{
		Status:  InstallStateSuccess,
		Message: fmt.Sprintf("Successfully installed %s", pkg),
		Success: &ok,
	}
}

func failedInstall(message, stderr string) *InstallStatus {
	notOK := false
	return &InstallStatus{
		Status:  InstallStateFailed,
		Message: message,
		Stderr:  stderr,
		Success: &notOK,
	}
}

// waitInstall polls the install table until the entry completes or the
// window elapses. Polling keeps the semantics identical whether the worker
// lives in this process or not.
func (m *Manager) waitInstall(key string, window time.Duration) (*InstallStatus, bool) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		st, ok := m.installs[key]
		if ok && st.Complete {
			cp := *st
			m.mu.Unlock()
			return &cp, true
		}
		m.mu.Unlock()
		time.Sleep(installWaitStep)
	}
	return nil, false
}

// CheckPackageStatus reports the state of a package install: a completed
// table entry wins; an in-progress entry gets the bounded wait and then
// elapsed seconds attached; with no entry at all the container itself is
// probed, since it is the authority on what is installed.
func (m *Manager) CheckPackageStatus(ctx context.Context, sandboxID, pkg string) *InstallStatus {
	if _, _, errRec := m.resolve(ctx, sandboxID); errRec != nil {
		return &InstallStatus{Status: InstallStateError, Message: errRec.Message, Complete: true}
	}

	key := installKey(sandboxID, pkg)
	m.mu.Lock()
	st, exists := m.installs[key]
	var snapshot InstallStatus
	if exists {
		snapshot = *st
	}
	m.mu.Unlock()

	if exists && snapshot.Complete {
		return &snapshot
	}
	if exists && snapshot.Status == InstallStateInstalling {
		if done, ok := m.waitInstall(key, installWaitMax); ok {
			return done
		}
		slog.InfoContext(ctx, "Manager.CheckPackageStatus still installing", "sandbox", sandboxID, "package", pkg)
		snapshot.ElapsedSeconds = time.Since(snapshot.StartedAt).Seconds()
		return &snapshot
	}

	return m.probeInstalled(ctx, sandboxID, pkg)
}

// probeInstalled asks the container whether pkg is already present.
func (m *Manager) probeInstalled(ctx context.Context, sandboxID, pkg string) *InstallStatus {
	_, info, errRec := m.resolveRunning(ctx, sandboxID)
	if errRec != nil {
		return &InstallStatus{Status: InstallStateError, Message: errRec.Message, Complete: true}
	}
	res, err := m.runtime.Exec(ctx, info.ID,
		[]string{"sh", "-c", fmt.Sprintf("uv pip list | grep -i %s", pkg)}, ExecOpts{})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.probeInstalled", "sandbox", sandboxID, "package", pkg, "error", err)
		return &InstallStatus{
			Status:   InstallStateError,
			Message:  fmt.Sprintf("Error checking package status: %s", err.Error()),
			Complete: true,
		}
	}
	output := strings.TrimSpace(res.Stdout)
	if output != "" && strings.Contains(strings.ToLower(output), strings.ToLower(pkg)) {
		ok := true
		return &InstallStatus{
			Status:           InstallStateSuccess,
			Message:          fmt.Sprintf("Package %s is already installed", pkg),
			Complete:         true,
			Success:          &ok,
			AlreadyInstalled: true,
		}
	}
	notOK := false
	return &InstallStatus{
		Status:   InstallStateNotFound,
		Message:  fmt.Sprintf("No installation record found for %s", pkg),
		Complete: true,
		Success:  &notOK,
	}
}

var jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)

// ListInstalledPackages returns the container's installed packages. The
// installer may prefix its JSON with startup banners or warnings, so the
// first JSON array in the output is extracted before parsing. Any failure
// yields an empty list.
func (m *Manager) ListInstalledPackages(ctx context.Context, sandboxID string) []Package {
	_, info, errRec := m.resolve(ctx, sandboxID)
	if errRec != nil {
		slog.WarnContext(ctx, "Manager.ListInstalledPackages", "sandbox", sandboxID, "error", errRec.Message)
		return []Package{}
	}
	res, err := m.runtime.Exec(ctx, info.ID, []string{"sh", "-c", "uv pip list --format=json"}, ExecOpts{})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.ListInstalledPackages", "sandbox", sandboxID, "error", err)
		return []Package{}
	}
	raw := jsonArrayRe.FindString(res.Stdout)
	if raw == "" {
		slog.WarnContext(ctx, "Manager.ListInstalledPackages no JSON array in output", "sandbox", sandboxID)
		return []Package{}
	}
	var pkgs []Package
	if err := json.Unmarshal([]byte(raw), &pkgs); err != nil {
		slog.ErrorContext(ctx, "Manager.ListInstalledPackages parse", "sandbox", sandboxID, "error", err)
		return []Package{}
	}
	return pkgs
}
