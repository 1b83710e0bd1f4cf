package sandboxd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banksean/sandboxd/config"
	"github.com/banksean/sandboxd/store"
)

const (
	// SandboxLabel marks every container this service owns. Containers
	// without it are never touched.
	SandboxLabel = "python-sandbox"
	// SandboxIDLabel binds a container back to its registry record.
	SandboxIDLabel = "sandbox_id"

	containerNamePrefix = "python-sandbox-"
	resultsDir          = "/app/results"
)

// Manager owns the sandbox lifecycle: it maps registry records to backing
// containers, enforces quotas, and carries the in-memory tracking tables.
// The source of truth for records is the store; for container state, the
// runtime.
type Manager struct {
	runtime ContainerRuntime
	store   *store.Store
	cfg     *config.Config

	// mu guards the in-memory tables below. Reads dominate; a single
	// coarse lock is sufficient.
	mu          sync.Mutex
	installs    map[string]*InstallStatus
	lastUsed    map[string]time.Time
	execLocks   map[string]*sync.Mutex
	createLocks map[string]*sync.Mutex
}

func NewManager(runtime ContainerRuntime, st *store.Store, cfg *config.Config) *Manager {
	return &Manager{
		runtime:     runtime,
		store:       st,
		cfg:         cfg,
		installs:    map[string]*InstallStatus{},
		lastUsed:    map[string]time.Time{},
		execLocks:   map[string]*sync.Mutex{},
		createLocks: map[string]*sync.Mutex{},
	}
}

// LoadSandboxRecords warms the last-used clock from containers already
// labelled as sandboxes. Best-effort; the clock is advisory.
func (m *Manager) LoadSandboxRecords(ctx context.Context) {
	containers, err := m.runtime.List(ctx, true, map[string]string{SandboxLabel: ""})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.LoadSandboxRecords", "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range containers {
		if id := c.Labels[SandboxIDLabel]; id != "" {
			m.lastUsed[id] = time.Now()
			slog.InfoContext(ctx, "Manager.LoadSandboxRecords", "sandbox", id, "container", c.ID)
		}
	}
}

// CreateSandbox creates a container with the fixed security spec, starts
// it, and persists the registry record binding sandbox id to container id.
// Start or persist failures roll the container back best-effort.
func (m *Manager) CreateSandbox(ctx context.Context, userID, name string) (*CreateResult, *ErrorRecord) {
	if userID == "" {
		return nil, errorRecord(KindAccessDenied, "User authentication required")
	}
	slog.InfoContext(ctx, "Manager.CreateSandbox", "userID", userID, "name", name)

	// Serialize count/create/persist per user so concurrent creates
	// cannot both pass the quota check at count = limit-1.
	lock := m.createLock(userID)
	lock.Lock()
	defer lock.Unlock()

	count, err := m.store.CountSandboxesByUser(ctx, userID)
	if err != nil {
		return nil, errorRecord(KindRuntimeError, err.Error())
	}
	limit := m.cfg.Auth.UserSandboxLimit
	if count >= limit {
		slog.WarnContext(ctx, "Manager.CreateSandbox quota", "userID", userID, "limit", limit)
		return nil, errorRecord(KindQuotaExceeded,
			fmt.Sprintf("You have reached the maximum limit of %d sandboxes. Please delete an existing sandbox before creating a new one.", limit))
	}

	sandboxID := uuid.NewString()
	containerName := containerNamePrefix + uuid.NewString()[:8]
	containerID, err := m.runtime.Create(ctx, ContainerSpec{
		Image: m.cfg.Docker.DefaultImage,
		Name:  containerName,
		Labels: map[string]string{
			SandboxLabel:   "true",
			SandboxIDLabel: sandboxID,
		},
		WorkingDir: resultsDir,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.CreateSandbox create", "error", err)
		return nil, errorRecord(KindCreateFailed, err.Error())
	}

	if err := m.runtime.Start(ctx, containerID); err != nil {
		slog.ErrorContext(ctx, "Manager.CreateSandbox start", "container", containerID, "error", err)
		m.removeContainerBestEffort(ctx, containerID)
		return nil, errorRecord(KindCreateFailed, err.Error())
	}

	record, err := m.store.CreateSandbox(ctx, store.CreateSandboxParams{
		ID:          sandboxID,
		UserID:      userID,
		Name:        name,
		ContainerID: containerID,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.CreateSandbox persist", "error", err)
		m.removeContainerBestEffort(ctx, containerID)
		return nil, errorRecord(KindCreateFailed, err.Error())
	}
	slog.InfoContext(ctx, "Manager.CreateSandbox", "sandbox", record.ID, "container", containerID, "containerName", containerName)

	m.touchLastUsed(record.ID)
	return &CreateResult{
		SandboxID: record.ID,
		UserID:    userID,
		Name:      record.Name,
		Status:    "active",
	}, nil
}

func (m *Manager) removeContainerBestEffort(ctx context.Context, containerID string) {
	if err := m.runtime.Remove(ctx, containerID, true); err != nil {
		slog.ErrorContext(ctx, "Manager.removeContainerBestEffort", "container", containerID, "error", err)
	}
}

// resolve maps a sandbox id to its record and live container, bumping the
// last-used clock on the way.
func (m *Manager) resolve(ctx context.Context, sandboxID string) (*store.Sandbox, *ContainerInfo, *ErrorRecord) {
	record, err := m.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, nil, errorRecord(KindRuntimeError, err.Error())
	}
	if record == nil {
		slog.WarnContext(ctx, "Manager.resolve not found", "sandbox", sandboxID)
		return nil, nil, errorRecord(KindSandboxNotFound, fmt.Sprintf("Sandbox not found: %s", sandboxID))
	}
	if record.ContainerID == "" {
		return nil, nil, errorRecord(KindSandboxContainerGone, fmt.Sprintf("No container ID for sandbox: %s", sandboxID))
	}
	info, err := m.runtime.Get(ctx, record.ContainerID)
	if err != nil {
		if IsNotFound(err) {
			slog.ErrorContext(ctx, "Manager.resolve container gone", "sandbox", sandboxID, "container", record.ContainerID)
			return nil, nil, errorRecord(KindSandboxContainerGone, fmt.Sprintf("Container not found for sandbox: %s", sandboxID))
		}
		return nil, nil, errorRecord(KindRuntimeError, err.Error())
	}
	m.touchLastUsed(sandboxID)
	return record, info, nil
}

// resolveRunning resolves the sandbox and ensures its container is
// running, starting it lazily if it has stopped. The returned handle stays
// valid for the caller's scope; containers persist across calls, so there
// is no release step.
func (m *Manager) resolveRunning(ctx context.Context, sandboxID string) (*store.Sandbox, *ContainerInfo, *ErrorRecord) {
	record, info, errRec := m.resolve(ctx, sandboxID)
	if errRec != nil {
		return nil, nil, errRec
	}
	if info.Status == "running" {
		return record, info, nil
	}
	slog.InfoContext(ctx, "Manager.resolveRunning container not running", "sandbox", sandboxID, "status", info.Status)
	if info.Status == "exited" {
		if logs, err := m.runtime.Logs(ctx, info.ID, 50); err == nil {
			slog.InfoContext(ctx, "Manager.resolveRunning exited container logs", "sandbox", sandboxID, "logs", logs)
		} else {
			slog.ErrorContext(ctx, "Manager.resolveRunning logs", "sandbox", sandboxID, "error", err)
		}
	}
	if err := m.runtime.Start(ctx, info.ID); err != nil {
		return nil, nil, errorRecord(KindRuntimeError, err.Error())
	}
	info, err := m.runtime.Get(ctx, info.ID)
	if err != nil {
		return nil, nil, errorRecord(KindRuntimeError, err.Error())
	}
	slog.InfoContext(ctx, "Manager.resolveRunning started", "sandbox", sandboxID, "container", info.ID)
	return record, info, nil
}

// DeleteSandbox removes the sandbox's containers and registry record.
// Container removal failures are logged and do not abort the delete;
// registry and tracking cleanup always completes.
func (m *Manager) DeleteSandbox(ctx context.Context, sandboxID string) *DeleteResult {
	slog.InfoContext(ctx, "Manager.DeleteSandbox", "sandbox", sandboxID)

	var targets []ContainerInfo
	record, err := m.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		slog.ErrorContext(ctx, "Manager.DeleteSandbox get record", "error", err)
	}
	if record != nil && record.ContainerID != "" {
		if info, err := m.runtime.Get(ctx, record.ContainerID); err == nil {
			targets = append(targets, *info)
		}
	}
	// Fall back to the sandbox_id label; strict id match first avoids
	// deleting unrelated containers on name collisions.
	if labelled, err := m.runtime.List(ctx, true, map[string]string{SandboxIDLabel: sandboxID}); err == nil {
		for _, c := range labelled {
			seen := false
			for _, t := range targets {
				if t.ID == c.ID {
					seen = true
					break
				}
			}
			if !seen {
				targets = append(targets, c)
			}
		}
	} else {
		slog.ErrorContext(ctx, "Manager.DeleteSandbox list", "error", err)
	}

	removed := 0
	for _, c := range targets {
		slog.InfoContext(ctx, "Manager.DeleteSandbox removing", "container", c.ID, "name", c.Name, "status", c.Status)
		if c.Status == "running" {
			if err := m.runtime.Stop(ctx, c.ID, 0); err != nil {
				slog.ErrorContext(ctx, "Manager.DeleteSandbox stop", "container", c.ID, "error", err)
			}
		}
		if err := m.runtime.Remove(ctx, c.ID, true); err != nil {
			slog.ErrorContext(ctx, "Manager.DeleteSandbox remove", "container", c.ID, "error", err)
			continue
		}
		removed++
	}

	if record != nil {
		if _, err := m.store.DeleteSandbox(ctx, sandboxID); err != nil {
			slog.ErrorContext(ctx, "Manager.DeleteSandbox registry", "error", err)
		}
	}
	m.dropTracking(sandboxID)

	if len(targets) == 0 {
		return &DeleteResult{
			Success: true,
			Message: fmt.Sprintf("No containers found for sandbox %s, but removed from tracking", sandboxID),
		}
	}
	return &DeleteResult{
		Success:      true,
		Message:      fmt.Sprintf("Sandbox %s deleted successfully (%d containers removed)", sandboxID, removed),
		RemovedCount: removed,
	}
}

func (m *Manager) dropTracking(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastUsed, sandboxID)
	delete(m.execLocks, sandboxID)
}

// ListSandboxes returns the user's sandboxes, each augmented with a
// best-effort snapshot of its installed packages.
func (m *Manager) ListSandboxes(ctx context.Context, userID string) ([]SandboxInfo, error) {
	records, err := m.store.ListSandboxesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SandboxInfo, 0, len(records))
	for _, r := range records {
		info := SandboxInfo{
			SandboxID:         r.ID,
			Name:              r.Name,
			CreatedAt:         r.CreatedAt,
			InstalledPackages: m.ListInstalledPackages(ctx, r.ID),
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *Manager) touchLastUsed(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed[sandboxID] = time.Now()
}

// execLock returns the per-sandbox mutex serializing the write/exec/delete
// triple around the fixed in-container temp file.
func (m *Manager) execLock(sandboxID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.execLocks[sandboxID]
	if !ok {
		l = &sync.Mutex{}
		m.execLocks[sandboxID] = l
	}
	return l
}

// createLock returns the per-user mutex guarding the quota check and the
// create/persist sequence behind it.
func (m *Manager) createLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.createLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.createLocks[userID] = l
	}
	return l
}
