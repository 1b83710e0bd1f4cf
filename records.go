package sandboxd

import "time"

// Error kinds carried on structured records. Nothing in this package
// panics or raises across the tool boundary; handlers return these records.
const (
	KindAccessDenied         = "access_denied"
	KindQuotaExceeded        = "quota_exceeded"
	KindSandboxNotFound      = "sandbox_not_found"
	KindSandboxContainerGone = "sandbox_container_gone"
	KindCreateFailed         = "create_failed"
	KindRuntimeError         = "runtime_error"
)

// ErrorRecord is the common error shape returned by sandbox operations.
type ErrorRecord struct {
	Error   bool   `json:"error"`
	Kind    string `json:"-"`
	Message string `json:"message"`
}

// ExecutionResult is the outcome of running code or a command. A non-zero
// ExitCode from user code is a successful execution with non-zero status,
// not an error; Error is set only for failures of the machinery itself.
type ExecutionResult struct {
	Error     string   `json:"error,omitempty"`
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	ExitCode  int      `json:"exit_code"`
	Files     []string `json:"files"`
	FileLinks []string `json:"file_links"`
}

// CommandResult is the outcome of a terminal command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Install states for the package install table.
const (
	InstallStateInstalling = "installing"
	InstallStateSuccess    = "success"
	InstallStateFailed     = "failed"
	InstallStateNotFound   = "not_found"
	InstallStateError      = "error"
)

// InstallStatus is an entry in the in-memory package install table, keyed
// by "sandbox_id|package". Ephemeral; container state stays authoritative.
type InstallStatus struct {
	Status           string     `json:"status"`
	Message          string     `json:"message,omitempty"`
	Stderr           string     `json:"stderr,omitempty"`
	Complete         bool       `json:"complete"`
	Success          *bool      `json:"success,omitempty"`
	AlreadyInstalled bool       `json:"already_installed,omitempty"`
	StartedAt        time.Time  `json:"-"`
	EndedAt          *time.Time `json:"-"`
	ElapsedSeconds   float64    `json:"elapsed_seconds,omitempty"`
}

// DeleteResult reports the outcome of deleting a sandbox.
type DeleteResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	RemovedCount int    `json:"removed_count"`
}

// SandboxInfo is the API-surface view of a sandbox: the opaque sandbox id
// only, never the backing container id.
type SandboxInfo struct {
	SandboxID         string    `json:"sandbox_id"`
	Name              string    `json:"name"`
	CreatedAt         time.Time `json:"created_at"`
	InstalledPackages []Package `json:"installed_packages"`
}

// Package is one installed package as reported by the installer.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CreateResult is returned by sandbox creation.
type CreateResult struct {
	SandboxID string `json:"sandbox_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// UploadResult reports a file upload into a sandbox.
type UploadResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func errorRecord(kind, message string) *ErrorRecord {
	return &ErrorRecord{Error: true, Kind: kind, Message: message}
}
