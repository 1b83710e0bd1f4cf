package sandboxd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// UploadFile packs the local file as a single-entry tar and copies it into
// the sandbox at destDir (default /app/results).
func (m *Manager) UploadFile(ctx context.Context, sandboxID, localPath, destDir string) (*UploadResult, *ErrorRecord) {
	if destDir == "" {
		destDir = resultsDir
	}
	_, info, errRec := m.resolveRunning(ctx, sandboxID)
	if errRec != nil {
		return nil, errRec
	}
	if _, err := os.Stat(localPath); err != nil {
		return nil, errorRecord(KindRuntimeError, fmt.Sprintf("Local file not found: %s", localPath))
	}

	stream, err := tarSingleFile(localPath)
	if err != nil {
		slog.ErrorContext(ctx, "Manager.UploadFile pack", "sandbox", sandboxID, "error", err)
		return nil, errorRecord(KindRuntimeError, err.Error())
	}
	if err := m.runtime.PutArchive(ctx, info.ID, destDir, stream); err != nil {
		slog.ErrorContext(ctx, "Manager.UploadFile put", "sandbox", sandboxID, "error", err)
		return nil, errorRecord(KindRuntimeError, err.Error())
	}

	base := filepath.Base(localPath)
	slog.InfoContext(ctx, "Manager.UploadFile", "sandbox", sandboxID, "file", base, "dest", destDir)
	return &UploadResult{
		Success: true,
		Message: fmt.Sprintf("Uploaded %s to %s in sandbox %s", base, destDir, sandboxID),
	}, nil
}

// SandboxFile is one file read out of a sandbox, ready to stream to a
// client.
type SandboxFile struct {
	Name string
	Data []byte
}

// OpenFile reads a single file out of the sandbox. The runtime returns a
// tar stream; the member matching the path (stripped of its leading slash)
// is extracted, falling back to a basename-suffix match, then the first
// member.
func (m *Manager) OpenFile(ctx context.Context, sandboxID, filePath string) (*SandboxFile, *ErrorRecord) {
	record, err := m.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, errorRecord(KindRuntimeError, err.Error())
	}
	if record == nil {
		return nil, errorRecord(KindSandboxNotFound, fmt.Sprintf("Sandbox not found: %s", sandboxID))
	}

	rc, _, rerr := m.runtime.GetArchive(ctx, record.ContainerID, filePath)
	if rerr != nil {
		if IsNotFound(rerr) {
			return nil, errorRecord(KindSandboxNotFound, fmt.Sprintf("File not found in sandbox: %s", filePath))
		}
		slog.ErrorContext(ctx, "Manager.OpenFile", "sandbox", sandboxID, "path", filePath, "error", rerr)
		return nil, errorRecord(KindRuntimeError, rerr.Error())
	}
	defer rc.Close()

	data, name, err := extractArchiveMember(rc, filePath)
	if err != nil {
		return nil, errorRecord(KindSandboxNotFound, "File not found in sandbox")
	}
	m.touchLastUsed(sandboxID)
	return &SandboxFile{Name: name, Data: data}, nil
}
