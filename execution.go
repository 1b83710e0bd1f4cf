package sandboxd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const codeTempFile = "/tmp/code_to_run.py"

// ExecuteCode writes source into the sandbox, runs it with python, and
// discovers output files produced at or after the start watermark. A
// non-zero exit from user code is a successful execution with that status.
func (m *Manager) ExecuteCode(ctx context.Context, sandboxID, code string) *ExecutionResult {
	record, info, errRec := m.resolveRunning(ctx, sandboxID)
	if errRec != nil {
		return executionError(errRec.Message)
	}

	// Serialize the write/exec/delete triple: the temp file path inside
	// the container is fixed, so concurrent writers would race.
	lock := m.execLock(sandboxID)
	lock.Lock()
	defer lock.Unlock()

	startTS := time.Now().Unix()
	slog.InfoContext(ctx, "Manager.ExecuteCode", "sandbox", sandboxID, "bytes", len(code))

	writeCmd := fmt.Sprintf("cat > %s << 'EOL'\n%s\nEOL", codeTempFile, code)
	writeRes, err := m.runtime.Exec(ctx, info.ID, []string{"sh", "-c", writeCmd}, ExecOpts{WorkingDir: resultsDir})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.ExecuteCode write", "sandbox", sandboxID, "error", err)
		return executionError(err.Error())
	}
	if writeRes.ExitCode != 0 {
		out := writeRes.Stdout + writeRes.Stderr
		slog.ErrorContext(ctx, "Manager.ExecuteCode prepare failed", "sandbox", sandboxID, "output", out)
		return &ExecutionResult{
			Error:     "Failed to prepare code execution",
			Stderr:    out,
			ExitCode:  writeRes.ExitCode,
			Files:     []string{},
			FileLinks: []string{},
		}
	}

	execRes, err := m.runtime.Exec(ctx, info.ID, []string{"python", codeTempFile}, ExecOpts{WorkingDir: resultsDir})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.ExecuteCode exec", "sandbox", sandboxID, "error", err)
		return executionError(err.Error())
	}

	// Best-effort cleanup of the temp file.
	if _, err := m.runtime.Exec(ctx, info.ID, []string{"rm", "-f", codeTempFile}, ExecOpts{}); err != nil {
		slog.WarnContext(ctx, "Manager.ExecuteCode cleanup", "sandbox", sandboxID, "error", err)
	}

	newFiles := m.discoverNewFiles(ctx, info.ID, startTS)
	links := make([]string, 0, len(newFiles))
	for _, f := range newFiles {
		links = append(links, m.fileLink(ctx, record.ID, record.UserID, f))
	}

	slog.InfoContext(ctx, "Manager.ExecuteCode done", "sandbox", sandboxID, "exitCode", execRes.ExitCode, "newFiles", len(newFiles))
	return &ExecutionResult{
		Stdout:    execRes.Stdout,
		Stderr:    execRes.Stderr,
		ExitCode:  execRes.ExitCode,
		Files:     newFiles,
		FileLinks: links,
	}
}

// ExecuteCommand runs a shell command in the sandbox with demultiplexed
// capture. Transport failures surface as exit code -1.
func (m *Manager) ExecuteCommand(ctx context.Context, sandboxID, command string) *CommandResult {
	_, info, errRec := m.resolveRunning(ctx, sandboxID)
	if errRec != nil {
		return &CommandResult{Stderr: errRec.Message, ExitCode: -1}
	}
	slog.InfoContext(ctx, "Manager.ExecuteCommand", "sandbox", sandboxID, "command", command)

	res, err := m.runtime.Exec(ctx, info.ID, []string{"sh", "-c", command}, ExecOpts{})
	if err != nil {
		slog.ErrorContext(ctx, "Manager.ExecuteCommand", "sandbox", sandboxID, "error", err)
		return &CommandResult{Stderr: err.Error(), ExitCode: -1}
	}
	return &CommandResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
}

// discoverNewFiles lists the results directory and keeps entries whose
// change time is at or after the watermark. The comparison is inclusive at
// one-second resolution: a file written in the same second as the start is
// reported.
func (m *Manager) discoverNewFiles(ctx context.Context, containerID string, startTS int64) []string {
	listRes, err := m.runtime.Exec(ctx, containerID, []string{"sh", "-c", "ls -1 " + resultsDir}, ExecOpts{})
	if err != nil || listRes.ExitCode != 0 {
		return []string{}
	}

	var newFiles []string
	for _, name := range strings.Split(strings.TrimSpace(listRes.Stdout), "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		full := resultsDir + "/" + name
		statRes, err := m.runtime.Exec(ctx, containerID,
			[]string{"sh", "-c", fmt.Sprintf(`stat -c "%%n|%%Z" %q`, full)}, ExecOpts{})
		if err != nil || statRes.ExitCode != 0 {
			continue
		}
		parts := strings.SplitN(strings.TrimSpace(statRes.Stdout), "|", 2)
		if len(parts) != 2 {
			continue
		}
		ctime, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			continue
		}
		if ctime >= startTS {
			newFiles = append(newFiles, parts[0])
		}
	}
	if newFiles == nil {
		newFiles = []string{}
	}
	return newFiles
}

// fileLink synthesizes a download URL for a file inside the sandbox. The
// owner's api key is appended only when configured; it makes links usable
// directly from a browser at the cost of embedding a credential.
func (m *Manager) fileLink(ctx context.Context, sandboxID, userID, filePath string) string {
	link := fmt.Sprintf("%s/sandbox/file?sandbox_id=%s&file_path=%s",
		m.cfg.BaseURL(), url.QueryEscape(sandboxID), url.QueryEscape(filePath))
	if m.cfg.Auth.APIKeyInLinks {
		if user, err := m.store.GetUserByID(ctx, userID); err == nil && user != nil && user.APIKey != "" {
			link += "&api_key=" + url.QueryEscape(user.APIKey)
		}
	}
	return link
}

func executionError(msg string) *ExecutionResult {
	return &ExecutionResult{
		Error:     msg,
		Stderr:    msg,
		ExitCode:  1,
		Files:     []string{},
		FileLinks: []string{},
	}
}
