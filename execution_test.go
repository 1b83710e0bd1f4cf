package sandboxd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// execScript routes mock execs by command shape so a single test can script
// the whole write/run/cleanup/discover sequence.
func execScript(t *testing.T, files map[string]int64, runResult *ExecResult) func(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error) {
	return func(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error) {
		cmd := strings.Join(argv, " ")
		switch {
		case strings.Contains(cmd, "cat > "+codeTempFile):
			if opts.WorkingDir != resultsDir {
				t.Errorf("write workdir = %q, want %q", opts.WorkingDir, resultsDir)
			}
			return &ExecResult{ExitCode: 0}, nil
		case cmd == "python "+codeTempFile:
			if opts.WorkingDir != resultsDir {
				t.Errorf("run workdir = %q, want %q", opts.WorkingDir, resultsDir)
			}
			return runResult, nil
		case strings.HasPrefix(cmd, "rm -f"):
			return &ExecResult{ExitCode: 0}, nil
		case strings.Contains(cmd, "ls -1"):
			var names []string
			for name := range files {
				names = append(names, name)
			}
			return &ExecResult{ExitCode: 0, Stdout: strings.Join(names, "\n")}, nil
		case strings.Contains(cmd, "stat -c"):
			for name, ctime := range files {
				if strings.Contains(cmd, name) {
					return &ExecResult{
						ExitCode: 0,
						Stdout:   fmt.Sprintf("%s/%s|%d\n", resultsDir, name, ctime),
					}, nil
				}
			}
			return &ExecResult{ExitCode: 1}, nil
		}
		t.Errorf("unexpected exec: %q", cmd)
		return &ExecResult{ExitCode: 1}, nil
	}
}

func TestExecuteCode(t *testing.T) {
	now := time.Now().Unix()
	files := map[string]int64{
		"plot.png": now + 1,   // produced by this run
		"old.csv":  now - 600, // pre-existing
	}
	rt := &mockRuntime{
		execFunc: execScript(t, files, &ExecResult{ExitCode: 0, Stdout: "hello\n"}),
	}
	m, st := newTestManager(t, rt)
	user := createTestUser(t, st, "alice")
	created, errRec := m.CreateSandbox(context.Background(), user.ID, "")
	if errRec != nil {
		t.Fatal(errRec.Message)
	}

	result := m.ExecuteCode(context.Background(), created.SandboxID, `print("hello")`)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	want := resultsDir + "/plot.png"
	if len(result.Files) != 1 || result.Files[0] != want {
		t.Errorf("files = %v, want [%s]", result.Files, want)
	}
	if len(result.FileLinks) != 1 {
		t.Fatalf("file links = %v", result.FileLinks)
	}
	link := result.FileLinks[0]
	if !strings.Contains(link, "/sandbox/file?sandbox_id="+created.SandboxID) {
		t.Errorf("link missing sandbox_id: %q", link)
	}
	if !strings.Contains(link, "file_path="+"%2Fapp%2Fresults%2Fplot.png") {
		t.Errorf("link missing escaped file_path: %q", link)
	}
	if strings.Contains(link, "api_key=") {
		t.Errorf("api_key appended without being configured: %q", link)
	}
}

func TestExecuteCodeWatermarkInclusive(t *testing.T) {
	start := time.Now().Unix()
	// Change time in the same second as the start must be reported.
	files := map[string]int64{"same-second.txt": start}
	rt := &mockRuntime{
		execFunc: execScript(t, files, &ExecResult{ExitCode: 0}),
	}
	m, st := newTestManager(t, rt)
	user := createTestUser(t, st, "bob")
	created, errRec := m.CreateSandbox(context.Background(), user.ID, "")
	if errRec != nil {
		t.Fatal(errRec.Message)
	}

	result := m.ExecuteCode(context.Background(), created.SandboxID, "open('same-second.txt','w')")
	if len(result.Files) != 1 {
		t.Fatalf("files = %v, want the same-second file", result.Files)
	}
}

func TestExecuteCodeNonZeroExit(t *testing.T) {
	rt := &mockRuntime{
		execFunc: execScript(t, nil, &ExecResult{ExitCode: 2, Stderr: "Traceback ...\n"}),
	}
	m, st := newTestManager(t, rt)
	user := createTestUser(t, st, "carol")
	created, errRec := m.CreateSandbox(context.Background(), user.ID, "")
	if errRec != nil {
		t.Fatal(errRec.Message)
	}

	result := m.ExecuteCode(context.Background(), created.SandboxID, "raise SystemExit(2)")
	// Failing user code is a successful execution with non-zero status.
	if result.Error != "" {
		t.Errorf("unexpected machinery error: %q", result.Error)
	}
	if result.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", result.ExitCode)
	}
	if result.Stderr != "Traceback ...\n" {
		t.Errorf("stderr = %q", result.Stderr)
	}
	if result.Files == nil || result.FileLinks == nil {
		t.Error("files and file_links must be empty slices, not nil")
	}
}

func TestExecuteCodePrepareFailure(t *testing.T) {
	rt := &mockRuntime{
		execFunc: func(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error) {
			return &ExecResult{ExitCode: 1, Stderr: "disk full"}, nil
		},
	}
	m, st := newTestManager(t, rt)
	user := createTestUser(t, st, "dave")
	created, errRec := m.CreateSandbox(context.Background(), user.ID, "")
	if errRec != nil {
		t.Fatal(errRec.Message)
	}

	result := m.ExecuteCode(context.Background(), created.SandboxID, "print(1)")
	if result.Error != "Failed to prepare code execution" {
		t.Errorf("error = %q", result.Error)
	}
	if result.Stderr != "disk full" {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestExecuteCodeSandboxNotFound(t *testing.T) {
	m, _ := newTestManager(t, &mockRuntime{})
	result := m.ExecuteCode(context.Background(), "missing", "print(1)")
	if result.Error == "" {
		t.Fatal("expected an error result")
	}
	if result.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", result.ExitCode)
	}
}

func TestExecuteCommand(t *testing.T) {
	rt := &mockRuntime{
		execFunc: func(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error) {
			if len(argv) != 3 || argv[0] != "sh" || argv[1] != "-c" || argv[2] != "ls /tmp" {
				t.Errorf("argv = %v", argv)
			}
			return &ExecResult{ExitCode: 0, Stdout: "code_to_run.py\n"}, nil
		},
	}
	m, st := newTestManager(t, rt)
	user := createTestUser(t, st, "erin")
	created, errRec := m.CreateSandbox(context.Background(), user.ID, "")
	if errRec != nil {
		t.Fatal(errRec.Message)
	}

	result := m.ExecuteCommand(context.Background(), created.SandboxID, "ls /tmp")
	if result.ExitCode != 0 || result.Stdout != "code_to_run.py\n" || result.Stderr != "" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteCommandTransportFailure(t *testing.T) {
	rt := &mockRuntime{
		execFunc: func(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error) {
			return nil, errors.New("engine unreachable")
		},
	}
	m, st := newTestManager(t, rt)
	user := createTestUser(t, st, "frank")
	created, errRec := m.CreateSandbox(context.Background(), user.ID, "")
	if errRec != nil {
		t.Fatal(errRec.Message)
	}

	result := m.ExecuteCommand(context.Background(), created.SandboxID, "true")
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}
	if result.Stdout != "" || result.Stderr != "engine unreachable" {
		t.Errorf("result = %+v", result)
	}
}

func TestFileLinkWithAPIKey(t *testing.T) {
	m, st := newTestManager(t, &mockRuntime{})
	m.cfg.Auth.APIKeyInLinks = true
	user, err := st.CreateUser(context.Background(), "grace", "grace@example.com", "hashed", "KEY123")
	if err != nil {
		t.Fatal(err)
	}

	link := m.fileLink(context.Background(), "sb-1", user.ID, "/app/results/a.png")
	wantSuffix := "/sandbox/file?sandbox_id=sb-1&file_path=%2Fapp%2Fresults%2Fa.png&api_key=KEY123"
	if !strings.HasSuffix(link, wantSuffix) {
		t.Errorf("link = %q, want suffix %q", link, wantSuffix)
	}
}
