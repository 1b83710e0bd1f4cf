package sandboxd

import (
	"context"
	"io"
	"testing"

	"github.com/banksean/sandboxd/config"
	"github.com/banksean/sandboxd/store"
)

type mockRuntime struct {
	getFunc         func(ctx context.Context, id string) (*ContainerInfo, error)
	createFunc      func(ctx context.Context, spec ContainerSpec) (string, error)
	startFunc       func(ctx context.Context, id string) error
	stopFunc        func(ctx context.Context, id string, graceSeconds int) error
	removeFunc      func(ctx context.Context, id string, force bool) error
	execFunc        func(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error)
	putArchiveFunc  func(ctx context.Context, id, path string, tarStream io.Reader) error
	getArchiveFunc  func(ctx context.Context, id, path string) (io.ReadCloser, *PathStat, error)
	listFunc        func(ctx context.Context, all bool, labelFilters map[string]string) ([]ContainerInfo, error)
	logsFunc        func(ctx context.Context, id string, tail int) (string, error)
	imageExistsFunc func(ctx context.Context, tag string) (bool, error)
	buildImageFunc  func(ctx context.Context, contextDir, dockerfile, tag string) (io.ReadCloser, error)
}

func (m *mockRuntime) Get(ctx context.Context, id string) (*ContainerInfo, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return &ContainerInfo{ID: id, Status: "running"}, nil
}

func (m *mockRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, spec)
	}
	return "mock-container-id", nil
}

func (m *mockRuntime) Start(ctx context.Context, id string) error {
	if m.startFunc != nil {
		return m.startFunc(ctx, id)
	}
	return nil
}

func (m *mockRuntime) Stop(ctx context.Context, id string, graceSeconds int) error {
	if m.stopFunc != nil {
		return m.stopFunc(ctx, id, graceSeconds)
	}
	return nil
}

func (m *mockRuntime) Remove(ctx context.Context, id string, force bool) error {
	if m.removeFunc != nil {
		return m.removeFunc(ctx, id, force)
	}
	return nil
}

func (m *mockRuntime) Exec(ctx context.Context, id string, argv []string, opts ExecOpts) (*ExecResult, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, id, argv, opts)
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (m *mockRuntime) PutArchive(ctx context.Context, id, path string, tarStream io.Reader) error {
	if m.putArchiveFunc != nil {
		return m.putArchiveFunc(ctx, id, path, tarStream)
	}
	return nil
}

func (m *mockRuntime) GetArchive(ctx context.Context, id, path string) (io.ReadCloser, *PathStat, error) {
	if m.getArchiveFunc != nil {
		return m.getArchiveFunc(ctx, id, path)
	}
	return nil, nil, &notFoundError{err: io.EOF}
}

func (m *mockRuntime) List(ctx context.Context, all bool, labelFilters map[string]string) ([]ContainerInfo, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, all, labelFilters)
	}
	return nil, nil
}

func (m *mockRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	if m.logsFunc != nil {
		return m.logsFunc(ctx, id, tail)
	}
	return "", nil
}

func (m *mockRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	if m.imageExistsFunc != nil {
		return m.imageExistsFunc(ctx, tag)
	}
	return true, nil
}

func (m *mockRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) (io.ReadCloser, error) {
	if m.buildImageFunc != nil {
		return m.buildImageFunc(ctx, contextDir, dockerfile, tag)
	}
	return io.NopCloser(&emptyReader{}), nil
}

type emptyReader struct{}

func (e *emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, rt ContainerRuntime) (*Manager, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	cfg := config.Default()
	cfg.Auth.SecretKey = "test-secret"
	return NewManager(rt, st, cfg), st
}

func createTestUser(t *testing.T, st *store.Store, username string) *store.User {
	t.Helper()
	user, err := st.CreateUser(context.Background(), username, username+"@example.com", "hashed", "")
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}
