package sandboxd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildLogStream(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n")))
}

func provisionerFixture(t *testing.T) (dockerfile, buildInfoPath string) {
	t.Helper()
	dir := t.TempDir()
	dockerfile = filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(dockerfile, []byte("FROM python:3.12-slim\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dockerfile, filepath.Join(dir, ".docker_build_info")
}

func TestEnsureImageBuildsWhenAbsent(t *testing.T) {
	dockerfile, infoPath := provisionerFixture(t)
	built := false
	rt := &mockRuntime{
		imageExistsFunc: func(ctx context.Context, tag string) (bool, error) {
			return false, nil
		},
		buildImageFunc: func(ctx context.Context, contextDir, df, tag string) (io.ReadCloser, error) {
			built = true
			if tag != "python-sandbox:latest" {
				t.Errorf("tag = %q", tag)
			}
			if df != "Dockerfile" {
				t.Errorf("dockerfile = %q", df)
			}
			return buildLogStream(`{"stream":"Step 1/1 : FROM python:3.12-slim"}`, `{"stream":"Successfully built"}`), nil
		},
	}
	p := NewProvisioner(rt, "python-sandbox:latest", dockerfile, infoPath, true)
	p.EnsureImage(context.Background())

	if !built {
		t.Fatal("expected a build")
	}
	data, err := os.ReadFile(infoPath)
	if err != nil {
		t.Fatalf("build record not written: %v", err)
	}
	var info struct {
		DockerfileHash string `json:"dockerfile_hash"`
		ImageName      string `json:"image_name"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if info.DockerfileHash != fileSHA256(dockerfile) {
		t.Errorf("recorded hash mismatch")
	}
	if info.ImageName != "python-sandbox:latest" {
		t.Errorf("image name = %q", info.ImageName)
	}
}

func TestEnsureImageSkipsWhenUnchanged(t *testing.T) {
	dockerfile, infoPath := provisionerFixture(t)
	built := false
	rt := &mockRuntime{
		buildImageFunc: func(ctx context.Context, contextDir, df, tag string) (io.ReadCloser, error) {
			built = true
			return buildLogStream(), nil
		},
	}
	p := NewProvisioner(rt, "python-sandbox:latest", dockerfile, infoPath, true)
	// Seed the record with the current hash.
	p.saveBuildInfo(context.Background())

	p.EnsureImage(context.Background())
	if built {
		t.Error("unchanged recipe must not trigger a rebuild")
	}
}

func TestEnsureImageRebuildsOnRecipeChange(t *testing.T) {
	dockerfile, infoPath := provisionerFixture(t)
	rt := &mockRuntime{
		buildImageFunc: func(ctx context.Context, contextDir, df, tag string) (io.ReadCloser, error) {
			return buildLogStream(`{"stream":"ok"}`), nil
		},
	}
	p := NewProvisioner(rt, "python-sandbox:latest", dockerfile, infoPath, true)
	p.saveBuildInfo(context.Background())

	if err := os.WriteFile(dockerfile, []byte("FROM python:3.13-slim\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	built := false
	rt.buildImageFunc = func(ctx context.Context, contextDir, df, tag string) (io.ReadCloser, error) {
		built = true
		return buildLogStream(`{"stream":"ok"}`), nil
	}

	p.EnsureImage(context.Background())
	if !built {
		t.Error("changed recipe must trigger a rebuild")
	}
}

func TestEnsureImageMissingRecipe(t *testing.T) {
	built := false
	rt := &mockRuntime{
		imageExistsFunc: func(ctx context.Context, tag string) (bool, error) {
			return false, nil
		},
		buildImageFunc: func(ctx context.Context, contextDir, df, tag string) (io.ReadCloser, error) {
			built = true
			return buildLogStream(), nil
		},
	}
	p := NewProvisioner(rt, "python-sandbox:latest", "/no/such/Dockerfile", filepath.Join(t.TempDir(), "info"), true)
	p.EnsureImage(context.Background())
	if built {
		t.Error("missing recipe must be skipped, not built")
	}
}

func TestBuildFailureSkipsRecord(t *testing.T) {
	dockerfile, infoPath := provisionerFixture(t)
	rt := &mockRuntime{
		imageExistsFunc: func(ctx context.Context, tag string) (bool, error) {
			return false, nil
		},
		buildImageFunc: func(ctx context.Context, contextDir, df, tag string) (io.ReadCloser, error) {
			return buildLogStream(`{"stream":"Step 1/1"}`, `{"error":"no space left on device"}`), nil
		},
	}
	p := NewProvisioner(rt, "python-sandbox:latest", dockerfile, infoPath, true)
	p.EnsureImage(context.Background())

	if _, err := os.Stat(infoPath); !os.IsNotExist(err) {
		t.Error("failed build must not write a build record")
	}
}
