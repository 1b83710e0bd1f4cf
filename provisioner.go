package sandboxd

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// buildInfo is the persisted image build record. The recipe hash gates
// rebuilds across restarts.
type buildInfo struct {
	DockerfileHash string `json:"dockerfile_hash"`
	BuildTime      string `json:"build_time"`
	ImageName      string `json:"image_name"`
}

// Provisioner ensures the sandbox image exists and rebuilds it when the
// build recipe changes.
type Provisioner struct {
	runtime        ContainerRuntime
	imageTag       string
	dockerfilePath string
	buildInfoPath  string
	checkChanges   bool
}

func NewProvisioner(runtime ContainerRuntime, imageTag, dockerfilePath, buildInfoPath string, checkChanges bool) *Provisioner {
	return &Provisioner{
		runtime:        runtime,
		imageTag:       imageTag,
		dockerfilePath: dockerfilePath,
		buildInfoPath:  buildInfoPath,
		checkChanges:   checkChanges,
	}
}

// EnsureImage builds the sandbox image if the tag is absent or the recipe
// hash no longer matches the stored build record. Build failures are logged
// and swallowed: container creation will still be attempted from the tag if
// one exists.
func (p *Provisioner) EnsureImage(ctx context.Context) {
	exists, err := p.runtime.ImageExists(ctx, p.imageTag)
	if err != nil {
		slog.ErrorContext(ctx, "Provisioner.EnsureImage inspect", "image", p.imageTag, "error", err)
		return
	}
	if exists {
		slog.InfoContext(ctx, "Provisioner.EnsureImage", "status", "present", "image", p.imageTag)
	} else {
		slog.InfoContext(ctx, "Provisioner.EnsureImage", "status", "absent", "image", p.imageTag)
	}

	needRebuild := !exists
	if exists && p.checkChanges {
		if _, err := os.Stat(p.dockerfilePath); err == nil {
			current := fileSHA256(p.dockerfilePath)
			previous := p.loadPreviousHash(ctx)
			if previous != current {
				slog.InfoContext(ctx, "Provisioner.EnsureImage recipe changed", "previous", previous, "current", current)
				needRebuild = true
			}
		}
	}
	if !needRebuild {
		return
	}

	if _, err := os.Stat(p.dockerfilePath); err != nil {
		slog.ErrorContext(ctx, "Provisioner.EnsureImage recipe missing, falling back to existing tag", "path", p.dockerfilePath)
		return
	}
	p.build(ctx)
}

func (p *Provisioner) build(ctx context.Context) {
	slog.InfoContext(ctx, "Provisioner.build", "image", p.imageTag, "dockerfile", p.dockerfilePath)
	dir := filepath.Dir(p.dockerfilePath)
	logStream, err := p.runtime.BuildImage(ctx, dir, filepath.Base(p.dockerfilePath), p.imageTag)
	if err != nil {
		slog.ErrorContext(ctx, "Provisioner.build", "error", err)
		return
	}
	defer logStream.Close()

	// The engine streams JSON messages; surface the "stream" lines.
	scanner := bufio.NewScanner(logStream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	buildFailed := false
	for scanner.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			slog.ErrorContext(ctx, "Provisioner.build", "error", msg.Error)
			buildFailed = true
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			slog.InfoContext(ctx, "Provisioner.build", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.ErrorContext(ctx, "Provisioner.build log stream", "error", err)
		return
	}
	if buildFailed {
		return
	}

	if p.checkChanges {
		p.saveBuildInfo(ctx)
	}
	slog.InfoContext(ctx, "Provisioner.build", "status", "built", "image", p.imageTag)
}

func (p *Provisioner) loadPreviousHash(ctx context.Context) string {
	data, err := os.ReadFile(p.buildInfoPath)
	if err != nil {
		return ""
	}
	var info buildInfo
	if err := json.Unmarshal(data, &info); err != nil {
		slog.WarnContext(ctx, "Provisioner.loadPreviousHash", "error", err)
		return ""
	}
	return info.DockerfileHash
}

// saveBuildInfo atomically rewrites the build record via temp file + rename.
func (p *Provisioner) saveBuildInfo(ctx context.Context) {
	info := buildInfo{
		DockerfileHash: fileSHA256(p.dockerfilePath),
		BuildTime:      time.Now().Format(time.RFC3339),
		ImageName:      p.imageTag,
	}
	data, err := json.Marshal(info)
	if err != nil {
		slog.ErrorContext(ctx, "Provisioner.saveBuildInfo marshal", "error", err)
		return
	}
	tmp := p.buildInfoPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.ErrorContext(ctx, "Provisioner.saveBuildInfo write", "error", err)
		return
	}
	if err := os.Rename(tmp, p.buildInfoPath); err != nil {
		slog.ErrorContext(ctx, "Provisioner.saveBuildInfo rename", "error", err)
		return
	}
	slog.InfoContext(ctx, "Provisioner.saveBuildInfo", "path", p.buildInfoPath, "hash", info.DockerfileHash)
}

func fileSHA256(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
