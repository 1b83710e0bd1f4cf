package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/sandboxd"
	"github.com/banksean/sandboxd/config"
	"github.com/banksean/sandboxd/store"
	"github.com/banksean/sandboxd/version"
)

type CLI struct {
	Config   string `default:"config.toml" placeholder:"<config-file>" help:"path to the TOML config file"`
	LogLevel string `placeholder:"<debug|info|warn|error>" help:"override the configured logging level"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"run the sandbox service"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

func initSlog(cfg config.LoggingConfig, levelOverride string) {
	level := slog.LevelInfo
	name := cfg.Level
	if levelOverride != "" {
		name = levelOverride
	}
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err == nil {
			out = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    50, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
				Compress:   true,
			}
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	initSlog(cfg.Logging, cli.LogLevel)

	ctx := context.Background()
	slog.InfoContext(ctx, "sandboxd starting", "version", version.Get().Short(), "addr", cfg.ListenAddr())

	if cfg.Auth.RequireAuth && cfg.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key must be set when auth.require_auth is enabled")
	}

	if dir := filepath.Dir(cfg.Server.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if !cfg.Auth.RequireAuth {
		// The gate injects this identity on every request; the sandbox
		// registry's foreign key needs its row to exist.
		if _, err := st.EnsureDefaultUser(ctx, cfg.Auth.DefaultUserID); err != nil {
			return err
		}
	}

	runtime, err := sandboxd.NewDockerRuntime()
	if err != nil {
		return err
	}

	provisioner := sandboxd.NewProvisioner(runtime,
		cfg.Docker.DefaultImage,
		cfg.Docker.DockerfilePath,
		cfg.Docker.BuildInfoFile,
		cfg.Docker.CheckDockerfileChanges)
	provisioner.EnsureImage(ctx)

	manager := sandboxd.NewManager(runtime, st, cfg)
	manager.LoadSandboxRecords(ctx)

	gate := sandboxd.NewAuthGate(cfg, st)
	tools := sandboxd.NewToolService(manager)
	srv := sandboxd.NewServer(cfg, manager, gate, tools, st)
	return srv.Serve(ctx)
}

type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	v := version.Get()
	fmt.Println(v.String())
	if v.BuildInfo == nil {
		return nil
	}
	for _, setting := range v.BuildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			if v.GitCommit == "" {
				fmt.Printf("Commit: %s\n", setting.Value)
			}
		case "vcs.time":
			fmt.Printf("Commit Time: %s\n", setting.Value)
		case "vcs.modified":
			fmt.Printf("Modified: %s\n", setting.Value)
		}
	}
	return nil
}

const description = `Multi-tenant Python code-execution sandbox service.

Exposes sandbox management tools over an MCP SSE endpoint plus a companion
HTTP API for accounts, api keys, and file downloads. Requires a reachable
Docker daemon.`

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Description(description))
	kctx.FatalIfErrorf(kctx.Run(&cli))
}
