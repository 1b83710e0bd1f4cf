package sandboxd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/banksean/sandboxd/config"
	"github.com/banksean/sandboxd/store"
)

// Server wires the HTTP surface: the MCP event-stream transport, the file
// download endpoint, the auth routes, and health.
type Server struct {
	cfg     *config.Config
	manager *Manager
	gate    *AuthGate
	tools   *ToolService
	store   *store.Store
}

func NewServer(cfg *config.Config, manager *Manager, gate *AuthGate, tools *ToolService, st *store.Store) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		gate:    gate,
		tools:   tools,
		store:   st,
	}
}

// Handler builds the chi router with the auth gate applied to every route.
func (s *Server) Handler() http.Handler {
	sse := mcpserver.NewSSEServer(s.tools.MCPServer(),
		mcpserver.WithBaseURL(s.cfg.BaseURL()),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/messages/"),
		// Message posts must carry the same credentials the SSE
		// connection authenticated with.
		mcpserver.WithAppendQueryToMessageEndpoint(),
		mcpserver.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if u := UserFromContext(r.Context()); u != nil {
				return ContextWithUser(ctx, u)
			}
			return ctx
		}),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.gate.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/sse", sse.SSEHandler())
	r.Handle("/messages/", sse.MessageHandler())
	r.Get("/sandbox/file", s.handleSandboxFile)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/token", s.handleToken)
		r.Get("/users/me", s.handleMe)
		r.Get("/users/me/api-key", s.handleGetAPIKey)
		r.Post("/users/me/api-key/regenerate", s.handleRegenerateAPIKey)
		r.Get("/users/me/sandboxes", s.handleListSandboxes)
		r.Delete("/users/me/sandboxes/{sandboxID}", s.handleDeleteSandbox)
	})

	return r
}

// Serve runs the HTTP server until ctx is cancelled or a termination
// signal arrives, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.ListenAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "Server.Serve", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "Server.Serve shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// HTTP handler helpers
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, code int, detail string) {
	writeJSONStatus(w, code, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

// handleSandboxFile streams a single file out of a sandbox. Ownership is
// checked like any other sandbox-addressed operation.
func (s *Server) handleSandboxFile(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.URL.Query().Get("sandbox_id")
	filePath := r.URL.Query().Get("file_path")
	if sandboxID == "" || filePath == "" {
		writeJSONError(w, http.StatusBadRequest, "sandbox_id and file_path are required")
		return
	}

	user := UserFromContext(r.Context())
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	owner, err := s.store.IsOwner(r.Context(), user.ID, sandboxID)
	if err != nil || !owner {
		writeJSONError(w, http.StatusForbidden, "Access denied.")
		return
	}

	file, errRec := s.manager.OpenFile(r.Context(), sandboxID, filePath)
	if errRec != nil {
		if errRec.Kind == KindSandboxNotFound {
			writeJSONError(w, http.StatusNotFound, errRec.Message)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, errRec.Message)
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(file.Name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s", filepath.Base(file.Name)))
	w.Write(file.Data)
}
