package sandboxd

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/banksean/sandboxd/version"
)

// ToolService exposes the sandbox operations as named MCP tools with
// per-call ownership enforcement.
type ToolService struct {
	manager *Manager
}

func NewToolService(manager *Manager) *ToolService {
	return &ToolService{manager: manager}
}

// accessDenied is the uniform ownership-failure response. It deliberately
// does not distinguish "not found" from "not owned", so sandbox ids cannot
// be enumerated.
type accessDenied struct {
	Error string `json:"error"`
}

// MCPServer builds the MCP server with every tool registered.
func (t *ToolService) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("sandboxd", version.Get().Short())

	srv.AddTool(mcp.NewTool("list_sandboxes",
		mcp.WithDescription("Lists the caller's sandboxes. Each item includes the sandbox_id, name, and installed Python packages."),
	), t.listSandboxes)

	srv.AddTool(mcp.NewTool("create_sandbox",
		mcp.WithDescription("Creates a new Python sandbox and returns its ID for subsequent operations."),
		mcp.WithString("name", mcp.Description("Optional human-readable name for the sandbox")),
	), t.createSandbox)

	srv.AddTool(mcp.NewTool("install_package_in_sandbox",
		mcp.WithDescription("Installs a Python package in the specified sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox")),
		mcp.WithString("package_name", mcp.Required(), mcp.Description("Name of the package to install")),
	), t.installPackage)

	srv.AddTool(mcp.NewTool("check_package_installation_status",
		mcp.WithDescription("Checks the installation status of a package in a sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox")),
		mcp.WithString("package_name", mcp.Required(), mcp.Description("Name of the package to check")),
	), t.checkPackageStatus)

	srv.AddTool(mcp.NewTool("execute_python_code",
		mcp.WithDescription("Executes Python code in a sandbox and returns results with links to generated files."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox")),
		mcp.WithString("code", mcp.Required(), mcp.Description("The Python code to execute")),
	), t.executeCode)

	srv.AddTool(mcp.NewTool("execute_terminal_command",
		mcp.WithDescription("Executes a terminal command in the specified sandbox. Returns stdout, stderr, exit_code."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox")),
		mcp.WithString("command", mcp.Required(), mcp.Description("The shell command to execute")),
	), t.executeCommand)

	srv.AddTool(mcp.NewTool("upload_file_to_sandbox",
		mcp.WithDescription("Uploads a local file to the specified sandbox."),
		mcp.WithString("sandbox_id", mcp.Required(), mcp.Description("ID of the sandbox")),
		mcp.WithString("local_file_path", mcp.Required(), mcp.Description("Path to the local file to upload")),
		mcp.WithString("dest_path", mcp.Description("Destination directory in the sandbox (default: /app/results)")),
	), t.uploadFile)

	return srv
}

func toolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// requireOwner authorizes the call against the registry before any runtime
// work happens.
func (t *ToolService) requireOwner(ctx context.Context, sandboxID string) *accessDenied {
	user := UserFromContext(ctx)
	if user == nil {
		return &accessDenied{Error: "Access denied."}
	}
	owner, err := t.manager.store.IsOwner(ctx, user.ID, sandboxID)
	if err != nil {
		slog.ErrorContext(ctx, "ToolService.requireOwner", "error", err)
		return &accessDenied{Error: "Access denied."}
	}
	if !owner {
		slog.WarnContext(ctx, "ToolService.requireOwner denied", "user", user.ID, "sandbox", sandboxID)
		return &accessDenied{Error: "Access denied."}
	}
	return nil
}

func (t *ToolService) listSandboxes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := UserFromContext(ctx)
	if user == nil {
		return toolResult(&accessDenied{Error: "Access denied."})
	}
	sandboxes, err := t.manager.ListSandboxes(ctx, user.ID)
	if err != nil {
		return toolResult(errorRecord(KindRuntimeError, err.Error()))
	}
	return toolResult(sandboxes)
}

func (t *ToolService) createSandbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := UserFromContext(ctx)
	if user == nil {
		return toolResult(&accessDenied{Error: "Access denied."})
	}
	name := req.GetString("name", "")
	result, errRec := t.manager.CreateSandbox(ctx, user.ID, name)
	if errRec != nil {
		return toolResult(errRec)
	}
	return toolResult(result)
}

func (t *ToolService) installPackage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sandboxID, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pkg, err := req.RequireString("package_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if denied := t.requireOwner(ctx, sandboxID); denied != nil {
		return toolResult(denied)
	}
	return toolResult(t.manager.InstallPackage(ctx, sandboxID, pkg))
}

func (t *ToolService) checkPackageStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sandboxID, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pkg, err := req.RequireString("package_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if denied := t.requireOwner(ctx, sandboxID); denied != nil {
		return toolResult(denied)
	}
	return toolResult(t.manager.CheckPackageStatus(ctx, sandboxID, pkg))
}

func (t *ToolService) executeCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sandboxID, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if denied := t.requireOwner(ctx, sandboxID); denied != nil {
		return toolResult(denied)
	}
	return toolResult(t.manager.ExecuteCode(ctx, sandboxID, code))
}

func (t *ToolService) executeCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sandboxID, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if denied := t.requireOwner(ctx, sandboxID); denied != nil {
		return toolResult(denied)
	}
	return toolResult(t.manager.ExecuteCommand(ctx, sandboxID, command))
}

func (t *ToolService) uploadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sandboxID, err := req.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	localPath, err := req.RequireString("local_file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	destPath := req.GetString("dest_path", resultsDir)
	if denied := t.requireOwner(ctx, sandboxID); denied != nil {
		return toolResult(denied)
	}
	result, errRec := t.manager.UploadFile(ctx, sandboxID, localPath, destPath)
	if errRec != nil {
		return toolResult(errRec)
	}
	return toolResult(result)
}
