// Package mcptool exposes the call operations as MCP tools over stdio.
// stdout carries the protocol; all logging goes to stderr.
package mcptool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"callbridge/internal/domain"
)

// CallService is the slice of the orchestrator the tool surface needs.
type CallService interface {
	Initiate(ctx context.Context, message string) (string, string, error)
	Continue(ctx context.Context, callID, message string) (string, error)
	Speak(ctx context.Context, callID, message string) error
	End(ctx context.Context, callID, message string) (int, error)
}

// Server wires the four call tools onto an MCP stdio server.
type Server struct {
	svc    CallService
	logger *slog.Logger
	mcpSrv *server.MCPServer
}

func NewServer(svc CallService, version string, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}
	s.mcpSrv = server.NewMCPServer("callbridge", version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks, speaking MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpSrv)
}

func (s *Server) registerTools() {
	s.mcpSrv.AddTool(mcp.NewTool("initiate_call",
		mcp.WithDescription("Place a phone call to the user, speak an opening message and return their response. Only one call can be active at a time."),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("The opening message to speak once the user answers")),
	), s.handleInitiate)

	s.mcpSrv.AddTool(mcp.NewTool("continue_call",
		mcp.WithDescription("Speak a follow-up message on an active call and return the user's response."),
		mcp.WithString("call_id", mcp.Required(),
			mcp.Description("The call id returned by initiate_call")),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("The message to speak")),
	), s.handleContinue)

	s.mcpSrv.AddTool(mcp.NewTool("speak_to_user",
		mcp.WithDescription("Speak a message on an active call without waiting for a response."),
		mcp.WithString("call_id", mcp.Required(),
			mcp.Description("The call id returned by initiate_call")),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("The message to speak")),
	), s.handleSpeak)

	s.mcpSrv.AddTool(mcp.NewTool("end_call",
		mcp.WithDescription("End the active call, optionally speaking a goodbye message first."),
		mcp.WithString("call_id", mcp.Required(),
			mcp.Description("The call id returned by initiate_call")),
		mcp.WithString("message",
			mcp.Description("Optional closing message to speak before hanging up")),
	), s.handleEnd)
}

func (s *Server) handleInitiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return toolError(domain.NewDomainError("initiate_call", domain.ErrInvalidInput, err.Error())), nil
	}

	callID, response, err := s.svc.Initiate(ctx, message)
	if err != nil {
		s.logger.Error("initiate_call failed", "error", err)
		return toolError(err), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Call initiated successfully.\n\nCall ID: %s\n\nUser's response:\n%s\n\nUse continue_call to ask follow-ups or end_call to hang up.",
		callID, response)), nil
}

func (s *Server) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID, err := req.RequireString("call_id")
	if err != nil {
		return toolError(domain.NewDomainError("continue_call", domain.ErrInvalidInput, err.Error())), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return toolError(domain.NewDomainError("continue_call", domain.ErrInvalidInput, err.Error())), nil
	}

	response, err := s.svc.Continue(ctx, callID, message)
	if err != nil {
		s.logger.Error("continue_call failed", "call_id", callID, "error", err)
		return toolError(err), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("User's response:\n%s", response)), nil
}

func (s *Server) handleSpeak(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID, err := req.RequireString("call_id")
	if err != nil {
		return toolError(domain.NewDomainError("speak_to_user", domain.ErrInvalidInput, err.Error())), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return toolError(domain.NewDomainError("speak_to_user", domain.ErrInvalidInput, err.Error())), nil
	}

	if err := s.svc.Speak(ctx, callID, message); err != nil {
		s.logger.Error("speak_to_user failed", "call_id", callID, "error", err)
		return toolError(err), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Message spoken: %q", message)), nil
}

func (s *Server) handleEnd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID, err := req.RequireString("call_id")
	if err != nil {
		return toolError(domain.NewDomainError("end_call", domain.ErrInvalidInput, err.Error())), nil
	}
	message := req.GetString("message", "")

	seconds, err := s.svc.End(ctx, callID, message)
	if err != nil {
		s.logger.Error("end_call failed", "call_id", callID, "error", err)
		return toolError(err), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Call ended. Duration: %ds", seconds)), nil
}

// toolError renders an error as the single-line machine-parseable form
// "Error: <kind>: <detail>".
func toolError(err error) *mcp.CallToolResult {
	detail := err.Error()
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		detail = de.Detail
	}
	return mcp.NewToolResultError(fmt.Sprintf("Error: %s: %s", domain.ErrorCodeOf(err), detail))
}
