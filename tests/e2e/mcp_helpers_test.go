package e2e

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	punchmcp "github.com/punchlab/punchline/pkg/mcp"
)

// callTool invokes a tool handler through the MCP server's HandleMessage
// (full JSON-RPC round-trip).
func callTool(t *testing.T, srv *punchmcp.PunchlineServer, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	if args == nil {
		args = map[string]any{}
	}
	reqMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	}
	rawReq, err := json.Marshal(reqMsg)
	require.NoError(t, err)

	initMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "e2e-test",
				"version": "1.0.0",
			},
		},
	}
	rawInit, err := json.Marshal(initMsg)
	require.NoError(t, err)

	ctx := context.Background()
	mcpSrv := srv.MCPServer()

	initResp := mcpSrv.HandleMessage(ctx, rawInit)
	require.NotNil(t, initResp)

	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)

	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))

	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

// decodeResult extracts text content from a tool result and parses it as JSON.
func decodeResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, "tool returned error: %v", result.Content)
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
