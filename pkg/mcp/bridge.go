// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewclaw/crewclaw/pkg/tools"
)

// RemoteTool exposes one MCP server tool through the agent's tool
// registry. The registered name is prefixed with the server name so two
// servers can advertise the same tool.
type RemoteTool struct {
	client *Client
	server string
	info   ToolInfo
}

func NewRemoteTool(client *Client, server string, info ToolInfo) *RemoteTool {
	return &RemoteTool{client: client, server: server, info: info}
}

func (t *RemoteTool) Name() string {
	if t.server == "" || strings.HasPrefix(t.info.Name, t.server+"_") {
		return t.info.Name
	}
	return t.server + "_" + t.info.Name
}

func (t *RemoteTool) Description() string {
	if t.info.Description != "" {
		return t.info.Description
	}
	return fmt.Sprintf("Tool %s provided by the %s MCP server", t.info.Name, t.server)
}

func (t *RemoteTool) Parameters() map[string]interface{} {
	if t.info.InputSchema != nil {
		return t.info.InputSchema
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *RemoteTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	result, err := t.client.CallTool(ctx, t.info.Name, args)
	if err != nil {
		return tools.ErrorResultf("mcp call failed: %v", err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "the remote tool reported an error"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(the remote tool returned no content)"
	}
	return tools.NewResult(text)
}

// flattenContent joins text blocks; non-text blocks become placeholders
// so the model knows something was there.
func flattenContent(blocks []map[string]interface{}) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if text, ok := block["text"].(string); ok && text != "" {
			parts = append(parts, text)
			continue
		}
		if _, ok := block["data"]; ok {
			kind, _ := block["type"].(string)
			if kind == "" {
				kind = "binary"
			}
			parts = append(parts, fmt.Sprintf("[%s content omitted]", kind))
		}
	}
	return strings.Join(parts, "\n")
}

// Discover lists a server's tools and wraps each one for registration.
func Discover(ctx context.Context, client *Client, server string) ([]tools.Tool, error) {
	list, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]tools.Tool, 0, len(list.Tools))
	for _, info := range list.Tools {
		out = append(out, NewRemoteTool(client, server, info))
	}
	return out, nil
}
