// Package mcp exposes memory ingestion and retrieval as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultSearchLimit applies when search_memories is called without a limit
const DefaultSearchLimit = 3

// UseCase is the subset of memory operations offered as tools
type UseCase interface {
	Add(ctx context.Context, input *memory.AddInput) (*model.Memory, error)
	Retrieve(ctx context.Context, input *memory.RetrieveInput) ([]*model.ScoredMemory, error)
}

type Server struct {
	uc     UseCase
	server *mcp.Server
}

type addMemoryParams struct {
	Username  string `json:"username" jsonschema:"Name of the user the memory belongs to"`
	Content   string `json:"content" jsonschema:"Text of the memory"`
	ChannelID string `json:"channel_id,omitempty" jsonschema:"Channel where the memory was observed"`
	ServerID  string `json:"server_id,omitempty" jsonschema:"Server where the memory was observed"`
}

type searchMemoriesParams struct {
	Query     string `json:"query,omitempty" jsonschema:"Text to search for. Without it the newest memories are returned"`
	Username  string `json:"username,omitempty" jsonschema:"Only memories of this user"`
	ChannelID string `json:"channel_id,omitempty" jsonschema:"Only memories of this channel"`
	ServerID  string `json:"server_id,omitempty" jsonschema:"Only memories of this server"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of memories, 3 by default"`
}

type memoryRecord struct {
	ID        model.MemoryID `json:"id"`
	Username  string         `json:"username,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Distance  *float64       `json:"distance,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
}

func New(uc UseCase, version string) *Server {
	s := &Server{
		uc: uc,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "memoire",
			Version: version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_memory",
		Description: "Store a fact or observation about a user",
	}, s.addMemory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_memories",
		Description: "Find stored memories by semantic similarity, optionally scoped to a user, channel or server",
	}, s.searchMemories)

	return s
}

// RunStdio serves a single client over stdin/stdout until it disconnects
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// Handler serves the tools over streamable HTTP
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) addMemory(ctx context.Context, req *mcp.CallToolRequest, params *addMemoryParams) (*mcp.CallToolResult, any, error) {
	m, err := s.uc.Add(ctx, &memory.AddInput{
		Username:  params.Username,
		Content:   params.Content,
		ChannelID: params.ChannelID,
		ServerID:  params.ServerID,
	})
	if err != nil {
		return toolError(ctx, "add_memory", err), nil, nil
	}

	return jsonResult(&memoryRecord{
		ID:        m.ID,
		Username:  params.Username,
		Content:   m.Content,
		Metadata:  m.Metadata,
		Timestamp: m.CreatedAt,
		ChannelID: m.ChannelID,
		ServerID:  m.ServerID,
	})
}

func (s *Server) searchMemories(ctx context.Context, req *mcp.CallToolRequest, params *searchMemoriesParams) (*mcp.CallToolResult, any, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	results, err := s.uc.Retrieve(ctx, &memory.RetrieveInput{
		Query:     params.Query,
		Username:  params.Username,
		ChannelID: params.ChannelID,
		ServerID:  params.ServerID,
		Limit:     limit,
	})
	if err != nil {
		return toolError(ctx, "search_memories", err), nil, nil
	}

	records := make([]*memoryRecord, 0, len(results))
	for _, r := range results {
		records = append(records, &memoryRecord{
			ID:        r.ID,
			Username:  r.Username,
			Content:   r.Content,
			Metadata:  r.Metadata,
			Timestamp: r.CreatedAt,
			Distance:  r.Distance,
			ChannelID: r.ChannelID,
			ServerID:  r.ServerID,
		})
	}
	return jsonResult(records)
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil, nil
}

// toolError reports a failure to the caller without breaking the session
func toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	logging.From(ctx).Warn("tool call failed", "tool", tool, "error", err)
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
