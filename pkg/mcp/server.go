// Package mcp serves the ledger to agent runtimes over the Model Context
// Protocol (JSON-RPC 2.0, one message per line on stdio).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/pario-ai/tokenledger/pkg/ledger"
	"github.com/pario-ai/tokenledger/pkg/models"
)

// Ledger is the part of service.Service the tools use.
type Ledger interface {
	Budgets() []models.Budget
	Status(id string) (models.BudgetStatus, error)
	Pool() int64
	Consume(ctx context.Context, budgetID string, amount int64, attr models.Attribution, description string) (ledger.ConsumeResult, error)
	Refund(ctx context.Context, budgetID string, amount int64, reason string) (models.Transaction, error)
	History(f models.HistoryFilter) []models.Transaction
	Analytics() models.Analytics
}

// JournalSearcher queries the durable transaction journal.
type JournalSearcher interface {
	Query(ctx context.Context, f models.HistoryFilter) ([]models.Transaction, error)
}

// Server is a minimal MCP server.
type Server struct {
	ledger  Ledger
	journal JournalSearcher
	version string
	logger  *zap.Logger
}

// New creates a Server. journal may be nil.
func New(l Ledger, journal JournalSearcher, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ledger:  l,
		journal: journal,
		version: version,
		logger:  logger.With(zap.String("component", "mcp")),
	}
}

// Run reads requests from r line by line and writes responses to w.
// It blocks until r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, rpcError(nil, CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != jsonrpcVersion {
			s.write(w, rpcError(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\""))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "tokenledger", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		if len(req.ID) == 0 {
			return nil
		}
		return rpcError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	s.logger.Debug("tool call", zap.String("tool", params.Name))
	return result(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}
