package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sitefinder/audit"
	"github.com/hazyhaar/sitefinder/kit"
)

// RegisterMCP registers the wizard tools on an MCP server. Every call is
// audited under "mcp.<tool>".
func (s *Service) RegisterMCP(srv *mcp.Server, auditLogger audit.Logger) {
	if auditLogger == nil {
		auditLogger = audit.Discard
	}
	s.registerListTool(srv, auditLogger)
	s.registerComputeTool(srv, auditLogger)
}

// toolChain audits a tool call and logs its duration. The audit layer is
// outermost so it also records calls the inner layers fail.
func (s *Service) toolChain(auditLogger audit.Logger, name string) kit.Middleware {
	return kit.Chain(
		audit.Middleware(auditLogger, "mcp."+name),
		func(next kit.Endpoint) kit.Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				start := time.Now()
				resp, err := next(ctx, req)
				s.logger.Info("wizard: mcp call", "tool", name, "elapsed", time.Since(start), "error", err)
				return resp, err
			}
		},
	)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

// --- list transcripts ---

type listReq struct {
	Gene    string `json:"gene"`
	Species string `json:"species"`
}

func (s *Service) registerListTool(srv *mcp.Server, auditLogger audit.Logger) {
	tool := &mcp.Tool{
		Name:        "sitefinder_list_transcripts",
		Description: "List the RefSeq transcripts of a gene, in pipeline order.",
		InputSchema: inputSchema(map[string]any{
			"gene":    map[string]any{"type": "string", "description": "Gene symbol, e.g. BRCA1"},
			"species": map[string]any{"type": "string", "description": "Species, e.g. human"},
		}, []string{"gene", "species"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listReq)
		ar := NewAnalysisRequest()
		ar.Gene, ar.Species = r.Gene, r.Species
		list, err := s.ListTranscripts(ctx, ar)
		if err != nil {
			return nil, publicError(err)
		}
		return map[string]any{"transcripts": list}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r listReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.toolChain(auditLogger, tool.Name)(endpoint), decode)
}

// --- compute sites ---

type computeReq struct {
	RefSeqID string `json:"refSeqId"`
	Species  string `json:"species"`
}

// ComputeResult is the MCP view of a site computation.
type ComputeResult struct {
	Status  Status   `json:"status"`
	Sites   []string `json:"sites"`
	Orphans []string `json:"orphans,omitempty"`
	Table   string   `json:"table,omitempty"` // Markdown
}

func (s *Service) registerComputeTool(srv *mcp.Server, auditLogger audit.Logger) {
	tool := &mcp.Tool{
		Name:        "sitefinder_compute_sites",
		Description: "Compute CRISPR target sites for a RefSeq transcript and return the site ids and the site table as Markdown.",
		InputSchema: inputSchema(map[string]any{
			"refSeqId": map[string]any{"type": "string", "description": "RefSeq transcript id, e.g. NM_007294"},
			"species":  map[string]any{"type": "string", "description": "Species, e.g. human"},
		}, []string{"refSeqId", "species"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*computeReq)
		ar := NewAnalysisRequest()
		ar.RefSeqID, ar.Species = r.RefSeqID, r.Species
		return s.Compute(ctx, ar)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r computeReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.toolChain(auditLogger, tool.Name)(endpoint), decode)
}

// Compute runs a site computation outside any browser session and returns
// its outcome. The view is closed before returning.
func (s *Service) Compute(ctx context.Context, req AnalysisRequest) (*ComputeResult, error) {
	v, err := s.Analyze(ctx, "", req)
	if err != nil {
		return nil, publicError(err)
	}
	defer s.CloseView(v.ID)

	res := &ComputeResult{Status: v.Status(), Sites: []string{}}
	if res.Status != StatusReady {
		return res, nil
	}
	idx := v.Index()
	res.Sites = idx.IDs()
	res.Orphans = idx.Orphans
	md, err := tableMarkdown(v.rawTable())
	if err != nil {
		v.logger.Warn("wizard: table markdown", "error", err)
	} else {
		res.Table = md
	}
	return res, nil
}

// publicError hides rejected input behind a generic message.
func publicError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return err
	case err != nil:
		return errors.New(msgRejected)
	}
	return nil
}
