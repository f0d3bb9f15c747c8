package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/gebo/internal/pool"
	"github.com/starford/gebo/internal/store"
	"github.com/starford/gebo/internal/testutil"
)

type allowAll struct{}

func (allowAll) VerifyOwnership(context.Context, string, string) (bool, error) { return true, nil }

type alwaysPresent struct{}

func (alwaysPresent) CheckLink(context.Context, string, string) (bool, string, error) {
	return true, "ok", nil
}

func newTestServer(t *testing.T) (*Server, *pool.Service) {
	t.Helper()
	db := testutil.TestStore(t)
	svc := pool.NewService(db, allowAll{}, alwaysPresent{}, nil, nil, nil, pool.Params{}, nil)
	return New(svc), svc
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var (
		res *mcp.CallToolResult
		err error
	)
	ctx := context.Background()
	switch name {
	case "pool_status":
		res, err = s.poolStatus(ctx, req)
	case "list_members":
		res, err = s.listMembers(ctx, req)
	case "list_pending_placements":
		res, err = s.listPendingPlacements(ctx, req)
	case "member_ledger":
		res, err = s.memberLedger(ctx, req)
	case "trigger_verify":
		res, err = s.triggerVerify(ctx, req)
	default:
		t.Fatalf("unknown tool %q", name)
	}
	if err != nil {
		t.Fatalf("tool %s: %v", name, err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return tc.Text
}

func seedMember(t *testing.T, svc *pool.Service, domain string) *store.Member {
	t.Helper()
	ctx := context.Background()
	m, err := svc.Register(ctx, domain, "admin@"+domain)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyMember(ctx, domain, "proof"); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPoolStatusTool(t *testing.T) {
	s, svc := newTestServer(t)
	m := seedMember(t, svc, "x.dev")
	if _, err := svc.Contribute(context.Background(), m.ID, "https://x.dev/links", 2, []string{"crypto"}, ""); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, s, "pool_status", map[string]any{"member_id": m.ID})
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	var st pool.PoolStatus
	if err := json.Unmarshal([]byte(resultText(t, res)), &st); err != nil {
		t.Fatal(err)
	}
	if st.Domain != "x.dev" || st.OpenContributions != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestPoolStatusToolMissingArg(t *testing.T) {
	s, _ := newTestServer(t)
	res := callTool(t, s, "pool_status", map[string]any{})
	if !res.IsError {
		t.Fatal("expected an error result without member_id")
	}
}

func TestListMembersTool(t *testing.T) {
	s, svc := newTestServer(t)
	seedMember(t, svc, "x.dev")
	seedMember(t, svc, "y.dev")

	res := callTool(t, s, "list_members", map[string]any{})
	text := resultText(t, res)
	if !strings.Contains(text, "x.dev") || !strings.Contains(text, "y.dev") {
		t.Errorf("member list incomplete: %s", text)
	}
}

func TestMemberLedgerTool(t *testing.T) {
	s, svc := newTestServer(t)
	m := seedMember(t, svc, "x.dev")
	if _, err := svc.Contribute(context.Background(), m.ID, "https://x.dev/links", 1, []string{"crypto"}, ""); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, s, "member_ledger", map[string]any{"member_id": m.ID})
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "contribution_created") {
		t.Errorf("ledger missing grant entry: %s", resultText(t, res))
	}
}

func TestTriggerVerifyTool(t *testing.T) {
	s, svc := newTestServer(t)
	x := seedMember(t, svc, "x.dev")
	y := seedMember(t, svc, "y.dev")
	ctx := context.Background()
	if _, err := svc.Contribute(ctx, x.ID, "https://x.dev/links", 1, []string{"crypto"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Contribute(ctx, y.ID, "https://y.dev/links", 1, []string{"knitting"}, ""); err != nil {
		t.Fatal(err)
	}
	_, p, err := svc.SubmitRequest(ctx, y.ID, "https://y.dev/", "", []string{"crypto"})
	if err != nil || p == nil {
		t.Fatalf("match setup: p=%v err=%v", p, err)
	}
	if _, err := svc.Confirm(p.ID, x.ID); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, s, "trigger_verify", map[string]any{"placement_id": p.ID})
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	var vr pool.VerifyResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &vr); err != nil {
		t.Fatal(err)
	}
	if !vr.Verified {
		t.Errorf("verification failed: %s", vr.Reason)
	}
}

func TestListPendingPlacementsTool(t *testing.T) {
	s, _ := newTestServer(t)
	res := callTool(t, s, "list_pending_placements", map[string]any{"state": "failed"})
	if !res.IsError {
		t.Fatal("terminal state filter must be rejected")
	}
}
