package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"tx/internal/learning"
	"tx/internal/retrieval"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/task"
)

func newTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := task.NewEngine(st)
	pipeline := retrieval.NewPipeline(st, nil, nil, nil, nil)
	learnings := learning.NewService(st, nil, pipeline)

	var out bytes.Buffer
	srv := NewServer(Services{
		Engine:    engine,
		Scheduler: task.NewScheduler(st, engine),
		Runs:      run.NewService(st),
		Learnings: learnings,
		Context:   learning.NewContextAssembler(st, pipeline),
	}, &out)
	return srv, &out
}

// exchange feeds raw lines to the server and returns the decoded replies.
func exchange(t *testing.T, lines ...string) []response {
	t.Helper()
	srv, out := newTestServer(t)
	if err := srv.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var replies []response
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if raw == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", raw, err)
		}
		replies = append(replies, resp)
	}
	return replies
}

func TestDispatchRoundTrip(t *testing.T) {
	replies := exchange(t,
		`{"jsonrpc":"2.0","id":1,"method":"task.create","params":{"title":"wire the parser"}}`,
	)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	resp := replies[0]
	if resp.Error != nil {
		t.Fatalf("task.create errored: %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Errorf("id echoed as %s, want 1", resp.ID)
	}

	result, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("remarshal result: %v", err)
	}
	var created struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if created.Title != "wire the parser" || created.Status != "backlog" {
		t.Errorf("created = %+v", created)
	}
}

func TestStringIDEchoedVerbatim(t *testing.T) {
	replies := exchange(t,
		`{"jsonrpc":"2.0","id":"req-007","method":"task.ready"}`,
	)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if string(replies[0].ID) != `"req-007"` {
		t.Errorf("id echoed as %s, want the original string", replies[0].ID)
	}
}

func TestParseAndProtocolErrors(t *testing.T) {
	replies := exchange(t,
		`{not json`,
		`{"jsonrpc":"1.0","id":2,"method":"task.ready"}`,
		`{"jsonrpc":"2.0","id":3}`,
		`{"jsonrpc":"2.0","id":4,"method":"task.frobnicate"}`,
	)
	if len(replies) != 4 {
		t.Fatalf("got %d replies, want 4", len(replies))
	}

	wantCodes := []int{codeParse, codeInvalidRequest, codeInvalidRequest, codeMethodNotFound}
	for i, resp := range replies {
		if resp.Error == nil {
			t.Errorf("reply %d has no error", i)
			continue
		}
		if resp.Error.Code != wantCodes[i] {
			t.Errorf("reply %d code = %d, want %d", i, resp.Error.Code, wantCodes[i])
		}
	}
}

func TestDomainErrorCodes(t *testing.T) {
	replies := exchange(t,
		`{"jsonrpc":"2.0","id":1,"method":"task.get","params":{"id":"tx-00000000"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"task.create","params":{"title":""}}`,
		`{"jsonrpc":"2.0","id":3,"method":"task.create","params":"not an object"}`,
	)
	if len(replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(replies))
	}
	if replies[0].Error == nil || replies[0].Error.Code != codeNotFound {
		t.Errorf("missing task error = %+v, want %d", replies[0].Error, codeNotFound)
	}
	if replies[1].Error == nil || replies[1].Error.Code != codeInvalidParams {
		t.Errorf("empty title error = %+v, want %d", replies[1].Error, codeInvalidParams)
	}
	if replies[2].Error == nil || replies[2].Error.Code != codeInvalidParams {
		t.Errorf("bad params error = %+v, want %d", replies[2].Error, codeInvalidParams)
	}
}

func TestNotificationsGetNoReply(t *testing.T) {
	replies := exchange(t,
		`{"jsonrpc":"2.0","method":"task.create","params":{"title":"fire and forget"}}`,
		`{"jsonrpc":"2.0","id":9,"method":"task.ready"}`,
	)
	// Only the identified request answers.
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if string(replies[0].ID) != "9" {
		t.Errorf("reply id = %s, want 9", replies[0].ID)
	}

	// The notification still took effect.
	if replies[0].Error != nil {
		t.Fatalf("task.ready errored: %+v", replies[0].Error)
	}
}

func TestLearningSearchOverTheWire(t *testing.T) {
	replies := exchange(t,
		`{"jsonrpc":"2.0","id":1,"method":"learning.create","params":{"content":"quote FTS queries to survive operators","category":"sql"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"learning.search","params":{"query":"FTS operators","limit":5}}`,
	)
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	for i, resp := range replies {
		if resp.Error != nil {
			t.Fatalf("reply %d errored: %+v", i, resp.Error)
		}
	}

	result, err := json.Marshal(replies[1].Result)
	if err != nil {
		t.Fatalf("remarshal result: %v", err)
	}
	var page struct {
		Items []struct {
			Content string `json:"content"`
		} `json:"items"`
	}
	if err := json.Unmarshal(result, &page); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(page.Items) != 1 || !strings.Contains(page.Items[0].Content, "FTS") {
		t.Errorf("search returned %+v", page.Items)
	}
}
