package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/broker"
	"github.com/alimasry/go-block-editor/cache"
	"github.com/alimasry/go-block-editor/editor"
	"github.com/alimasry/go-block-editor/lock"
	"github.com/alimasry/go-block-editor/store"
)

var (
	alice = Identity{UserID: "alice", Name: "Alice", Active: true}
	bob   = Identity{UserID: "bob", Name: "Bob", Active: true}
	carol = Identity{UserID: "carol", Name: "Carol", Active: true}
	dave  = Identity{UserID: "dave", Name: "Dave", Active: true}
	eve   = Identity{UserID: "eve", Name: "Eve", Active: true}
)

type testEnv struct {
	server *httptest.Server
	hub    *Hub
	editor *editor.Editor
	repo   *store.MemoryRepository
	broker *broker.MemoryBroker
	auth   *JWTAuthenticator
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	kv := store.NewMemoryKV()
	repo := store.NewMemoryRepository()
	ed := editor.New(lock.NewRegistry(kv), cache.New(kv, repo))
	br := broker.NewMemoryBroker()
	hub := NewHub(ed, br)
	auth := NewJWTAuthenticator([]byte("test-secret"))
	server := httptest.NewServer(NewHandler(hub, repo, auth))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &testEnv{server: server, hub: hub, editor: ed, repo: repo, broker: br, auth: auth}
}

func (env *testEnv) token(t *testing.T, id Identity) string {
	t.Helper()
	tok, err := env.auth.Issue(id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// seedDocument creates doc1 owned by alice, with bob and carol as
// editors and dave as reader.
func (env *testEnv) seedDocument(t *testing.T, blocks ...string) {
	t.Helper()
	doc := block.NewDocument("doc1", alice.UserID, "notes")
	doc.AccessRestrictions = []block.AccessRestriction{
		{UserID: bob.UserID, Role: block.RoleEditor},
		{UserID: carol.UserID, Role: block.RoleEditor},
		{UserID: dave.UserID, Role: block.RoleReader},
	}
	for i, id := range blocks {
		doc.Insert(i, id, block.Paragraph)
	}
	if err := env.repo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, env.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func (env *testEnv) wsURL(documentID, token string) string {
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/documents/" + documentID + "/ws"
	if token != "" {
		url += "?access_token=" + token
	}
	return url
}

func TestHandler_Healthz(t *testing.T) {
	env := setupTestServer(t)
	if resp := env.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandler_CreateAndGetDocument(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodPost, "/documents", env.token(t, alice), CreateDocumentRequest{
		Name:               "plan",
		AccessRestrictions: []block.AccessRestriction{{UserID: bob.UserID, Role: block.RoleReader}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created block.Document
	decodeBody(t, resp, &created)
	if created.ID == "" || created.OwnerID != alice.UserID || created.Name != "plan" {
		t.Fatalf("created = %+v", created)
	}

	resp = env.do(t, http.MethodGet, "/documents/"+created.ID, env.token(t, bob), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got block.Document
	decodeBody(t, resp, &got)
	if got.ID != created.ID || len(got.Content) != 0 {
		t.Errorf("got = %+v", got)
	}

	if resp := env.do(t, http.MethodGet, "/documents/"+created.ID, env.token(t, eve), nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("stranger status = %d, want 403", resp.StatusCode)
	}
}

func TestHandler_ListDocuments(t *testing.T) {
	env := setupTestServer(t)
	env.seedDocument(t)
	env.do(t, http.MethodPost, "/documents", env.token(t, alice), CreateDocumentRequest{Name: "second"})
	env.do(t, http.MethodPost, "/documents", env.token(t, bob), CreateDocumentRequest{Name: "bob's"})

	resp := env.do(t, http.MethodGet, "/documents", env.token(t, alice), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var docs []block.Document
	decodeBody(t, resp, &docs)
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	for _, d := range docs {
		if d.OwnerID != alice.UserID {
			t.Errorf("listed %q owned by %q", d.ID, d.OwnerID)
		}
	}
}

func TestHandler_CreateRejectsUnknownRole(t *testing.T) {
	env := setupTestServer(t)
	resp := env.do(t, http.MethodPost, "/documents", env.token(t, alice), CreateDocumentRequest{
		AccessRestrictions: []block.AccessRestriction{{UserID: bob.UserID, Role: "admin"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandler_Unauthorized(t *testing.T) {
	env := setupTestServer(t)
	env.seedDocument(t)

	if resp := env.do(t, http.MethodGet, "/documents/doc1", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/documents/doc1", "garbage", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", resp.StatusCode)
	}

	var body ErrorResponse
	resp := env.do(t, http.MethodGet, "/documents/doc1", "", nil)
	decodeBody(t, resp, &body)
	if body.Error.Type != "unauthorized" {
		t.Errorf("error body = %+v", body)
	}

	inactive := Identity{UserID: bob.UserID, Name: bob.Name}
	if resp := env.do(t, http.MethodGet, "/documents/doc1", env.token(t, inactive), nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("inactive status = %d", resp.StatusCode)
	}
}

func TestHandler_DeleteAndRestore(t *testing.T) {
	env := setupTestServer(t)
	env.seedDocument(t, "a")

	if resp := env.do(t, http.MethodDelete, "/documents/doc1", env.token(t, bob), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("non-owner delete status = %d, want 404", resp.StatusCode)
	}

	resp := env.do(t, http.MethodDelete, "/documents/doc1", env.token(t, alice), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	var doc block.Document
	decodeBody(t, resp, &doc)
	if !doc.IsDeleted || doc.DeletedAt == nil {
		t.Errorf("after delete = %+v", doc)
	}

	resp = env.do(t, http.MethodPost, "/documents/doc1/restore", env.token(t, alice), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d", resp.StatusCode)
	}
	doc = block.Document{}
	decodeBody(t, resp, &doc)
	if doc.IsDeleted || doc.DeletedAt != nil || len(doc.Content) != 1 {
		t.Errorf("after restore = %+v", doc)
	}

	if resp := env.do(t, http.MethodDelete, "/documents/nope", env.token(t, alice), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing delete status = %d", resp.StatusCode)
	}
}

func TestHandler_Participants(t *testing.T) {
	env := setupTestServer(t)
	env.seedDocument(t)

	c1 := dialSession(t, env, "doc1", alice)
	defer c1.Close()
	c2 := dialSession(t, env, "doc1", dave)
	defer c2.Close()
	waitParticipants(t, env.hub, "doc1", 2)

	resp := env.do(t, http.MethodGet, "/documents/doc1/participants", env.token(t, bob), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got []Participant
	decodeBody(t, resp, &got)
	if len(got) != 2 || got[0].User.ID != alice.UserID || got[0].Role != block.RoleEditor ||
		got[1].User.ID != dave.UserID || got[1].Role != block.RoleReader {
		t.Errorf("participants = %+v", got)
	}
}

func TestHandler_SessionUpgradeRefused(t *testing.T) {
	env := setupTestServer(t)
	env.seedDocument(t)

	tests := []struct {
		name   string
		doc    string
		token  string
		status int
	}{
		{"no token", "doc1", "", http.StatusUnauthorized},
		{"bad token", "doc1", "not-a-jwt", http.StatusUnauthorized},
		{"no access", "doc1", env.token(t, eve), http.StatusForbidden},
		{"inactive", "doc1", env.token(t, Identity{UserID: bob.UserID}), http.StatusForbidden},
		{"unknown document", "nope", env.token(t, alice), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tt.doc, tt.token), nil)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("resp = %v, want status %d", resp, tt.status)
			}
		})
	}
}
