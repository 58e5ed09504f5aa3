package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/cache"
	"github.com/alimasry/go-block-editor/lock"
	"github.com/alimasry/go-block-editor/store"
)

var (
	alice = block.UserInfo{ID: "u1", Name: "Alice"}
	bob   = block.UserInfo{ID: "u2", Name: "Bob"}
)

func newTestEditor(t *testing.T, blocks ...string) (*Editor, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	kv := store.NewMemoryKV()
	doc := block.NewDocument("doc1", alice.ID, "notes")
	for i, id := range blocks {
		doc.Insert(i, id, block.Paragraph)
	}
	if err := repo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	return New(lock.NewRegistry(kv), cache.New(kv, repo)), repo
}

func send(t *testing.T, e *Editor, user block.UserInfo, raw string) (*block.Message, error) {
	t.Helper()
	return e.Handle(context.Background(), "doc1", user, []byte(raw))
}

func mustSend(t *testing.T, e *Editor, user block.UserInfo, raw string) *block.Message {
	t.Helper()
	msg, err := send(t, e, user, raw)
	if err != nil {
		t.Fatalf("%s: %v", raw, err)
	}
	return msg
}

func lockMsg(id string) string {
	return fmt.Sprintf(`{"event":{"type":"block-locked","data":{"id":%q}}}`, id)
}

func releaseMsg(id string) string {
	return fmt.Sprintf(`{"event":{"type":"block-released","data":{"id":%q}}}`, id)
}

func wantTag(t *testing.T, err error, tag Tag) {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *Error with tag %s", err, tag)
	}
	if e.Tag != tag {
		t.Errorf("tag = %s, want %s (%v)", e.Tag, tag, err)
	}
}

func content(t *testing.T, e *Editor) []string {
	t.Helper()
	doc, err := e.Document(context.Background(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(doc.Content))
	for i, el := range doc.Content {
		out[i] = el.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEditor_LockStampsUser(t *testing.T) {
	e, _ := newTestEditor(t)

	msg := mustSend(t, e, alice, lockMsg("b1"))
	if msg.User == nil || msg.User.ID != alice.ID || msg.User.Name != alice.Name {
		t.Errorf("user = %+v, want alice", msg.User)
	}

	var out struct {
		Event struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		} `json:"event"`
		User block.UserInfo `json:"user"`
	}
	if err := json.Unmarshal(msg.Encode(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Event.Type != "block-locked" || string(out.Event.Data) != `{"id":"b1"}` || out.User != alice {
		t.Errorf("broadcast = %+v", out)
	}
}

func TestEditor_LockProtocolErrors(t *testing.T) {
	e, _ := newTestEditor(t)
	mustSend(t, e, alice, lockMsg("b1"))

	_, err := send(t, e, bob, lockMsg("b1"))
	wantTag(t, err, TagBlockAlreadyLocked)

	_, err = send(t, e, alice, lockMsg("b1"))
	wantTag(t, err, TagBlockAlreadyLocked)

	_, err = send(t, e, bob, releaseMsg("b1"))
	wantTag(t, err, TagBlockReleaseDenied)

	mustSend(t, e, alice, releaseMsg("b1"))
	mustSend(t, e, bob, lockMsg("b1"))
}

func TestEditor_AddRequiresLock(t *testing.T) {
	e, _ := newTestEditor(t, "a")

	_, err := send(t, e, alice, `{"event":{"type":"block-added","data":{"index":0,"id":"x","type":"header"}}}`)
	wantTag(t, err, TagBlockAccessDenied)
	if got := content(t, e); !equal(got, []string{"a"}) {
		t.Errorf("content = %v, want [a]", got)
	}

	mustSend(t, e, bob, lockMsg("x"))
	_, err = send(t, e, alice, `{"event":{"type":"block-added","data":{"index":0,"id":"x","type":"header"}}}`)
	wantTag(t, err, TagBlockAccessDenied)
	if got := content(t, e); !equal(got, []string{"a"}) {
		t.Errorf("content = %v, want [a]", got)
	}
}

func TestEditor_ContentOperations(t *testing.T) {
	e, _ := newTestEditor(t, "a", "b", "c", "d", "e")
	for _, id := range []string{"x", "c", "a", "e"} {
		mustSend(t, e, alice, lockMsg(id))
	}

	tests := []struct {
		name string
		msg  string
		want []string
	}{
		{"insert", `{"event":{"type":"block-added","data":{"index":1,"id":"x","type":"quote"}}}`, []string{"a", "x", "b", "c", "d", "e"}},
		{"move back", `{"event":{"type":"block-moved","data":{"fromIndex":3,"toIndex":0,"id":"c"}}}`, []string{"c", "a", "x", "b", "d", "e"}},
		{"move forward", `{"event":{"type":"block-moved","data":{"fromIndex":1,"toIndex":4,"id":"a"}}}`, []string{"c", "x", "b", "d", "a", "e"}},
		{"remove", `{"event":{"type":"block-removed","data":{"index":5,"id":"e"}}}`, []string{"c", "x", "b", "d", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustSend(t, e, alice, tt.msg)
			if got := content(t, e); !equal(got, tt.want) {
				t.Errorf("content = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEditor_MoveFiveElements(t *testing.T) {
	e, _ := newTestEditor(t, "a", "b", "c", "d", "e")
	mustSend(t, e, alice, lockMsg("c"))
	mustSend(t, e, alice, `{"event":{"type":"block-moved","data":{"fromIndex":2,"toIndex":0,"id":"c"}}}`)

	if got := content(t, e); !equal(got, []string{"c", "a", "b", "d", "e"}) {
		t.Errorf("content = %v, want [c a b d e]", got)
	}
}

func TestEditor_ChangeKeepsAttrs(t *testing.T) {
	e, repo := newTestEditor(t)
	ctx := context.Background()
	doc, _ := repo.Get(ctx, "doc1", "")
	doc.Insert(0, "a", block.Paragraph)
	doc.Content[0].Attrs["align"] = "center"
	repo.Replace(ctx, doc)

	mustSend(t, e, alice, lockMsg("a"))
	mustSend(t, e, alice, `{"event":{"type":"block-changed","data":{"index":0,"id":"a","type":"header","data":{"text":"Title"}}}}`)

	got, _ := e.Document(ctx, "doc1")
	el := got.Content[0]
	if el.Type != block.Header || el.Data["text"] != "Title" || el.Attrs["align"] != "center" {
		t.Errorf("element = %+v", el)
	}
}

func TestEditor_InvalidIndex(t *testing.T) {
	e, _ := newTestEditor(t, "a", "b")
	mustSend(t, e, alice, lockMsg("a"))

	msgs := []string{
		`{"event":{"type":"block-added","data":{"index":3,"id":"a","type":"header"}}}`,
		`{"event":{"type":"block-added","data":{"index":-1,"id":"a","type":"header"}}}`,
		`{"event":{"type":"block-removed","data":{"index":2,"id":"a"}}}`,
		`{"event":{"type":"block-moved","data":{"fromIndex":0,"toIndex":2,"id":"a"}}}`,
		`{"event":{"type":"block-changed","data":{"index":7,"id":"a","type":"header","data":{}}}}`,
	}
	for _, raw := range msgs {
		_, err := send(t, e, alice, raw)
		wantTag(t, err, TagInvalidIndex)
	}
	if got := content(t, e); !equal(got, []string{"a", "b"}) {
		t.Errorf("content = %v, want [a b]", got)
	}
}

func TestEditor_MalformedAndUnknown(t *testing.T) {
	e, _ := newTestEditor(t)

	for _, raw := range []string{
		`not json`,
		`{"event":{"type":"block-added","data":{"index":0,"id":"x"}}}`,
		`{"event":{"type":"block-added","data":{"index":0,"id":"x","type":"table"}}}`,
		`{"event":{"type":"block-locked"}}`,
	} {
		_, err := send(t, e, alice, raw)
		wantTag(t, err, TagMalformedEvent)
	}

	_, err := send(t, e, alice, `{"event":{"type":"cursor-moved","data":{"x":1}}}`)
	wantTag(t, err, TagUnableToHandle)
}

func TestEditor_DeletedDocument(t *testing.T) {
	e, _ := newTestEditor(t, "a")
	ctx := context.Background()
	mustSend(t, e, alice, lockMsg("a"))

	if _, err := e.SetDeleted(ctx, "doc1", bob.ID, true); !errors.Is(err, store.ErrDocumentNotFound) {
		t.Fatalf("non-owner delete err = %v", err)
	}
	if _, err := e.SetDeleted(ctx, "doc1", alice.ID, true); err != nil {
		t.Fatal(err)
	}

	_, err := send(t, e, alice, `{"event":{"type":"block-removed","data":{"index":0,"id":"a"}}}`)
	wantTag(t, err, TagDocumentDeleted)
	if got := content(t, e); !equal(got, []string{"a"}) {
		t.Errorf("content = %v, want [a]", got)
	}

	if _, err := e.SetDeleted(ctx, "doc1", alice.ID, false); err != nil {
		t.Fatal(err)
	}
	mustSend(t, e, alice, `{"event":{"type":"block-removed","data":{"index":0,"id":"a"}}}`)
}

func TestEditor_DocumentNotFound(t *testing.T) {
	kv := store.NewMemoryKV()
	e := New(lock.NewRegistry(kv), cache.New(kv, store.NewMemoryRepository()))
	ctx := context.Background()

	e.Handle(ctx, "missing", alice, []byte(lockMsg("a")))
	_, err := e.Handle(ctx, "missing", alice, []byte(`{"event":{"type":"block-removed","data":{"index":0,"id":"a"}}}`))
	wantTag(t, err, TagDocumentNotFound)
}

func TestEditor_JournalsAcceptedEvents(t *testing.T) {
	repo := store.NewMemoryRepository()
	kv := store.NewMemoryKV()
	c := cache.New(kv, repo)
	repo.Create(context.Background(), block.NewDocument("doc1", alice.ID, ""))
	e := New(lock.NewRegistry(kv), c)

	mustSend(t, e, alice, lockMsg("x"))
	send(t, e, bob, lockMsg("x"))
	mustSend(t, e, alice, `{"event":{"type":"block-added","data":{"index":0,"id":"x","type":"code"}}}`)

	events, err := c.Journal(context.Background(), "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("journal has %d events, want 2", len(events))
	}
	var last block.Message
	json.Unmarshal(events[1], &last)
	if last.Event.Type != block.BlockAdded || last.User == nil || last.User.ID != alice.ID {
		t.Errorf("last journaled = %+v", last)
	}
}

func TestEditor_ReleaseHeld(t *testing.T) {
	e, _ := newTestEditor(t)
	mustSend(t, e, alice, lockMsg("a"))
	mustSend(t, e, alice, lockMsg("b"))
	mustSend(t, e, alice, releaseMsg("b"))
	mustSend(t, e, bob, lockMsg("b"))

	msgs, err := e.ReleaseHeld(context.Background(), "doc1", alice, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Event.BlockID() != "a" || msgs[0].Event.Type != block.BlockReleased {
		t.Fatalf("released = %+v", msgs)
	}
	if msgs[0].User.ID != alice.ID {
		t.Errorf("stamp = %+v", msgs[0].User)
	}
	mustSend(t, e, bob, lockMsg("a"))
	_, err = send(t, e, alice, releaseMsg("b"))
	wantTag(t, err, TagBlockReleaseDenied)
}

func TestError_Payload(t *testing.T) {
	err := AsError(fmt.Errorf("wrapped: %w", block.ErrInvalidIndex))
	var out map[string]map[string]string
	if jerr := json.Unmarshal(err.Payload(), &out); jerr != nil {
		t.Fatal(jerr)
	}
	if out["error"]["type"] != "invalid-index" || out["error"]["detail"] == "" {
		t.Errorf("payload = %v", out)
	}

	if got := AsError(errors.New("disk on fire")).Tag; got != TagInternal {
		t.Errorf("unknown failure tag = %s", got)
	}
}

// gatedKV parks the first snapshot write after armed is set until open
// is closed.
type gatedKV struct {
	store.KV
	armed   atomic.Bool
	entered chan struct{}
	open    chan struct{}
}

func (g *gatedKV) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if strings.HasPrefix(key, cache.Key("")) && g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.open
	}
	return g.KV.Update(ctx, key, fn)
}

func TestEditor_ReleaseWaitsForInFlightEdit(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	doc := block.NewDocument("doc1", alice.ID, "notes")
	doc.Insert(0, "a", block.Paragraph)
	if err := repo.Create(ctx, doc); err != nil {
		t.Fatal(err)
	}
	kv := &gatedKV{KV: store.NewMemoryKV(), entered: make(chan struct{}), open: make(chan struct{})}
	e := New(lock.NewRegistry(kv), cache.New(kv, repo))

	mustSend(t, e, alice, lockMsg("a"))
	kv.armed.Store(true)

	edited := make(chan error, 1)
	go func() {
		_, err := e.Handle(ctx, "doc1", alice,
			[]byte(`{"event":{"type":"block-changed","data":{"index":0,"id":"a","type":"header","data":{"text":"T"}}}}`))
		edited <- err
	}()
	<-kv.entered

	released := make(chan error, 1)
	go func() {
		_, err := e.Handle(ctx, "doc1", alice, []byte(releaseMsg("a")))
		released <- err
	}()
	select {
	case err := <-released:
		t.Fatalf("release completed while the edit was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(kv.open)
	if err := <-edited; err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("release: %v", err)
	}
	mustSend(t, e, bob, lockMsg("a"))

	got, err := e.Document(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content[0].Type != block.Header {
		t.Errorf("type = %s, want header", got.Content[0].Type)
	}
}
