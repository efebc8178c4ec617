package send

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/bus"
	"github.com/whispapp/whisp/internal/channel"
	"github.com/whispapp/whisp/internal/queue"
	"github.com/whispapp/whisp/internal/status"
	"github.com/whispapp/whisp/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeAPI struct {
	lastReq *api.SendRequest
	err     error
}

func (f *fakeAPI) PostMessage(_ context.Context, req *api.SendRequest) (*api.Message, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	raw := `{"_id":"srv-1","chatId":"` + req.ChatID + `","sender":"me","type":"` + req.Type + `","content":"` + req.Content + `","status":"sent","createdAt":1000}`
	var m api.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type fakeEmitter struct {
	events []string
}

func (f *fakeEmitter) Emit(event string, _ any) error {
	f.events = append(f.events, event)
	return nil
}

func testSender(t *testing.T, db *store.DB, fa *fakeAPI) (*Sender, *fakeEmitter) {
	t.Helper()
	q := queue.NewSerializer(16)
	t.Cleanup(q.Close)
	em := &fakeEmitter{}
	return NewSender(db, q, fa, em, bus.New(), zap.NewNop(), "me"), em
}

func TestSendPersistsServerCopy(t *testing.T) {
	db := testDB(t)
	fa := &fakeAPI{}
	s, em := testSender(t, db, fa)

	err := s.Send(context.Background(), "c1", &Composed{Type: "text", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	if fa.lastReq.ClientID == "" {
		t.Error("send should carry a client id")
	}

	msgs, err := db.MessagesForChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != "srv-1" || !m.IsMine || m.Status != status.Sent {
		t.Errorf("stored = %+v, want srv-1 mine sent", m)
	}

	if len(em.events) != 1 || em.events[0] != channel.EvtSendMessage {
		t.Errorf("emits = %v, want %s", em.events, channel.EvtSendMessage)
	}
}

func TestSendFailureLeavesNoRow(t *testing.T) {
	db := testDB(t)
	fa := &fakeAPI{err: errors.New("network down")}
	s, em := testSender(t, db, fa)

	err := s.Send(context.Background(), "c1", &Composed{Type: "text", Content: "hi"})
	if err == nil {
		t.Fatal("send should fail when the server is unreachable")
	}

	msgs, err := db.MessagesForChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d rows, want 0 after failed send", len(msgs))
	}
	if len(em.events) != 0 {
		t.Errorf("emits = %v, want none after failed send", em.events)
	}
}

func TestSendFreshClientIDPerCall(t *testing.T) {
	db := testDB(t)
	fa := &fakeAPI{}
	s, _ := testSender(t, db, fa)

	if err := s.Send(context.Background(), "c1", &Composed{Type: "text", Content: "one"}); err != nil {
		t.Fatal(err)
	}
	first := fa.lastReq.ClientID
	if err := s.Send(context.Background(), "c1", &Composed{Type: "text", Content: "two"}); err != nil {
		t.Fatal(err)
	}
	if fa.lastReq.ClientID == first {
		t.Error("client id should differ between sends")
	}
}
