package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwork/iwork/internal/auth"
	"github.com/iwork/iwork/internal/chat"
	"github.com/iwork/iwork/internal/presence"
	"github.com/iwork/iwork/store/memory"
	"github.com/iwork/iwork/store/message"
)

type recordingDispatcher struct {
	delivered chan string
	broadcast chan string
}

func (d *recordingDispatcher) DeliverLocal(subjectID string, ev Event) {
	d.delivered <- subjectID + ":" + ev.Name
}

func (d *recordingDispatcher) BroadcastLocal(ev Event) {
	d.broadcast <- ev.Name
}

func TestLocalRouter(t *testing.T) {
	d := &recordingDispatcher{delivered: make(chan string, 1), broadcast: make(chan string, 1)}
	r := NewLocalRouter()
	require.NoError(t, r.Start(d))

	require.NoError(t, r.Deliver(context.Background(), "u1", Event{Name: EventUpdateUnreadCounters}))
	assert.Equal(t, "u1:"+EventUpdateUnreadCounters, <-d.delivered)

	require.NoError(t, r.Broadcast(context.Background(), Event{Name: EventGetOnlineUsers}))
	assert.Equal(t, EventGetOnlineUsers, <-d.broadcast)
}

func TestDecodeBusEvent(t *testing.T) {
	ev, err := decodeBusEvent([]byte(`{"event":"refreshConversations","data":{"conversationId":"c1","lastMessage":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventRefreshConversations, ev.Name)
	assert.Equal(t, map[string]any{"conversationId": "c1", "lastMessage": "hi"}, ev.Data)

	_, err = decodeBusEvent([]byte(`{"data":1}`))
	assert.Error(t, err)
	_, err = decodeBusEvent([]byte(`not json`))
	assert.Error(t, err)
}

// Two gateway instances sharing NATS and a KV presence bucket behave as
// one: a message sent through one reaches a recipient held by the other.
func TestNATSRouterAcrossInstances(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx := context.Background()
	prefix := fmt.Sprintf("iwork_test_%d", os.Getpid())
	bucket := prefix + "_presence"
	registry, err := presence.NewKVRegistry(ctx, nc, bucket, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if js, err := jetstream.New(nc); err == nil {
			_ = js.DeleteKeyValue(context.Background(), bucket)
		}
	})

	store := memory.New()
	svc := chat.NewService(chat.Config{Conversations: store.Conversations(), Messages: store.Messages()})
	authn := auth.NewAuthenticator(testSecret, "", time.Hour)

	newInstance := func() *httptest.Server {
		gw, err := New(Config{
			Verifier: authn,
			Chat:     svc,
			Presence: registry,
			Router:   NewNATSRouter(nc, prefix, nil),
		})
		require.NoError(t, err)
		srv := httptest.NewServer(gw)
		t.Cleanup(func() {
			_ = gw.Close()
			srv.Close()
		})
		return srv
	}
	a, b := newInstance(), newInstance()
	require.NoError(t, nc.Flush())

	dial := func(srv *httptest.Server, subjectID string) *websocket.Conn {
		token, err := authn.GenerateToken(subjectID)
		require.NoError(t, err)
		conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?token="+token, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	convo, _, err := svc.FindOrCreateConversation(ctx, "u1", "u2", "")
	require.NoError(t, err)

	u1 := dial(a, "u1")
	u2 := dial(b, "u2")
	expectOnline(t, u1, "u1", "u2")
	expectOnline(t, u2, "u1", "u2")

	send(t, u1, EventSendMessage, map[string]string{"conversationId": convo.ID, "text": "across nodes"})
	var m message.Message
	require.NoError(t, json.Unmarshal(expectEvent(t, u2, EventReceiveMessage), &m))
	assert.Equal(t, "across nodes", m.Text)
	expectEvent(t, u2, EventRefreshConversations)
}
