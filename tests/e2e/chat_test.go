package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwork/iwork/tests/testutil"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func call(t *testing.T, subjectID, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, testutil.Addr()+path, &buf)
	require.NoError(t, err)
	token, err := testutil.Token(subjectID)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func connect(t *testing.T, subjectID string) *websocket.Conn {
	t.Helper()
	token, err := testutil.Token(subjectID)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(testutil.Addr(), "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func await(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev envelope
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", event)
		if ev.Event == event {
			return ev.Data
		}
	}
}

// TestConversationScenario walks two subjects through a conversation
// about a post: create, send, read, hide and reappear on reply.
func TestConversationScenario(t *testing.T) {
	suffix := fmt.Sprint(time.Now().UnixNano())
	u1, u2, post := "u1-"+suffix, "u2-"+suffix, "p1-"+suffix

	var convo struct {
		ID string `json:"_id"`
	}
	require.Equal(t, http.StatusCreated, call(t, u1, http.MethodPost, "/api/chats", map[string]string{"recipientId": u2, "postId": post}, &convo))
	require.NotEmpty(t, convo.ID)
	require.Equal(t, http.StatusOK, call(t, u2, http.MethodPost, "/api/chats", map[string]string{"recipientId": u1, "postId": post}, nil))

	recipient := connect(t, u2)
	await(t, recipient, "getOnlineUsers")

	var sent struct {
		ID   string `json:"_id"`
		Text string `json:"text"`
	}
	require.Equal(t, http.StatusCreated, call(t, u1, http.MethodPost, "/api/chats/message", map[string]string{"conversationId": convo.ID, "text": "Hello"}, &sent))

	var received struct {
		ID string `json:"_id"`
	}
	require.NoError(t, json.Unmarshal(await(t, recipient, "receiveMessage"), &received))
	assert.Equal(t, sent.ID, received.ID)
	await(t, recipient, "refreshConversations")

	type view struct {
		ID     string `json:"_id"`
		Unread bool   `json:"unread"`
	}
	var list []view
	require.Equal(t, http.StatusOK, call(t, u2, http.MethodGet, "/api/chats", nil, &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Unread)

	require.Equal(t, http.StatusOK, call(t, u2, http.MethodPatch, "/api/chats/"+convo.ID+"/read", nil, nil))
	await(t, recipient, "updateUnreadCounters")

	require.Equal(t, http.StatusOK, call(t, u1, http.MethodDelete, "/api/chats/"+convo.ID, nil, nil))
	list = nil
	require.Equal(t, http.StatusOK, call(t, u1, http.MethodGet, "/api/chats", nil, &list))
	assert.Empty(t, list)

	replier := connect(t, u2)
	await(t, replier, "getOnlineUsers")
	require.NoError(t, replier.WriteJSON(map[string]any{
		"event": "sendMessage",
		"data":  map[string]string{"conversationId": convo.ID, "text": "Hi back"},
	}))
	await(t, replier, "messageSent")

	list = nil
	require.Equal(t, http.StatusOK, call(t, u1, http.MethodGet, "/api/chats", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, convo.ID, list[0].ID)
	assert.True(t, list[0].Unread)
}
