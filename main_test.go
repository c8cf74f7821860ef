package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatbox/internal/api"
	"chatbox/internal/models"
)

const (
	testAdminAddr = "127.0.0.1:8891"
	testAPIAddr   = "127.0.0.1:8890"
)

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for i := 0; i < attempts; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", url)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

// createAndRegister provisions a member through the admin API and
// finishes registration, returning a login token.
func createAndRegister(t *testing.T, username, password string) string {
	t.Helper()

	resp := postJSON(t, fmt.Sprintf("http://%s/admin/members", testAdminAddr), api.AddMemberRequest{Username: username})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created api.AddMemberResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.True(t, created.Success)

	setupLink, err := url.Parse(created.SetupLink)
	require.NoError(t, err)
	regToken := setupLink.Query().Get("token")
	require.NotEmpty(t, regToken)

	resp = postJSON(t, fmt.Sprintf("http://%s/register/", testAPIAddr), map[string]string{
		"username": username,
		"token":    regToken,
		"password": password,
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, fmt.Sprintf("http://%s/login/", testAPIAddr), map[string]string{
		"username": username,
		"password": password,
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login["token"])
	return login["token"]
}

func dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws/chat/", testAPIAddr), header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestIntegration(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "chatbox_integration")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(tmpDir) }()

	t.Setenv("CHATBOX_DB", filepath.Join(tmpDir, "chatbox.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(tmpDir, "uploads"))
	t.Setenv("ADMIN_ADDR", testAdminAddr)
	t.Setenv("API_ADDR", testAPIAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- run(ctx, "") }()
	defer func() {
		cancel()
		select {
		case err := <-serverDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("server error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/conversation/", testAPIAddr), 50)

	aliceToken := createAndRegister(t, "alice", "alicepassword")
	bobToken := createAndRegister(t, "bob", "bobpassword")

	// Open a conversation between the two members.
	resp := postJSON(t, fmt.Sprintf("http://%s/admin/conversations", testAdminAddr), api.CreateConversationRequest{
		StarterID: 1,
		Name:      "alice and bob",
		Users:     []int64{1, 2},
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convResp struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convResp))
	convID := convResp.ID

	alice := dialWS(t, aliceToken)
	bob := dialWS(t, bobToken)

	// Both select the conversation.
	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type": "set-chat-id",
			"data": map[string]any{"chatID": convID},
		}))
		reply := readFrame(t, conn)
		require.Equal(t, "set-chatID", reply.Type)
	}

	// Alice sends a message; she gets an ack and bob gets an unread
	// update on his private group.
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "send-message",
		"data": map[string]any{"message": "hello bob"},
	}))
	ack := readFrame(t, alice)
	require.Equal(t, "send-message", ack.Type)

	update := readFrame(t, bob)
	require.Equal(t, "update", update.Type)
	var briefs []models.ConversationBrief
	require.NoError(t, json.Unmarshal(update.Data, &briefs))
	require.Len(t, briefs, 1)
	require.Equal(t, convID, briefs[0].ID)
	require.Equal(t, 1, briefs[0].Unread)
	require.Equal(t, "hello bob", briefs[0].LastMsg)

	// Bob fetches the conversation over the socket, which returns the
	// message and clears his unread counter.
	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": "get-conv",
		"data": map[string]any{"chatID": convID, "lastUpdate": 0},
	}))
	conv := readFrame(t, bob)
	require.Equal(t, "get-conv", conv.Type)
	var payload struct {
		Messages []models.Post `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(conv.Data, &payload))
	require.Len(t, payload.Messages, 1)
	require.Equal(t, "hello bob", payload.Messages[0].Content)
	require.NotNil(t, payload.Messages[0].Sender)
	require.Equal(t, "alice", payload.Messages[0].Sender.Username)

	// The REST surface sees the same state.
	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/conversation/", testAPIAddr), nil)
	require.NoError(t, err)
	req.Header.Set("token", bobToken)
	restResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = restResp.Body.Close() }()
	require.Equal(t, http.StatusOK, restResp.StatusCode)
	var listing struct {
		Conversations []models.ConversationBrief `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(restResp.Body).Decode(&listing))
	require.Len(t, listing.Conversations, 1)
	require.Zero(t, listing.Conversations[0].Unread)
}
