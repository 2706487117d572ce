package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planhub/collab/internal/protocol"
	"github.com/planhub/collab/internal/server"
	"github.com/planhub/collab/test/testhelpers"
)

func TestRejectsBadToken(t *testing.T) {
	_, baseURL := testhelpers.StartServer(t, nil)

	conn := testhelpers.Dial(t, baseURL, "chat", "standup", "forged-token")
	assert.Equal(t, protocol.CloseAuthFailed, testhelpers.ReadCloseCode(t, conn))
}

func TestRejectsForeignNotificationRoom(t *testing.T) {
	_, baseURL := testhelpers.StartServer(t, nil)

	conn := testhelpers.Dial(t, baseURL, "notifications", "bob", testhelpers.AliceToken)
	assert.Equal(t, protocol.CloseAuthFailed, testhelpers.ReadCloseCode(t, conn))
}

func TestChatRoundTripWithPresence(t *testing.T) {
	hub, baseURL := testhelpers.StartServer(t, nil)

	alice := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.AliceToken)
	joined := testhelpers.ReadUntil(t, alice, protocol.TypeUserJoined)
	var roster protocol.PresencePayload
	require.NoError(t, json.Unmarshal(joined.Payload, &roster))
	assert.Equal(t, []string{"alice"}, roster.OnlineUsers)

	bob := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.BobToken)
	joined = testhelpers.ReadUntil(t, bob, protocol.TypeUserJoined)
	require.NoError(t, json.Unmarshal(joined.Payload, &roster))
	assert.Equal(t, "bob", roster.User)
	assert.ElementsMatch(t, []string{"alice", "bob"}, roster.OnlineUsers)

	env, err := protocol.NewEnvelope(protocol.TypeChatMessage, "chat:standup", protocol.ChatPayload{Text: "good morning"}, "", time.Now().UTC())
	require.NoError(t, err)
	testhelpers.WriteEnvelope(t, alice, env)

	var payload protocol.ChatPayload
	msg := testhelpers.ReadUntil(t, bob, protocol.TypeChatMessage)
	assert.Equal(t, "alice", msg.Sender)
	assert.EqualValues(t, 1, msg.Seq)
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "good morning", payload.Text)
	assert.NotEmpty(t, payload.MessageID)

	// The sender receives the same stamped copy.
	msg = testhelpers.ReadUntil(t, alice, protocol.TypeChatMessage)
	assert.EqualValues(t, 1, msg.Seq)

	// The broadcast cursor resolves against history.
	msgs, err := hub.History().ListSince(context.Background(), "chat:standup", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "good morning", msgs[0].Text)
}

func TestTypingIndicatorFansOut(t *testing.T) {
	_, baseURL := testhelpers.StartServer(t, nil)

	alice := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.AliceToken)
	testhelpers.ReadUntil(t, alice, protocol.TypeUserJoined)
	bob := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.BobToken)
	testhelpers.ReadUntil(t, bob, protocol.TypeUserJoined)

	env, err := protocol.NewEnvelope(protocol.TypeTyping, "chat:standup", protocol.TypingPayload{IsTyping: true}, "", time.Now().UTC())
	require.NoError(t, err)
	testhelpers.WriteEnvelope(t, alice, env)

	typing := testhelpers.ReadUntil(t, bob, protocol.TypeTyping)
	assert.Zero(t, typing.Seq)

	var payload protocol.TypingPayload
	require.NoError(t, json.Unmarshal(typing.Payload, &payload))
	assert.Equal(t, "alice", payload.User)
	assert.True(t, payload.IsTyping)
}

func TestTaskUpdateFansOutInProjectRoom(t *testing.T) {
	_, baseURL := testhelpers.StartServer(t, nil)

	alice := testhelpers.Dial(t, baseURL, "project", "42", testhelpers.AliceToken)
	testhelpers.ReadUntil(t, alice, protocol.TypeUserJoined)
	bob := testhelpers.Dial(t, baseURL, "project", "42", testhelpers.BobToken)
	testhelpers.ReadUntil(t, bob, protocol.TypeUserJoined)

	env, err := protocol.NewEnvelope(protocol.TypeTaskUpdate, "project:42", protocol.TaskUpdatePayload{
		TaskID:    "task-7",
		ProjectID: "42",
		Updates:   json.RawMessage(`{"status":"done"}`),
	}, "", time.Now().UTC())
	require.NoError(t, err)
	testhelpers.WriteEnvelope(t, alice, env)

	update := testhelpers.ReadUntil(t, bob, protocol.TypeTaskUpdate)
	assert.Equal(t, "alice", update.Sender)

	var payload protocol.TaskUpdatePayload
	require.NoError(t, json.Unmarshal(update.Payload, &payload))
	assert.Equal(t, "task-7", payload.TaskID)
}

func TestEmptyChatMessageGetsErrorFrame(t *testing.T) {
	_, baseURL := testhelpers.StartServer(t, nil)

	alice := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.AliceToken)
	testhelpers.ReadUntil(t, alice, protocol.TypeUserJoined)

	env, err := protocol.NewEnvelope(protocol.TypeChatMessage, "chat:standup", protocol.ChatPayload{Text: "   "}, "", time.Now().UTC())
	require.NoError(t, err)
	testhelpers.WriteEnvelope(t, alice, env)

	errFrame := testhelpers.ReadUntil(t, alice, protocol.TypeError)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Payload, &payload))
	assert.Equal(t, "invalid_argument", payload.Code)

	// The connection survives the rejected frame.
	env, err = protocol.NewEnvelope(protocol.TypeChatMessage, "chat:standup", protocol.ChatPayload{Text: "retry"}, "", time.Now().UTC())
	require.NoError(t, err)
	testhelpers.WriteEnvelope(t, alice, env)
	msg := testhelpers.ReadUntil(t, alice, protocol.TypeChatMessage)
	assert.EqualValues(t, 1, msg.Seq)
}

func TestConnectRateLimit(t *testing.T) {
	_, baseURL := testhelpers.StartServer(t, func(cfg *server.Config) {
		cfg.ConnectLimit = server.RateLimitConfig{Burst: 1, RefillInterval: time.Minute}
	})

	first := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.AliceToken)
	testhelpers.ReadUntil(t, first, protocol.TypeUserJoined)

	second := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.AliceToken)
	assert.Equal(t, protocol.CloseRateLimited, testhelpers.ReadCloseCode(t, second))
}

func TestNotificationDelivery(t *testing.T) {
	hub, baseURL := testhelpers.StartServer(t, nil)

	alice := testhelpers.Dial(t, baseURL, "notifications", "alice", testhelpers.AliceToken)

	env, err := protocol.NewEnvelope(protocol.TypeNotification, protocol.UserRoom("alice"),
		map[string]string{"title": "Task assigned", "body": "task-7 is yours"}, "", time.Now().UTC())
	require.NoError(t, err)

	// Give the session a moment to register before broadcasting.
	require.Eventually(t, func() bool {
		return hub.Registry().Broadcast(protocol.UserRoom("alice"), env) == 1
	}, 2*time.Second, 10*time.Millisecond)

	note := testhelpers.ReadUntil(t, alice, protocol.TypeNotification)
	assert.Equal(t, protocol.UserRoom("alice"), note.Room)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(note.Payload, &payload))
	assert.Equal(t, "Task assigned", payload["title"])
}

func TestServerShutdownClosesSessionsCleanly(t *testing.T) {
	hub, baseURL := testhelpers.StartServer(t, nil)

	alice := testhelpers.Dial(t, baseURL, "chat", "standup", testhelpers.AliceToken)
	testhelpers.ReadUntil(t, alice, protocol.TypeUserJoined)

	require.NoError(t, hub.Shutdown(2*time.Second))
	assert.Equal(t, protocol.CloseNormal, testhelpers.ReadCloseCode(t, alice))
}
