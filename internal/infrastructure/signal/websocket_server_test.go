package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/services"
	"mediarelay/internal/infrastructure/media"
	"mediarelay/internal/infrastructure/relay"
	"mediarelay/pkg/logger"
	"mediarelay/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testCodecs = []domain.Codec{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T) (*Hub, *services.RoomManager, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	factory := media.NewFactory(media.Config{ListenIP: "127.0.0.1"}, logger)
	workers, err := factory.Pool(ctx, 1)
	require.NoError(t, err)
	balancer := services.NewLoadBalancer(ctx, workers, factory, nil, logger)

	replicator := services.NewReplicator(
		services.ReplicatorConfig{SelfAddress: "http://127.0.0.1:1"},
		relay.NewClient(relay.Config{}, logger),
		services.NewDestinationLock(),
		nil,
		logger,
	)
	rooms := services.NewRoomManager(services.RoomConfig{
		MaxParticipantsPerShard: 10,
		CPUThreshold:            100,
		Codecs:                  testCodecs,
		CreateRetry:             retry.Config{MaxAttempts: 1},
	}, balancer, replicator, nil, nil, nil, logger)

	hub := NewHub(rooms, Config{PingInterval: time.Second, PongTimeout: 5 * time.Second}, logger)
	rooms.SetBroadcaster(hub)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		rooms.Shutdown(ctx)
		balancer.Close()
	})
	return hub, rooms, server
}

func dial(t *testing.T, server *httptest.Server, roomID, userID, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?roomId=" + roomID + "&userId=" + userID
	header := http.Header{}
	header.Set("Cookie", "publicName="+name)
	header.Set("User-Agent", "signal-test")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func request(t *testing.T, conn *websocket.Conn, event, requestID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: event, RequestID: requestID, Data: raw}))
}

// await reads frames until one of the given type arrives.
func await(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", event)
		if f.Type == event {
			return f
		}
	}
}

func TestHub_RequiresRoomAndUser(t *testing.T) {
	_, _, server := newTestHub(t)

	resp, err := http.Get(server.URL + "/?roomId=R1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_RoomLifecycle(t *testing.T) {
	hub, rooms, server := newTestHub(t)

	alice := dial(t, server, "R1", "alice", "Alice")
	info := await(t, alice, domain.EventRoomInfo)
	assert.JSONEq(t, `1`, string(info.Data))

	bob := dial(t, server, "R1", "bob", "Bob")
	joined := await(t, alice, domain.EventUserJoined)
	assert.Contains(t, string(joined.Data), `"userId":"bob"`)
	assert.Contains(t, string(joined.Data), `"publicName":"Bob"`)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	t.Run("users", func(t *testing.T) {
		request(t, alice, domain.EventGetUsers, "1", nil)
		f := await(t, alice, domain.EventUsersList)
		assert.Equal(t, "1", f.RequestID)
		var people []domain.Person
		require.NoError(t, json.Unmarshal(f.Data, &people))
		assert.Len(t, people, 2)
	})

	t.Run("router capabilities", func(t *testing.T) {
		request(t, bob, domain.EventGetRouterRtpCapabilities, "2", nil)
		f := await(t, bob, domain.EventGetRouterRtpCapabilities)
		var caps domain.RtpCapabilities
		require.NoError(t, json.Unmarshal(f.Data, &caps))
		assert.Len(t, caps.Codecs, 2)
	})

	t.Run("transport carries shard id", func(t *testing.T) {
		request(t, bob, domain.EventCreateWebRtcTransport, "3", nil)
		f := await(t, bob, domain.EventCreateWebRtcTransport)
		var params map[string]any
		require.NoError(t, json.Unmarshal(f.Data, &params))
		assert.NotEmpty(t, params["id"])
		assert.EqualValues(t, 1, params["shardId"])
	})

	t.Run("producers exclude own", func(t *testing.T) {
		request(t, bob, domain.EventGetProducers, "4", nil)
		f := await(t, bob, domain.EventNewProducers)
		assert.JSONEq(t, `[]`, string(f.Data))
	})

	t.Run("chat", func(t *testing.T) {
		request(t, alice, domain.EventChatMessage, "", map[string]string{"text": "  <b>hi</b> "})
		msg := await(t, bob, domain.EventChatMessage)
		var chat domain.ChatMessage
		require.NoError(t, json.Unmarshal(msg.Data, &chat))
		assert.Equal(t, "bhi/b", chat.Text)
		assert.Equal(t, domain.UserID("alice"), chat.UserID)

		request(t, bob, domain.EventChatHistory, "5", nil)
		f := await(t, bob, domain.EventChatHistory)
		var history []domain.ChatMessage
		require.NoError(t, json.Unmarshal(f.Data, &history))
		require.Len(t, history, 1)
		assert.Equal(t, "bhi/b", history[0].Text)
	})

	t.Run("reactions", func(t *testing.T) {
		request(t, bob, domain.EventReaction, "", map[string]string{"emoji": "👍"})
		f := await(t, alice, domain.EventReaction)
		assert.Contains(t, string(f.Data), `"name":"Bob"`)

		request(t, bob, domain.EventReaction, "6", map[string]string{"emoji": "🔥"})
		e := await(t, bob, domain.EventError)
		assert.Equal(t, "6", e.RequestID)
	})

	t.Run("unknown request", func(t *testing.T) {
		request(t, alice, "teleport", "7", nil)
		e := await(t, alice, domain.EventError)
		assert.Equal(t, "7", e.RequestID)
		assert.Contains(t, string(e.Data), "unknown message type")
	})

	t.Run("disconnect leaves the room", func(t *testing.T) {
		require.NoError(t, bob.Close())
		await(t, alice, domain.EventUserLeft)
		room, err := rooms.Room("R1")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return room.TotalParticipants() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("close room", func(t *testing.T) {
		request(t, alice, domain.EventCloseRoom, "8", nil)
		await(t, alice, domain.EventRoomClosed)

		require.Eventually(t, func() bool {
			_, err := rooms.Room("R1")
			return hub.ConnectionCount() == 0 && err != nil
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			if _, _, err := alice.ReadMessage(); err != nil {
				break
			}
		}
	})
}

func TestHub_ExitRoom(t *testing.T) {
	_, rooms, server := newTestHub(t)

	alice := dial(t, server, "R2", "alice", "Alice")
	await(t, alice, domain.EventRoomInfo)

	request(t, alice, domain.EventExitRoom, "1", nil)
	f := await(t, alice, domain.EventExitRoom)
	assert.Equal(t, "1", f.RequestID)

	_, err := rooms.Room("R2")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound, "the last participant leaving drops the room")
}

func TestHub_SendTargetsOneParticipant(t *testing.T) {
	hub, rooms, server := newTestHub(t)

	alice := dial(t, server, "R3", "alice", "Alice")
	await(t, alice, domain.EventRoomInfo)

	room, err := rooms.Room("R3")
	require.NoError(t, err)
	people := room.People()
	require.Len(t, people, 1)

	hub.Send("R3", people[0].ParticipantID, domain.EventConsumerClosed, map[string]string{"consumerId": "c1"})
	f := await(t, alice, domain.EventConsumerClosed)
	assert.JSONEq(t, `{"consumerId":"c1"}`, string(f.Data))

	// unknown targets are ignored
	hub.Send("R3", "nobody", domain.EventConsumerClosed, nil)
	hub.Broadcast("missing", "", domain.EventRoomInfo, 0)
}

func TestHub_CloseDisconnectsEveryone(t *testing.T) {
	hub, _, server := newTestHub(t)

	alice := dial(t, server, "R4", "alice", "Alice")
	await(t, alice, domain.EventRoomInfo)
	bob := dial(t, server, "R5", "bob", "Bob")
	await(t, bob, domain.EventRoomInfo)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()

	assert.Equal(t, 0, hub.ConnectionCount())
	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}

func TestHub_BackgroundWorkOutlivesRequest(t *testing.T) {
	hub, _, _ := newTestHub(t)

	reqCtx, cancelReq := context.WithCancel(logger.WithRequestID(context.Background(), "req-1"))
	started := make(chan struct{})
	finished := make(chan error, 1)
	hub.spawn(reqCtx, func(ctx context.Context) {
		assert.Equal(t, "req-1", logger.RequestID(ctx))
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
	})
	<-started
	cancelReq()

	select {
	case <-finished:
		t.Fatal("background work stopped with the request")
	case <-time.After(50 * time.Millisecond):
	}

	hub.Close()
	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("Close returned before background work finished")
	}

	ran := false
	hub.spawn(context.Background(), func(context.Context) { ran = true })
	assert.False(t, ran, "nothing starts after Close")
}
