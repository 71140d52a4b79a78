package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/config"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/session"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*httptest.Server, *session.Registry, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:               "this-is-a-very-long-secret-key-for-testing-purposes",
		MaxSessions:             10,
		MaxChatLen:              session.MaxChatLen,
		ChatRing:                session.ChatRingSize,
		IdleEvict:               time.Minute,
		ClosedGrace:             time.Minute,
		SocketHeartbeatInterval: 5 * time.Second,
		PingTimeout:             5 * time.Second,
		RemoteAnalogDeadzone:    0.03,
		DevelopmentMode:         true,
	}
	reg := session.NewRegistry(cfg, nil)
	h := NewHandler(reg, cfg)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", h.ServeWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg, cfg
}

func dial(t *testing.T, srv *httptest.Server, code, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?code=" + code + "&clientId=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) session.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg session.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestServeWS_HandshakeDeliversRoomState(t *testing.T) {
	srv, reg, _ := testServer(t)
	created, err := reg.Create("alice", "", "", "", false)
	require.NoError(t, err)

	conn := dial(t, srv, created.Code, created.ClientID)
	defer conn.Close()

	msg := readFrame(t, conn)
	require.Equal(t, session.TypeRoomState, msg.Type)
}

func TestServeWS_RejectsUnknownClient(t *testing.T) {
	srv, reg, _ := testServer(t)
	created, err := reg.Create("alice", "", "", "", false)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?code=" + created.Code + "&clientId=not-a-real-token"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 401, resp.StatusCode)
	}
}

func TestServeWS_ChatRoundTrip(t *testing.T) {
	srv, reg, _ := testServer(t)
	created, err := reg.Create("alice", "", "", "", false)
	require.NoError(t, err)

	conn := dial(t, srv, created.Code, created.ClientID)
	defer conn.Close()
	_ = readFrame(t, conn) // initial room_state

	payload, _ := json.Marshal(session.ChatInPayload{Text: "hi"})
	out, _ := json.Marshal(session.Message{Type: session.TypeChat, Payload: payload})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))

	msg := readFrame(t, conn)
	require.Equal(t, session.TypeChat, msg.Type)
	var chatOut session.ChatOutPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &chatOut))
	require.Equal(t, "hi", chatOut.Entry.Message)
}

func TestServeWS_ReconnectSupersedesPreviousSocket(t *testing.T) {
	srv, reg, _ := testServer(t)
	created, err := reg.Create("alice", "", "", "", false)
	require.NoError(t, err)

	first := dial(t, srv, created.Code, created.ClientID)
	defer first.Close()
	_ = readFrame(t, first)

	second := dial(t, srv, created.Code, created.ClientID)
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4409, closeErr.Code)
}

func TestServeWS_PingPong(t *testing.T) {
	srv, reg, _ := testServer(t)
	created, err := reg.Create("alice", "", "", "", false)
	require.NoError(t, err)

	conn := dial(t, srv, created.Code, created.ClientID)
	defer conn.Close()
	_ = readFrame(t, conn)

	out, _ := json.Marshal(session.Message{Type: session.TypePing})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))

	msg := readFrame(t, conn)
	require.Equal(t, session.TypePong, msg.Type)
}
