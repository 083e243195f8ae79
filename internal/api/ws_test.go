package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

// readUntil drains messages until one of the wanted type arrives. Session and
// roster snapshots interleave in no fixed order, so tests skip past the ones
// they are not waiting for.
func readUntil(t *testing.T, conn *websocket.Conn, wanted string) wsMessage {
	t.Helper()

	for i := 0; i < 20; i++ {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == wanted {
			return msg
		}
	}
	t.Fatalf("no %q message arrived", wanted)
	return wsMessage{}
}

func TestWS_StreamsStateOnConnect(t *testing.T) {
	f := makeAPI(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	login := decode[loginResponse](t, f.do(t, http.MethodPost, "/api/login", "", map[string]string{"nickname": "alice"}))
	require.NotNil(t, login.Participant)

	conn := dialWS(t, srv)

	msg := readUntil(t, conn, "session")
	var sess sessionResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &sess))
	require.Equal(t, "waiting", sess.Phase)

	msg = readUntil(t, conn, "participants")
	var roster []struct {
		Nickname string `json:"nickname"`
		Score    int    `json:"score"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &roster))
	require.Len(t, roster, 1)
	require.Equal(t, "alice", roster[0].Nickname)
}

func TestWS_AcceptsAnswersAndReportsErrors(t *testing.T) {
	f := makeAPI(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	login := decode[loginResponse](t, f.do(t, http.MethodPost, "/api/login", "", map[string]string{"nickname": "alice"}))
	require.NotNil(t, login.Participant)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/session/start", "admin", nil).Code)

	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "answer",
		"payload": map[string]any{
			"participantId": login.Participant.ID,
			"questionIndex": 0,
			"option":        "2",
		},
	}))

	msg := readUntil(t, conn, "answerResult")
	var res answerResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &res))
	require.True(t, res.Correct)
	require.Equal(t, 5, res.ScoreDelta)
	require.Equal(t, 5, res.Score)

	// A second submission for the same question is rejected over the socket
	// the same way it is over REST.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "answer",
		"payload": map[string]any{
			"participantId": login.Participant.ID,
			"questionIndex": 0,
			"option":        "3",
		},
	}))
	msg = readUntil(t, conn, "error")
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	require.Equal(t, "AlreadyExists", e.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	msg = readUntil(t, conn, "error")
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	require.Equal(t, "InvalidArgument", e.Code)
}
