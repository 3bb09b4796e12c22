package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/fetchd/job"
	"github.com/fetchkit/fetchd/manager"
)

func wsURL(ts string, path string) string {
	return "ws" + strings.TrimPrefix(ts, "http") + path
}

// readFrames collects frames until fn returns true or the deadline passes
func readFrames(t *testing.T, conn *websocket.Conn, fn func(raw map[string]json.RawMessage) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var frame map[string]json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			continue
		}
		if fn(frame) {
			return
		}
	}
	t.Fatal("expected frame never arrived")
}

func TestWebSocketStreamsJobEvents(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts.URL, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		URLs: []string{"https://example.com/v/1"},
	})
	created := decode[job.Job](t, resp)

	var sawCompleted bool
	readFrames(t, conn, func(frame map[string]json.RawMessage) bool {
		var kind string
		if err := json.Unmarshal(frame["type"], &kind); err != nil || kind != "event" {
			return false
		}
		var ev manager.Event
		require.NoError(t, json.Unmarshal(frame["event"], &ev))
		if ev.JobID != created.ID || ev.Type != manager.EventStatus {
			return false
		}
		var payload manager.StatusPayload
		raw, _ := json.Marshal(ev.Payload)
		require.NoError(t, json.Unmarshal(raw, &payload))
		if payload.Status == job.StatusCompleted {
			sawCompleted = true
			return true
		}
		return false
	})
	assert.True(t, sawCompleted)
}

func TestWebSocketJobFilter(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	// create the filtered job first so we know its ID
	resp := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		URLs: []string{"https://example.com/v/1"},
	})
	target := decode[job.Job](t, resp)
	env.waitForStatus(t, target.ID, job.StatusCompleted)

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(env.ts.URL, "/ws?job_id="+target.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	// another job's events must not reach the filtered client
	resp = env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		URLs: []string{"https://example.com/v/2"},
	})
	other := decode[job.Job](t, resp)
	env.waitForStatus(t, other.ID, job.StatusCompleted)

	// ask for a snapshot; everything received before it must be silence
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "snapshot"}))

	readFrames(t, conn, func(frame map[string]json.RawMessage) bool {
		var kind string
		require.NoError(t, json.Unmarshal(frame["type"], &kind))
		if kind == "event" {
			var ev manager.Event
			require.NoError(t, json.Unmarshal(frame["event"], &ev))
			assert.Equal(t, target.ID, ev.JobID, "filtered client saw another job's event")
			return false
		}
		if kind == "snapshot" {
			var snap job.Job
			require.NoError(t, json.Unmarshal(frame["data"], &snap))
			assert.Equal(t, target.ID, snap.ID)
			return true
		}
		return false
	})
}

func TestWebSocketSyncRequest(t *testing.T) {
	eng := &stubEngine{}
	env := newTestEnv(t, eng)

	resp := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		URLs: []string{"https://example.com/v/1"},
	})
	created := decode[job.Job](t, resp)
	env.waitForStatus(t, created.ID, job.StatusCompleted)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts.URL, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "sync", JobID: created.ID}))

	readFrames(t, conn, func(frame map[string]json.RawMessage) bool {
		var kind string
		if err := json.Unmarshal(frame["type"], &kind); err != nil || kind != "sync" {
			return false
		}
		var logs manager.LogsSync
		require.NoError(t, json.Unmarshal(frame["logs"], &logs))
		assert.Equal(t, manager.SyncFull, logs.Mode)
		var options manager.OptionsSync
		require.NoError(t, json.Unmarshal(frame["options"], &options))
		assert.Equal(t, manager.SyncFull, options.Mode)
		return true
	})
}

func TestClientCountTracksConnections(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts.URL, "/ws"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.srv.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return env.srv.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginCheck(t *testing.T) {
	env := newTestEnv(t, &stubEngine{})

	// no configured origins: localhost passes, others are refused
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.ts.URL, "/ws"), header)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	header = http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts.URL, "/ws"), header)
	require.NoError(t, err)
	conn.Close()
}
