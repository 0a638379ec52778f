package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"renung/internal/app"
	"renung/internal/config"
	"renung/internal/logging"
	"renung/pkg/types"
)

// cluster is a full application served by httptest.
type cluster struct {
	app    *app.Application
	server *httptest.Server
}

func newCluster(t *testing.T) *cluster {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Mode = "test"
	cfg.Journal.Path = filepath.Join(t.TempDir(), "renung.db")

	application, err := app.NewApplication(cfg, app.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, application.Hub().Start(context.Background()))

	server := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return &cluster{app: application, server: server}
}

func (c *cluster) postJSON(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(c.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

// getJSON returns the status code, or 0 when the request or decoding
// failed. It does not touch t so it can run inside Eventually.
func (c *cluster) getJSON(path string, v any) int {
	resp, err := http.Get(c.server.URL + path)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return 0
	}
	return resp.StatusCode
}

// player is one websocket client.
type player struct {
	id   string
	conn *websocket.Conn
}

func (c *cluster) connect(t *testing.T, id string) *player {
	t.Helper()
	url := "ws" + strings.TrimPrefix(c.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &player{id: id, conn: conn}
}

func (p *player) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteJSON(types.Envelope{Event: event, Data: raw}))
}

// expect reads the next frame, requires it to carry event and decodes its data into v.
func (p *player) expect(t *testing.T, event string, v any) {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, p.conn.ReadJSON(&frame), "%s waiting for %s", p.id, event)
	require.Equal(t, event, frame.Event, "%s got %s", p.id, string(frame.Data))
	if v != nil {
		require.NoError(t, json.Unmarshal(frame.Data, v))
	}
}

type gameState struct {
	Players     int     `json:"players"`
	CurrentTurn *string `json:"currentTurn"`
	CurrentCard *struct {
		ID   int    `json:"id"`
		Text string `json:"text"`
	} `json:"currentCard"`
	DrawnCardIDs []int   `json:"drawnCardIds"`
	Theme        *string `json:"theme"`
}
