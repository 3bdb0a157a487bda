package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koopa0/chess-room/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, m *internal.Manager) *httptest.Server {
	t.Helper()
	handler := internal.NewHandler(m, nil, testLogger())
	srv := httptest.NewServer(handler.Routes("/ws"))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

// TestHandler_Health 測試健康檢查
func TestHandler_Health(t *testing.T) {
	srv := newTestServer(t, newManager(t))

	var body map[string]any
	status := getJSON(t, srv.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "uptime")
}

// TestHandler_Stats 測試統計
func TestHandler_Stats(t *testing.T) {
	m := newManager(t, validating())
	_, _, err := m.CreateRoom("A", "")
	require.NoError(t, err)

	srv := newTestServer(t, m)

	var body struct {
		Rooms       internal.Stats `json:"rooms"`
		Connections *int           `json:"connections"`
	}
	status := getJSON(t, srv.URL+"/stats", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, body.Rooms.TotalRooms)
	assert.Equal(t, 1, body.Rooms.TotalPlayers)
	assert.Equal(t, 1, body.Rooms.ByStatus[internal.StatusWaiting])
	assert.True(t, body.Rooms.Validating)
	assert.Nil(t, body.Connections, "no hub configured")
}

// TestHandler_ListRooms 測試大廳列表
func TestHandler_ListRooms(t *testing.T) {
	m := newManager(t)
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := m.CreateRoom(id, "")
		require.NoError(t, err)
	}
	roomID, _, err := m.CreateRoom("d", "")
	require.NoError(t, err)
	_, err = m.JoinRoom(roomID, "e", "")
	require.NoError(t, err)

	srv := newTestServer(t, m)

	type listResponse struct {
		Rooms []internal.Snapshot `json:"rooms"`
		Total int                 `json:"total"`
		Page  int                 `json:"page"`
		Error string              `json:"error"`
	}

	tests := []struct {
		name     string
		query    string
		validate func(t *testing.T, status int, body listResponse)
	}{
		{
			name:  "all rooms",
			query: "",
			validate: func(t *testing.T, status int, body listResponse) {
				assert.Equal(t, http.StatusOK, status)
				assert.Equal(t, 4, body.Total)
				assert.Len(t, body.Rooms, 4)
				assert.Equal(t, 1, body.Page)
			},
		},
		{
			name:  "waiting only, paged",
			query: "?status=waiting&limit=2&page=2",
			validate: func(t *testing.T, status int, body listResponse) {
				assert.Equal(t, http.StatusOK, status)
				assert.Equal(t, 3, body.Total)
				assert.Len(t, body.Rooms, 1)
				assert.Equal(t, 2, body.Page)
			},
		},
		{
			name:  "active",
			query: "?status=active",
			validate: func(t *testing.T, status int, body listResponse) {
				assert.Equal(t, http.StatusOK, status)
				require.Len(t, body.Rooms, 1)
				assert.Equal(t, roomID, body.Rooms[0].ID)
				assert.Len(t, body.Rooms[0].Participants, 2)
			},
		},
		{
			name:  "invalid paging falls back to defaults",
			query: "?page=-1&limit=1000",
			validate: func(t *testing.T, status int, body listResponse) {
				assert.Equal(t, http.StatusOK, status)
				assert.Equal(t, 1, body.Page)
				assert.Len(t, body.Rooms, 4)
			},
		},
		{
			name:  "invalid status",
			query: "?status=paused",
			validate: func(t *testing.T, status int, body listResponse) {
				assert.Equal(t, http.StatusBadRequest, status)
				assert.NotEmpty(t, body.Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body listResponse
			status := getJSON(t, srv.URL+"/api/v1/rooms"+tt.query, &body)
			tt.validate(t, status, body)
		})
	}
}

// TestHandler_GetRoomDetail 測試房間詳情
func TestHandler_GetRoomDetail(t *testing.T) {
	m := newManager(t)
	roomID, _, err := m.CreateRoom("A", "alice")
	require.NoError(t, err)

	srv := newTestServer(t, m)

	var snapshot internal.Snapshot
	status := getJSON(t, srv.URL+"/api/v1/rooms/"+roomID, &snapshot)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, roomID, snapshot.ID)
	assert.Equal(t, internal.StatusWaiting, snapshot.Status)
	require.Len(t, snapshot.Participants, 1)
	assert.Equal(t, "alice", snapshot.Participants[0].Principal)

	var missing map[string]string
	status = getJSON(t, srv.URL+"/api/v1/rooms/does-not-exist", &missing)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Game room not found", missing["error"])
}

// TestHandler_NoWebSocketWithoutHub 測試未配置 Hub 時不註冊升級路由
func TestHandler_NoWebSocketWithoutHub(t *testing.T) {
	srv := newTestServer(t, newManager(t))

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
