package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// a read-only http backend serving the authoritative object set
type testApiServer struct {
	httpServer *httptest.Server

	mutex   sync.Mutex
	objects []CanvasObject
	fetches int
}

func newTestApiServer(t *testing.T) *testApiServer {
	server := &testApiServer{}
	server.httpServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.mutex.Lock()
		server.fetches += 1
		objects := server.objects
		server.mutex.Unlock()

		if r.Header.Get("Authorization") == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}

		json.NewEncoder(w).Encode(&GetCanvasObjectsResult{
			Objects: objects,
		})
	}))
	return server
}

func (self *testApiServer) SetObjects(objects []CanvasObject) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.objects = objects
}

func (self *testApiServer) Fetches() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fetches
}

func (self *testApiServer) Close() {
	self.httpServer.Close()
}

// the connect-time sync runs off the dispatch path. Wait for it to land
// before mutating the replica so it cannot clobber test writes.
func settleConnectSync(t *testing.T, apiServer *testApiServer, fetchesBefore int) {
	waitFor(t, 2*time.Second, func() bool {
		return fetchesBefore < apiServer.Fetches()
	})
	time.Sleep(50 * time.Millisecond)
}

func testClientSettings() *CanvasClientSettings {
	settings := DefaultCanvasClientSettings()
	settings.Connection = testConnectionSettings()
	settings.Batcher = testBatcherSettings()
	settings.Optimizer = testOptimizerSettings()
	return settings
}

func TestCanvasApi(t *testing.T) {
	apiServer := newTestApiServer(t)
	defer apiServer.Close()
	apiServer.SetObjects([]CanvasObject{
		{ObjectId: "a", Type: "rect"},
		{ObjectId: "b", Type: "circle"},
	})

	api := NewCanvasApi(apiServer.httpServer.URL)
	defer api.Close()
	api.SetAuthToken(testToken(t, time.Now().Add(1*time.Hour)))

	objects, err := api.FetchCanvasObjects(context.Background(), "c1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(objects), 2)

	callback, c := NewBlockingApiCallback[*GetCanvasObjectsResult]()
	api.GetCanvasObjects("c1", callback)
	result := <-c
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, len(result.Result.Objects), 2)

	// without a token the backend refuses, and the body is the error
	api.SetAuthToken("")
	_, err = api.FetchCanvasObjects(context.Background(), "c1")
	assert.NotEqual(t, err, nil)
}

func TestClientCreateMoveDelete(t *testing.T) {
	wsServer := newTestCanvasServer(t)
	defer wsServer.Close()
	apiServer := newTestApiServer(t)
	defer apiServer.Close()

	client := NewCanvasClient(
		context.Background(),
		wsServer.Url(),
		apiServer.httpServer.URL,
		testAuth(t),
		testClientSettings(),
	)
	defer client.Close()

	err := client.Connect()
	assert.Equal(t, err, nil)
	settleConnectSync(t, apiServer, 0)

	obj, err := client.CreateObject("rect", Position{X: 10, Y: 10}, map[string]any{"color": "red"}, ZTop)
	assert.Equal(t, err, nil)
	assert.Equal(t, obj.ZIndex, 0)
	assert.Equal(t, len(client.Objects()), 1)

	client.Flush()
	waitFor(t, 2*time.Second, func() bool {
		return len(wsServer.ReceivedOfKind(MessageObjectCreated)) == 1
	})

	// a burst of moves coalesces into one update carrying the last position
	for i := 1; i <= 4; i += 1 {
		_, err = client.MoveObject(obj.ObjectId, Position{X: float64(i * 10), Y: 0}, PriorityNormal)
		assert.Equal(t, err, nil)
	}
	client.Flush()

	waitFor(t, 2*time.Second, func() bool {
		return len(wsServer.ReceivedOfKind(MessageObjectUpdated)) == 1
	})
	updates := wsServer.ReceivedOfKind(MessageObjectUpdated)
	args := &ObjectArgs{}
	json.Unmarshal(updates[0].Payload, args)
	assert.Equal(t, args.Properties["x"], float64(40))

	_, err = client.DeleteObject(obj.ObjectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(client.Objects()), 0)
	client.Flush()
	waitFor(t, 2*time.Second, func() bool {
		return len(wsServer.ReceivedOfKind(MessageObjectDeleted)) == 1
	})
}

func TestClientRestack(t *testing.T) {
	wsServer := newTestCanvasServer(t)
	defer wsServer.Close()
	apiServer := newTestApiServer(t)
	defer apiServer.Close()

	client := NewCanvasClient(
		context.Background(),
		wsServer.Url(),
		apiServer.httpServer.URL,
		testAuth(t),
		testClientSettings(),
	)
	defer client.Close()

	err := client.Connect()
	assert.Equal(t, err, nil)
	settleConnectSync(t, apiServer, 0)

	a, err := client.CreateObject("rect", Position{X: 0, Y: 0}, nil, ZTop)
	assert.Equal(t, err, nil)
	b, err := client.CreateObject("rect", Position{X: 500, Y: 500}, nil, ZTop)
	assert.Equal(t, err, nil)
	assert.Equal(t, a.ZIndex < b.ZIndex, true)

	_, err = client.BringObjectToFront(a.ObjectId)
	assert.Equal(t, err, nil)
	byId := map[string]CanvasObject{}
	for _, obj := range client.Objects() {
		byId[obj.ObjectId] = obj
	}
	assert.Equal(t, byId[b.ObjectId].ZIndex < byId[a.ObjectId].ZIndex, true)

	_, err = client.SendObjectToBack(a.ObjectId)
	assert.Equal(t, err, nil)
	for _, obj := range client.Objects() {
		byId[obj.ObjectId] = obj
	}
	assert.Equal(t, byId[a.ObjectId].ZIndex < byId[b.ObjectId].ZIndex, true)

	_, err = client.BringObjectToFront("missing")
	var validationError *ValidationError
	assert.Equal(t, errors.As(err, &validationError), true)
}

func TestClientRemoteEvents(t *testing.T) {
	wsServer := newTestCanvasServer(t)
	defer wsServer.Close()
	apiServer := newTestApiServer(t)
	defer apiServer.Close()

	client := NewCanvasClient(
		context.Background(),
		wsServer.Url(),
		apiServer.httpServer.URL,
		testAuth(t),
		testClientSettings(),
	)
	defer client.Close()

	err := client.Connect()
	assert.Equal(t, err, nil)
	settleConnectSync(t, apiServer, 0)

	t0 := time.Now()
	wsServer.SendToAll(MessageObjectCreated, &ObjectArgs{
		CanvasId: "c1",
		ObjectId: "remote-1",
		Object: &CanvasObject{
			ObjectId:  "remote-1",
			Type:      "rect",
			UpdatedAt: t0,
		},
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(client.Objects()) == 1
	})

	// an older remote update does not clobber a newer local copy
	wsServer.SendToAll(MessageObjectUpdated, &ObjectArgs{
		CanvasId: "c1",
		ObjectId: "remote-1",
		Object: &CanvasObject{
			ObjectId:  "remote-1",
			Type:      "rect",
			ZIndex:    5,
			UpdatedAt: t0.Add(-1 * time.Minute),
		},
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, client.Objects()[0].ZIndex, 0)

	wsServer.SendToAll(MessageObjectDeleted, &ObjectArgs{
		CanvasId: "c1",
		ObjectId: "remote-1",
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(client.Objects()) == 0
	})
}

func TestClientReconnectReconciliation(t *testing.T) {
	wsServer := newTestCanvasServer(t)
	defer wsServer.Close()
	apiServer := newTestApiServer(t)
	defer apiServer.Close()

	t0 := time.Now()
	apiServer.SetObjects([]CanvasObject{
		{ObjectId: "server-1", Type: "rect", UpdatedAt: t0},
	})

	client := NewCanvasClient(
		context.Background(),
		wsServer.Url(),
		apiServer.httpServer.URL,
		testAuth(t),
		testClientSettings(),
	)
	defer client.Close()

	err := client.Connect()
	assert.Equal(t, err, nil)
	settleConnectSync(t, apiServer, 0)

	_, err = client.CreateObject("rect", Position{X: 1, Y: 1}, nil, ZTop)
	assert.Equal(t, err, nil)

	// a drop triggers backup, and the reconnect restores and re-syncs
	// against the authoritative backend
	fetchesBefore := apiServer.Fetches()
	wsServer.DropConnections()

	waitFor(t, 5*time.Second, func() bool {
		return client.Connection().State() == StateConnected &&
			fetchesBefore < apiServer.Fetches() &&
			len(client.Objects()) == 2
	})

	ids := map[string]bool{}
	for _, obj := range client.Objects() {
		ids[obj.ObjectId] = true
	}
	assert.Equal(t, ids["server-1"], true)
}
