package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// serves a mutable cloud log, newest first
type testLogServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	entries   []*CloudLogEntry
	requests  []*http.Request
}

func newTestLogServer() *testLogServer {
	logServer := &testLogServer{}
	logServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logServer.stateLock.Lock()
		logServer.requests = append(logServer.requests, r)
		entries := logServer.entries
		logServer.stateLock.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}))
	return logServer
}

// Add prepends, so the log stays newest first
func (self *testLogServer) Add(entries ...*CloudLogEntry) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, entry := range entries {
		self.entries = append([]*CloudLogEntry{entry}, self.entries...)
	}
}

func (self *testLogServer) LastRequest() *http.Request {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.requests[len(self.requests)-1]
}

func (self *testLogServer) Api() *CloudLogApi {
	return NewCloudLogApi(self.server.URL + "/logs")
}

func (self *testLogServer) Close() {
	self.server.Close()
}

func testPollSettings() *CloudEventsSettings {
	settings := DefaultCloudEventsSettings()
	settings.PollInterval = 20 * time.Millisecond
	settings.WaitTimeout = 10 * time.Millisecond
	return settings
}

func nextEvent(t *testing.T, events chan *CloudEvent) *CloudEvent {
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for event.")
		return nil
	}
}

func TestCloudLogApi(t *testing.T) {
	ctx := context.Background()

	logServer := newTestLogServer()
	defer logServer.Close()

	logServer.Add(
		&CloudLogEntry{User: "a", Verb: "create_var", Name: "☁ x", Value: "0", Timestamp: 1},
		&CloudLogEntry{User: "a", Verb: "set_var", Name: "☁ x", Value: "5", Timestamp: 2},
		&CloudLogEntry{User: "b", Verb: "set_var", Name: "☁ y", Value: "7", Timestamp: 3},
		&CloudLogEntry{User: "b", Verb: "del_var", Name: "☁ y", Value: "", Timestamp: 4},
	)

	api := logServer.Api()
	entries, err := api.Logs(ctx, "99", 10, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 4)
	assert.Equal(t, entries[0].Cause(), CauseDelete)
	assert.Equal(t, entries[3].Cause(), CauseCreate)
	assert.Equal(t, entries[1].Cause(), CauseSet)

	query := logServer.LastRequest().URL.Query()
	assert.Equal(t, query.Get("projectid"), "99")
	assert.Equal(t, query.Get("limit"), "10")
	assert.Equal(t, query.Get("offset"), "0")

	value, ok, err := api.GetVar(ctx, "99", "x")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "5")

	_, ok, err = api.GetVar(ctx, "99", "y")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	values, err := api.GetAllVars(ctx, "99")
	assert.Equal(t, err, nil)
	assert.Equal(t, values, map[string]string{"x": "5"})
}

func TestCloudLogValueNumber(t *testing.T) {
	entries := []*CloudLogEntry{}
	err := json.Unmarshal([]byte(`[{"user":"a","verb":"set_var","name":"☁ x","value":12.5,"timestamp":1}]`), &entries)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(entries[0].Value), "12.5")
}

func TestNewLogEvents(t *testing.T) {
	// newest first
	entries := []*CloudLogEntry{
		{User: "c", Verb: "set_var", Name: "☁ x", Value: "3", Timestamp: 30},
		{User: "b", Verb: "set_var", Name: "☁ x", Value: "2", Timestamp: 20},
		{User: "a", Verb: "set_var", Name: "☁ x", Value: "1", Timestamp: 10},
	}
	events, lastTimestamp := newLogEvents(entries, 10)
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].Value, "2")
	assert.Equal(t, events[0].User, "b")
	assert.Equal(t, events[1].Value, "3")
	assert.Equal(t, lastTimestamp, int64(30))

	events, lastTimestamp = newLogEvents(entries, 30)
	assert.Equal(t, len(events), 0)
	assert.Equal(t, lastTimestamp, int64(30))
}

func TestPollingCloudEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logServer := newTestLogServer()
	defer logServer.Close()

	// history before start is not replayed
	logServer.Add(&CloudLogEntry{User: "a", Verb: "set_var", Name: "☁ x", Value: "1", Timestamp: 10})

	cloudEvents := NewPollingCloudEvents(ctx, logServer.Api(), "1", testPollSettings())
	defer cloudEvents.Close()

	ready := make(chan struct{})
	cloudEvents.OnReady(func() {
		close(ready)
	})
	sets := make(chan *CloudEvent, 16)
	cloudEvents.OnSet(func(event *CloudEvent) {
		sets <- event
	})
	creates := make(chan *CloudEvent, 16)
	cloudEvents.OnCreate(func(event *CloudEvent) {
		creates <- event
	})
	// a panicking callback does not stop the worker
	cloudEvents.OnEvent(func(event *CloudEvent) {
		panic("callback failure")
	})

	err := cloudEvents.Start()
	assert.Equal(t, err, nil)
	// start while running is a no-op
	err = cloudEvents.Start()
	assert.Equal(t, err, nil)
	assert.Equal(t, cloudEvents.State(), CloudEventsRunning)

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for ready.")
	}

	logServer.Add(
		&CloudLogEntry{User: "b", Verb: "create_var", Name: "☁ y", Value: "0", Timestamp: 20},
		&CloudLogEntry{User: "b", Verb: "set_var", Name: "☁ x", Value: "2", Timestamp: 21},
		&CloudLogEntry{User: "c", Verb: "set_var", Name: "☁ x", Value: "3", Timestamp: 22},
	)

	create := nextEvent(t, creates)
	assert.Equal(t, create.Name, "y")
	assert.Equal(t, create.User, "b")

	event := nextEvent(t, sets)
	assert.Equal(t, event.Value, "2")
	assert.Equal(t, event.Timestamp, int64(21))
	event = nextEvent(t, sets)
	assert.Equal(t, event.Value, "3")
	assert.Equal(t, event.User, "c")

	cloudEvents.Pause()
	assert.Equal(t, cloudEvents.State(), CloudEventsPaused)
	logServer.Add(&CloudLogEntry{User: "d", Verb: "set_var", Name: "☁ x", Value: "4", Timestamp: 30})

	select {
	case event := <-sets:
		t.Fatalf("Unexpected event while paused: %s", event)
	case <-time.After(200 * time.Millisecond):
	}

	cloudEvents.Resume()
	assert.Equal(t, cloudEvents.State(), CloudEventsRunning)
	event = nextEvent(t, sets)
	assert.Equal(t, event.Value, "4")

	cloudEvents.Stop()
	assert.Equal(t, cloudEvents.State(), CloudEventsStopped)
}

func TestCloudEventsStopInsideCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logServer := newTestLogServer()
	defer logServer.Close()

	cloudEvents := NewPollingCloudEvents(ctx, logServer.Api(), "1", testPollSettings())
	defer cloudEvents.Close()

	ready := make(chan struct{})
	cloudEvents.OnReady(func() {
		close(ready)
	})
	stopped := make(chan struct{})
	sets := make(chan *CloudEvent, 16)
	cloudEvents.OnSet(func(event *CloudEvent) {
		sets <- event
		cloudEvents.Stop()
		close(stopped)
	})

	err := cloudEvents.Start()
	assert.Equal(t, err, nil)
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for ready.")
	}

	logServer.Add(
		&CloudLogEntry{User: "a", Verb: "set_var", Name: "☁ x", Value: "1", Timestamp: 10},
		&CloudLogEntry{User: "a", Verb: "set_var", Name: "☁ x", Value: "2", Timestamp: 11},
	)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop inside a callback did not return.")
	}
	assert.Equal(t, cloudEvents.State(), CloudEventsStopped)

	event := nextEvent(t, sets)
	assert.Equal(t, event.Value, "1")
	// the rest of the batch is not dispatched after stop
	select {
	case event := <-sets:
		t.Fatalf("Unexpected event after stop: %s", event)
	case <-time.After(200 * time.Millisecond):
	}

	// stop from outside after the worker exited is a no-op
	cloudEvents.Stop()
}

func TestCloudEventsStopInsideReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logServer := newTestLogServer()
	defer logServer.Close()

	cloudEvents := NewPollingCloudEvents(ctx, logServer.Api(), "1", testPollSettings())
	defer cloudEvents.Close()

	stopped := make(chan struct{})
	cloudEvents.OnReady(func() {
		cloudEvents.Stop()
		close(stopped)
	})

	err := cloudEvents.Start()
	assert.Equal(t, err, nil)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop inside ready did not return.")
	}
	assert.Equal(t, cloudEvents.State(), CloudEventsStopped)
}

func TestWsCloudEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudServer := newTestCloudServer()
	defer cloudServer.Close()

	logServer := newTestLogServer()
	defer logServer.Close()
	logServer.Add(&CloudLogEntry{User: "a", Verb: "set_var", Name: "☁ x", Value: "1", Timestamp: 10})

	transport := NewCloudTransport(ctx, "1", &CloudAuth{Username: "u"}, cloudServer.settings())
	cloudEvents := NewWsCloudEvents(ctx, transport, logServer.Api(), testPollSettings())
	defer cloudEvents.Close()

	sets := make(chan *CloudEvent, 16)
	cloudEvents.OnSet(func(event *CloudEvent) {
		sets <- event
	})
	deletes := make(chan *CloudEvent, 16)
	cloudEvents.OnDelete(func(event *CloudEvent) {
		deletes <- event
	})

	startTime := time.Now()
	err := cloudEvents.Start()
	assert.Equal(t, err, nil)
	// handshake
	cloudServer.Next(t)

	// the server echoes current values on handshake
	cloudServer.Push(t, `{"method":"set","name":"☁ x","value":"1"}`)
	cloudServer.Push(t, `{"method":"set","name":"☁ x","value":"1"}`)
	cloudServer.Push(t, `{"method":"set","name":"☁ x","value":"2"}`)
	cloudServer.Push(t, `{"method":"delete","name":"☁ z"}`)

	// the first echo is dropped, later identical values are not
	event := nextEvent(t, sets)
	assert.Equal(t, event.Value, "1")
	assert.Equal(t, event.User, "")
	assert.Equal(t, startTime.UnixMilli() <= event.Timestamp, true)
	event = nextEvent(t, sets)
	assert.Equal(t, event.Value, "2")

	event = nextEvent(t, deletes)
	assert.Equal(t, event.Name, "z")

	cloudEvents.Stop()
	assert.Equal(t, cloudEvents.State(), CloudEventsStopped)
}
