package cloud

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

type testCloudMessage struct {
	message     string
	receiveTime time.Time
}

// an in-process cloud server that records each message it receives
type testCloudServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	stateLock    sync.Mutex
	conns        []*websocket.Conn
	headers      []http.Header
	connectCount int

	messages chan *testCloudMessage
}

func newTestCloudServer() *testCloudServer {
	cloudServer := &testCloudServer{
		messages: make(chan *testCloudMessage, 1024),
	}
	cloudServer.server = httptest.NewServer(http.HandlerFunc(cloudServer.handle))
	return cloudServer
}

func (self *testCloudServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	self.stateLock.Lock()
	self.conns = append(self.conns, ws)
	self.headers = append(self.headers, r.Header.Clone())
	self.connectCount += 1
	self.stateLock.Unlock()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		self.messages <- &testCloudMessage{
			message:     string(message),
			receiveTime: time.Now(),
		}
	}
}

func (self *testCloudServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testCloudServer) settings() *CloudTransportSettings {
	settings := DefaultScratchCloudSettings()
	settings.Url = self.url()
	return settings
}

func (self *testCloudServer) ConnectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectCount
}

func (self *testCloudServer) Header(i int) http.Header {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.headers[i]
}

// sends raw text to the most recent connection
func (self *testCloudServer) Push(t *testing.T, text string) {
	self.stateLock.Lock()
	ws := self.conns[len(self.conns)-1]
	self.stateLock.Unlock()
	err := ws.WriteMessage(websocket.TextMessage, []byte(text))
	assert.Equal(t, err, nil)
}

// closes every open connection
func (self *testCloudServer) Drop() {
	self.stateLock.Lock()
	conns := self.conns
	self.conns = nil
	self.stateLock.Unlock()
	for _, ws := range conns {
		ws.Close()
	}
}

func (self *testCloudServer) Next(t *testing.T) *testCloudMessage {
	select {
	case message := <-self.messages:
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for message.")
		return nil
	}
}

func (self *testCloudServer) Close() {
	self.Drop()
	self.server.Close()
}

func TestCloudTransportHandshakeAndSet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudServer := newTestCloudServer()
	defer cloudServer.Close()

	transport := NewCloudTransport(ctx, "1", &CloudAuth{Username: "u", SessionId: "abc"}, cloudServer.settings())
	defer transport.Close()

	err := transport.Connect(ctx)
	assert.Equal(t, err, nil)

	handshake := cloudServer.Next(t)
	assert.Equal(t, handshake.message, `{"method":"handshake","user":"u","project_id":"1"}`+"\n")

	header := cloudServer.Header(0)
	assert.Equal(t, header.Get("Cookie"), "scratchsessionsid=abc;")
	assert.Equal(t, header.Get("Origin"), ScratchOrigin)

	err = transport.Set(ctx, "score", "12")
	assert.Equal(t, err, nil)
	set := cloudServer.Next(t)
	assert.Equal(t, set.message, `{"method":"set","name":"☁ score","value":"12","user":"u","project_id":"1"}`+"\n")
}

func TestCloudTransportRejectsValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudServer := newTestCloudServer()
	defer cloudServer.Close()

	transport := NewCloudTransport(ctx, "1", &CloudAuth{Username: "u"}, cloudServer.settings())
	defer transport.Close()

	err := transport.Set(ctx, "score", "abc")
	assert.Equal(t, errors.Is(err, ErrInvalidCloudValue), true)
	// the socket was never opened
	assert.Equal(t, cloudServer.ConnectCount(), 0)
	assert.Equal(t, transport.IsConnected(), false)
}

func TestCloudTransportRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudServer := newTestCloudServer()
	defer cloudServer.Close()

	transport := NewCloudTransport(ctx, "1", &CloudAuth{Username: "u"}, cloudServer.settings())
	defer transport.Close()

	err := transport.Connect(ctx)
	assert.Equal(t, err, nil)
	cloudServer.Next(t)

	n := 5
	startTime := time.Now()
	for i := range n {
		err := transport.Set(ctx, "score", i)
		assert.Equal(t, err, nil)
	}
	endTime := time.Now()
	assert.Equal(t, time.Duration(n-1)*100*time.Millisecond <= endTime.Sub(startTime), true)

	receiveTimes := []time.Time{}
	for range n {
		receiveTimes = append(receiveTimes, cloudServer.Next(t).receiveTime)
	}
	for i := 1; i < n; i += 1 {
		// allow for scheduler jitter on the receive side
		assert.Equal(t, 90*time.Millisecond <= receiveTimes[i].Sub(receiveTimes[i-1]), true)
	}
}

func TestCloudTransportReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudServer := newTestCloudServer()
	defer cloudServer.Close()

	transport := NewCloudTransport(ctx, "1", &CloudAuth{Username: "u"}, cloudServer.settings())
	defer transport.Close()

	err := transport.Connect(ctx)
	assert.Equal(t, err, nil)
	cloudServer.Next(t)

	cloudServer.Push(t, strings.Join([]string{
		`{"method":"set","name":"☁ a","value":"1"}`,
		``,
		`not json`,
		`{"method":"set","name":"☁ b","value":2}`,
		`{"method":"create","name":"☁ c"}`,
		`{"method":"delete","name":"☁ d"}`,
	}, "\n"))

	frames := []*CloudFrame{}
	for range 4 {
		select {
		case frame := <-transport.Receive():
			frames = append(frames, frame)
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for frame.")
		}
	}
	assert.Equal(t, frames[0].Method, "set")
	assert.Equal(t, frames[0].Name, "a")
	assert.Equal(t, frames[0].Value, "1")
	assert.Equal(t, frames[1].Name, "b")
	assert.Equal(t, frames[1].Value, "2")
	assert.Equal(t, frames[2].Method, "create")
	assert.Equal(t, frames[2].Name, "c")
	assert.Equal(t, frames[3].Method, "delete")
	assert.Equal(t, frames[3].Name, "d")
}

func TestCloudTransportReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudServer := newTestCloudServer()
	defer cloudServer.Close()

	transport := NewCloudTransport(ctx, "1", &CloudAuth{Username: "u"}, cloudServer.settings())
	defer transport.Close()

	err := transport.Connect(ctx)
	assert.Equal(t, err, nil)
	cloudServer.Next(t)

	cloudServer.Drop()

	// the reader notices the drop and reconnects with a new handshake
	handshake := cloudServer.Next(t)
	assert.Equal(t, strings.Contains(handshake.message, `"method":"handshake"`), true)
	assert.Equal(t, cloudServer.ConnectCount(), 2)

	err = transport.Set(ctx, "score", 3)
	assert.Equal(t, err, nil)
	set := cloudServer.Next(t)
	assert.Equal(t, strings.Contains(set.message, `"value":"3"`), true)
}

func TestCloudTransportDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudServer := newTestCloudServer()

	transport := NewCloudTransport(ctx, "1", &CloudAuth{Username: "u"}, cloudServer.settings())
	defer transport.Close()

	disconnected := make(chan error, 1)
	transport.AddDisconnectCallback(func(err error) {
		disconnected <- err
	})

	err := transport.Connect(ctx)
	assert.Equal(t, err, nil)
	cloudServer.Next(t)

	// the server goes away so the reconnect fails
	cloudServer.Close()

	select {
	case err := <-disconnected:
		assert.Equal(t, errors.Is(err, ErrConnection), true)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for disconnect.")
	}

	err = transport.Set(ctx, "score", 1)
	assert.Equal(t, errors.Is(err, ErrConnection), true)
}
