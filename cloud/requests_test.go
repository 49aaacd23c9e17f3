package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testSet struct {
	name    string
	value   string
	setTime time.Time
}

type testSetter struct {
	sets chan *testSet

	stateLock      sync.Mutex
	idleDuration   time.Duration
	reconnectCount int
	setErr         error
}

func newTestSetter() *testSetter {
	return &testSetter{
		sets: make(chan *testSet, 1024),
	}
}

func (self *testSetter) ProjectId() string {
	return "1"
}

func (self *testSetter) Set(ctx context.Context, name string, value any) error {
	self.stateLock.Lock()
	err := self.setErr
	self.stateLock.Unlock()
	if err != nil {
		return err
	}
	self.sets <- &testSet{
		name:    name,
		value:   CloudValueString(value),
		setTime: time.Now(),
	}
	return nil
}

func (self *testSetter) Reconnect(ctx context.Context) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reconnectCount += 1
	return nil
}

func (self *testSetter) IdleDuration() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.idleDuration
}

func (self *testSetter) ReconnectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectCount
}

func (self *testSetter) Next(t *testing.T) *testSet {
	select {
	case set := <-self.sets:
		return set
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for set.")
		return nil
	}
}

func (self *testSetter) ExpectNone(t *testing.T, timeout time.Duration) {
	select {
	case set := <-self.sets:
		t.Fatalf("Unexpected set %s=%s", set.name, set.value)
	case <-time.After(timeout):
	}
}

// an event source driven by the test
type testEventSource struct {
	setCallbacks        *CallbackList[func(*CloudEvent)]
	readyCallbacks      *CallbackList[func()]
	disconnectCallbacks *CallbackList[func(error)]

	stopOnce sync.Once
	stopped  chan struct{}
}

func newTestEventSource() *testEventSource {
	return &testEventSource{
		setCallbacks:        NewCallbackList[func(*CloudEvent)](),
		readyCallbacks:      NewCallbackList[func()](),
		disconnectCallbacks: NewCallbackList[func(error)](),
		stopped:             make(chan struct{}),
	}
}

func (self *testEventSource) OnSet(callback func(*CloudEvent)) func() {
	return self.setCallbacks.Add(callback)
}

func (self *testEventSource) OnReady(callback func()) func() {
	return self.readyCallbacks.Add(callback)
}

func (self *testEventSource) OnDisconnect(callback func(error)) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *testEventSource) Start() error {
	self.readyCallbacks.Each(func(callback func()) {
		callback()
	})
	return nil
}

func (self *testEventSource) Run() error {
	self.Start()
	<-self.stopped
	return nil
}

func (self *testEventSource) Stop() {
	self.stopOnce.Do(func() {
		close(self.stopped)
	})
}

func (self *testEventSource) Emit(name string, value string) {
	event := &CloudEvent{
		Cause:     CauseSet,
		Name:      name,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	}
	self.setCallbacks.Each(func(callback func(*CloudEvent)) {
		callback(event)
	})
}

// writes a full request the way the peer does
func (self *testEventSource) Request(requestId string, packetLength int, name string, args ...string) {
	payload := Encode(FormatRequest(name, args...))
	for _, value := range FrameRequest(payload, requestId, packetLength) {
		self.Emit(DefaultRequestVariable, value)
	}
}

func testRequestsSettings() *CloudRequestsSettings {
	settings := DefaultScratchRequestsSettings()
	settings.IdleReconnectTimeout = 1 * time.Hour
	return settings
}

func newTestCloudRequests(ctx context.Context, settings *CloudRequestsSettings) (*CloudRequests, *testSetter, *testEventSource) {
	setter := newTestSetter()
	events := newTestEventSource()
	cloudRequests := NewCloudRequests(ctx, setter, events, nil, settings)
	return cloudRequests, setter, events
}

func TestCloudRequestsPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	ready := make(chan struct{})
	cloudRequests.OnReady(func() {
		close(ready)
	})
	requests := make(chan *Request, 16)
	cloudRequests.OnRequest(func(request *Request) {
		requests <- request
	})
	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})

	err := cloudRequests.Start()
	assert.Equal(t, err, nil)
	<-ready

	events.Request("42", 220, "ping")

	set := setter.Next(t)
	assert.Equal(t, set.name, "FROM_HOST_1")
	assert.Equal(t, set.value, Encode("ok")+".422222")
	assert.Equal(t, set.value, "4941.422222")

	request := <-requests
	assert.Equal(t, request.Name, "ping")
	assert.Equal(t, request.Args, []string{})
	assert.Equal(t, request.RequestId, "42")

	// writes to other variables are ignored
	events.Emit("OTHER", "4941.43")
	setter.ExpectNone(t, 200*time.Millisecond)
}

func TestCloudRequestsFragmentedReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testRequestsSettings()
	settings.PacketLength = 4
	cloudRequests, setter, events := newTestCloudRequests(ctx, settings)
	defer cloudRequests.Close()

	// "abcdef" encodes to 12 digits, three fragments of 4
	cloudRequests.HandleFunc("letters", func(args ...string) any {
		return "abcdef"
	})
	cloudRequests.Start()

	events.Request("7", 220, "letters")

	first := setter.Next(t)
	second := setter.Next(t)
	third := setter.Next(t)

	assert.Equal(t, first.name, "FROM_HOST_1")
	assert.Equal(t, second.name, "FROM_HOST_2")
	assert.Equal(t, third.name, "FROM_HOST_3")

	encoded := Encode("abcdef")
	assert.Equal(t, first.value, encoded[0:4]+".7011")
	assert.Equal(t, second.value, encoded[4:8]+".7021")
	assert.Equal(t, third.value, encoded[8:12]+".72222")

	assert.Equal(t, 100*time.Millisecond <= second.setTime.Sub(first.setTime), true)
	assert.Equal(t, 100*time.Millisecond <= third.setTime.Sub(second.setTime), true)

	// the pool continues round robin on the next reply
	events.Request("8", 220, "letters")
	assert.Equal(t, setter.Next(t).name, "FROM_HOST_4")
}

func TestCloudRequestsListAndInteger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	cloudRequests.HandleFunc("list", func(args ...string) any {
		return []string{"a", "b"}
	})
	cloudRequests.HandleFunc("count", func(args ...string) any {
		return 5
	})
	cloudRequests.Start()

	events.Request("5", 220, "list")
	assert.Equal(t, setter.Next(t).value, "218923.52222")

	// a request id ending in 0 selects raw integers
	events.Request("10", 220, "count")
	assert.Equal(t, setter.Next(t).value, "5.103222")

	events.Request("11", 220, "count")
	assert.Equal(t, setter.Next(t).value, Encode("5")+".112222")
}

func TestCloudRequestsArgumentsAndFragments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	cloudRequests.Handle("echo", func(request *Request) (any, error) {
		return fmt.Sprintf("%s/%s", request.Args[0], request.Args[1]), nil
	}, nil)
	cloudRequests.Start()

	// a long request arrives in several fragments
	events.Request("77", 6, "echo", "hello world", "Z")

	set := setter.Next(t)
	assert.Equal(t, set.value, Encode("hello world/Z")+".772222")
}

func TestCloudRequestsDuplicate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	calls := 0
	cloudRequests.HandleFunc("ping", func(args ...string) any {
		calls += 1
		return "ok"
	})
	cloudRequests.Start()

	events.Request("42", 220, "ping")
	events.Request("42", 220, "ping")

	setter.Next(t)
	setter.ExpectNone(t, 300*time.Millisecond)
	assert.Equal(t, calls, 1)
}

func TestCloudRequestsRecentRequestWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testRequestsSettings()
	settings.RecentRequestCount = 2
	settings.PacketInterval = 0
	cloudRequests, setter, events := newTestCloudRequests(ctx, settings)
	defer cloudRequests.Close()

	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})
	cloudRequests.Start()

	events.Request("1", 220, "ping")
	events.Request("2", 220, "ping")
	events.Request("3", 220, "ping")
	for range 3 {
		setter.Next(t)
	}

	// 1 fell out of the window, so it is served again
	events.Request("1", 220, "ping")
	assert.Equal(t, setter.Next(t).value, "4941.12222")
	// 3 is still remembered
	events.Request("3", 220, "ping")
	setter.ExpectNone(t, 200*time.Millisecond)
}

func TestCloudRequestsUnknownAndDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	unknown := make(chan *Request, 1)
	cloudRequests.OnUnknownRequest(func(request *Request) {
		unknown <- request
	})
	disabled := make(chan *Request, 1)
	cloudRequests.OnDisabledRequest(func(request *Request) {
		disabled <- request
	})

	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})
	cloudRequests.Start()

	events.Request("1", 220, "missing")
	assert.Equal(t, setter.Next(t).value, Encode("Error: Request not found")+".12222")
	assert.Equal(t, (<-unknown).Name, "missing")

	err := cloudRequests.DisableRequest("ping")
	assert.Equal(t, err, nil)
	events.Request("2", 220, "ping")
	assert.Equal(t, setter.Next(t).value, Encode("Error: Request disabled")+".22222")
	assert.Equal(t, (<-disabled).Name, "ping")

	err = cloudRequests.EnableRequest("ping")
	assert.Equal(t, err, nil)
	events.Request("3", 220, "ping")
	assert.Equal(t, setter.Next(t).value, "4941.32222")
}

func TestCloudRequestsRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	cloudRequests.HandleFunc("b", func(args ...string) any {
		return "b"
	})
	cloudRequests.HandleFunc("a", func(args ...string) any {
		return "a"
	})
	assert.Equal(t, cloudRequests.RequestNames(), []string{"a", "b"})

	err := cloudRequests.EditRequest("a", func(request *Request) (any, error) {
		return "edited", nil
	}, nil)
	assert.Equal(t, err, nil)

	err = cloudRequests.EditRequest("missing", nil, nil)
	assert.Equal(t, errors.Is(err, ErrRequestNotFound), true)
	err = cloudRequests.RemoveRequest("missing")
	assert.Equal(t, errors.Is(err, ErrRequestNotFound), true)
	err = cloudRequests.DisableRequest("missing")
	assert.Equal(t, errors.Is(err, ErrRequestNotFound), true)

	err = cloudRequests.RemoveRequest("b")
	assert.Equal(t, err, nil)
	assert.Equal(t, cloudRequests.RequestNames(), []string{"a"})

	cloudRequests.Start()
	events.Request("1", 220, "a")
	assert.Equal(t, setter.Next(t).value, Encode("edited")+".12222")
}

func TestCloudRequestsHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	handlerErrors := make(chan error, 4)
	cloudRequests.OnError(func(request *Request, err error) {
		handlerErrors <- err
	})

	failure := errors.New("failure")
	cloudRequests.Handle("fail", func(request *Request) (any, error) {
		return nil, failure
	}, nil)
	cloudRequests.Handle("panic", func(request *Request) (any, error) {
		panic("bad handler")
	}, nil)
	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})
	cloudRequests.Start()

	events.Request("1", 220, "fail")
	assert.Equal(t, setter.Next(t).value, Encode("Error: Request failed")+".12222")
	assert.Equal(t, errors.Is(<-handlerErrors, failure), true)

	events.Request("2", 220, "panic")
	assert.Equal(t, setter.Next(t).value, Encode("Error: Request failed")+".22222")
	<-handlerErrors

	// the server keeps serving
	events.Request("3", 220, "ping")
	assert.Equal(t, setter.Next(t).value, "4941.32222")
	assert.Equal(t, cloudRequests.Err(), nil)
}

func TestCloudRequestsStrict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testRequestsSettings()
	settings.Strict = true
	cloudRequests, setter, events := newTestCloudRequests(ctx, settings)
	defer cloudRequests.Close()

	failure := errors.New("failure")
	cloudRequests.Handle("fail", func(request *Request) (any, error) {
		return nil, failure
	}, nil)
	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- cloudRequests.Run()
	}()

	// wait for the server to be serving
	events.Request("1", 220, "ping")
	setter.Next(t)

	events.Request("2", 220, "fail")
	// the error reply is still sent before stopping
	assert.Equal(t, setter.Next(t).value, Encode("Error: Request failed")+".22222")

	select {
	case <-cloudRequests.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for stop.")
	}
	assert.Equal(t, errors.Is(cloudRequests.Err(), failure), true)

	select {
	case err := <-runErr:
		assert.Equal(t, errors.Is(err, failure), true)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for run.")
	}

	events.Request("3", 220, "ping")
	setter.ExpectNone(t, 200*time.Millisecond)
}

func TestCloudRequestsThreaded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testRequestsSettings()
	settings.PacketInterval = 0
	cloudRequests, setter, events := newTestCloudRequests(ctx, settings)

	release := make(chan struct{})
	cloudRequests.Handle("slow", func(request *Request) (any, error) {
		<-release
		return "slow", nil
	}, &RequestOptions{Enabled: true, Threaded: true})
	cloudRequests.HandleFunc("fast", func(args ...string) any {
		return "fast"
	})
	cloudRequests.Start()

	events.Request("1", 220, "slow")
	events.Request("2", 220, "fast")

	// the slow handler does not block the fast one
	assert.Equal(t, setter.Next(t).value, Encode("fast")+".22222")

	close(release)
	assert.Equal(t, setter.Next(t).value, Encode("slow")+".12222")

	cloudRequests.Close()
}

func TestCloudRequestsReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testRequestsSettings()
	settings.IdleReconnectTimeout = 8 * time.Second
	cloudRequests, setter, events := newTestCloudRequests(ctx, settings)
	defer cloudRequests.Close()

	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})
	cloudRequests.Start()

	events.Request("1", 220, "ping")
	setter.Next(t)
	assert.Equal(t, setter.ReconnectCount(), 0)

	setter.stateLock.Lock()
	setter.idleDuration = 10 * time.Second
	setter.stateLock.Unlock()

	events.Request("2", 220, "ping")
	setter.Next(t)
	assert.Equal(t, setter.ReconnectCount(), 1)
}

func TestCloudRequestsNoPacketLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testRequestsSettings()
	settings.NoPacketLoss = true
	cloudRequests, setter, events := newTestCloudRequests(ctx, settings)
	defer cloudRequests.Close()

	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})
	cloudRequests.Start()

	events.Request("1", 220, "ping")
	setter.Next(t)
	events.Request("2", 220, "ping")
	setter.Next(t)
	assert.Equal(t, setter.ReconnectCount(), 2)
}

func TestCloudRequestsSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, _ := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()
	cloudRequests.Start()

	err := cloudRequests.Send(ctx, "9", "hi")
	assert.Equal(t, err, nil)
	assert.Equal(t, setter.Next(t).value, Encode("hi")+".92222")

	err = cloudRequests.Send(ctx, "x9", "hi")
	assert.Equal(t, errors.Is(err, ErrMalformedRequest), true)
}

func TestCloudRequestsDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cloudRequests, setter, events := newTestCloudRequests(ctx, testRequestsSettings())
	defer cloudRequests.Close()

	disconnected := make(chan error, 4)
	cloudRequests.OnDisconnect(func(err error) {
		disconnected <- err
	})
	cloudRequests.HandleFunc("ping", func(args ...string) any {
		return "ok"
	})
	cloudRequests.Start()

	setter.stateLock.Lock()
	setter.setErr = ErrConnection
	setter.stateLock.Unlock()

	events.Request("1", 220, "ping")
	select {
	case err := <-disconnected:
		assert.Equal(t, errors.Is(err, ErrConnection), true)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for disconnect.")
	}

	// disconnects from the event source are forwarded
	events.disconnectCallbacks.Each(func(callback func(error)) {
		callback(ErrConnection)
	})
	<-disconnected
}

func TestCloudRequestsRequester(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logServer := newTestLogServer()
	defer logServer.Close()
	logServer.Add(
		&CloudLogEntry{User: "alice", Verb: "set_var", Name: "☁ TO_HOST", Value: "-4941.12", Timestamp: 1},
		&CloudLogEntry{User: "alice", Verb: "set_var", Name: "☁ TO_HOST", Value: "4941.12", Timestamp: 2},
		&CloudLogEntry{User: "bob", Verb: "set_var", Name: "☁ TO_HOST", Value: "4941.13", Timestamp: 3},
	)

	setter := newTestSetter()
	events := newTestEventSource()
	cloudRequests := NewCloudRequests(ctx, setter, events, logServer.Api(), testRequestsSettings())
	defer cloudRequests.Close()

	requesters := make(chan string, 1)
	cloudRequests.Handle("whoami", func(request *Request) (any, error) {
		requester, err := request.Requester(ctx)
		requesters <- requester
		return requester, err
	}, nil)
	cloudRequests.Start()

	events.Request("12", 220, "whoami")
	assert.Equal(t, <-requesters, "alice")
	assert.Equal(t, setter.Next(t).value, Encode("alice")+".122222")

	user, err := findRequester(nil, DefaultRequestVariable, "99")
	assert.Equal(t, user, "")
	assert.NotEqual(t, err, nil)
}
