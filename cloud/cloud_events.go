package cloud

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	CauseSet    = "set"
	CauseCreate = "create"
	CauseDelete = "delete"
)

type CloudEvent struct {
	Cause string
	// local name, without the cloud prefix
	Name  string
	Value string
	// millis since epoch. Synthesized on receive when the source does not carry it.
	Timestamp int64
	// empty when the source does not carry the writer, e.g. websocket frames
	User string
}

func (self *CloudEvent) String() string {
	return fmt.Sprintf("%s %s=%s (%s@%d)", self.Cause, self.Name, self.Value, self.User, self.Timestamp)
}

type CloudEventsState int

const (
	CloudEventsStopped CloudEventsState = 0
	CloudEventsRunning CloudEventsState = 1
	CloudEventsPaused  CloudEventsState = 2
)

func (self CloudEventsState) String() string {
	switch self {
	case CloudEventsRunning:
		return "running"
	case CloudEventsPaused:
		return "paused"
	default:
		return "stopped"
	}
}

type CloudEventsSettings struct {
	PollInterval time.Duration
	LogLimit     int
	// the worker wakes at least this often to observe state changes
	WaitTimeout time.Duration
	// in websocket mode, read the log once at start and drop the
	// first echo of each value that was already set
	SuppressStartupEchoes bool
}

func DefaultCloudEventsSettings() *CloudEventsSettings {
	return &CloudEventsSettings{
		PollInterval:          1 * time.Second,
		LogLimit:              DefaultLogLimit,
		WaitTimeout:           200 * time.Millisecond,
		SuppressStartupEchoes: true,
	}
}

// produces batches of events in order
type cloudEventProducer interface {
	// blocks until events are available, ctx is done, or `timeout` elapses.
	// A timeout returns an empty batch and no error.
	Next(ctx context.Context, timeout time.Duration) ([]*CloudEvent, error)
	Start(ctx context.Context) error
	Close()
}

// Delivers cloud variable events to registered callbacks.
// A single worker reads the producer and runs callbacks inline, in order.
type CloudEvents struct {
	ctx    context.Context
	cancel context.CancelFunc

	producer cloudEventProducer
	settings *CloudEventsSettings

	stateLock    sync.Mutex
	state        CloudEventsState
	stateChanged chan struct{}
	runCancel    context.CancelFunc
	done         chan struct{}
	ready        bool
	// set while the worker runs callbacks
	dispatching  atomic.Bool

	eventCallbacks      *CallbackList[func(*CloudEvent)]
	readyCallbacks      *CallbackList[func()]
	disconnectCallbacks *CallbackList[func(error)]
	removeDisconnect    func()
}

// NewWsCloudEvents reads events from the transport.
// `logApi` is optional and only used to suppress startup echoes.
func NewWsCloudEvents(
	ctx context.Context,
	transport *CloudTransport,
	logApi *CloudLogApi,
	settings *CloudEventsSettings,
) *CloudEvents {
	producer := &wsEventProducer{
		transport: transport,
		logApi:    logApi,
		settings:  settings,
	}
	events := newCloudEvents(ctx, producer, settings)
	events.removeDisconnect = transport.AddDisconnectCallback(func(err error) {
		events.disconnectCallbacks.Each(func(callback func(error)) {
			callback(err)
		})
	})
	return events
}

func NewWsCloudEventsWithDefaults(ctx context.Context, transport *CloudTransport) *CloudEvents {
	return NewWsCloudEvents(ctx, transport, nil, DefaultCloudEventsSettings())
}

// NewPollingCloudEvents reads events from the http log.
func NewPollingCloudEvents(
	ctx context.Context,
	logApi *CloudLogApi,
	projectId string,
	settings *CloudEventsSettings,
) *CloudEvents {
	producer := &pollEventProducer{
		logApi:    logApi,
		projectId: projectId,
		settings:  settings,
	}
	return newCloudEvents(ctx, producer, settings)
}

func newCloudEvents(ctx context.Context, producer cloudEventProducer, settings *CloudEventsSettings) *CloudEvents {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CloudEvents{
		ctx:                 cancelCtx,
		cancel:              cancel,
		producer:            producer,
		settings:            settings,
		state:               CloudEventsStopped,
		stateChanged:        make(chan struct{}),
		eventCallbacks:      NewCallbackList[func(*CloudEvent)](),
		readyCallbacks:      NewCallbackList[func()](),
		disconnectCallbacks: NewCallbackList[func(error)](),
	}
}

// OnEvent is called for every cause.
func (self *CloudEvents) OnEvent(callback func(*CloudEvent)) func() {
	return self.eventCallbacks.Add(callback)
}

func (self *CloudEvents) OnSet(callback func(*CloudEvent)) func() {
	return self.onCause(CauseSet, callback)
}

func (self *CloudEvents) OnCreate(callback func(*CloudEvent)) func() {
	return self.onCause(CauseCreate, callback)
}

func (self *CloudEvents) OnDelete(callback func(*CloudEvent)) func() {
	return self.onCause(CauseDelete, callback)
}

func (self *CloudEvents) onCause(cause string, callback func(*CloudEvent)) func() {
	return self.eventCallbacks.Add(func(event *CloudEvent) {
		if event.Cause == cause {
			callback(event)
		}
	})
}

// OnReady is called once, after the first start.
func (self *CloudEvents) OnReady(callback func()) func() {
	return self.readyCallbacks.Add(callback)
}

// OnDisconnect is called when the underlying transport failed to reconnect.
func (self *CloudEvents) OnDisconnect(callback func(error)) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *CloudEvents) State() CloudEventsState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// must hold `stateLock`
func (self *CloudEvents) setState(state CloudEventsState) {
	if self.state == state {
		return
	}
	glog.V(1).Infof("[e]%s -> %s\n", self.state, state)
	self.state = state
	close(self.stateChanged)
	self.stateChanged = make(chan struct{})
}

// Start runs the worker in the background. Start while running is a no-op.
func (self *CloudEvents) Start() error {
	runCtx, done, err := self.begin()
	if err != nil || runCtx == nil {
		return err
	}
	go self.run(runCtx, done)
	return nil
}

// Run runs the worker on the calling goroutine until `Stop`.
func (self *CloudEvents) Run() error {
	runCtx, done, err := self.begin()
	if err != nil || runCtx == nil {
		return err
	}
	self.run(runCtx, done)
	return nil
}

// returns a nil context when already started
func (self *CloudEvents) begin() (context.Context, chan struct{}, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != CloudEventsStopped {
		return nil, nil, nil
	}
	select {
	case <-self.ctx.Done():
		return nil, nil, fmt.Errorf("Closed.")
	default:
	}

	runCtx, runCancel := context.WithCancel(self.ctx)
	if err := self.producer.Start(runCtx); err != nil {
		runCancel()
		return nil, nil, err
	}

	self.runCancel = runCancel
	self.done = make(chan struct{})
	self.setState(CloudEventsRunning)
	return runCtx, self.done, nil
}

func (self *CloudEvents) Pause() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == CloudEventsRunning {
		self.setState(CloudEventsPaused)
	}
}

func (self *CloudEvents) Resume() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == CloudEventsPaused {
		self.setState(CloudEventsRunning)
	}
}

// Stop closes the producer and waits for the worker to exit.
// From inside a callback, Stop returns without waiting and the worker exits
// after the callback returns.
func (self *CloudEvents) Stop() {
	self.stateLock.Lock()
	if self.state == CloudEventsStopped {
		self.stateLock.Unlock()
		return
	}
	self.setState(CloudEventsStopped)
	runCancel := self.runCancel
	done := self.done
	self.stateLock.Unlock()

	runCancel()
	self.producer.Close()
	if self.dispatching.Load() {
		return
	}
	<-done
}

func (self *CloudEvents) Close() {
	self.Stop()
	self.cancel()
	if self.removeDisconnect != nil {
		self.removeDisconnect()
	}
}

// blocks while paused. Returns false when stopped.
func (self *CloudEvents) awaitRunning(ctx context.Context) bool {
	for {
		self.stateLock.Lock()
		state := self.state
		stateChanged := self.stateChanged
		self.stateLock.Unlock()

		switch state {
		case CloudEventsRunning:
			return true
		case CloudEventsStopped:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-stateChanged:
		}
	}
}

func (self *CloudEvents) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	self.stateLock.Lock()
	fireReady := !self.ready
	self.ready = true
	self.stateLock.Unlock()
	if fireReady {
		self.dispatch(func() {
			self.readyCallbacks.Each(func(callback func()) {
				callback()
			})
		})
	}

	pending := []*CloudEvent{}
	for {
		if !self.awaitRunning(ctx) {
			return
		}

		if len(pending) == 0 {
			events, err := self.producer.Next(ctx, self.settings.WaitTimeout)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				glog.Infof("[e]next error = %s\n", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(self.settings.WaitTimeout):
				}
				continue
			}
			pending = events
		}

		for 0 < len(pending) {
			if self.State() != CloudEventsRunning {
				break
			}
			event := pending[0]
			pending = pending[1:]
			glog.V(2).Infof("[e]%s\n", event)
			self.dispatch(func() {
				self.eventCallbacks.Each(func(callback func(*CloudEvent)) {
					callback(event)
				})
			})
		}
	}
}

func (self *CloudEvents) dispatch(callbacks func()) {
	self.dispatching.Store(true)
	defer self.dispatching.Store(false)
	callbacks()
}

type wsEventProducer struct {
	transport *CloudTransport
	logApi    *CloudLogApi
	settings  *CloudEventsSettings

	stateLock     sync.Mutex
	initialValues map[string]string
}

func (self *wsEventProducer) Start(ctx context.Context) error {
	initialValues := map[string]string{}
	if self.settings.SuppressStartupEchoes && self.logApi != nil {
		entries, err := self.logApi.Logs(ctx, self.transport.ProjectId(), self.settings.LogLimit, 0)
		if err != nil {
			// echoes are harmless, continue without suppression
			glog.Infof("[e]initial log error = %s\n", err)
		} else {
			initialValues = latestValues(entries)
		}
	}
	self.stateLock.Lock()
	self.initialValues = initialValues
	self.stateLock.Unlock()

	if !self.transport.IsConnected() {
		return self.transport.Connect(ctx)
	}
	return nil
}

func (self *wsEventProducer) Next(ctx context.Context, timeout time.Duration) ([]*CloudEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-self.transport.Receive():
		if !ok {
			return nil, fmt.Errorf("Receive closed.")
		}
		event := &CloudEvent{
			Cause:     frame.Method,
			Name:      frame.Name,
			Value:     frame.Value,
			Timestamp: frame.ReceiveTime.UnixMilli(),
		}
		if self.isEcho(event) {
			glog.V(2).Infof("[e]echo %s\n", event)
			return []*CloudEvent{}, nil
		}
		return []*CloudEvent{event}, nil
	case <-time.After(timeout):
		return []*CloudEvent{}, nil
	}
}

// only the first event for each name can be an echo
func (self *wsEventProducer) isEcho(event *CloudEvent) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	initialValue, ok := self.initialValues[event.Name]
	if !ok {
		return false
	}
	delete(self.initialValues, event.Name)
	return event.Cause == CauseSet && initialValue == event.Value
}

func (self *wsEventProducer) Close() {
	self.transport.Close()
}

type pollEventProducer struct {
	logApi    *CloudLogApi
	projectId string
	settings  *CloudEventsSettings

	stateLock     sync.Mutex
	lastTimestamp int64
	nextPollTime  time.Time
}

func (self *pollEventProducer) Start(ctx context.Context) error {
	// only entries after start are events
	entries, err := self.logApi.Logs(ctx, self.projectId, self.settings.LogLimit, 0)
	if err != nil {
		return err
	}
	var lastTimestamp int64
	for _, entry := range entries {
		lastTimestamp = max(lastTimestamp, entry.Timestamp)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastTimestamp = lastTimestamp
	self.nextPollTime = time.Now().Add(self.settings.PollInterval)
	return nil
}

func (self *pollEventProducer) Next(ctx context.Context, timeout time.Duration) ([]*CloudEvent, error) {
	self.stateLock.Lock()
	wait := time.Until(self.nextPollTime)
	self.stateLock.Unlock()

	if 0 < wait {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(wait, timeout)):
		}
		if timeout < wait {
			return []*CloudEvent{}, nil
		}
	}

	self.stateLock.Lock()
	self.nextPollTime = time.Now().Add(self.settings.PollInterval)
	lastTimestamp := self.lastTimestamp
	self.stateLock.Unlock()

	entries, err := self.logApi.Logs(ctx, self.projectId, self.settings.LogLimit, 0)
	if err != nil {
		return nil, err
	}

	events, nextLastTimestamp := newLogEvents(entries, lastTimestamp)

	self.stateLock.Lock()
	self.lastTimestamp = nextLastTimestamp
	self.stateLock.Unlock()

	return events, nil
}

// entries are newest first. Events are returned in timestamp order.
func newLogEvents(entries []*CloudLogEntry, lastTimestamp int64) ([]*CloudEvent, int64) {
	events := []*CloudEvent{}
	nextLastTimestamp := lastTimestamp
	for i := len(entries) - 1; 0 <= i; i -= 1 {
		entry := entries[i]
		if entry.Timestamp <= lastTimestamp {
			continue
		}
		events = append(events, &CloudEvent{
			Cause:     entry.Cause(),
			Name:      entry.LocalName(),
			Value:     string(entry.Value),
			Timestamp: entry.Timestamp,
			User:      entry.User,
		})
		nextLastTimestamp = max(nextLastTimestamp, entry.Timestamp)
	}
	// the log is newest first, but ties and clock skew are resolved by timestamp
	slices.SortStableFunc(events, func(a *CloudEvent, b *CloudEvent) int {
		if a.Timestamp < b.Timestamp {
			return -1
		} else if b.Timestamp < a.Timestamp {
			return 1
		}
		return 0
	})
	return events, nextLastTimestamp
}

func (self *pollEventProducer) Close() {
}
