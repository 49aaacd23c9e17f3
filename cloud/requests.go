package cloud

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

var ErrRequestNotFound = errors.New("Request not found.")

const DefaultRequestVariable = "TO_HOST"

func DefaultResponseVariables(n int) []string {
	responseVariables := make([]string, n)
	for i := 0; i < n; i += 1 {
		responseVariables[i] = fmt.Sprintf("FROM_HOST_%d", i+1)
	}
	return responseVariables
}

// the subset of the transport the requests server writes through
type CloudVariableSetter interface {
	ProjectId() string
	Set(ctx context.Context, name string, value any) error
	Reconnect(ctx context.Context) error
	IdleDuration() time.Duration
}

// the subset of the event source the requests server reads from
type CloudEventSource interface {
	OnSet(callback func(*CloudEvent)) func()
	OnReady(callback func()) func()
	OnDisconnect(callback func(error)) func()
	Start() error
	Run() error
	Stop()
}

type CloudRequestsSettings struct {
	RequestVariable   string
	ResponseVariables []string
	// max encoded characters per response fragment
	PacketLength   int
	PacketInterval time.Duration
	// the number of served request ids remembered to drop redeliveries
	RecentRequestCount int
	// reconnect before replying when the transport was idle longer than this
	IdleReconnectTimeout time.Duration
	// reconnect before every reply
	NoPacketLoss bool
	// stop the server after replying to a failed handler
	Strict bool
	// replies with more characters than this are logged as slow
	LargeResponseLength int
	ResponseBufferSize  int

	UnknownRequestResponse  string
	DisabledRequestResponse string
	ErrorResponse           string
}

func DefaultScratchRequestsSettings() *CloudRequestsSettings {
	return &CloudRequestsSettings{
		RequestVariable:         DefaultRequestVariable,
		ResponseVariables:       DefaultResponseVariables(9),
		PacketLength:            220,
		PacketInterval:          100 * time.Millisecond,
		RecentRequestCount:      15,
		IdleReconnectTimeout:    8 * time.Second,
		NoPacketLoss:            false,
		Strict:                  false,
		LargeResponseLength:     3000,
		ResponseBufferSize:      64,
		UnknownRequestResponse:  "Error: Request not found",
		DisabledRequestResponse: "Error: Request disabled",
		ErrorResponse:           "Error: Request failed",
	}
}

func DefaultTurboWarpRequestsSettings() *CloudRequestsSettings {
	settings := DefaultScratchRequestsSettings()
	settings.PacketLength = 98800
	return settings
}

// A handler receives the decoded request and returns a string, an integer,
// a list (`[]string` or `[]any`), or any value with a string form.
type RequestHandler func(request *Request) (any, error)

type RequestOptions struct {
	Enabled bool
	// run on a worker so slow handlers do not block the event stream
	Threaded bool
}

func DefaultRequestOptions() *RequestOptions {
	return &RequestOptions{
		Enabled:  true,
		Threaded: false,
	}
}

type requestEntry struct {
	name     string
	handler  RequestHandler
	enabled  bool
	threaded bool
}

type Request struct {
	Name      string
	Args      []string
	RequestId string
	// millis since epoch of the final fragment
	Timestamp int64
	// set when the event source carries the writer
	User string

	server *CloudRequests
}

func (self *Request) String() string {
	return fmt.Sprintf("%s(%s).%s", self.Name, strings.Join(self.Args, ", "), self.RequestId)
}

// Requester is the user that wrote the request.
// When the event source does not carry the writer it is looked up in the http log.
func (self *Request) Requester(ctx context.Context) (string, error) {
	if self.User != "" {
		return self.User, nil
	}
	return self.server.requester(ctx, self.RequestId)
}

type pendingResponse struct {
	request    *Request
	payload    string
	terminator string
	// the error that produced the payload, if any
	err error
}

// Cloud-Requests host. Requests are read from one cloud variable and
// replies are written in fragments across a pool of response variables.
type CloudRequests struct {
	ctx    context.Context
	cancel context.CancelFunc

	setter   CloudVariableSetter
	events   CloudEventSource
	logApi   *CloudLogApi
	settings *CloudRequestsSettings

	handlersLock sync.Mutex
	handlers     map[string]*requestEntry

	stateLock        sync.Mutex
	fragments        map[string][]string
	recentRequestIds []string
	started          bool
	stopErr          error

	// single consumer: the send loop
	responses chan *pendingResponse
	// the next response variable index
	responseIndex  int
	lastPacketTime time.Time
	sendDone       chan struct{}

	workers errgroup.Group

	requestCallbacks         *CallbackList[func(*Request)]
	unknownRequestCallbacks  *CallbackList[func(*Request)]
	disabledRequestCallbacks *CallbackList[func(*Request)]
	errorCallbacks           *CallbackList[func(*Request, error)]
	readyCallbacks           *CallbackList[func()]
	disconnectCallbacks      *CallbackList[func(error)]

	removeEventCallbacks []func()
}

func NewCloudRequests(
	ctx context.Context,
	setter CloudVariableSetter,
	events CloudEventSource,
	logApi *CloudLogApi,
	settings *CloudRequestsSettings,
) *CloudRequests {
	cancelCtx, cancel := context.WithCancel(ctx)
	cloudRequests := &CloudRequests{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		setter:                   setter,
		events:                   events,
		logApi:                   logApi,
		settings:                 settings,
		handlers:                 map[string]*requestEntry{},
		fragments:                map[string][]string{},
		recentRequestIds:         []string{},
		responses:                make(chan *pendingResponse, settings.ResponseBufferSize),
		sendDone:                 make(chan struct{}),
		requestCallbacks:         NewCallbackList[func(*Request)](),
		unknownRequestCallbacks:  NewCallbackList[func(*Request)](),
		disabledRequestCallbacks: NewCallbackList[func(*Request)](),
		errorCallbacks:           NewCallbackList[func(*Request, error)](),
		readyCallbacks:           NewCallbackList[func()](),
		disconnectCallbacks:      NewCallbackList[func(error)](),
	}
	cloudRequests.removeEventCallbacks = []func(){
		events.OnSet(cloudRequests.onSet),
		events.OnReady(func() {
			cloudRequests.readyCallbacks.Each(func(callback func()) {
				callback()
			})
		}),
		events.OnDisconnect(cloudRequests.disconnected),
	}
	return cloudRequests
}

// NewScratchCloudRequests hosts requests on a Scratch project.
// Events come from the websocket, and the http log resolves requesters.
func NewScratchCloudRequests(ctx context.Context, projectId string, auth *CloudAuth) *CloudRequests {
	transport := NewScratchCloudTransport(ctx, projectId, auth)
	logApi := NewScratchCloudLogApi()
	events := NewWsCloudEvents(ctx, transport, logApi, DefaultCloudEventsSettings())
	return NewCloudRequests(ctx, transport, events, logApi, DefaultScratchRequestsSettings())
}

func NewTurboWarpCloudRequests(ctx context.Context, projectId string, username string) *CloudRequests {
	transport := NewTurboWarpCloudTransport(ctx, projectId, username)
	events := NewWsCloudEventsWithDefaults(ctx, transport)
	return NewCloudRequests(ctx, transport, events, nil, DefaultTurboWarpRequestsSettings())
}

func (self *CloudRequests) Settings() *CloudRequestsSettings {
	return self.settings
}

// Handle registers a handler under `name`, replacing any previous one.
func (self *CloudRequests) Handle(name string, handler RequestHandler, options *RequestOptions) {
	if options == nil {
		options = DefaultRequestOptions()
	}
	self.handlersLock.Lock()
	defer self.handlersLock.Unlock()
	self.handlers[name] = &requestEntry{
		name:     name,
		handler:  handler,
		enabled:  options.Enabled,
		threaded: options.Threaded,
	}
}

// HandleFunc registers a handler that only needs the arguments.
func (self *CloudRequests) HandleFunc(name string, handler func(args ...string) any) {
	self.Handle(name, func(request *Request) (any, error) {
		return handler(request.Args...), nil
	}, nil)
}

func (self *CloudRequests) EditRequest(name string, handler RequestHandler, options *RequestOptions) error {
	self.handlersLock.Lock()
	defer self.handlersLock.Unlock()
	entry, ok := self.handlers[name]
	if !ok {
		return fmt.Errorf("%w %s", ErrRequestNotFound, name)
	}
	if handler != nil {
		entry.handler = handler
	}
	if options != nil {
		entry.enabled = options.Enabled
		entry.threaded = options.Threaded
	}
	return nil
}

func (self *CloudRequests) RemoveRequest(name string) error {
	self.handlersLock.Lock()
	defer self.handlersLock.Unlock()
	if _, ok := self.handlers[name]; !ok {
		return fmt.Errorf("%w %s", ErrRequestNotFound, name)
	}
	delete(self.handlers, name)
	return nil
}

func (self *CloudRequests) EnableRequest(name string) error {
	return self.setEnabled(name, true)
}

func (self *CloudRequests) DisableRequest(name string) error {
	return self.setEnabled(name, false)
}

func (self *CloudRequests) setEnabled(name string, enabled bool) error {
	self.handlersLock.Lock()
	defer self.handlersLock.Unlock()
	entry, ok := self.handlers[name]
	if !ok {
		return fmt.Errorf("%w %s", ErrRequestNotFound, name)
	}
	entry.enabled = enabled
	return nil
}

func (self *CloudRequests) RequestNames() []string {
	self.handlersLock.Lock()
	defer self.handlersLock.Unlock()
	names := maps.Keys(self.handlers)
	slices.Sort(names)
	return names
}

func (self *CloudRequests) OnRequest(callback func(*Request)) func() {
	return self.requestCallbacks.Add(callback)
}

func (self *CloudRequests) OnUnknownRequest(callback func(*Request)) func() {
	return self.unknownRequestCallbacks.Add(callback)
}

func (self *CloudRequests) OnDisabledRequest(callback func(*Request)) func() {
	return self.disabledRequestCallbacks.Add(callback)
}

func (self *CloudRequests) OnError(callback func(*Request, error)) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *CloudRequests) OnReady(callback func()) func() {
	return self.readyCallbacks.Add(callback)
}

func (self *CloudRequests) OnDisconnect(callback func(error)) func() {
	return self.disconnectCallbacks.Add(callback)
}

// Start runs the server in the background.
func (self *CloudRequests) Start() error {
	if !self.begin() {
		return nil
	}
	return self.events.Start()
}

// Run blocks until the server is stopped.
func (self *CloudRequests) Run() error {
	if !self.begin() {
		return nil
	}
	if err := self.events.Run(); err != nil {
		return err
	}
	<-self.sendDone
	return self.Err()
}

func (self *CloudRequests) begin() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.started {
		return false
	}
	self.started = true
	go self.sendLoop()
	return true
}

// Stop stops reading requests and drops replies that were not sent.
// Threaded handlers that are still running finish, but their replies are discarded.
func (self *CloudRequests) Stop() {
	self.stop(nil)
}

func (self *CloudRequests) stop(err error) {
	self.stateLock.Lock()
	if self.stopErr == nil {
		self.stopErr = err
	}
	started := self.started
	self.stateLock.Unlock()

	self.cancel()
	// stopping the event source from its own worker would wait on itself
	go self.events.Stop()
	if started {
		<-self.sendDone
	}
}

func (self *CloudRequests) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Err is the handler error that stopped a strict server.
func (self *CloudRequests) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stopErr
}

// Close stops the server, waits for threaded handlers to finish,
// and detaches from the event source.
func (self *CloudRequests) Close() {
	self.Stop()
	self.workers.Wait()
	for _, remove := range self.removeEventCallbacks {
		remove()
	}
}

func (self *CloudRequests) disconnected(err error) {
	self.disconnectCallbacks.Each(func(callback func(error)) {
		callback(err)
	})
}

func (self *CloudRequests) onSet(event *CloudEvent) {
	if event.Name != self.settings.RequestVariable {
		return
	}
	request, err := self.receiveFragment(event)
	if err != nil {
		glog.V(2).Infof("[r]drop %s = %s\n", event.Value, err)
		return
	}
	if request == nil {
		// more fragments follow
		return
	}
	self.dispatch(request)
}

// returns a nil request while the request is incomplete
func (self *CloudRequests) receiveFragment(event *CloudEvent) (*Request, error) {
	fragment, err := ParseRequestFragment(event.Value)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if fragment.Continues {
		self.fragments[fragment.RequestId] = append(self.fragments[fragment.RequestId], fragment.Payload)
		return nil, nil
	}

	payloads := self.fragments[fragment.RequestId]
	delete(self.fragments, fragment.RequestId)

	if slices.Contains(self.recentRequestIds, fragment.RequestId) {
		return nil, fmt.Errorf("%w %s", ErrDuplicateRequest, fragment.RequestId)
	}

	payload := strings.Join(append(payloads, fragment.Payload), "")
	decoded, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w %s", ErrMalformedRequest, err)
	}

	self.recentRequestIds = append(self.recentRequestIds, fragment.RequestId)
	if overflow := len(self.recentRequestIds) - self.settings.RecentRequestCount; 0 < overflow {
		self.recentRequestIds = slices.Clone(self.recentRequestIds[overflow:])
	}

	name, args := ParseRequest(decoded)
	return &Request{
		Name:      name,
		Args:      args,
		RequestId: fragment.RequestId,
		Timestamp: event.Timestamp,
		User:      event.User,
		server:    self,
	}, nil
}

func (self *CloudRequests) dispatch(request *Request) {
	glog.V(1).Infof("[r]%s\n", request)

	self.handlersLock.Lock()
	entry, ok := self.handlers[request.Name]
	var handler RequestHandler
	var enabled bool
	var threaded bool
	if ok {
		handler = entry.handler
		enabled = entry.enabled
		threaded = entry.threaded
	}
	self.handlersLock.Unlock()

	if !ok {
		self.unknownRequestCallbacks.Each(func(callback func(*Request)) {
			callback(request)
		})
		self.respondText(request, self.settings.UnknownRequestResponse, nil)
		return
	}
	if !enabled {
		self.disabledRequestCallbacks.Each(func(callback func(*Request)) {
			callback(request)
		})
		self.respondText(request, self.settings.DisabledRequestResponse, nil)
		return
	}

	self.requestCallbacks.Each(func(callback func(*Request)) {
		callback(request)
	})

	if threaded {
		self.workers.Go(func() error {
			self.invoke(request, handler)
			return nil
		})
	} else {
		self.invoke(request, handler)
	}
}

func (self *CloudRequests) invoke(request *Request, handler RequestHandler) {
	var output any
	var err error
	HandleError(func() {
		output, err = handler(request)
	}, func(handlerErr error) {
		err = fmt.Errorf("Handler panic: %w", handlerErr)
	})

	if err != nil {
		glog.Infof("[r]%s error = %s\n", request, err)
		self.errorCallbacks.Each(func(callback func(*Request, error)) {
			callback(request, err)
		})
		self.respondText(request, self.settings.ErrorResponse, err)
		return
	}

	payload, terminator := EncodeResponse(output, request.RequestId)
	self.enqueue(&pendingResponse{
		request:    request,
		payload:    payload,
		terminator: terminator,
	})
}

func (self *CloudRequests) respondText(request *Request, text string, err error) {
	self.enqueue(&pendingResponse{
		request:    request,
		payload:    Encode(text),
		terminator: TerminatorString,
		err:        err,
	})
}

// Send pushes a value to the peer framed as a reply to `requestId`.
func (self *CloudRequests) Send(ctx context.Context, requestId string, output any) error {
	if !isDigits(requestId) || requestId == "" {
		return fmt.Errorf("%w Bad request id \"%s\".", ErrMalformedRequest, requestId)
	}
	payload, terminator := EncodeResponse(output, requestId)
	response := &pendingResponse{
		request: &Request{
			RequestId: requestId,
			server:    self,
		},
		payload:    payload,
		terminator: terminator,
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return fmt.Errorf("Stopped.")
	case self.responses <- response:
		return nil
	}
}

func (self *CloudRequests) enqueue(response *pendingResponse) {
	select {
	case <-self.ctx.Done():
		glog.V(1).Infof("[r]stopped, discard reply %s\n", response.request)
	case self.responses <- response:
	}
}

// the only writer of response variables
func (self *CloudRequests) sendLoop() {
	defer close(self.sendDone)
	for {
		select {
		case <-self.ctx.Done():
			return
		case response := <-self.responses:
			self.send(response)
			if response.err != nil && self.settings.Strict {
				glog.Infof("[r]strict stop %s = %s\n", response.request, response.err)
				go self.stop(response.err)
				return
			}
		}
	}
}

func (self *CloudRequests) send(response *pendingResponse) {
	requestId := response.request.RequestId

	if self.settings.NoPacketLoss || self.settings.IdleReconnectTimeout < self.setter.IdleDuration() {
		if err := self.setter.Reconnect(self.ctx); err != nil {
			glog.Infof("[r]reconnect error = %s\n", err)
			self.disconnected(err)
			return
		}
	}

	if responseLength := ResponseLength(response.payload, response.terminator); self.settings.LargeResponseLength < responseLength {
		glog.Warningf(
			"[r]reply to %s is %d characters and will take at least %s to send\n",
			response.request,
			responseLength,
			time.Duration((len(response.payload)+self.settings.PacketLength-1)/self.settings.PacketLength)*self.settings.PacketInterval,
		)
	}

	values := FrameResponse(response.payload, requestId, response.terminator, self.settings.PacketLength)
	for _, value := range values {
		if wait := self.settings.PacketInterval - time.Since(self.lastPacketTime); 0 < wait {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		name := self.settings.ResponseVariables[self.responseIndex]
		self.responseIndex = (self.responseIndex + 1) % len(self.settings.ResponseVariables)

		err := self.setter.Set(self.ctx, name, value)
		self.lastPacketTime = time.Now()
		if err != nil {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			glog.Infof("[r]reply %s error = %s\n", response.request, err)
			if errors.Is(err, ErrConnection) {
				self.disconnected(err)
			}
			return
		}
		glog.V(2).Infof("[r]%s=%s\n", name, value)
	}
}

func (self *CloudRequests) requester(ctx context.Context, requestId string) (string, error) {
	if self.logApi == nil {
		return "", fmt.Errorf("No cloud log for requester lookup.")
	}
	entries, err := self.logApi.Logs(ctx, self.setter.ProjectId(), DefaultLogLimit, 0)
	if err != nil {
		return "", err
	}
	return findRequester(entries, self.settings.RequestVariable, requestId)
}

func findRequester(entries []*CloudLogEntry, requestVariable string, requestId string) (string, error) {
	for _, entry := range entries {
		if entry.LocalName() != requestVariable {
			continue
		}
		fragment, err := ParseRequestFragment(string(entry.Value))
		if err != nil {
			continue
		}
		if fragment.RequestId == requestId && !fragment.Continues {
			return entry.User, nil
		}
	}
	return "", fmt.Errorf("No requester for request %s.", requestId)
}
