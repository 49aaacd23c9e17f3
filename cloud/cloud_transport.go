package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"
)

var ErrConnection = errors.New("Cloud connection error.")

const ScratchCloudUrl = "wss://clouddata.scratch.mit.edu"
const ScratchOrigin = "https://scratch.mit.edu"
const TurboWarpCloudUrl = "wss://clouddata.turbowarp.org/"

const ScratchMaxValueLength = 256

type CloudTransportSettings struct {
	Url       string
	Origin    string
	UserAgent string

	// minimum spacing between two sets on one transport
	MinSetInterval time.Duration
	// <= 0 means no limit
	MaxValueLength int
	// accept non numeric values
	Permissive bool

	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	// how long a full receive buffer blocks the reader before the frame is dropped
	ReceiveTimeout    time.Duration
	ReceiveBufferSize int
}

func DefaultScratchCloudSettings() *CloudTransportSettings {
	return &CloudTransportSettings{
		Url:                ScratchCloudUrl,
		Origin:             ScratchOrigin,
		UserAgent:          "",
		MinSetInterval:     100 * time.Millisecond,
		MaxValueLength:     ScratchMaxValueLength,
		Permissive:         false,
		WsHandshakeTimeout: 10 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReceiveTimeout:     15 * time.Second,
		ReceiveBufferSize:  1024,
	}
}

func DefaultTurboWarpCloudSettings() *CloudTransportSettings {
	return &CloudTransportSettings{
		Url:                TurboWarpCloudUrl,
		Origin:             "",
		UserAgent:          "bringyour-scratch/0.1 (cloud client)",
		MinSetInterval:     5 * time.Millisecond,
		MaxValueLength:     0,
		Permissive:         false,
		WsHandshakeTimeout: 10 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReceiveTimeout:     15 * time.Second,
		ReceiveBufferSize:  1024,
	}
}

type CloudAuth struct {
	Username string
	// the scratchsessionsid cookie. Empty connects anonymously.
	SessionId string
}

type CloudFrame struct {
	Method string
	// local name, without the cloud prefix
	Name        string
	Value       string
	ReceiveTime time.Time
}

type handshakeFrame struct {
	Method    string `json:"method"`
	User      string `json:"user"`
	ProjectId string `json:"project_id"`
}

type setFrame struct {
	Method    string `json:"method"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	User      string `json:"user"`
	ProjectId string `json:"project_id"`
}

type inboundFrame struct {
	Method string          `json:"method"`
	Name   string          `json:"name"`
	Value  json.RawMessage `json:"value"`
}

// newline terminated json
func encodeFrame(frame any) ([]byte, error) {
	var b bytes.Buffer
	encoder := json.NewEncoder(&b)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(frame); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func parseFrames(message []byte, receiveTime time.Time) []*CloudFrame {
	frames := []*CloudFrame{}
	for _, line := range strings.Split(string(message), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var inbound inboundFrame
		if err := json.Unmarshal([]byte(line), &inbound); err != nil {
			glog.Infof("[cr]drop malformed frame = %s\n", err)
			continue
		}
		frames = append(frames, &CloudFrame{
			Method:      inbound.Method,
			Name:        LocalName(inbound.Name),
			Value:       rawValueString(inbound.Value),
			ReceiveTime: receiveTime,
		})
	}
	return frames
}

func rawValueString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// A websocket to a cloud variable server bound to one project.
// Sets are serialized and spaced by the rate limiter.
// A failed send re-handshakes, then reconnects once, before giving up.
type CloudTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId string
	auth      *CloudAuth
	settings  *CloudTransportSettings

	// serializes writes and any change of `ws`
	sendLock sync.Mutex

	stateLock    sync.Mutex
	ws           *websocket.Conn
	limiter      *rate.Limiter
	lastSendTime time.Time

	receive chan *CloudFrame

	disconnectCallbacks *CallbackList[func(error)]
}

func NewScratchCloudTransport(ctx context.Context, projectId string, auth *CloudAuth) *CloudTransport {
	return NewCloudTransport(ctx, projectId, auth, DefaultScratchCloudSettings())
}

func NewTurboWarpCloudTransport(ctx context.Context, projectId string, username string) *CloudTransport {
	return NewCloudTransport(ctx, projectId, &CloudAuth{Username: username}, DefaultTurboWarpCloudSettings())
}

func NewCloudTransport(
	ctx context.Context,
	projectId string,
	auth *CloudAuth,
	settings *CloudTransportSettings,
) *CloudTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CloudTransport{
		ctx:                 cancelCtx,
		cancel:              cancel,
		projectId:           projectId,
		auth:                auth,
		settings:            settings,
		limiter:             newSetLimiter(settings.MinSetInterval),
		receive:             make(chan *CloudFrame, settings.ReceiveBufferSize),
		disconnectCallbacks: NewCallbackList[func(error)](),
	}
}

func newSetLimiter(minSetInterval time.Duration) *rate.Limiter {
	if minSetInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minSetInterval), 1)
}

func (self *CloudTransport) ProjectId() string {
	return self.projectId
}

func (self *CloudTransport) Username() string {
	return self.auth.Username
}

func (self *CloudTransport) Settings() *CloudTransportSettings {
	return self.settings
}

// Receive is the inbound frame stream. It stays open across reconnects.
func (self *CloudTransport) Receive() <-chan *CloudFrame {
	return self.receive
}

func (self *CloudTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

// AddDisconnectCallback is called when the transport fails to reconnect.
func (self *CloudTransport) AddDisconnectCallback(callback func(error)) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *CloudTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ws != nil
}

// IdleDuration is the time since the last successful write.
func (self *CloudTransport) IdleDuration() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.lastSendTime.IsZero() {
		return 0
	}
	return time.Since(self.lastSendTime)
}

func (self *CloudTransport) Connect(ctx context.Context) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	return self.connect(ctx)
}

// must hold `sendLock`
func (self *CloudTransport) connect(ctx context.Context) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("%w Closed.", ErrConnection)
	default:
	}

	ws, err := TraceWithReturnError(
		fmt.Sprintf("[c]connect %s", self.projectId),
		func() (*websocket.Conn, error) {
			return self.dial(ctx)
		},
	)
	if err != nil {
		glog.Infof("[c]connect %s error = %s\n", self.projectId, err)
		return fmt.Errorf("%w %s", ErrConnection, err)
	}

	if err := self.handshake(ws); err != nil {
		ws.Close()
		glog.Infof("[c]handshake %s error = %s\n", self.projectId, err)
		return fmt.Errorf("%w %s", ErrConnection, err)
	}

	self.stateLock.Lock()
	previousWs := self.ws
	self.ws = ws
	self.limiter = newSetLimiter(self.settings.MinSetInterval)
	self.lastSendTime = time.Now()
	self.stateLock.Unlock()

	if previousWs != nil {
		previousWs.Close()
	}

	go self.read(ws)

	glog.V(1).Infof("[c]connected %s\n", self.projectId)
	return nil
}

func (self *CloudTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	header := http.Header{}
	if self.settings.Origin != "" {
		header.Set("Origin", self.settings.Origin)
	}
	if self.settings.UserAgent != "" {
		header.Set("User-Agent", self.settings.UserAgent)
	}
	if self.auth.SessionId != "" {
		header.Set("Cookie", fmt.Sprintf("scratchsessionsid=%s;", self.auth.SessionId))
	}

	ws, _, err := dialer.DialContext(ctx, self.settings.Url, header)
	return ws, err
}

func (self *CloudTransport) handshake(ws *websocket.Conn) error {
	handshakeBytes, err := encodeFrame(&handshakeFrame{
		Method:    "handshake",
		User:      self.auth.Username,
		ProjectId: self.projectId,
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	return ws.WriteMessage(websocket.TextMessage, handshakeBytes)
}

func (self *CloudTransport) read(ws *websocket.Conn) {
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			self.stateLock.Lock()
			current := self.ws == ws
			self.stateLock.Unlock()

			select {
			case <-self.ctx.Done():
				return
			default:
			}
			if !current {
				// replaced by a reconnect
				return
			}
			glog.Infof("[cr]%s<- error = %s\n", self.projectId, err)
			if err := self.reconnectFrom(self.ctx, ws); err != nil {
				self.disconnected(err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}

		for _, frame := range parseFrames(message, time.Now()) {
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- frame:
				glog.V(2).Infof("[cr]%s<- %s %s=%s\n", self.projectId, frame.Method, frame.Name, frame.Value)
			case <-time.After(self.settings.ReceiveTimeout):
				glog.Infof("[cr]drop %s<- %s\n", self.projectId, frame.Name)
			}
		}
	}
}

func (self *CloudTransport) disconnected(err error) {
	glog.Infof("[c]disconnected %s = %s\n", self.projectId, err)
	self.stateLock.Lock()
	self.ws = nil
	self.stateLock.Unlock()
	self.disconnectCallbacks.Each(func(callback func(error)) {
		callback(err)
	})
}

// Reconnect re-handshakes on the current socket, or if that fails opens a fresh one.
func (self *CloudTransport) Reconnect(ctx context.Context) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()

	return self.reconnect(ctx, ws)
}

// reconnects only when `ws` is still the active socket
// the read side of `ws` is broken so this always opens a fresh socket
func (self *CloudTransport) reconnectFrom(ctx context.Context, ws *websocket.Conn) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.stateLock.Lock()
	current := self.ws == ws
	self.stateLock.Unlock()
	if !current {
		return nil
	}
	glog.Infof("[c]reconnect %s\n", self.projectId)
	return self.connect(ctx)
}

// must hold `sendLock`
func (self *CloudTransport) reconnect(ctx context.Context, ws *websocket.Conn) error {
	if ws != nil {
		if err := self.handshake(ws); err == nil {
			self.stateLock.Lock()
			self.limiter = newSetLimiter(self.settings.MinSetInterval)
			self.lastSendTime = time.Now()
			self.stateLock.Unlock()
			glog.V(1).Infof("[c]re-handshake %s\n", self.projectId)
			return nil
		}
	}
	glog.Infof("[c]reconnect %s\n", self.projectId)
	return self.connect(ctx)
}

// Set writes one variable. Blocks until the rate limit window allows the write.
func (self *CloudTransport) Set(ctx context.Context, name string, value any) error {
	valueStr := CloudValueString(value)
	if err := ValidateCloudValue(valueStr, self.settings.MaxValueLength, self.settings.Permissive); err != nil {
		return err
	}

	frameBytes, err := encodeFrame(&setFrame{
		Method:    "set",
		Name:      WireName(name),
		Value:     valueStr,
		User:      self.auth.Username,
		ProjectId: self.projectId,
	})
	if err != nil {
		return err
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws == nil {
		if err := self.connect(ctx); err != nil {
			return err
		}
	}

	if err := self.write(ctx, frameBytes); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		glog.Infof("[cs]%s-> %s error = %s\n", self.projectId, name, err)
		self.stateLock.Lock()
		ws = self.ws
		self.stateLock.Unlock()
		if err := self.reconnect(ctx, ws); err != nil {
			return err
		}
		if err := self.write(ctx, frameBytes); err != nil {
			return fmt.Errorf("%w %s", ErrConnection, err)
		}
	}
	glog.V(2).Infof("[cs]%s-> %s=%s\n", self.projectId, name, valueStr)
	return nil
}

// SetVars sets each variable in name order.
func (self *CloudTransport) SetVars(ctx context.Context, values map[string]any) error {
	names := maps.Keys(values)
	slices.Sort(names)
	for _, name := range names {
		if err := self.Set(ctx, name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// must hold `sendLock`
func (self *CloudTransport) write(ctx context.Context, frameBytes []byte) error {
	self.stateLock.Lock()
	ws := self.ws
	limiter := self.limiter
	self.stateLock.Unlock()

	if ws == nil {
		return fmt.Errorf("Not connected.")
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		return err
	}

	self.stateLock.Lock()
	self.lastSendTime = time.Now()
	self.stateLock.Unlock()
	return nil
}

func (self *CloudTransport) Close() {
	self.cancel()

	self.stateLock.Lock()
	ws := self.ws
	self.ws = nil
	self.stateLock.Unlock()

	if ws != nil {
		ws.Close()
	}
}
