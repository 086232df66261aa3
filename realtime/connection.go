package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the connection manager owns the transport channel, lifecycle state,
// reconnection and quality scoring. It is the only component that talks
// to the wire.
//
// state machine:
//
//	disconnected --Connect--> connecting --ok--> connected
//	connected --drop--> disconnected --retry--> reconnecting
//	reconnecting --success--> connected
//	reconnecting --attempts exhausted--> disconnected (+ one `exhausted` event)
//
// after exhaustion no further automatic attempts occur. The caller must
// explicitly call `Connect` again.

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

type ConnectionQuality string

const (
	QualityUnknown   ConnectionQuality = "unknown"
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
)

type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReconnecting EventKind = "reconnecting"
	EventExhausted    EventKind = "exhausted"
	EventError        EventKind = "error"
)

// incoming wire messages are dispatched with `EventKind(message.Kind)`

type ConnectionEvent struct {
	Kind    EventKind
	State   ConnectionState
	Quality ConnectionQuality
	Err     error
	Message *Message
}

// subscribers must not block. Events are delivered synchronously
// in subscription order.
type ConnectionEventFunction func(event *ConnectionEvent)

type subscription struct {
	kinds   map[EventKind]bool
	handler ConnectionEventFunction
}

// the send primitive every upstream component ultimately calls
type WireSender interface {
	SendRaw(kind MessageKind, payload []byte) error
}

type ConnectionManagerSettings struct {
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	WsHandshakeTimeout   time.Duration
	JoinTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	MaxPayloadByteCount  ByteCount
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		ReconnectionAttempts: 5,
		ReconnectionDelay:    1 * time.Second,
		ConnectTimeout:       5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		WsHandshakeTimeout:   2 * time.Second,
		JoinTimeout:          2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          60 * time.Second,
		MaxPayloadByteCount:  kib(64),
	}
}

type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	settings   *ConnectionManagerSettings

	stateLock       sync.Mutex
	state           ConnectionState
	quality         ConnectionQuality
	dropCount       int
	parseErrorCount int
	auth            *CanvasAuth
	ws              *websocket.Conn
	sessionGen      int
	sessionCancel   context.CancelFunc
	connectCtx      context.Context
	connectCancel   context.CancelFunc

	// gorilla allows one concurrent writer
	writeLock sync.Mutex

	subscriptions *CallbackList[*subscription]
	scheduler     *TaskScheduler
}

func NewConnectionManagerWithDefaults(ctx context.Context, connectUrl string) *ConnectionManager {
	return NewConnectionManager(ctx, connectUrl, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	connectUrl string,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		connectUrl:    connectUrl,
		settings:      settings,
		state:         StateDisconnected,
		quality:       QualityUnknown,
		subscriptions: NewCallbackList[*subscription](),
		scheduler:     NewTaskScheduler(cancelCtx),
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionManager) Quality() ConnectionQuality {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.quality
}

// the scheduler shared by components layered on this connection.
// explicit `Disconnect` clears all pending work scheduled here.
func (self *ConnectionManager) Scheduler() *TaskScheduler {
	return self.scheduler
}

// the returned func unsubscribes. Subscribing with no kinds receives
// every event.
func (self *ConnectionManager) Subscribe(handler ConnectionEventFunction, kinds ...EventKind) func() {
	kindSet := map[EventKind]bool{}
	for _, kind := range kinds {
		kindSet[kind] = true
	}
	callbackId := self.subscriptions.Add(&subscription{
		kinds:   kindSet,
		handler: handler,
	})
	return func() {
		self.subscriptions.Remove(callbackId)
	}
}

func (self *ConnectionManager) emit(event *ConnectionEvent) {
	for _, sub := range self.subscriptions.Get() {
		if len(sub.kinds) == 0 || sub.kinds[event.Kind] {
			handleCallback(func() {
				sub.handler(event)
			})
		}
	}
}

func (self *ConnectionManager) emitState(kind EventKind, err error) {
	self.stateLock.Lock()
	state := self.state
	quality := self.quality
	self.stateLock.Unlock()

	self.emit(&ConnectionEvent{
		Kind:    kind,
		State:   state,
		Quality: quality,
		Err:     err,
	})
}

func (self *ConnectionManager) Connect(auth *CanvasAuth) error {
	if validationErr := auth.Validate(); validationErr != nil {
		return validationErr
	}

	self.stateLock.Lock()
	if self.state != StateDisconnected {
		state := self.state
		self.stateLock.Unlock()
		return fmt.Errorf("connect called in state %s", state)
	}
	// rolling counters restart on an explicit connect
	self.dropCount = 0
	self.parseErrorCount = 0
	self.auth = auth
	self.state = StateConnecting
	connectCtx, connectCancel := context.WithCancel(self.ctx)
	self.connectCtx = connectCtx
	self.connectCancel = connectCancel
	self.stateLock.Unlock()

	self.emitState(EventConnecting, nil)

	ws, joined, err := self.dialAndJoin(connectCtx, auth)
	if err != nil {
		connectionError := ClassifyConnectError(err)
		self.stateLock.Lock()
		self.state = StateDisconnected
		self.connectCancel()
		self.connectCancel = nil
		self.stateLock.Unlock()
		self.emitState(EventError, connectionError)
		self.emitState(EventDisconnected, connectionError)
		return connectionError
	}

	self.install(connectCtx, ws, QualityExcellent)
	self.emitState(EventConnected, nil)
	self.dispatchMessage(joined)
	return nil
}

func (self *ConnectionManager) dialAndJoin(ctx context.Context, auth *CanvasAuth) (*websocket.Conn, *Message, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
	defer dialCancel()

	ws, _, err := dialer.DialContext(dialCtx, self.connectUrl, nil)
	if err != nil {
		return nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	joinBytes, err := EncodeMessage(MessageJoinCanvas, &JoinCanvasArgs{
		CanvasId:  auth.CanvasId,
		AuthToken: auth.Token,
	})
	if err != nil {
		return nil, nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, joinBytes); err != nil {
		return nil, nil, err
	}

	// the join ack is the first message on the socket
	ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	_, messageBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	joined, err := DecodeMessage(messageBytes)
	if err != nil {
		return nil, nil, NewConnectionError(ErrClassProtocol, err)
	}
	if joined.Kind != MessageJoinedCanvas {
		return nil, nil, NewConnectionError(
			ErrClassProtocol,
			fmt.Errorf("expected %s, got %s", MessageJoinedCanvas, joined.Kind),
		)
	}

	success = true
	return ws, joined, nil
}

// takes ownership of an authenticated socket and starts the session loops
func (self *ConnectionManager) install(connectCtx context.Context, ws *websocket.Conn, quality ConnectionQuality) {
	sessionCtx, sessionCancel := context.WithCancel(connectCtx)

	self.stateLock.Lock()
	self.ws = ws
	self.sessionGen += 1
	sessionGen := self.sessionGen
	self.sessionCancel = sessionCancel
	self.state = StateConnected
	self.quality = quality
	self.stateLock.Unlock()

	go self.readLoop(sessionCtx, ws, sessionGen)
	go self.heartbeatLoop(sessionCtx)
}

func (self *ConnectionManager) readLoop(sessionCtx context.Context, ws *websocket.Conn, sessionGen int) {
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-sessionCtx.Done():
				// explicit disconnect or teardown
				return
			default:
			}
			self.handleDrop(sessionGen, err)
			return
		}

		if len(messageBytes) == 0 {
			// ping
			glog.V(2).Infof("[conn]ping %s<-\n", self.connectUrl)
			continue
		}

		message, err := DecodeMessage(messageBytes)
		if err != nil {
			self.stateLock.Lock()
			self.parseErrorCount += 1
			self.quality = self.scoreQuality()
			self.stateLock.Unlock()
			glog.Infof("[conn]parse error = %s\n", err)
			self.emitState(EventError, NewConnectionError(ErrClassProtocol, err))
			continue
		}

		self.dispatchMessage(message)
	}
}

func (self *ConnectionManager) dispatchMessage(message *Message) {
	glog.V(2).Infof("[conn]%s<-\n", message.Kind)

	if message.Kind.IsFailure() {
		failed := &OperationFailedResult{}
		json.Unmarshal(message.Payload, failed)
		self.emit(&ConnectionEvent{
			Kind:    EventError,
			State:   self.State(),
			Quality: self.Quality(),
			Err: &ApplicationError{
				Kind:     message.Kind,
				ObjectId: failed.ObjectId,
				Message:  failed.Message,
				Intent:   message.Payload,
			},
			Message: message,
		})
	}

	self.emit(&ConnectionEvent{
		Kind:    EventKind(message.Kind),
		State:   self.State(),
		Quality: self.Quality(),
		Message: message,
	})
}

func (self *ConnectionManager) heartbeatLoop(sessionCtx context.Context) {
	self.stateLock.Lock()
	auth := self.auth
	self.stateLock.Unlock()

	for {
		select {
		case <-sessionCtx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
		}

		err := self.Send(MessageHeartbeat, &HeartbeatArgs{
			CanvasId:  auth.CanvasId,
			AuthToken: auth.Token,
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			glog.V(1).Infof("[conn]heartbeat error = %s\n", err)
		}
	}
}

// must be called with an error from the current session's read loop
func (self *ConnectionManager) handleDrop(sessionGen int, err error) {
	self.stateLock.Lock()
	if self.sessionGen != sessionGen {
		// stale session
		self.stateLock.Unlock()
		return
	}
	if self.sessionCancel != nil {
		self.sessionCancel()
		self.sessionCancel = nil
	}
	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}
	self.dropCount += 1
	self.quality = QualityPoor
	self.state = StateDisconnected
	connectCtx := self.connectCtx
	self.stateLock.Unlock()

	connectionError := ClassifyConnectError(err)
	glog.Infof("[conn]drop = %s\n", connectionError)
	self.emitState(EventDisconnected, connectionError)

	go self.reconnectLoop(connectCtx)
}

func (self *ConnectionManager) reconnectLoop(connectCtx context.Context) {
	self.stateLock.Lock()
	if self.state != StateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.state = StateReconnecting
	auth := self.auth
	self.stateLock.Unlock()

	self.emitState(EventReconnecting, nil)

	for attempt := 0; attempt < self.settings.ReconnectionAttempts; attempt += 1 {
		reconnect := NewReconnect(self.settings.ReconnectionDelay)
		select {
		case <-connectCtx.Done():
			return
		case <-reconnect.After():
		}

		ws, joined, err := self.dialAndJoin(connectCtx, auth)
		if err != nil {
			connectionError := ClassifyConnectError(err)
			glog.Infof("[conn]reconnect attempt %d error = %s\n", attempt+1, connectionError)
			self.emitState(EventError, connectionError)
			continue
		}

		self.install(connectCtx, ws, self.scoreQualityLocked())
		self.emitState(EventConnected, nil)
		self.dispatchMessage(joined)
		return
	}

	// attempts exhausted. Fatal from the engine's point of view.
	self.stateLock.Lock()
	self.state = StateDisconnected
	self.stateLock.Unlock()

	glog.Infof("[conn]reconnect exhausted after %d attempts\n", self.settings.ReconnectionAttempts)
	self.emitState(EventExhausted, NewConnectionError(
		ErrClassGeneric,
		fmt.Errorf("reconnect exhausted after %d attempts", self.settings.ReconnectionAttempts),
	))
	self.emitState(EventDisconnected, nil)
}

// quality from the rolling error/drop counters
func (self *ConnectionManager) scoreQuality() ConnectionQuality {
	if self.parseErrorCount == 0 && self.dropCount <= 1 {
		return QualityExcellent
	}
	if self.parseErrorCount <= 2 && self.dropCount <= 3 {
		return QualityGood
	}
	return QualityPoor
}

func (self *ConnectionManager) scoreQualityLocked() ConnectionQuality {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.scoreQuality()
}

func (self *ConnectionManager) Send(kind MessageKind, payload any) error {
	var payloadBytes []byte
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	return self.SendRaw(kind, payloadBytes)
}

// WireSender
func (self *ConnectionManager) SendRaw(kind MessageKind, payload []byte) error {
	if self.settings.MaxPayloadByteCount < ByteCount(len(payload)) {
		return NewValidationError(
			"payload",
			"payload size %d exceeds limit %d",
			len(payload),
			self.settings.MaxPayloadByteCount,
		)
	}

	self.stateLock.Lock()
	ws := self.ws
	state := self.state
	self.stateLock.Unlock()

	if state != StateConnected || ws == nil {
		return NewConnectionError(ErrClassGeneric, fmt.Errorf("not connected (state %s)", state))
	}

	messageBytes, err := json.Marshal(&Message{
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
		// a deadline timeout on a websocket cannot be recovered
		glog.Infof("[conn]%s-> error = %s\n", kind, err)
		return ClassifyConnectError(err)
	}
	glog.V(2).Infof("[conn]%s->\n", kind)
	return nil
}

// explicit disconnect. Clears all pending timers and queued work so nothing
// leaks across reconnects. No automatic reconnect follows.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	if self.connectCancel != nil {
		self.connectCancel()
		self.connectCancel = nil
	}
	if self.sessionCancel != nil {
		self.sessionCancel()
		self.sessionCancel = nil
	}
	ws := self.ws
	auth := self.auth
	self.ws = nil
	wasConnected := self.state == StateConnected
	self.state = StateDisconnected
	self.stateLock.Unlock()

	if ws != nil {
		if wasConnected && auth != nil {
			leaveBytes, err := EncodeMessage(MessageLeaveCanvas, &LeaveCanvasArgs{
				CanvasId:  auth.CanvasId,
				AuthToken: auth.Token,
			})
			if err == nil {
				self.writeLock.Lock()
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(websocket.TextMessage, leaveBytes)
				self.writeLock.Unlock()
			}
		}
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
		ws.Close()
	}

	self.scheduler.CancelAll()
	self.emitState(EventDisconnected, nil)
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.scheduler.Close()
	self.cancel()
}
