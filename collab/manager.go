package collab

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionPhase string

const (
	ConnectionPhaseDisconnected ConnectionPhase = "disconnected"
	ConnectionPhaseConnecting   ConnectionPhase = "connecting"
	ConnectionPhaseConnected    ConnectionPhase = "connected"
	// a failed attempt waits here: for its backoff retry, for the attempt
	// cooldown, or parked with nothing scheduled after a rejection.
	ConnectionPhaseError ConnectionPhase = "error"
)

func (self ConnectionPhase) IsActive() bool {
	return self == ConnectionPhaseConnected
}

type connectTrigger string

const (
	connectTriggerManual     connectTrigger = "manual"
	connectTriggerScheduled  connectTrigger = "scheduled"
	connectTriggerHealth     connectTrigger = "health"
	connectTriggerVisibility connectTrigger = "visibility"
	connectTriggerForce      connectTrigger = "force"
)

// min interval guard applies to triggers a user or timer can spam.
// scheduled retries already carry backoff and are exempt.
func (self connectTrigger) rateLimited() bool {
	switch self {
	case connectTriggerManual, connectTriggerHealth, connectTriggerVisibility:
		return true
	default:
		return false
	}
}

// An immutable snapshot. `Attempt` counts consecutive failures in the current
// budget window. `Reconnecting` distinguishes a retry after a drop from the
// first connect of the instance. `ResumePending` reports whether the manager
// will bring the connection back on its own: an attempt is in flight or a
// retry or cooldown is scheduled. When it is false the only way back is
// `Connect`.
type ConnectionState struct {
	Phase         ConnectionPhase
	Attempt       int
	Reconnecting  bool
	ResumePending bool
	SessionId     Id
	UserId        Id
	DisplayName   string
	CodecName     string
	DownSince     time.Time
	LastErr       error
}

// The connection manager owns the websocket lifecycle: one transport at a
// time, reconnect with jittered exponential backoff, an attempt budget with a
// cooldown, a liveness monitor, and page visibility coupling. All connect
// paths funnel through one run loop, so attempts never overlap.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	auth       *ClientAuth

	settings *ClientSettings

	codecs []WireCodec

	connectRequests chan connectTrigger

	stateLock        sync.Mutex
	phase            ConnectionPhase
	transport        *WebSocketTransport
	epoch            int
	attempt          int
	codecIndex       int
	autoConnect      bool
	everConnected    bool
	visible          bool
	lastConnectStart time.Time
	downSince        time.Time
	lastErr          error
	sessionId        Id
	userId           Id
	displayName      string
	reconnectTimer   *time.Timer
	retryPending     bool
	cooldownTimer    *time.Timer

	stateCallbacks *CallbackList[func(*ConnectionState)]

	subscriptionsLock sync.Mutex
	subscriptions     map[string]*CallbackList[func(*TransportFrame)]
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	connectUrl string,
	auth *ClientAuth,
) *ConnectionManager {
	return NewConnectionManager(
		ctx,
		connectUrl,
		auth,
		DefaultClientSettings(EnvironmentProfileDirect),
	)
}

func NewConnectionManager(
	ctx context.Context,
	connectUrl string,
	auth *ClientAuth,
	settings *ClientSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &ConnectionManager{
		ctx:             cancelCtx,
		cancel:          cancel,
		connectUrl:      connectUrl,
		auth:            auth,
		settings:        settings,
		codecs:          newWireCodecs(settings.Profile),
		connectRequests: make(chan connectTrigger, 1),
		phase:           ConnectionPhaseDisconnected,
		visible:         true,
		stateCallbacks:  NewCallbackList[func(*ConnectionState)](),
		subscriptions:   map[string]*CallbackList[func(*TransportFrame)]{},
	}
	go manager.run()
	go manager.healthLoop()
	return manager
}

// Starts connecting and keeps the connection up until `Disconnect` or
// `Close`.
func (self *ConnectionManager) Connect() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.autoConnect = true
	}()
	self.requestConnect(connectTriggerManual)
}

// Tears down the active connection and suspends automatic reconnects.
func (self *ConnectionManager) Disconnect() {
	var transport *WebSocketTransport
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.autoConnect = false
		self.epoch += 1
		transport = self.transport
		self.transport = nil
		self.stopTimers()
		self.attempt = 0
		self.lastErr = nil
		if self.phase != ConnectionPhaseDisconnected {
			self.phase = ConnectionPhaseDisconnected
			self.downSince = time.Now()
			changed = true
		}
	}()
	if transport != nil {
		transport.Close()
	}
	if changed {
		glog.V(1).Infof("[m]disconnect\n")
		self.fireState()
	}
}

// Drops the active connection, if any, and immediately dials a new one.
// Resets the attempt budget.
func (self *ConnectionManager) ForceReconnect() {
	var transport *WebSocketTransport
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.autoConnect = true
		self.epoch += 1
		transport = self.transport
		self.transport = nil
		self.stopTimers()
		self.attempt = 0
		if self.phase != ConnectionPhaseDisconnected {
			self.phase = ConnectionPhaseDisconnected
			self.downSince = time.Now()
		}
	}()
	if transport != nil {
		transport.Close()
	}
	glog.V(1).Infof("[m]force reconnect\n")
	self.fireState()
	self.requestConnect(connectTriggerForce)
}

func (self *ConnectionManager) NotifyVisible() {
	needsConnect := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.visible = true
		if self.autoConnect && self.phase == ConnectionPhaseDisconnected {
			if !self.downSince.IsZero() && self.settings.VisibilityGrace <= time.Since(self.downSince) {
				needsConnect = true
			}
		}
	}()
	if needsConnect {
		glog.V(1).Infof("[m]visible after grace\n")
		self.requestConnect(connectTriggerVisibility)
	}
}

func (self *ConnectionManager) NotifyHidden() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.visible = false
}

func (self *ConnectionManager) State() *ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stateSnapshot()
}

// Welcome returns the handshake result of the active connection, or nil when
// not connected.
func (self *ConnectionManager) Welcome() *WelcomeResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.transport == nil {
		return nil
	}
	return self.transport.Welcome()
}

// ConnectedEpoch counts connection generations. Every dial and every teardown
// advances it, so two reads spanning a reconnect never compare equal.
func (self *ConnectionManager) ConnectedEpoch() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.epoch
}

// must be called with the state lock held
func (self *ConnectionManager) stateSnapshot() *ConnectionState {
	resumePending := false
	if self.autoConnect {
		switch self.phase {
		case ConnectionPhaseConnecting, ConnectionPhaseDisconnected:
			resumePending = true
		case ConnectionPhaseError:
			resumePending = self.retryPending || self.cooldownTimer != nil
		}
	}
	return &ConnectionState{
		Phase:         self.phase,
		Attempt:       self.attempt,
		Reconnecting:  self.everConnected && self.phase != ConnectionPhaseConnected,
		ResumePending: resumePending,
		SessionId:     self.sessionId,
		UserId:        self.userId,
		DisplayName:   self.displayName,
		CodecName:     self.codecs[self.codecIndex].Name(),
		DownSince:     self.downSince,
		LastErr:       self.lastErr,
	}
}

func (self *ConnectionManager) AddStateChangeCallback(stateChangeCallback func(*ConnectionState)) func() {
	callbackId := self.stateCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// Subscribe to inbound frames for one event. The returned function removes
// the subscription. Subscriptions survive reconnects.
func (self *ConnectionManager) SubscribeFrame(event string, frameCallback func(*TransportFrame)) func() {
	var callbacks *CallbackList[func(*TransportFrame)]
	func() {
		self.subscriptionsLock.Lock()
		defer self.subscriptionsLock.Unlock()
		var ok bool
		callbacks, ok = self.subscriptions[event]
		if !ok {
			callbacks = NewCallbackList[func(*TransportFrame)]()
			self.subscriptions[event] = callbacks
		}
	}()
	callbackId := callbacks.Add(frameCallback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// Emit sends one frame on the active transport.
func (self *ConnectionManager) Emit(event string, payload any) error {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()
	if transport == nil {
		return errors.New("Not connected.")
	}
	return transport.Emit(event, payload)
}

func (self *ConnectionManager) Close() {
	self.cancel()
	var transport *WebSocketTransport
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.autoConnect = false
		self.epoch += 1
		transport = self.transport
		self.transport = nil
		self.stopTimers()
		self.phase = ConnectionPhaseDisconnected
	}()
	if transport != nil {
		transport.Close()
	}
}

func (self *ConnectionManager) requestConnect(trigger connectTrigger) {
	drop := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.settings.serviceRequired() {
			drop = true
			return
		}
		switch self.phase {
		case ConnectionPhaseConnected, ConnectionPhaseConnecting:
			drop = true
			return
		case ConnectionPhaseError:
			// the backoff retry and the elapsed cooldown arrive as
			// scheduled triggers. Health and visibility never jump a wait.
			switch trigger {
			case connectTriggerManual, connectTriggerForce, connectTriggerScheduled:
			default:
				drop = true
				return
			}
		}
		if trigger.rateLimited() {
			if !self.lastConnectStart.IsZero() && time.Since(self.lastConnectStart) < self.settings.MinConnectInterval {
				glog.V(1).Infof("[m]drop %s (min interval)\n", trigger)
				drop = true
				return
			}
		}
		if trigger == connectTriggerManual || trigger == connectTriggerForce {
			// unpark and start a fresh budget window
			self.stopTimers()
			self.attempt = 0
			if self.phase == ConnectionPhaseError {
				self.phase = ConnectionPhaseDisconnected
			}
		}
	}()
	if drop {
		return
	}
	select {
	case self.connectRequests <- trigger:
	default:
		// an attempt is already queued
	}
}

func (self *ConnectionManager) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case trigger := <-self.connectRequests:
			self.runConnectAttempt(trigger)
		}
	}
}

func (self *ConnectionManager) runConnectAttempt(trigger connectTrigger) {
	var codec WireCodec
	var epoch int
	start := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.phase == ConnectionPhaseConnected || self.phase == ConnectionPhaseConnecting {
			return
		}
		if self.phase == ConnectionPhaseError {
			switch trigger {
			case connectTriggerManual, connectTriggerForce, connectTriggerScheduled:
			default:
				return
			}
		}
		// a disconnect wins over any queued trigger, including manual
		if !self.autoConnect {
			return
		}
		self.epoch += 1
		epoch = self.epoch
		self.phase = ConnectionPhaseConnecting
		self.lastConnectStart = time.Now()
		codec = self.codecs[self.codecIndex]
		start = true
	}()
	if !start {
		return
	}

	glog.V(1).Infof("[m]connecting trigger=%s codec=%s\n", trigger, codec.Name())
	self.fireState()

	transport := NewWebSocketTransport(
		self.ctx,
		self.connectUrl,
		self.auth,
		codec,
		func(frame *TransportFrame) {
			self.dispatchFrame(epoch, frame)
		},
		func(reason *CloseReason) {
			self.handleTransportClose(epoch, reason)
		},
		self.settings,
	)
	if err := transport.Connect(self.ctx); err != nil {
		transport.Close()
		self.handleConnectFailure(epoch, err)
		return
	}

	stale := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.epoch != epoch {
			// superseded by a disconnect or force reconnect during the dial
			stale = true
			return
		}
		welcome := transport.Welcome()
		self.transport = transport
		self.phase = ConnectionPhaseConnected
		self.attempt = 0
		self.everConnected = true
		self.downSince = time.Time{}
		self.lastErr = nil
		self.sessionId = welcome.SessionId
		self.userId = welcome.UserId
		self.displayName = welcome.DisplayName
	}()
	if stale {
		transport.Close()
		return
	}

	glog.Infof("[m]connected session=%s user=%s\n", transport.Welcome().SessionId, transport.Welcome().UserId)
	self.fireState()
}

func (self *ConnectionManager) handleConnectFailure(epoch int, err error) {
	fire := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.epoch != epoch {
			return
		}
		fire = true
		self.lastErr = err
		if self.downSince.IsZero() {
			self.downSince = time.Now()
		}
		// a failed attempt waits in the error phase. What varies is what is
		// scheduled next: an immediate retry, a backoff retry, a cooldown, or
		// nothing at all.
		self.phase = ConnectionPhaseError

		var protocolErr *ProtocolError
		if errors.As(err, &protocolErr) {
			if protocolErr.IsEncodingRejection() && self.codecIndex+1 < len(self.codecs) {
				self.codecIndex += 1
				glog.Infof("[m]downgrade codec to %s\n", self.codecs[self.codecIndex].Name())
				self.scheduleRetry(0)
			} else {
				// rejected, not unreachable. retrying will not help.
				glog.Infof("[m]parked = %s\n", err)
			}
			return
		}

		self.attempt += 1
		if self.settings.MaxConnectAttempts <= self.attempt {
			self.startCooldown()
			glog.Infof("[m]attempt budget exhausted (%d), cooldown %s\n", self.attempt, self.settings.AttemptCooldown)
		} else {
			delay := self.retryDelay()
			glog.V(1).Infof("[m]attempt %d failed, retry in %s\n", self.attempt, delay)
			self.scheduleRetry(delay)
		}
	}()
	if fire {
		self.fireState()
	}
}

func (self *ConnectionManager) handleTransportClose(epoch int, reason *CloseReason) {
	fire := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.epoch != epoch {
			return
		}
		fire = true
		self.transport = nil
		self.downSince = time.Now()
		self.lastErr = reason.Err

		if reason.ClientInitiated {
			self.phase = ConnectionPhaseDisconnected
			return
		}
		if reason.IsProtocolError() {
			if reason.IsEncodingRejection() && self.codecIndex+1 < len(self.codecs) {
				self.codecIndex += 1
				self.phase = ConnectionPhaseDisconnected
				glog.Infof("[m]downgrade codec to %s\n", self.codecs[self.codecIndex].Name())
				self.scheduleRetry(0)
			} else {
				self.phase = ConnectionPhaseError
				glog.Infof("[m]parked, close code=%d\n", reason.Code)
			}
			return
		}

		// an unexpected drop starts a fresh budget window
		self.phase = ConnectionPhaseDisconnected
		self.attempt = 0
		if self.autoConnect {
			delay := self.retryDelay()
			glog.V(1).Infof("[m]connection dropped, retry in %s\n", delay)
			self.scheduleRetry(delay)
		}
	}()
	if fire {
		self.fireState()
	}
}

// must be called with the state lock held
func (self *ConnectionManager) scheduleRetry(delay time.Duration) {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
	}
	self.retryPending = true
	self.reconnectTimer = time.AfterFunc(delay, func() {
		self.stateLock.Lock()
		self.retryPending = false
		self.stateLock.Unlock()
		self.requestConnect(connectTriggerScheduled)
	})
}

// must be called with the state lock held
func (self *ConnectionManager) startCooldown() {
	if self.cooldownTimer != nil {
		self.cooldownTimer.Stop()
	}
	self.cooldownTimer = time.AfterFunc(self.settings.AttemptCooldown, func() {
		proceed := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.cooldownTimer = nil
			if self.phase != ConnectionPhaseError || !self.autoConnect {
				return
			}
			self.attempt = 0
			proceed = true
		}()
		if proceed {
			glog.V(1).Infof("[m]cooldown elapsed\n")
			self.requestConnect(connectTriggerScheduled)
		}
	})
}

// must be called with the state lock held
func (self *ConnectionManager) stopTimers() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	self.retryPending = false
	if self.cooldownTimer != nil {
		self.cooldownTimer.Stop()
		self.cooldownTimer = nil
	}
}

// must be called with the state lock held. The delay doubles per failed
// attempt up to the ceiling, and the upper half is randomized so that a fleet
// of clients does not stampede the endpoint after an outage. Doubling stops
// at the ceiling instead of shifting by the raw attempt count, which would
// overflow under a large attempt budget.
func (self *ConnectionManager) retryDelay() time.Duration {
	shift := self.attempt - 1
	if shift < 0 {
		shift = 0
	}
	backoff := self.settings.BackoffFloor
	for i := 0; i < shift && backoff < self.settings.BackoffCeiling; i += 1 {
		backoff *= 2
	}
	if self.settings.BackoffCeiling < backoff {
		backoff = self.settings.BackoffCeiling
	}
	half := backoff / 2
	delay := half
	if 0 < half {
		delay += time.Duration(rand.Int63n(int64(half)))
	}
	return delay
}

func (self *ConnectionManager) fireState() {
	self.stateLock.Lock()
	state := self.stateSnapshot()
	self.stateLock.Unlock()
	for _, stateChangeCallback := range self.stateCallbacks.Get() {
		stateChangeCallback(state)
	}
}

func (self *ConnectionManager) dispatchFrame(epoch int, frame *TransportFrame) {
	self.stateLock.Lock()
	current := self.epoch == epoch
	self.stateLock.Unlock()
	if !current {
		return
	}

	self.subscriptionsLock.Lock()
	callbacks := self.subscriptions[frame.Event]
	self.subscriptionsLock.Unlock()
	if callbacks == nil {
		glog.V(2).Infof("[m]unhandled %s<-\n", frame.Event)
		return
	}
	for _, frameCallback := range callbacks.Get() {
		frameCallback(frame)
	}
}

func (self *ConnectionManager) healthLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HealthCheckInterval):
		}

		var staleTransport *WebSocketTransport
		needsConnect := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if !self.autoConnect || !self.visible {
				return
			}
			switch self.phase {
			case ConnectionPhaseConnected:
				if self.transport == nil || !self.transport.IsOpen() {
					// the close event was lost. recover.
					staleTransport = self.transport
					self.transport = nil
					self.epoch += 1
					self.phase = ConnectionPhaseDisconnected
					self.downSince = time.Now()
					needsConnect = true
				}
			case ConnectionPhaseDisconnected:
				if !self.retryPending {
					needsConnect = true
				}
			}
		}()
		if staleTransport != nil {
			staleTransport.Close()
			self.fireState()
		}
		if needsConnect {
			glog.V(1).Infof("[m]health check reconnect\n")
			self.requestConnect(connectTriggerHealth)
		}
	}
}

// SubscribeFramePayload decodes each frame for `event` into P before invoking
// the callback. Frames that fail to decode are logged and dropped.
func SubscribeFramePayload[P any](
	manager *ConnectionManager,
	event string,
	payloadCallback func(*P),
) func() {
	return manager.SubscribeFrame(event, func(frame *TransportFrame) {
		payload := new(P)
		if err := frame.Codec.DecodePayload(frame.EncodedPayload, payload); err != nil {
			glog.Infof("[m]%s decode error = %s\n", event, err)
			return
		}
		payloadCallback(payload)
	})
}
