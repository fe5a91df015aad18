package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportSendBufferSize = 8

type ClientAuth struct {
	Token      string
	InstanceId Id
	AppVersion string
}

// A protocol error is a rejection by the remote end. Retrying the same
// request will not change the outcome, so the connection manager parks
// instead of reconnecting.
type ProtocolError struct {
	Code    int
	Message string
}

func (self *ProtocolError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("Protocol error (%d).", self.Code)
	}
	return fmt.Sprintf("Protocol error (%d): %s", self.Code, self.Message)
}

// Encoding rejections are not terminal. The manager downgrades the codec and
// reconnects.
func (self *ProtocolError) IsEncodingRejection() bool {
	return self.Code == TransportErrorCodeEncoding ||
		self.Code == websocket.CloseUnsupportedData
}

func isProtocolCloseCode(code int) bool {
	switch code {
	case websocket.CloseProtocolError,
		websocket.CloseUnsupportedData,
		websocket.ClosePolicyViolation:
		return true
	default:
		// 40xx-44xx are rejections. 45xx are transient server faults and
		// stay on the reconnect path.
		return 4000 <= code && code < 4500
	}
}

type TransportFrame struct {
	Event          string
	EncodedPayload []byte
	Codec          WireCodec
}

type CloseReason struct {
	ClientInitiated bool
	Code            int
	Err             error
}

func (self *CloseReason) IsEncodingRejection() bool {
	return self.Code == TransportErrorCodeEncoding ||
		self.Code == websocket.CloseUnsupportedData
}

func (self *CloseReason) IsProtocolError() bool {
	if self.ClientInitiated {
		return false
	}
	if isProtocolCloseCode(self.Code) {
		return true
	}
	var protocolErr *ProtocolError
	return errors.As(self.Err, &protocolErr)
}

type sendFrame struct {
	messageType int
	message     []byte
	event       string
}

// A web socket transport is one connection session: dial, hello/welcome
// handshake, then framed traffic until either end closes. Reconnecting is
// not this layer's job.
type WebSocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	auth       *ClientAuth
	codec      WireCodec

	receiveCallback func(frame *TransportFrame)
	closeCallback   func(reason *CloseReason)

	settings *ClientSettings

	send chan *sendFrame

	stateLock      sync.Mutex
	ws             *websocket.Conn
	welcome        *WelcomeResult
	open           bool
	closeDelivered bool
	clientClosed   bool
	readErr        error
	remoteError    *TransportErrorResult
}

func NewWebSocketTransport(
	ctx context.Context,
	connectUrl string,
	auth *ClientAuth,
	codec WireCodec,
	receiveCallback func(frame *TransportFrame),
	closeCallback func(reason *CloseReason),
	settings *ClientSettings,
) *WebSocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebSocketTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		connectUrl:      connectUrl,
		auth:            auth,
		codec:           codec,
		receiveCallback: receiveCallback,
		closeCallback:   closeCallback,
		settings:        settings,
		send:            make(chan *sendFrame, TransportSendBufferSize),
	}
}

// Dials, authenticates, and starts the send/receive pumps. Blocks until the
// welcome is received or the attempt fails.
func (self *WebSocketTransport) Connect(ctx context.Context) error {
	connect := func() (*websocket.Conn, *WelcomeResult, error) {
		dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
		defer dialCancel()

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.HandshakeTimeout,
		}
		ws, response, err := dialer.DialContext(dialCtx, self.connectUrl, nil)
		if err != nil {
			if errors.Is(err, websocket.ErrBadHandshake) && response != nil {
				if http.StatusBadRequest <= response.StatusCode && response.StatusCode < http.StatusInternalServerError {
					// the endpoint understood us and said no
					return nil, nil, &ProtocolError{
						Code:    response.StatusCode,
						Message: response.Status,
					}
				}
			}
			return nil, nil, err
		}

		success := false
		defer func() {
			if !success {
				ws.Close()
			}
		}()

		helloBytes, err := self.codec.EncodeFrame(EventHello, &HelloArgs{
			Token:      self.auth.Token,
			InstanceId: self.auth.InstanceId,
			AppVersion: self.auth.AppVersion,
		})
		if err != nil {
			return nil, nil, err
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
		if err := ws.WriteMessage(self.codec.MessageType(), helloBytes); err != nil {
			return nil, nil, err
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok && isProtocolCloseCode(closeErr.Code) {
				return nil, nil, &ProtocolError{
					Code:    closeErr.Code,
					Message: closeErr.Text,
				}
			}
			return nil, nil, err
		}
		replyCodec := CodecForMessageType(messageType)
		if replyCodec == nil {
			return nil, nil, fmt.Errorf("Welcome response error: unexpected message type %d.", messageType)
		}
		event, encodedPayload, err := replyCodec.DecodeFrame(message)
		if err != nil {
			return nil, nil, err
		}
		switch event {
		case EventWelcome:
			var welcome WelcomeResult
			if err := replyCodec.DecodePayload(encodedPayload, &welcome); err != nil {
				return nil, nil, err
			}
			success = true
			return ws, &welcome, nil
		case EventTransportError:
			var transportError TransportErrorResult
			if err := replyCodec.DecodePayload(encodedPayload, &transportError); err != nil {
				return nil, nil, err
			}
			return nil, nil, &ProtocolError{
				Code:    transportError.Code,
				Message: transportError.Message,
			}
		default:
			return nil, nil, fmt.Errorf("Welcome response error: unexpected event %s.", event)
		}
	}

	var ws *websocket.Conn
	var welcome *WelcomeResult
	var err error
	if glog.V(2) {
		glog.Infof("[t]connect %s %s\n", self.auth.InstanceId, self.codec.Name())
	}
	ws, welcome, err = connect()
	if err != nil {
		glog.Infof("[t]connect error %s = %s\n", self.auth.InstanceId, err)
		return err
	}

	self.stateLock.Lock()
	self.ws = ws
	self.welcome = welcome
	self.open = true
	self.stateLock.Unlock()

	go self.run(ws)

	glog.V(1).Infof("[t]open %s session=%s\n", self.auth.InstanceId, welcome.SessionId)
	return nil
}

func (self *WebSocketTransport) run(ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(frame.messageType, frame.message); err != nil {
					// a write deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", frame.event, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", frame.event)
			case <-time.After(self.settings.PingInterval):
				pingBytes, err := self.codec.EncodeFrame(EventPing, &PingArgs{
					ClientTime: time.Now().UTC(),
				})
				if err != nil {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(self.codec.MessageType(), pingBytes); err != nil {
					return
				}
				glog.V(2).Infof("[ts]ping->\n")
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[tr]<- error = %s\n", err)
				self.stateLock.Lock()
				self.readErr = err
				self.stateLock.Unlock()
				return
			}

			codec := CodecForMessageType(messageType)
			if codec == nil {
				glog.V(2).Infof("[tr]other=%d<-\n", messageType)
				continue
			}
			event, encodedPayload, err := codec.DecodeFrame(message)
			if err != nil {
				glog.Infof("[tr]decode error = %s\n", err)
				continue
			}
			glog.V(2).Infof("[tr]%s<-\n", event)

			switch event {
			case EventPong, EventPing:
				// the read deadline was already pushed out by this read
				continue
			case EventTransportError:
				// an auth or encoding rejection announces a close. Keep the
				// code so the close that follows is attributed even when the
				// close frame races or carries no code. Request-scoped codes
				// are not retained, the session outlives those.
				var transportError TransportErrorResult
				if err := codec.DecodePayload(encodedPayload, &transportError); err == nil {
					switch transportError.Code {
					case TransportErrorCodeAuth, TransportErrorCodeEncoding:
						self.stateLock.Lock()
						self.remoteError = &transportError
						self.stateLock.Unlock()
					}
				}
			}

			if self.receiveCallback != nil {
				self.receiveCallback(&TransportFrame{
					Event:          event,
					EncodedPayload: encodedPayload,
					Codec:          codec,
				})
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
	ws.Close()
	self.deliverClose()
}

func (self *WebSocketTransport) deliverClose() {
	var reason *CloseReason
	self.stateLock.Lock()
	if !self.closeDelivered {
		self.closeDelivered = true
		self.open = false
		reason = &CloseReason{
			ClientInitiated: self.clientClosed,
			Err:             self.readErr,
		}
		// an abrupt drop surfaces as 1006 and a missing close frame as 1005.
		// Neither says anything about why the session ended, so a retained
		// rejection code wins over them.
		closeErr, hasCloseCode := self.readErr.(*websocket.CloseError)
		if hasCloseCode &&
			closeErr.Code != websocket.CloseNoStatusReceived &&
			closeErr.Code != websocket.CloseAbnormalClosure {
			reason.Code = closeErr.Code
		} else if self.remoteError != nil {
			reason.Code = self.remoteError.Code
		} else if hasCloseCode {
			reason.Code = closeErr.Code
		}
	}
	self.stateLock.Unlock()

	if reason != nil {
		glog.V(1).Infof("[t]closed clientInitiated=%t code=%d\n", reason.ClientInitiated, reason.Code)
		if self.closeCallback != nil {
			self.closeCallback(reason)
		}
	}
}

func (self *WebSocketTransport) Emit(event string, payload any) error {
	self.stateLock.Lock()
	open := self.open
	self.stateLock.Unlock()
	if !open {
		return fmt.Errorf("Transport is not open.")
	}

	message, err := self.codec.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	frame := &sendFrame{
		messageType: self.codec.MessageType(),
		message:     message,
		event:       event,
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("Transport is closed.")
	case self.send <- frame:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("Send queue is full.")
	}
}

func (self *WebSocketTransport) Welcome() *WelcomeResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.welcome
}

func (self *WebSocketTransport) CodecName() string {
	return self.codec.Name()
}

func (self *WebSocketTransport) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.open
}

func (self *WebSocketTransport) Close() {
	self.stateLock.Lock()
	self.clientClosed = true
	self.stateLock.Unlock()
	self.cancel()
}
