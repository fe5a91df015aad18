package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/slices"
)

// An in-process collab endpoint for client tests. The zero behavior accepts
// any token, acks room requests, replies to roster requests with the users
// joined to that project, and fans entity updates out to every session in the
// sender's project, the sender included. Claimed timestamps are kept as-is so
// tests control the stamps they assert on.
type stubServer struct {
	t *testing.T

	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	stateLock          sync.Mutex
	refuseUpgrades     int
	rejectBinaryFrames bool
	rejectTokens       map[string]bool
	denyJoins          bool
	welcomeDelay       time.Duration
	helloCount         int
	conns              []*stubConn
	roomUsers          map[Id][]User
	resyncRecords      []*EntityUpdateResult
	framesLog          []*stubFrame

	received  chan *stubFrame
	connected chan *stubConn
}

type stubFrame struct {
	conn           *stubConn
	event          string
	encodedPayload []byte
	codec          WireCodec
}

func (self *stubFrame) decode(t *testing.T, payload any) {
	t.Helper()
	if err := self.codec.DecodePayload(self.encodedPayload, payload); err != nil {
		t.Fatalf("decode %s payload = %s", self.event, err)
	}
}

type stubConn struct {
	server *stubServer
	ws     *websocket.Conn
	codec  WireCodec

	sessionId   Id
	userId      Id
	displayName string

	stateLock sync.Mutex
	projectId Id

	writeLock sync.Mutex
}

func newStubServer(t *testing.T) *stubServer {
	server := &stubServer{
		t:            t,
		rejectTokens: map[string]bool{},
		roomUsers:    map[Id][]User{},
		received:     make(chan *stubFrame, 256),
		connected:    make(chan *stubConn, 16),
	}
	server.httpServer = httptest.NewServer(http.HandlerFunc(server.handleWs))
	return server
}

func (self *stubServer) connectUrl() string {
	return "ws" + strings.TrimPrefix(self.httpServer.URL, "http")
}

func (self *stubServer) close() {
	self.stateLock.Lock()
	conns := slices.Clone(self.conns)
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
	self.httpServer.Close()
}

func (self *stubServer) refuseNext(count int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.refuseUpgrades = count
}

func (self *stubServer) setRejectBinaryFrames(rejectBinaryFrames bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.rejectBinaryFrames = rejectBinaryFrames
}

func (self *stubServer) setRejectToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.rejectTokens[token] = true
}

func (self *stubServer) clearRejectTokens() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.rejectTokens = map[string]bool{}
}

func (self *stubServer) setDenyJoins(denyJoins bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.denyJoins = denyJoins
}

func (self *stubServer) setWelcomeDelay(welcomeDelay time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.welcomeDelay = welcomeDelay
}

// setRoomUsers adds users to the roster reply for a project beyond the
// connected sessions, standing in for sessions on other server instances.
func (self *stubServer) setRoomUsers(projectId Id, users []User) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.roomUsers[projectId] = slices.Clone(users)
}

func (self *stubServer) setResyncRecords(records []*EntityUpdateResult) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.resyncRecords = slices.Clone(records)
}

func (self *stubServer) helloTotal() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.helloCount
}

func (self *stubServer) countFrames(event string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	count := 0
	for _, frame := range self.framesLog {
		if frame.event == event {
			count += 1
		}
	}
	return count
}

func (self *stubServer) handleWs(w http.ResponseWriter, r *http.Request) {
	refuse := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if 0 < self.refuseUpgrades {
			self.refuseUpgrades -= 1
			refuse = true
		}
	}()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	codec := CodecForMessageType(messageType)
	if codec == nil {
		return
	}

	var rejectBinary bool
	var rejectTokens map[string]bool
	var welcomeDelay time.Duration
	var connCount int
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.helloCount += 1
		rejectBinary = self.rejectBinaryFrames
		rejectTokens = self.rejectTokens
		welcomeDelay = self.welcomeDelay
		connCount = self.helloCount
	}()

	if rejectBinary && messageType == websocket.BinaryMessage {
		self.rejectWith(ws, NewJsonWireCodec(), TransportErrorCodeEncoding, "Binary frames are not accepted here.")
		return
	}

	event, encodedPayload, err := codec.DecodeFrame(message)
	if err != nil || event != EventHello {
		return
	}
	var hello HelloArgs
	if err := codec.DecodePayload(encodedPayload, &hello); err != nil {
		return
	}
	if rejectTokens[hello.Token] {
		self.rejectWith(ws, codec, TransportErrorCodeAuth, "Token rejected.")
		return
	}

	if 0 < welcomeDelay {
		time.Sleep(welcomeDelay)
	}

	conn := &stubConn{
		server:      self,
		ws:          ws,
		codec:       codec,
		sessionId:   NewId(),
		userId:      NewId(),
		displayName: fmt.Sprintf("stub user %d", connCount),
	}
	if err := conn.send(EventWelcome, &WelcomeResult{
		SessionId:   conn.sessionId,
		UserId:      conn.userId,
		DisplayName: conn.displayName,
		ServerTime:  time.Now().UTC(),
	}); err != nil {
		return
	}

	self.stateLock.Lock()
	self.conns = append(self.conns, conn)
	self.stateLock.Unlock()
	select {
	case self.connected <- conn:
	default:
	}

	self.runConn(conn)
}

func (self *stubServer) rejectWith(ws *websocket.Conn, codec WireCodec, code int, message string) {
	if frame, err := codec.EncodeFrame(EventTransportError, &TransportErrorResult{
		Code:    code,
		Message: message,
	}); err == nil {
		ws.SetWriteDeadline(time.Now().Add(time.Second))
		ws.WriteMessage(codec.MessageType(), frame)
	}
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
}

func (self *stubServer) runConn(conn *stubConn) {
	defer func() {
		self.stateLock.Lock()
		if i := slices.Index(self.conns, conn); 0 <= i {
			self.conns = slices.Delete(self.conns, i, i+1)
		}
		self.stateLock.Unlock()
	}()

	for {
		conn.ws.SetReadDeadline(time.Now().Add(30 * time.Second))
		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		codec := CodecForMessageType(messageType)
		if codec == nil {
			continue
		}
		event, encodedPayload, err := codec.DecodeFrame(message)
		if err != nil {
			continue
		}

		frame := &stubFrame{
			conn:           conn,
			event:          event,
			encodedPayload: encodedPayload,
			codec:          codec,
		}
		self.stateLock.Lock()
		self.framesLog = append(self.framesLog, frame)
		self.stateLock.Unlock()
		select {
		case self.received <- frame:
		default:
		}

		self.autoRespond(conn, codec, event, encodedPayload)
	}
}

func (self *stubServer) autoRespond(conn *stubConn, codec WireCodec, event string, encodedPayload []byte) {
	switch event {
	case EventPing:
		conn.send(EventPong, &PongResult{
			ServerTime: time.Now().UTC(),
		})
	case EventJoinRoom:
		var args JoinRoomArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			return
		}
		self.stateLock.Lock()
		denyJoins := self.denyJoins
		self.stateLock.Unlock()
		if denyJoins {
			conn.send(EventTransportError, &TransportErrorResult{
				Code:    TransportErrorCodeForbidden,
				Message: "No access to that project.",
			})
			return
		}
		conn.stateLock.Lock()
		conn.projectId = args.ProjectId
		conn.stateLock.Unlock()
		conn.send(EventJoinedRoom, &JoinedRoomResult{
			ProjectId:  args.ProjectId,
			ServerTime: time.Now().UTC(),
		})
	case EventLeaveRoom:
		var args LeaveRoomArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			return
		}
		conn.stateLock.Lock()
		conn.projectId = Id{}
		conn.stateLock.Unlock()
		conn.send(EventLeftRoom, &LeftRoomResult{
			ProjectId: args.ProjectId,
		})
	case EventRequestRoster:
		var args RequestRosterArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			return
		}
		conn.send(EventRoster, &RosterResult{
			ProjectId: args.ProjectId,
			Users:     self.rosterFor(args.ProjectId),
		})
	case EventEntityUpdate:
		var args EntityUpdateArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			return
		}
		stampAt := args.ModifiedAt
		if stampAt.IsZero() {
			stampAt = time.Now().UTC()
		}
		result := &EntityUpdateResult{
			EntityKind:   args.EntityKind,
			EntityId:     args.EntityId,
			Operation:    args.Operation,
			Payload:      args.Payload,
			OriginUserId: conn.userId,
			ModifiedAt:   stampAt,
		}
		for _, target := range self.roomConns(conn) {
			target.send(EventEntityUpdate, result)
		}
	case EventResync:
		var args ResyncArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			return
		}
		self.stateLock.Lock()
		records := slices.Clone(self.resyncRecords)
		self.stateLock.Unlock()
		for _, record := range records {
			if record.ModifiedAt.After(args.Since) {
				conn.send(EventEntityUpdate, record)
			}
		}
		conn.send(EventSyncComplete, &SyncCompleteResult{
			ProjectId:  args.ProjectId,
			ServerTime: time.Now().UTC(),
		})
	}
}

func (self *stubServer) rosterFor(projectId Id) []User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	users := []User{}
	for _, conn := range self.conns {
		conn.stateLock.Lock()
		inRoom := conn.projectId == projectId
		conn.stateLock.Unlock()
		if inRoom {
			users = append(users, User{
				UserId:      conn.userId,
				DisplayName: conn.displayName,
			})
		}
	}
	users = append(users, self.roomUsers[projectId]...)
	return users
}

// roomConns returns the sender's fan-out targets: every session in the
// sender's project, the sender included. A sender outside any project only
// hears its own echo.
func (self *stubServer) roomConns(conn *stubConn) []*stubConn {
	conn.stateLock.Lock()
	projectId := conn.projectId
	conn.stateLock.Unlock()
	if projectId.IsZero() {
		return []*stubConn{conn}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	targets := []*stubConn{}
	for _, target := range self.conns {
		target.stateLock.Lock()
		inRoom := target.projectId == projectId
		target.stateLock.Unlock()
		if inRoom {
			targets = append(targets, target)
		}
	}
	return targets
}

func (self *stubConn) send(event string, payload any) error {
	message, err := self.codec.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return self.ws.WriteMessage(self.codec.MessageType(), message)
}

// drop closes the socket without a close frame, like a crashed server or a
// cut network path.
func (self *stubConn) drop() {
	self.ws.Close()
}

func (self *stubConn) closeWithCode(code int, message string) {
	deadline := time.Now().Add(time.Second)
	self.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
	self.ws.Close()
}

// test timings. The health loop is pushed out so that connection tests
// observe only the transitions they drive.
func newTestClientSettings() *ClientSettings {
	settings := DefaultClientSettings(EnvironmentProfileDirect)
	settings.ConnectTimeout = 2 * time.Second
	settings.HandshakeTimeout = 2 * time.Second
	settings.AuthTimeout = 2 * time.Second
	settings.PingInterval = 200 * time.Millisecond
	settings.ReadTimeout = 5 * time.Second
	settings.WriteTimeout = 2 * time.Second
	settings.MinConnectInterval = 10 * time.Millisecond
	settings.BackoffFloor = 20 * time.Millisecond
	settings.BackoffCeiling = 80 * time.Millisecond
	settings.MaxConnectAttempts = 3
	settings.AttemptCooldown = 250 * time.Millisecond
	settings.HealthCheckInterval = time.Hour
	settings.VisibilityGrace = 50 * time.Millisecond
	settings.RosterSettleDelay = 30 * time.Millisecond
	settings.ResyncDelay = 30 * time.Millisecond
	settings.DebounceWindow = 20 * time.Millisecond
	settings.ConflictAutoResolveTimeout = 10 * time.Second
	return settings
}

func newTestClientAuth() *ClientAuth {
	return &ClientAuth{
		Token:      "token-ok",
		InstanceId: NewId(),
		AppVersion: "test 0.0.1",
	}
}

func awaitState(
	t *testing.T,
	manager *ConnectionManager,
	timeout time.Duration,
	predicate func(*ConnectionState) bool,
) *ConnectionState {
	t.Helper()
	end := time.Now().Add(timeout)
	for {
		state := manager.State()
		if predicate(state) {
			return state
		}
		if end.Before(time.Now()) {
			t.Fatalf("timeout waiting for state (phase=%s attempt=%d err=%v)", state.Phase, state.Attempt, state.LastErr)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func awaitPhase(t *testing.T, manager *ConnectionManager, phase ConnectionPhase, timeout time.Duration) *ConnectionState {
	t.Helper()
	return awaitState(t, manager, timeout, func(state *ConnectionState) bool {
		return state.Phase == phase
	})
}

// awaitFrame consumes received frames until one matches `event`. Frames for
// other events, pings included, are skipped.
func (self *stubServer) awaitFrame(t *testing.T, event string, timeout time.Duration) *stubFrame {
	t.Helper()
	end := time.Now().Add(timeout)
	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			t.Fatalf("timeout waiting for %s frame", event)
		}
		select {
		case frame := <-self.received:
			if frame.event == event {
				return frame
			}
		case <-time.After(remaining):
			t.Fatalf("timeout waiting for %s frame", event)
		}
	}
}

func (self *stubServer) awaitConn(t *testing.T, timeout time.Duration) *stubConn {
	t.Helper()
	select {
	case conn := <-self.connected:
		return conn
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for a connection")
		return nil
	}
}

func awaitMembership(
	t *testing.T,
	rooms *RoomManager,
	timeout time.Duration,
	predicate func(*RoomMembership) bool,
) *RoomMembership {
	t.Helper()
	end := time.Now().Add(timeout)
	for {
		membership := rooms.Membership()
		if predicate(membership) {
			return membership
		}
		if end.Before(time.Now()) {
			t.Fatalf("timeout waiting for membership")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// joinForTest stands up a connected client joined to a fresh project room.
// The caller owns the client and must close it.
func joinForTest(
	t *testing.T,
	ctx context.Context,
	server *stubServer,
	settings *ClientSettings,
) (*Client, *stubConn, Id) {
	t.Helper()
	timeout := 30 * time.Second

	client := NewClient(ctx, server.connectUrl(), newTestClientAuth(), settings)
	client.Connect()
	awaitPhase(t, client.ConnectionManager(), ConnectionPhaseConnected, timeout)
	conn := server.awaitConn(t, timeout)

	projectId := NewId()
	if err := client.JoinRoom(projectId); err != nil {
		t.Fatalf("join = %s", err)
	}
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && membership.ProjectId == projectId
	})
	return client, conn, projectId
}
