package collabserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/tempoplan/collab/collab"
)

var (
	errSessionClosed         = errors.New("Session is closed.")
	errSendQueueFull         = errors.New("Send queue is full.")
	errUnexpectedMessageType = errors.New("Unexpected message type.")
	errEncodingRejected      = errors.New("Encoding was rejected.")
	errExpectedHello         = errors.New("Expected hello.")
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// sessions are token authenticated, the page origin is not part of the
	// trust model
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type sessionFrame struct {
	event   string
	payload any
}

type presencePush struct {
	target  *serverSession
	event   string
	payload any
}

// One authenticated websocket session. Outbound frames go through the send
// pump and are encoded with the codec of the client's most recent inbound
// frame. `projectId` is room membership and is guarded by the server state
// lock, not the session lock.
type serverSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings

	ws *websocket.Conn

	sessionId   collab.Id
	userId      collab.Id
	displayName string
	avatarRef   string
	instanceId  collab.Id

	send chan *sessionFrame

	// guarded by the server state lock
	projectId collab.Id

	stateLock sync.Mutex
	codec     collab.WireCodec
}

func newServerSession(
	server *Server,
	ws *websocket.Conn,
	codec collab.WireCodec,
	claims *ConnectClaims,
	instanceId collab.Id,
) *serverSession {
	cancelCtx, cancel := context.WithCancel(server.ctx)
	return &serverSession{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    server.settings,
		ws:          ws,
		sessionId:   collab.NewId(),
		userId:      claims.UserId,
		displayName: claims.DisplayName,
		avatarRef:   claims.AvatarRef,
		instanceId:  instanceId,
		send:        make(chan *sessionFrame, SessionSendBufferSize),
		codec:       codec,
	}
}

func (self *serverSession) currentCodec() collab.WireCodec {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.codec
}

func (self *serverSession) noteCodec(codec collab.WireCodec) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.codec = codec
}

// reply queues a frame for this session's own request. Blocks until buffered.
func (self *serverSession) reply(event string, payload any) error {
	frame := &sessionFrame{
		event:   event,
		payload: payload,
	}
	select {
	case <-self.ctx.Done():
		return errSessionClosed
	case self.send <- frame:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		glog.V(1).Infof("[ss]%s-> send queue full for %s\n", event, self.sessionId)
		return errSendQueueFull
	}
}

func (self *serverSession) replyError(code int, message string) {
	self.reply(collab.EventTransportError, &collab.TransportErrorResult{
		Code:    code,
		Message: message,
	})
}

// queue is for frames pushed on behalf of other sessions. It never blocks: a
// session that cannot drain its buffer is dropped so one slow reader cannot
// stall a room.
func (self *serverSession) queue(event string, payload any) {
	frame := &sessionFrame{
		event:   event,
		payload: payload,
	}
	select {
	case self.send <- frame:
	default:
		glog.Infof("[ss]%s-> buffer full, dropping session %s\n", event, self.sessionId)
		self.cancel()
	}
}

// The collab endpoint. Sessions authenticate with a hello frame carrying a
// token minted by `TokenAuthority`, then join one project room at a time and
// exchange entity updates with the other sessions in it. The server is the
// stamp authority: it sets `originUserId` and validates `modifiedAt` on every
// update before fan-out.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings  *ServerSettings
	tokens    *TokenAuthority
	store     EntityStore
	metrics   *Metrics
	validator *frameValidator

	stateLock       sync.Mutex
	accessCheck     func(userId collab.Id, projectId collab.Id) bool
	credentialCheck func(userAuth string, password string) (*ConnectClaims, error)
	sessions        map[collab.Id]*serverSession
	rooms           map[collab.Id]map[collab.Id]*serverSession
	lastStampAt     time.Time
}

func NewServerWithDefaults(ctx context.Context, secret []byte, store EntityStore) *Server {
	return NewServer(ctx, secret, store, DefaultServerSettings())
}

func NewServer(ctx context.Context, secret []byte, store EntityStore, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:       cancelCtx,
		cancel:    cancel,
		settings:  settings,
		tokens:    NewTokenAuthority(secret, settings.TokenTtl),
		store:     store,
		metrics:   NewMetrics(),
		validator: newFrameValidator(),
		sessions:  map[collab.Id]*serverSession{},
		rooms:     map[collab.Id]map[collab.Id]*serverSession{},
	}
}

// SetAccessCheck installs the project membership check. A nil check admits
// every authenticated user into every room.
func (self *Server) SetAccessCheck(accessCheck func(userId collab.Id, projectId collab.Id) bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.accessCheck = accessCheck
}

// SetCredentialCheck installs the login check behind `/auth/connect`. Without
// one the route rejects every request and tokens must be minted elsewhere.
func (self *Server) SetCredentialCheck(credentialCheck func(userAuth string, password string) (*ConnectClaims, error)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.credentialCheck = credentialCheck
}

func (self *Server) Tokens() *TokenAuthority {
	return self.tokens
}

func (self *Server) Metrics() *Metrics {
	return self.metrics
}

func (self *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", self.handleWs)
	mux.HandleFunc("/auth/connect", self.handleAuthConnect)
	mux.HandleFunc("/healthz", self.handleHealthz)
	mux.Handle("/metrics", self.metrics.Handler())
	return mux
}

func (self *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: self.Handler(),
	}
	go func() {
		select {
		case <-self.ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	glog.Infof("[s]listening on %s\n", addr)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[s]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	session, err := self.acceptSession(ws)
	if err != nil {
		glog.V(1).Infof("[s]session rejected = %s\n", err)
		return
	}
	self.runSession(session)
}

// acceptSession runs the hello/welcome handshake. The hello must arrive
// within the auth timeout in an encoding the profile accepts, carrying a
// verifiable token. Rejections send a transport-error frame and close with
// the same code so the client can attribute the failure either way.
func (self *Server) acceptSession(ws *websocket.Conn) (*serverSession, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	codec := collab.CodecForMessageType(messageType)
	if codec == nil {
		return nil, errUnexpectedMessageType
	}
	if self.settings.Profile == collab.EnvironmentProfileProxied && messageType == websocket.BinaryMessage {
		self.reject(ws, collab.NewJsonWireCodec(), collab.TransportErrorCodeEncoding, "This endpoint accepts text frames only.")
		return nil, errEncodingRejected
	}

	event, encodedPayload, err := codec.DecodeFrame(message)
	if err != nil {
		self.reject(ws, codec, collab.TransportErrorCodeBadRequest, "Malformed handshake.")
		return nil, err
	}
	if event != collab.EventHello {
		self.reject(ws, codec, collab.TransportErrorCodeBadRequest, "Expected hello.")
		return nil, errExpectedHello
	}
	var hello collab.HelloArgs
	if err := codec.DecodePayload(encodedPayload, &hello); err != nil {
		self.reject(ws, codec, collab.TransportErrorCodeBadRequest, "Malformed hello.")
		return nil, err
	}
	self.metrics.FramesReceived.WithLabelValues(collab.EventHello).Inc()

	claims, err := self.tokens.Verify(hello.Token)
	if err != nil {
		self.metrics.AuthFailures.Inc()
		self.reject(ws, codec, collab.TransportErrorCodeAuth, "Token was rejected.")
		return nil, err
	}

	session := newServerSession(self, ws, codec, claims, hello.InstanceId)

	welcomeBytes, err := codec.EncodeFrame(collab.EventWelcome, &collab.WelcomeResult{
		SessionId:   session.sessionId,
		UserId:      session.userId,
		DisplayName: session.displayName,
		ServerTime:  time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(codec.MessageType(), welcomeBytes); err != nil {
		return nil, err
	}
	self.metrics.FramesSent.WithLabelValues(collab.EventWelcome).Inc()

	self.stateLock.Lock()
	self.sessions[session.sessionId] = session
	self.stateLock.Unlock()
	self.metrics.SessionsConnected.Inc()

	glog.Infof("[s]session %s open user=%s instance=%s codec=%s\n", session.sessionId, session.userId, session.instanceId, codec.Name())
	return session, nil
}

// reject is only safe before the session pumps start.
func (self *Server) reject(ws *websocket.Conn, codec collab.WireCodec, code int, message string) {
	if errorBytes, err := codec.EncodeFrame(collab.EventTransportError, &collab.TransportErrorResult{
		Code:    code,
		Message: message,
	}); err == nil {
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		ws.WriteMessage(codec.MessageType(), errorBytes)
		self.metrics.FramesSent.WithLabelValues(collab.EventTransportError).Inc()
	}
	deadline := time.Now().Add(self.settings.WriteTimeout)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
}

func (self *Server) runSession(session *serverSession) {
	handleCtx, handleCancel := context.WithCancel(session.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-session.send:
				codec := session.currentCodec()
				message, err := codec.EncodeFrame(frame.event, frame.payload)
				if err != nil {
					glog.Infof("[ss]%s-> encode error = %s\n", frame.event, err)
					continue
				}
				session.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := session.ws.WriteMessage(codec.MessageType(), message); err != nil {
					glog.V(1).Infof("[ss]%s-> error = %s\n", frame.event, err)
					return
				}
				self.metrics.FramesSent.WithLabelValues(frame.event).Inc()
				glog.V(2).Infof("[ss]%s->\n", frame.event)
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

			session.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := session.ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[sr]session %s read error = %s\n", session.sessionId, err)
				return
			}

			codec := collab.CodecForMessageType(messageType)
			if codec == nil {
				continue
			}
			if self.settings.Profile == collab.EnvironmentProfileProxied && messageType == websocket.BinaryMessage {
				session.replyError(collab.TransportErrorCodeEncoding, "This endpoint accepts text frames only.")
				deadline := time.Now().Add(self.settings.WriteTimeout)
				session.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(collab.TransportErrorCodeEncoding, ""), deadline)
				return
			}
			event, encodedPayload, err := codec.DecodeFrame(message)
			if err != nil {
				glog.V(1).Infof("[sr]decode error = %s\n", err)
				session.replyError(collab.TransportErrorCodeBadRequest, "Malformed frame.")
				continue
			}
			session.noteCodec(codec)
			self.metrics.FramesReceived.WithLabelValues(event).Inc()
			glog.V(2).Infof("[sr]%s<-\n", event)

			self.dispatchSessionFrame(session, event, codec, encodedPayload)
		}
	}()

	select {
	case <-handleCtx.Done():
	}
	session.ws.Close()
	session.cancel()
	self.unregisterSession(session)
}

func (self *Server) unregisterSession(session *serverSession) {
	registered := false
	var pushes []*presencePush
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if _, ok := self.sessions[session.sessionId]; !ok {
			return
		}
		delete(self.sessions, session.sessionId)
		registered = true
		if !session.projectId.IsZero() {
			pushes = self.removeFromRoomLocked(session, session.projectId)
		}
	}()
	if !registered {
		return
	}
	self.metrics.SessionsConnected.Dec()
	for _, push := range pushes {
		push.target.queue(push.event, push.payload)
	}
	glog.Infof("[s]session %s closed\n", session.sessionId)
}

func (self *Server) dispatchSessionFrame(session *serverSession, event string, codec collab.WireCodec, encodedPayload []byte) {
	switch event {
	case collab.EventJoinRoom:
		var args collab.JoinRoomArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			session.replyError(collab.TransportErrorCodeBadRequest, "Malformed join-room payload.")
			return
		}
		self.handleJoinRoom(session, &args)
	case collab.EventLeaveRoom:
		var args collab.LeaveRoomArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			session.replyError(collab.TransportErrorCodeBadRequest, "Malformed leave-room payload.")
			return
		}
		self.handleLeaveRoom(session, &args)
	case collab.EventRequestRoster:
		var args collab.RequestRosterArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			session.replyError(collab.TransportErrorCodeBadRequest, "Malformed request-roster payload.")
			return
		}
		self.handleRequestRoster(session, &args)
	case collab.EventEntityUpdate:
		var args collab.EntityUpdateArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			session.replyError(collab.TransportErrorCodeBadRequest, "Malformed entity-update payload.")
			return
		}
		self.handleEntityUpdate(session, &args)
	case collab.EventResync:
		var args collab.ResyncArgs
		if err := codec.DecodePayload(encodedPayload, &args); err != nil {
			session.replyError(collab.TransportErrorCodeBadRequest, "Malformed resync payload.")
			return
		}
		self.handleResync(session, &args)
	case collab.EventPing:
		session.reply(collab.EventPong, &collab.PongResult{
			ServerTime: time.Now().UTC(),
		})
	default:
		glog.V(2).Infof("[sr]unhandled %s<-\n", event)
	}
}

func (self *Server) handleJoinRoom(session *serverSession, args *collab.JoinRoomArgs) {
	if args.ProjectId.IsZero() {
		session.replyError(collab.TransportErrorCodeBadRequest, "Project id is required.")
		return
	}
	self.stateLock.Lock()
	accessCheck := self.accessCheck
	self.stateLock.Unlock()
	if accessCheck != nil && !accessCheck(session.userId, args.ProjectId) {
		glog.V(1).Infof("[s]join %s denied for %s\n", args.ProjectId, session.userId)
		session.replyError(collab.TransportErrorCodeForbidden, "No access to this project.")
		return
	}

	var pushes []*presencePush
	var roster []collab.User
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if session.projectId != args.ProjectId {
			// joining while in another room is a switch
			if !session.projectId.IsZero() {
				pushes = append(pushes, self.removeFromRoomLocked(session, session.projectId)...)
			}
			pushes = append(pushes, self.addToRoomLocked(session, args.ProjectId)...)
		}
		roster = self.rosterLocked(args.ProjectId)
	}()

	session.reply(collab.EventJoinedRoom, &collab.JoinedRoomResult{
		ProjectId:  args.ProjectId,
		ServerTime: time.Now().UTC(),
	})
	session.reply(collab.EventRoster, &collab.RosterResult{
		ProjectId: args.ProjectId,
		Users:     roster,
	})
	for _, push := range pushes {
		push.target.queue(push.event, push.payload)
	}
	glog.Infof("[s]session %s joined %s\n", session.sessionId, args.ProjectId)
}

func (self *Server) handleLeaveRoom(session *serverSession, args *collab.LeaveRoomArgs) {
	if args.ProjectId.IsZero() {
		session.replyError(collab.TransportErrorCodeBadRequest, "Project id is required.")
		return
	}
	left := false
	var pushes []*presencePush
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if session.projectId == args.ProjectId {
			pushes = self.removeFromRoomLocked(session, args.ProjectId)
			left = true
		}
	}()
	// the ack is idempotent
	session.reply(collab.EventLeftRoom, &collab.LeftRoomResult{
		ProjectId: args.ProjectId,
	})
	for _, push := range pushes {
		push.target.queue(push.event, push.payload)
	}
	if left {
		glog.Infof("[s]session %s left %s\n", session.sessionId, args.ProjectId)
	}
}

func (self *Server) handleRequestRoster(session *serverSession, args *collab.RequestRosterArgs) {
	var roster []collab.User
	inRoom := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !args.ProjectId.IsZero() && session.projectId == args.ProjectId {
			roster = self.rosterLocked(args.ProjectId)
			inRoom = true
		}
	}()
	if !inRoom {
		session.replyError(collab.TransportErrorCodeBadRequest, "Not in that room.")
		return
	}
	session.reply(collab.EventRoster, &collab.RosterResult{
		ProjectId: args.ProjectId,
		Users:     roster,
	})
}

func (self *Server) handleEntityUpdate(session *serverSession, args *collab.EntityUpdateArgs) {
	self.stateLock.Lock()
	projectId := session.projectId
	self.stateLock.Unlock()
	if projectId.IsZero() {
		session.replyError(collab.TransportErrorCodeBadRequest, "Join a room first.")
		return
	}
	if err := self.validator.ValidateEntityUpdate(args); err != nil {
		glog.V(1).Infof("[s]update rejected = %s\n", err)
		session.replyError(collab.TransportErrorCodeBadRequest, err.Error())
		return
	}

	record := &EntityRecord{
		ProjectId:    projectId,
		EntityKind:   args.EntityKind,
		EntityId:     args.EntityId,
		Operation:    args.Operation,
		Payload:      args.Payload,
		OriginUserId: session.userId,
		ModifiedAt:   self.stamp(args.ModifiedAt),
	}
	if err := self.store.Apply(record); err != nil {
		glog.Infof("[s]update %s store error = %s\n", record.Key(), err)
		session.replyError(collab.TransportErrorCodeInternal, "Update could not be persisted.")
		return
	}

	// every session in the room hears the update, the origin included.
	// Sessions of the origin user suppress the echo client-side.
	var targets []*serverSession
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if room, ok := self.rooms[projectId]; ok {
			targets = maps.Values(room)
		}
	}()
	result := record.UpdateResult()
	for _, target := range targets {
		target.queue(collab.EventEntityUpdate, result)
	}
	self.metrics.UpdatesFannedOut.Add(float64(len(targets)))
	glog.V(1).Infof("[s]update %s %s -> %d sessions\n", record.Key(), record.Operation, len(targets))
}

func (self *Server) handleResync(session *serverSession, args *collab.ResyncArgs) {
	self.stateLock.Lock()
	inRoom := !args.ProjectId.IsZero() && session.projectId == args.ProjectId
	self.stateLock.Unlock()
	if !inRoom {
		session.replyError(collab.TransportErrorCodeBadRequest, "Not in that room.")
		return
	}

	records, err := self.store.EntitiesSince(args.ProjectId, args.Since)
	if err != nil {
		glog.Infof("[s]resync %s store error = %s\n", args.ProjectId, err)
		session.replyError(collab.TransportErrorCodeInternal, "Resync is unavailable.")
		return
	}
	syncTime := time.Now().UTC()
	if self.settings.ResyncLimit < len(records) {
		// the limit is a soft cut. The resume point is a stamp and the next
		// resync reads strictly after it, so records sharing the boundary
		// stamp must ride in this batch or they would never replay.
		cut := self.settings.ResyncLimit
		boundaryAt := records[cut-1].ModifiedAt
		for cut < len(records) && records[cut].ModifiedAt.Equal(boundaryAt) {
			cut += 1
		}
		if cut < len(records) {
			// report the last replayed stamp so the next resync resumes
			// where this one stopped
			records = records[:cut]
			syncTime = records[len(records)-1].ModifiedAt
		}
	}
	for _, record := range records {
		if err := session.reply(collab.EventEntityUpdate, record.UpdateResult()); err != nil {
			return
		}
	}
	session.reply(collab.EventSyncComplete, &collab.SyncCompleteResult{
		ProjectId:  args.ProjectId,
		ServerTime: syncTime,
	})
	glog.V(1).Infof("[s]resync %s replayed %d\n", args.ProjectId, len(records))
}

// Claimed stamps are kept when they are sane, so the fan-out carries the same
// `modifiedAt` the backing save already confirmed to the origin. Claims may
// arrive out of save order across sessions; that reordering is the signal the
// client conflict detection consumes, so it must survive the fan-out. A
// missing claim or one ahead of the server clock is replaced with a generated
// stamp, and generated stamps never go backwards across updates.
func (self *Server) stamp(claim time.Time) time.Time {
	now := time.Now().UTC()
	if !claim.IsZero() && claim.Before(now.Add(self.settings.StampSkewAllowance)) {
		return claim.UTC()
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if now.Before(self.lastStampAt) {
		return self.lastStampAt
	}
	self.lastStampAt = now
	return now
}

// must be called with the state lock held
func (self *Server) addToRoomLocked(session *serverSession, projectId collab.Id) []*presencePush {
	room, ok := self.rooms[projectId]
	if !ok {
		room = map[collab.Id]*serverSession{}
		self.rooms[projectId] = room
		self.metrics.RoomsActive.Inc()
	}
	firstOfUser := true
	for _, other := range room {
		if other.userId == session.userId {
			firstOfUser = false
			break
		}
	}
	room[session.sessionId] = session
	session.projectId = projectId

	// presence is per user, not per session
	var pushes []*presencePush
	if firstOfUser {
		payload := &collab.UserJoinedResult{
			ProjectId:   projectId,
			UserId:      session.userId,
			DisplayName: session.displayName,
			AvatarRef:   session.avatarRef,
		}
		for _, other := range room {
			if other.sessionId == session.sessionId {
				continue
			}
			pushes = append(pushes, &presencePush{
				target:  other,
				event:   collab.EventUserJoined,
				payload: payload,
			})
		}
	}
	return pushes
}

// must be called with the state lock held
func (self *Server) removeFromRoomLocked(session *serverSession, projectId collab.Id) []*presencePush {
	session.projectId = collab.Id{}
	room, ok := self.rooms[projectId]
	if !ok {
		return nil
	}
	delete(room, session.sessionId)
	if len(room) == 0 {
		delete(self.rooms, projectId)
		self.metrics.RoomsActive.Dec()
		return nil
	}
	lastOfUser := true
	for _, other := range room {
		if other.userId == session.userId {
			lastOfUser = false
			break
		}
	}
	var pushes []*presencePush
	if lastOfUser {
		payload := &collab.UserLeftResult{
			ProjectId: projectId,
			UserId:    session.userId,
		}
		for _, other := range room {
			pushes = append(pushes, &presencePush{
				target:  other,
				event:   collab.EventUserLeft,
				payload: payload,
			})
		}
	}
	return pushes
}

// must be called with the state lock held
func (self *Server) rosterLocked(projectId collab.Id) []collab.User {
	byUser := map[collab.Id]collab.User{}
	for _, session := range self.rooms[projectId] {
		if _, ok := byUser[session.userId]; !ok {
			byUser[session.userId] = collab.User{
				UserId:      session.userId,
				DisplayName: session.displayName,
				AvatarRef:   session.avatarRef,
			}
		}
	}
	users := maps.Values(byUser)
	slices.SortFunc(users, func(a collab.User, b collab.User) int {
		if a.UserId.LessThan(b.UserId) {
			return -1
		} else if b.UserId.LessThan(a.UserId) {
			return 1
		}
		return 0
	})
	return users
}

func (self *Server) handleAuthConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var args collab.AuthConnectArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	self.stateLock.Lock()
	credentialCheck := self.credentialCheck
	self.stateLock.Unlock()
	if credentialCheck == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	claims, err := credentialCheck(args.UserAuth, args.Password)
	if err != nil {
		self.metrics.AuthFailures.Inc()
		glog.V(1).Infof("[s]auth %s rejected\n", args.UserAuth)
		json.NewEncoder(w).Encode(&collab.AuthConnectResult{
			Error: &collab.AuthConnectError{
				Message: err.Error(),
			},
		})
		return
	}
	token, err := self.tokens.Mint(claims)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	glog.V(1).Infof("[s]auth %s ok user=%s\n", args.UserAuth, claims.UserId)
	json.NewEncoder(w).Encode(&collab.AuthConnectResult{
		Token:       token,
		UserId:      claims.UserId,
		DisplayName: claims.DisplayName,
	})
}

func (self *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	sessionCount := len(self.sessions)
	roomCount := len(self.rooms)
	self.stateLock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": sessionCount,
		"rooms":    roomCount,
	})
}
