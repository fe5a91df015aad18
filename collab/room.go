package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// Membership in one project room. `Users` is the last full roster pushed by
// the server. `Stale` marks a roster that may be behind the server: after a
// presence delta, and across a connection outage, until the next full roster
// replaces it.
type RoomMembership struct {
	ProjectId Id
	JoinedAt  time.Time
	Users     []User
	Stale     bool
}

func (self *RoomMembership) copy() *RoomMembership {
	membership := *self
	membership.Users = slices.Clone(self.Users)
	return &membership
}

type PresenceEvent struct {
	ProjectId   Id
	UserId      Id
	DisplayName string
	Joined      bool
}

// The room manager tracks which project room this instance wants to be in
// and reconciles that desire against the connection. Joining while offline
// records the desire. Reconnects rejoin automatically. Presence deltas are
// advisory only: the roster is always replaced wholesale from a full push,
// never patched locally.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager  *ConnectionManager
	settings *ClientSettings

	stateLock        sync.Mutex
	desiredProjectId Id
	membership       *RoomMembership
	rosterTimer      *time.Timer

	membershipCallbacks *CallbackList[func(*RoomMembership)]
	rosterCallbacks     *CallbackList[func(*RoomMembership)]
	presenceCallbacks   *CallbackList[func(*PresenceEvent)]

	unsubs []func()
}

func NewRoomManager(
	ctx context.Context,
	manager *ConnectionManager,
	settings *ClientSettings,
) *RoomManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	roomManager := &RoomManager{
		ctx:                 cancelCtx,
		cancel:              cancel,
		manager:             manager,
		settings:            settings,
		membershipCallbacks: NewCallbackList[func(*RoomMembership)](),
		rosterCallbacks:     NewCallbackList[func(*RoomMembership)](),
		presenceCallbacks:   NewCallbackList[func(*PresenceEvent)](),
	}
	roomManager.unsubs = []func(){
		manager.AddStateChangeCallback(roomManager.handleConnectionState),
		SubscribeFramePayload(manager, EventJoinedRoom, roomManager.handleJoinedRoom),
		SubscribeFramePayload(manager, EventLeftRoom, roomManager.handleLeftRoom),
		SubscribeFramePayload(manager, EventRoster, roomManager.handleRoster),
		SubscribeFramePayload(manager, EventUserJoined, roomManager.handleUserJoined),
		SubscribeFramePayload(manager, EventUserLeft, roomManager.handleUserLeft),
	}
	return roomManager
}

// Records the desire to be in `projectId` and joins when the connection
// allows. Joining a new room while in another is a switch: the server moves
// the session, no explicit leave is needed.
func (self *RoomManager) JoinRoom(projectId Id) error {
	if projectId.IsZero() {
		return errors.New("Project id is required.")
	}

	connected := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.desiredProjectId == projectId {
			if self.membership != nil && self.membership.ProjectId == projectId {
				// already there
				return
			}
		}
		self.desiredProjectId = projectId
		connected = self.manager.State().Phase.IsActive()
	}()
	if connected {
		self.emitJoin(projectId)
	} else {
		glog.V(1).Infof("[r]join %s deferred until connected\n", projectId)
	}
	return nil
}

// Leaves the current room, if any, then joins `newProjectId`. A no-op when
// that room is already the desired one.
func (self *RoomManager) SwitchRoom(newProjectId Id) error {
	if newProjectId.IsZero() {
		return errors.New("Project id is required.")
	}
	self.stateLock.Lock()
	current := self.desiredProjectId
	self.stateLock.Unlock()
	if current == newProjectId {
		return nil
	}
	if !current.IsZero() {
		self.LeaveRoom()
	}
	return self.JoinRoom(newProjectId)
}

// Clears the desired room. The local membership ends immediately; the
// server ack is informational.
func (self *RoomManager) LeaveRoom() {
	var left *RoomMembership
	connected := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.desiredProjectId = Id{}
		left = self.membership
		self.membership = nil
		self.stopRosterTimer()
		connected = self.manager.State().Phase.IsActive()
	}()
	if left == nil {
		return
	}
	if connected {
		if err := self.manager.Emit(EventLeaveRoom, &LeaveRoomArgs{
			ProjectId: left.ProjectId,
		}); err != nil {
			glog.V(1).Infof("[r]leave %s emit error = %s\n", left.ProjectId, err)
		}
	}
	glog.Infof("[r]left %s\n", left.ProjectId)
	self.fireMembership(nil)
}

func (self *RoomManager) Membership() *RoomMembership {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.membership == nil {
		return nil
	}
	return self.membership.copy()
}

func (self *RoomManager) DesiredProjectId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.desiredProjectId
}

// Asks the server for a fresh full roster for the current room.
func (self *RoomManager) RefreshRoster() {
	self.stateLock.Lock()
	membership := self.membership
	self.stateLock.Unlock()
	if membership == nil {
		return
	}
	self.requestRoster(membership.ProjectId)
}

func (self *RoomManager) AddMembershipChangeCallback(membershipCallback func(*RoomMembership)) func() {
	callbackId := self.membershipCallbacks.Add(membershipCallback)
	return func() {
		self.membershipCallbacks.Remove(callbackId)
	}
}

func (self *RoomManager) AddRosterChangeCallback(rosterCallback func(*RoomMembership)) func() {
	callbackId := self.rosterCallbacks.Add(rosterCallback)
	return func() {
		self.rosterCallbacks.Remove(callbackId)
	}
}

func (self *RoomManager) AddPresenceEventCallback(presenceCallback func(*PresenceEvent)) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

func (self *RoomManager) Close() {
	self.cancel()
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.stateLock.Lock()
	self.stopRosterTimer()
	self.stateLock.Unlock()
}

func (self *RoomManager) handleConnectionState(state *ConnectionState) {
	if state.Phase.IsActive() {
		self.stateLock.Lock()
		desiredProjectId := self.desiredProjectId
		self.stateLock.Unlock()
		if !desiredProjectId.IsZero() {
			glog.V(1).Infof("[r]rejoin %s\n", desiredProjectId)
			self.emitJoin(desiredProjectId)
		}
		return
	}

	if state.ResumePending {
		// a transient outage. The roster stays readable, marked stale until
		// the rejoin replaces it.
		var marked *RoomMembership
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.stopRosterTimer()
			if self.membership == nil || self.membership.Stale {
				return
			}
			self.membership.Stale = true
			marked = self.membership.copy()
		}()
		if marked != nil {
			glog.V(1).Infof("[r]membership %s stale while down\n", marked.ProjectId)
			self.fireMembership(marked)
		}
		return
	}

	// no reconnect is coming, so the server membership is gone for good.
	// keep the desire: a later manual connect still rejoins.
	var left *RoomMembership
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		left = self.membership
		self.membership = nil
		self.stopRosterTimer()
	}()
	if left != nil {
		glog.V(1).Infof("[r]membership %s lost with connection\n", left.ProjectId)
		self.fireMembership(nil)
	}
}

func (self *RoomManager) emitJoin(projectId Id) {
	if err := self.manager.Emit(EventJoinRoom, &JoinRoomArgs{
		ProjectId: projectId,
	}); err != nil {
		glog.V(1).Infof("[r]join %s emit error = %s\n", projectId, err)
	}
}

func (self *RoomManager) handleJoinedRoom(result *JoinedRoomResult) {
	accepted := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.desiredProjectId != result.ProjectId {
			// a stale ack from before a switch or leave
			return
		}
		self.membership = &RoomMembership{
			ProjectId: result.ProjectId,
			JoinedAt:  result.ServerTime,
			Stale:     true,
		}
		self.scheduleRosterRequest(result.ProjectId)
		accepted = true
	}()
	if !accepted {
		glog.V(1).Infof("[r]stale joined-room %s\n", result.ProjectId)
		return
	}
	glog.Infof("[r]joined %s\n", result.ProjectId)
	self.fireMembership(self.Membership())
}

func (self *RoomManager) handleLeftRoom(result *LeftRoomResult) {
	var left *RoomMembership
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.membership == nil || self.membership.ProjectId != result.ProjectId {
			return
		}
		// the server evicted us, or an ack raced a rejoin
		if self.desiredProjectId == result.ProjectId {
			self.desiredProjectId = Id{}
		}
		left = self.membership
		self.membership = nil
		self.stopRosterTimer()
	}()
	if left != nil {
		glog.Infof("[r]left %s (server)\n", left.ProjectId)
		self.fireMembership(nil)
	}
}

func (self *RoomManager) handleRoster(result *RosterResult) {
	accepted := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.membership == nil || self.membership.ProjectId != result.ProjectId {
			return
		}
		self.membership.Users = slices.Clone(result.Users)
		self.membership.Stale = false
		accepted = true
	}()
	if !accepted {
		return
	}
	glog.V(1).Infof("[r]roster %s users=%d\n", result.ProjectId, len(result.Users))
	for _, rosterCallback := range self.rosterCallbacks.Get() {
		rosterCallback(self.Membership())
	}
}

func (self *RoomManager) handleUserJoined(result *UserJoinedResult) {
	self.handlePresenceDelta(&PresenceEvent{
		ProjectId:   result.ProjectId,
		UserId:      result.UserId,
		DisplayName: result.DisplayName,
		Joined:      true,
	})
}

func (self *RoomManager) handleUserLeft(result *UserLeftResult) {
	self.handlePresenceDelta(&PresenceEvent{
		ProjectId: result.ProjectId,
		UserId:    result.UserId,
		Joined:    false,
	})
}

// A delta never edits the roster. It marks the roster stale and asks for a
// full copy after a settle delay, so that a burst of joins costs one request.
func (self *RoomManager) handlePresenceDelta(event *PresenceEvent) {
	accepted := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.membership == nil || self.membership.ProjectId != event.ProjectId {
			return
		}
		self.membership.Stale = true
		self.scheduleRosterRequest(event.ProjectId)
		accepted = true
	}()
	if !accepted {
		return
	}
	glog.V(1).Infof("[r]presence %s joined=%t\n", event.UserId, event.Joined)
	for _, presenceCallback := range self.presenceCallbacks.Get() {
		presenceCallback(event)
	}
}

// must be called with the state lock held
func (self *RoomManager) scheduleRosterRequest(projectId Id) {
	if self.rosterTimer != nil {
		self.rosterTimer.Stop()
	}
	self.rosterTimer = time.AfterFunc(self.settings.RosterSettleDelay, func() {
		self.stateLock.Lock()
		current := self.membership != nil && self.membership.ProjectId == projectId
		self.stateLock.Unlock()
		if current {
			self.requestRoster(projectId)
		}
	})
}

// must be called with the state lock held
func (self *RoomManager) stopRosterTimer() {
	if self.rosterTimer != nil {
		self.rosterTimer.Stop()
		self.rosterTimer = nil
	}
}

func (self *RoomManager) requestRoster(projectId Id) {
	if err := self.manager.Emit(EventRequestRoster, &RequestRosterArgs{
		ProjectId: projectId,
	}); err != nil {
		glog.V(1).Infof("[r]roster request %s error = %s\n", projectId, err)
	}
}

func (self *RoomManager) fireMembership(membership *RoomMembership) {
	for _, membershipCallback := range self.membershipCallbacks.Get() {
		membershipCallback(membership)
	}
}
