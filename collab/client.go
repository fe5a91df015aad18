package collab

import (
	"context"
	"encoding/json"
	"time"
)

// A client is one page session's handle on the realtime collaboration
// service. It owns the connection manager, the room manager, the update
// channel, and the conflict resolver, and tears them all down together.
// Construct one per page session and pass it by reference; there is no
// implicit shared instance.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	manager *ConnectionManager
	rooms   *RoomManager
	updates *UpdateChannel
}

func NewClientWithDefaults(
	ctx context.Context,
	connectUrl string,
	auth *ClientAuth,
) *Client {
	return NewClient(
		ctx,
		connectUrl,
		auth,
		DefaultClientSettings(EnvironmentProfileDirect),
	)
}

func NewClient(
	ctx context.Context,
	connectUrl string,
	auth *ClientAuth,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := NewConnectionManager(cancelCtx, connectUrl, auth, settings)
	rooms := NewRoomManager(cancelCtx, manager, settings)
	updates := NewUpdateChannel(cancelCtx, manager, rooms, settings)
	return &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		manager:  manager,
		rooms:    rooms,
		updates:  updates,
	}
}

func (self *Client) ConnectionManager() *ConnectionManager {
	return self.manager
}

func (self *Client) RoomManager() *RoomManager {
	return self.rooms
}

func (self *Client) UpdateChannel() *UpdateChannel {
	return self.updates
}

func (self *Client) Resolver() *ConflictResolver {
	return self.updates.Resolver()
}

// connection surface

func (self *Client) Connect() {
	self.manager.Connect()
}

func (self *Client) Disconnect() {
	self.manager.Disconnect()
}

func (self *Client) ForceReconnect() {
	self.manager.ForceReconnect()
}

func (self *Client) NotifyVisible() {
	self.manager.NotifyVisible()
}

func (self *Client) NotifyHidden() {
	self.manager.NotifyHidden()
}

func (self *Client) State() *ConnectionState {
	return self.manager.State()
}

func (self *Client) AddStateChangeCallback(stateChangeCallback func(*ConnectionState)) func() {
	return self.manager.AddStateChangeCallback(stateChangeCallback)
}

// room surface

func (self *Client) JoinRoom(projectId Id) error {
	return self.rooms.JoinRoom(projectId)
}

func (self *Client) SwitchRoom(newProjectId Id) error {
	return self.rooms.SwitchRoom(newProjectId)
}

func (self *Client) LeaveRoom() {
	self.rooms.LeaveRoom()
}

func (self *Client) Membership() *RoomMembership {
	return self.rooms.Membership()
}

func (self *Client) RefreshRoster() {
	self.rooms.RefreshRoster()
}

func (self *Client) AddRosterChangeCallback(rosterCallback func(*RoomMembership)) func() {
	return self.rooms.AddRosterChangeCallback(rosterCallback)
}

func (self *Client) AddPresenceEventCallback(presenceCallback func(*PresenceEvent)) func() {
	return self.rooms.AddPresenceEventCallback(presenceCallback)
}

// update surface

func (self *Client) Send(
	entityKind EntityKind,
	entityId Id,
	operation Operation,
	payload json.RawMessage,
	modifiedAt time.Time,
) error {
	return self.updates.Send(entityKind, entityId, operation, payload, modifiedAt)
}

func (self *Client) AddAppliedCallback(appliedCallback func(*AppliedUpdate)) func() {
	return self.updates.AddAppliedCallback(appliedCallback)
}

// conflict surface

func (self *Client) ResolveConflict(caseId Id, resolution Resolution) error {
	return self.updates.Resolver().Resolve(caseId, resolution)
}

func (self *Client) ConflictCases() []*ConflictCase {
	return self.updates.Resolver().Cases()
}

func (self *Client) AddConflictCallback(conflictCallback func(*ConflictCase)) func() {
	return self.updates.Resolver().AddConflictCallback(conflictCallback)
}

// Close tears down the session deterministically: the update channel first so
// no applied callbacks fire during teardown, then rooms, then the connection.
func (self *Client) Close() {
	self.updates.Close()
	self.rooms.Close()
	self.manager.Close()
	self.cancel()
}
