package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// An update accepted for presentation. `Resolved` marks updates that landed
// through conflict resolution instead of the live receive path.
type AppliedUpdate struct {
	Event    *UpdateEvent
	Resolved bool
}

type pendingSend struct {
	timer *time.Timer
	args  *EntityUpdateArgs
}

// The update channel carries entity mutations between this session and the
// room. Outbound sends are debounced per entity so rapid edits collapse into
// the last value. Inbound updates are judged against a per-entity watermark:
// the timestamp of the newest update already applied. An incoming update
// older than the watermark means two sessions raced on the entity, and the
// channel opens a conflict case instead of applying it.
//
// Watermarks advance monotonically, with one exception: resolving a conflict
// as accept-remote force-sets the watermark to the incoming timestamp, which
// may move it backwards.
type UpdateChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager  *ConnectionManager
	rooms    *RoomManager
	settings *ClientSettings

	resolver *ConflictResolver

	stateLock      sync.Mutex
	tableProjectId Id
	watermarks     map[EntityKey]time.Time
	localEdits     map[EntityKey]*UpdateEvent
	pending        map[EntityKey]*pendingSend
	baselineAt     time.Time
	resyncTimer    *time.Timer

	appliedCallbacks *CallbackList[func(*AppliedUpdate)]

	unsubs []func()
}

func NewUpdateChannel(
	ctx context.Context,
	manager *ConnectionManager,
	rooms *RoomManager,
	settings *ClientSettings,
) *UpdateChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &UpdateChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		manager:          manager,
		rooms:            rooms,
		settings:         settings,
		watermarks:       map[EntityKey]time.Time{},
		localEdits:       map[EntityKey]*UpdateEvent{},
		pending:          map[EntityKey]*pendingSend{},
		appliedCallbacks: NewCallbackList[func(*AppliedUpdate)](),
	}
	channel.resolver = newConflictResolver(cancelCtx, channel, settings)
	channel.unsubs = []func(){
		manager.AddStateChangeCallback(channel.handleConnectionState),
		rooms.AddMembershipChangeCallback(channel.handleMembership),
		SubscribeFramePayload(manager, EventEntityUpdate, channel.handleEntityUpdate),
		SubscribeFramePayload(manager, EventJoinedRoom, channel.handleJoinedRoom),
		SubscribeFramePayload(manager, EventSyncComplete, channel.handleSyncComplete),
	}
	return channel
}

func (self *UpdateChannel) Resolver() *ConflictResolver {
	return self.resolver
}

// Queues a local mutation for the room. `modifiedAt` must be the timestamp
// the save already confirmed, never the client clock. Sends while not joined
// are dropped: the post-rejoin resync is the recovery path, not a queue.
func (self *UpdateChannel) Send(
	entityKind EntityKind,
	entityId Id,
	operation Operation,
	payload json.RawMessage,
	modifiedAt time.Time,
) error {
	if !entityKind.IsValid() {
		return fmt.Errorf("Unknown entity kind %s.", entityKind)
	}
	if !operation.IsValid() {
		return fmt.Errorf("Unknown operation %s.", operation)
	}
	if entityId.IsZero() {
		return fmt.Errorf("Entity id is required.")
	}

	membership := self.rooms.Membership()
	if membership == nil {
		glog.V(1).Infof("[u]send %s/%s dropped (not joined)\n", entityKind, entityId)
		return nil
	}

	event := &UpdateEvent{
		EntityKind: entityKind,
		EntityId:   entityId,
		Operation:  operation,
		Payload:    payload,
		ModifiedAt: modifiedAt,
	}
	key := event.Key()

	self.stateLock.Lock()
	self.localEdits[key] = event
	if self.watermarks[key].Before(modifiedAt) {
		self.watermarks[key] = modifiedAt
	}
	// trailing edge debounce. A newer send restarts the window.
	if pending, ok := self.pending[key]; ok {
		pending.timer.Stop()
	}
	args := &EntityUpdateArgs{
		EntityKind: entityKind,
		EntityId:   entityId,
		Operation:  operation,
		Payload:    payload,
		ModifiedAt: modifiedAt,
	}
	self.pending[key] = &pendingSend{
		args: args,
		timer: time.AfterFunc(self.settings.DebounceWindow, func() {
			self.flush(key)
		}),
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[u]send %s queued\n", key)
	return nil
}

func (self *UpdateChannel) flush(key EntityKey) {
	var args *EntityUpdateArgs
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		pending, ok := self.pending[key]
		if !ok {
			// cancelled after this timer was already committed to run
			return
		}
		delete(self.pending, key)
		args = pending.args
	}()
	if args == nil {
		return
	}
	if membership := self.rooms.Membership(); membership == nil {
		glog.V(1).Infof("[u]flush %s dropped (not joined)\n", key)
		return
	}
	if err := self.manager.Emit(EventEntityUpdate, args); err != nil {
		glog.V(1).Infof("[u]flush %s dropped = %s\n", key, err)
	}
}

// Watermark returns the last applied timestamp for the entity and whether one
// is set.
func (self *UpdateChannel) Watermark(entityKind EntityKind, entityId Id) (time.Time, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	watermark, ok := self.watermarks[EntityKey{EntityKind: entityKind, EntityId: entityId}]
	return watermark, ok
}

func (self *UpdateChannel) AddAppliedCallback(appliedCallback func(*AppliedUpdate)) func() {
	callbackId := self.appliedCallbacks.Add(appliedCallback)
	return func() {
		self.appliedCallbacks.Remove(callbackId)
	}
}

func (self *UpdateChannel) Close() {
	self.cancel()
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.resolver.close()
	self.stateLock.Lock()
	self.clearPending()
	self.stopResyncTimer()
	self.stateLock.Unlock()
}

// receive path. Frames arrive in transport read order.
func (self *UpdateChannel) handleEntityUpdate(result *EntityUpdateResult) {
	event := result.UpdateEvent()
	key := event.Key()

	localUserId := self.manager.State().UserId
	if !localUserId.IsZero() && event.OriginUserId == localUserId {
		// self echo. The round trip acknowledges the local edit.
		self.stateLock.Lock()
		delete(self.localEdits, key)
		self.stateLock.Unlock()
		glog.V(2).Infof("[u]echo %s\n", key)
		return
	}

	var localEdit *UpdateEvent
	conflict := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		watermark, ok := self.watermarks[key]
		if ok && event.ModifiedAt.Before(watermark) {
			conflict = true
			localEdit = self.localEdits[key]
		}
	}()

	if conflict {
		glog.Infof("[u]conflict %s\n", key)
		self.resolver.openCase(event, localEdit)
		return
	}
	self.applyEvent(event, false)
}

// applyEvent dispatches the event to applied callbacks and advances the
// watermark. `resolved` force-sets the watermark to the event's timestamp
// even when that moves it backwards.
func (self *UpdateChannel) applyEvent(event *UpdateEvent, resolved bool) {
	key := event.Key()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if resolved {
			self.watermarks[key] = event.ModifiedAt
		} else if self.watermarks[key].Before(event.ModifiedAt) {
			self.watermarks[key] = event.ModifiedAt
		}
	}()

	glog.V(1).Infof("[u]apply %s %s resolved=%t\n", event.Operation, key, resolved)
	applied := &AppliedUpdate{
		Event:    event,
		Resolved: resolved,
	}
	for _, appliedCallback := range self.appliedCallbacks.Get() {
		appliedCallback(applied)
	}
}

func (self *UpdateChannel) handleConnectionState(state *ConnectionState) {
	if !state.Phase.IsActive() {
		// queued sends cannot transmit and would be stale after resync
		self.stateLock.Lock()
		self.clearPending()
		self.stopResyncTimer()
		self.stateLock.Unlock()
		if !state.ResumePending {
			// no reconnect is coming. An open case still holds an armed
			// auto-resolve timer, and one firing after a later reconnect
			// would force the watermark backwards onto resynced state.
			self.resolver.clearCases()
		}
		return
	}

	welcome := self.manager.Welcome()
	if welcome == nil {
		return
	}
	self.stateLock.Lock()
	if self.baselineAt.IsZero() {
		// first connect of this instance. A reconnect keeps the old baseline
		// so the resync window covers the outage.
		self.baselineAt = welcome.ServerTime
	}
	self.stateLock.Unlock()
}

// A membership change is a join, a project switch, a stale marking while the
// connection is down, or the end of the membership. The tables survive an
// outage so conflicts across it are still detected after resync; only an
// explicit leave clears them.
func (self *UpdateChannel) handleMembership(membership *RoomMembership) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.clearPending()
	self.stopResyncTimer()

	if membership == nil {
		if self.rooms.DesiredProjectId().IsZero() {
			// explicit leave
			self.clearTables()
		}
		return
	}
	if membership.ProjectId != self.tableProjectId {
		self.clearTables()
		self.tableProjectId = membership.ProjectId
	}
}

// Schedules the delayed full-state resynchronization for the joined room.
// The delay lets the server-side fan-out settle before asking for a replay.
func (self *UpdateChannel) handleJoinedRoom(result *JoinedRoomResult) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stopResyncTimer()
	projectId := result.ProjectId
	since := self.baselineAt
	self.resyncTimer = time.AfterFunc(self.settings.ResyncDelay, func() {
		self.resync(projectId, since)
	})
}

func (self *UpdateChannel) resync(projectId Id, since time.Time) {
	membership := self.rooms.Membership()
	if membership == nil || membership.ProjectId != projectId {
		// superseded by a leave or switch while the timer was pending
		return
	}
	glog.V(1).Infof("[u]resync %s since=%s\n", projectId, since)
	if err := self.manager.Emit(EventResync, &ResyncArgs{
		ProjectId: projectId,
		Since:     since,
	}); err != nil {
		glog.V(1).Infof("[u]resync %s emit error = %s\n", projectId, err)
	}
}

func (self *UpdateChannel) handleSyncComplete(result *SyncCompleteResult) {
	self.stateLock.Lock()
	if self.baselineAt.Before(result.ServerTime) {
		self.baselineAt = result.ServerTime
	}
	self.stateLock.Unlock()
	glog.V(1).Infof("[u]sync complete %s\n", result.ProjectId)
}

// must be called with the state lock held
func (self *UpdateChannel) clearPending() {
	for _, pending := range self.pending {
		pending.timer.Stop()
	}
	self.pending = map[EntityKey]*pendingSend{}
}

// must be called with the state lock held
func (self *UpdateChannel) clearTables() {
	self.watermarks = map[EntityKey]time.Time{}
	self.localEdits = map[EntityKey]*UpdateEvent{}
	self.tableProjectId = Id{}
	self.resolver.clearCases()
}

// must be called with the state lock held
func (self *UpdateChannel) stopResyncTimer() {
	if self.resyncTimer != nil {
		self.resyncTimer.Stop()
		self.resyncTimer = nil
	}
}
