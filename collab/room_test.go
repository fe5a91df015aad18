package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestJoinRoomLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client := NewClient(ctx, server.connectUrl(), newTestClientAuth(), newTestClientSettings())
	defer client.Close()

	memberships := make(chan *RoomMembership, 16)
	unsubMembership := client.RoomManager().AddMembershipChangeCallback(func(membership *RoomMembership) {
		memberships <- membership
	})
	defer unsubMembership()

	rosters := make(chan *RoomMembership, 16)
	unsubRoster := client.AddRosterChangeCallback(func(membership *RoomMembership) {
		rosters <- membership
	})
	defer unsubRoster()

	client.Connect()
	awaitPhase(t, client.ConnectionManager(), ConnectionPhaseConnected, timeout)
	conn := server.awaitConn(t, timeout)

	projectId := NewId()
	err := client.JoinRoom(projectId)
	assert.Equal(t, err, nil)

	joinFrame := server.awaitFrame(t, EventJoinRoom, timeout)
	var joinArgs JoinRoomArgs
	joinFrame.decode(t, &joinArgs)
	assert.Equal(t, projectId, joinArgs.ProjectId)

	// the membership starts stale until a full roster lands
	select {
	case membership := <-memberships:
		assert.NotEqual(t, membership, nil)
		assert.Equal(t, projectId, membership.ProjectId)
		assert.Equal(t, true, membership.Stale)
		assert.Equal(t, 0, len(membership.Users))
	case <-time.After(timeout):
		t.FailNow()
	}

	server.awaitFrame(t, EventRequestRoster, timeout)
	select {
	case membership := <-rosters:
		assert.Equal(t, projectId, membership.ProjectId)
		assert.Equal(t, false, membership.Stale)
		assert.Equal(t, 1, len(membership.Users))
		assert.Equal(t, conn.userId, membership.Users[0].UserId)
	case <-time.After(timeout):
		t.FailNow()
	}

	current := client.Membership()
	assert.NotEqual(t, current, nil)
	assert.Equal(t, false, current.Stale)
}

func TestJoinRoomValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newStubServer(t)
	defer server.close()

	client := NewClient(ctx, server.connectUrl(), newTestClientAuth(), newTestClientSettings())
	defer client.Close()

	err := client.JoinRoom(Id{})
	assert.NotEqual(t, err, nil)
	err = client.SwitchRoom(Id{})
	assert.NotEqual(t, err, nil)
}

func TestJoinWhileDisconnectedJoinsOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client := NewClient(ctx, server.connectUrl(), newTestClientAuth(), newTestClientSettings())
	defer client.Close()

	// joining offline records the desire, nothing goes on the wire
	projectId := NewId()
	err := client.JoinRoom(projectId)
	assert.Equal(t, err, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, server.countFrames(EventJoinRoom))
	assert.Equal(t, client.Membership(), nil)

	client.Connect()
	server.awaitFrame(t, EventJoinRoom, timeout)
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && membership.ProjectId == projectId
	})
}

func TestRejoinAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client, conn, projectId := joinForTest(t, ctx, server, newTestClientSettings())
	defer client.Close()

	// let the roster settle before the drop
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && !membership.Stale && 1 == len(membership.Users)
	})

	memberships := make(chan *RoomMembership, 16)
	unsub := client.RoomManager().AddMembershipChangeCallback(func(membership *RoomMembership) {
		memberships <- membership
	})
	defer unsub()

	conn.drop()

	// the roster survives the outage, marked stale
	select {
	case membership := <-memberships:
		assert.NotEqual(t, membership, nil)
		assert.Equal(t, projectId, membership.ProjectId)
		assert.Equal(t, true, membership.Stale)
		assert.Equal(t, 1, len(membership.Users))
	case <-time.After(timeout):
		t.FailNow()
	}

	// and the rejoin replaces it on its own
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && membership.ProjectId == projectId && !membership.Stale
	})
	assert.Equal(t, 2, server.countFrames(EventJoinRoom))
}

func TestMembershipRetainedStaleWhileDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	// hold the reconnect far out so the whole outage window is observable
	settings := newTestClientSettings()
	settings.BackoffFloor = time.Hour
	settings.BackoffCeiling = time.Hour

	client, conn, projectId := joinForTest(t, ctx, server, settings)
	defer client.Close()

	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && !membership.Stale && 1 == len(membership.Users)
	})
	before := client.Membership()

	conn.drop()
	state := awaitPhase(t, client.ConnectionManager(), ConnectionPhaseDisconnected, timeout)
	assert.Equal(t, true, state.ResumePending)

	// the reconnect is pending, so the roster stays readable
	membership := awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && membership.Stale
	})
	assert.Equal(t, projectId, membership.ProjectId)
	assert.Equal(t, before.Users, membership.Users)

	time.Sleep(100 * time.Millisecond)
	current := client.Membership()
	assert.NotEqual(t, current, nil)
	assert.Equal(t, true, current.Stale)
	assert.Equal(t, 1, len(current.Users))
}

func TestDisconnectClearsMembershipKeepsDesire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client, _, projectId := joinForTest(t, ctx, server, newTestClientSettings())
	defer client.Close()

	// an explicit disconnect has no reconnect coming. The membership ends.
	client.Disconnect()
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership == nil
	})

	// the desire survives, so a manual connect rejoins
	client.Connect()
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && membership.ProjectId == projectId
	})
	assert.Equal(t, 2, server.countFrames(EventJoinRoom))
}

func TestSwitchRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client, _, projectId := joinForTest(t, ctx, server, newTestClientSettings())
	defer client.Close()
	server.awaitFrame(t, EventJoinRoom, timeout)

	nextProjectId := NewId()
	err := client.SwitchRoom(nextProjectId)
	assert.Equal(t, err, nil)

	leaveFrame := server.awaitFrame(t, EventLeaveRoom, timeout)
	var leaveArgs LeaveRoomArgs
	leaveFrame.decode(t, &leaveArgs)
	assert.Equal(t, projectId, leaveArgs.ProjectId)

	joinFrame := server.awaitFrame(t, EventJoinRoom, timeout)
	var joinArgs JoinRoomArgs
	joinFrame.decode(t, &joinArgs)
	assert.Equal(t, nextProjectId, joinArgs.ProjectId)

	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && membership.ProjectId == nextProjectId
	})

	// switching to the current room is a no-op
	err = client.SwitchRoom(nextProjectId)
	assert.Equal(t, err, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, server.countFrames(EventJoinRoom))
}

func TestPresenceDeltaRefreshesRoster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client, conn, projectId := joinForTest(t, ctx, server, newTestClientSettings())
	defer client.Close()

	presences := make(chan *PresenceEvent, 16)
	unsub := client.AddPresenceEventCallback(func(event *PresenceEvent) {
		presences <- event
	})
	defer unsub()

	// the roster from the initial join settle
	server.awaitFrame(t, EventRequestRoster, timeout)

	// another user joins on a different connection path
	otherUserId := NewId()
	server.setRoomUsers(projectId, []User{
		{UserId: otherUserId, DisplayName: "Riley"},
	})
	conn.send(EventUserJoined, &UserJoinedResult{
		ProjectId:   projectId,
		UserId:      otherUserId,
		DisplayName: "Riley",
	})

	select {
	case event := <-presences:
		assert.Equal(t, true, event.Joined)
		assert.Equal(t, otherUserId, event.UserId)
		assert.Equal(t, "Riley", event.DisplayName)
	case <-time.After(timeout):
		t.FailNow()
	}

	// the delta only marks the roster stale. The refresh replaces it
	// wholesale.
	server.awaitFrame(t, EventRequestRoster, timeout)
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && !membership.Stale && 2 == len(membership.Users)
	})

	// and the user leaves again
	server.setRoomUsers(projectId, nil)
	conn.send(EventUserLeft, &UserLeftResult{
		ProjectId: projectId,
		UserId:    otherUserId,
	})

	select {
	case event := <-presences:
		assert.Equal(t, false, event.Joined)
		assert.Equal(t, otherUserId, event.UserId)
	case <-time.After(timeout):
		t.FailNow()
	}

	server.awaitFrame(t, EventRequestRoster, timeout)
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && !membership.Stale && 1 == len(membership.Users)
	})
}

func TestLeaveRoomClearsDesire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client, conn, _ := joinForTest(t, ctx, server, newTestClientSettings())
	defer client.Close()

	client.LeaveRoom()
	// the local membership ends immediately
	assert.Equal(t, client.Membership(), nil)
	server.awaitFrame(t, EventLeaveRoom, timeout)

	// the desire is gone, so a reconnect does not rejoin
	conn.drop()
	server.awaitConn(t, timeout)
	awaitPhase(t, client.ConnectionManager(), ConnectionPhaseConnected, timeout)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, client.Membership(), nil)
	assert.Equal(t, 1, server.countFrames(EventJoinRoom))
}

func TestStaleJoinedRoomAckIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()

	client := NewClient(ctx, server.connectUrl(), newTestClientAuth(), newTestClientSettings())
	defer client.Close()

	client.Connect()
	awaitPhase(t, client.ConnectionManager(), ConnectionPhaseConnected, timeout)
	conn := server.awaitConn(t, timeout)

	// an ack for a room this instance never asked for
	conn.send(EventJoinedRoom, &JoinedRoomResult{
		ProjectId:  NewId(),
		ServerTime: time.Now().UTC(),
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, client.Membership(), nil)
}

func TestJoinDeniedKeepsConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	server := newStubServer(t)
	defer server.close()
	server.setDenyJoins(true)

	client := NewClient(ctx, server.connectUrl(), newTestClientAuth(), newTestClientSettings())
	defer client.Close()

	client.Connect()
	awaitPhase(t, client.ConnectionManager(), ConnectionPhaseConnected, timeout)
	server.awaitConn(t, timeout)

	projectId := NewId()
	err := client.JoinRoom(projectId)
	assert.Equal(t, err, nil)
	server.awaitFrame(t, EventJoinRoom, timeout)

	// the denial is request scoped. No membership, but the session lives.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, client.Membership(), nil)
	assert.Equal(t, ConnectionPhaseConnected, client.State().Phase)

	// access granted later, the same join goes through
	server.setDenyJoins(false)
	err = client.JoinRoom(projectId)
	assert.Equal(t, err, nil)
	awaitMembership(t, client.RoomManager(), timeout, func(membership *RoomMembership) bool {
		return membership != nil && membership.ProjectId == projectId
	})
}
