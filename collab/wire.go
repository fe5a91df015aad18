package collab

import (
	"encoding/json"
	"time"
)

// Wire events. Requests from the page session use `...Args` payloads,
// server pushes and replies use `...Result` payloads.
const (
	EventHello          = "hello"
	EventWelcome        = "welcome"
	EventJoinRoom       = "join-room"
	EventJoinedRoom     = "joined-room"
	EventLeaveRoom      = "leave-room"
	EventLeftRoom       = "left-room"
	EventRequestRoster  = "request-roster"
	EventRoster         = "roster"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventEntityUpdate   = "entity-update"
	EventResync         = "resync"
	EventSyncComplete   = "sync-complete"
	EventTransportError = "transport-error"
	EventPing           = "ping"
	EventPong           = "pong"
)

// Application error codes carried by `transport-error` and by close frames.
// The 4xxx range is reserved for application close codes in RFC 6455.
const (
	TransportErrorCodeAuth       = 4001
	TransportErrorCodeBadRequest = 4400
	TransportErrorCodeForbidden  = 4403
	TransportErrorCodeEncoding   = 4415
	TransportErrorCodeInternal   = 4500
)

type HelloArgs struct {
	Token      string `json:"token"`
	InstanceId Id     `json:"instanceId"`
	AppVersion string `json:"appVersion,omitempty"`
}

type WelcomeResult struct {
	SessionId   Id        `json:"sessionId"`
	UserId      Id        `json:"userId"`
	DisplayName string    `json:"displayName"`
	ServerTime  time.Time `json:"serverTime"`
}

type JoinRoomArgs struct {
	ProjectId Id `json:"projectId"`
}

type JoinedRoomResult struct {
	ProjectId  Id        `json:"projectId"`
	ServerTime time.Time `json:"serverTime"`
}

type LeaveRoomArgs struct {
	ProjectId Id `json:"projectId"`
}

type LeftRoomResult struct {
	ProjectId Id `json:"projectId"`
}

type RequestRosterArgs struct {
	ProjectId Id `json:"projectId"`
}

type RosterResult struct {
	ProjectId Id     `json:"projectId"`
	Users     []User `json:"users"`
}

type UserJoinedResult struct {
	ProjectId   Id     `json:"projectId"`
	UserId      Id     `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type UserLeftResult struct {
	ProjectId Id `json:"projectId"`
	UserId    Id `json:"userId"`
}

// `modifiedAt` is the timestamp the backing save already confirmed for this
// mutation. The server validates the claim before fan-out: a missing or
// future value is replaced with the server clock, and `originUserId` is
// always set server-side from the session. Peers never see client-set
// identity fields.
type EntityUpdateArgs struct {
	EntityKind EntityKind      `json:"entityKind"`
	EntityId   Id              `json:"entityId"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ModifiedAt time.Time       `json:"modifiedAt,omitempty"`
}

type EntityUpdateResult struct {
	EntityKind   EntityKind      `json:"entityKind"`
	EntityId     Id              `json:"entityId"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginUserId Id              `json:"originUserId"`
	ModifiedAt   time.Time       `json:"modifiedAt"`
}

func (self *EntityUpdateResult) UpdateEvent() *UpdateEvent {
	return &UpdateEvent{
		EntityKind:   self.EntityKind,
		EntityId:     self.EntityId,
		Operation:    self.Operation,
		Payload:      self.Payload,
		OriginUserId: self.OriginUserId,
		ModifiedAt:   self.ModifiedAt,
	}
}

type ResyncArgs struct {
	ProjectId Id        `json:"projectId"`
	Since     time.Time `json:"since,omitempty"`
}

type SyncCompleteResult struct {
	ProjectId  Id        `json:"projectId"`
	ServerTime time.Time `json:"serverTime"`
}

type TransportErrorResult struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type PingArgs struct {
	ClientTime time.Time `json:"clientTime"`
}

type PongResult struct {
	ServerTime time.Time `json:"serverTime"`
}
