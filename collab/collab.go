package collab

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

// ulids from the same source are ordered by create time
func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// the kinds of entities a project room carries updates for
type EntityKind string

const (
	EntityKindTask    EntityKind = "task"
	EntityKindProject EntityKind = "project"
)

func (self EntityKind) IsValid() bool {
	switch self {
	case EntityKindTask, EntityKindProject:
		return true
	default:
		return false
	}
}

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func (self Operation) IsValid() bool {
	switch self {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

type User struct {
	UserId      Id     `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// one mutation notification. The payload is opaque to this package and is
// forwarded verbatim to applied callbacks.
type UpdateEvent struct {
	EntityKind   EntityKind      `json:"entityKind"`
	EntityId     Id              `json:"entityId"`
	Operation    Operation       `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginUserId Id              `json:"originUserId,omitempty"`
	ModifiedAt   time.Time       `json:"modifiedAt"`
}

func (self *UpdateEvent) Key() EntityKey {
	return EntityKey{
		EntityKind: self.EntityKind,
		EntityId:   self.EntityId,
	}
}

// comparable
// task ids and project ids come from separate sequences and can collide,
// so watermarks and debounce are keyed by the (kind, id) pair
type EntityKey struct {
	EntityKind EntityKind
	EntityId   Id
}

func (self EntityKey) String() string {
	return fmt.Sprintf("%s/%s", self.EntityKind, self.EntityId)
}
