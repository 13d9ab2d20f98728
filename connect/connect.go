package connect

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// accepts the canonical dashed form as well as the bare hex form
func ParseId(idStr string) (Id, error) {
	u, err := uuid.Parse(idStr)
	if err != nil {
		return Id{}, fmt.Errorf("cannot parse id %q: %w", idStr, err)
	}
	return Id(u), nil
}

// ulids are ordered by create time
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return uuid.UUID(self).String()
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	id, err := ParseId(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// the identity attached to every outbound message.
// a client id is stable for the process. the session id is a random uuid per process.
type ClientIdentity struct {
	ClientId  Id
	SessionId string
}

func NewClientIdentity() ClientIdentity {
	return ClientIdentity{
		ClientId:  NewId(),
		SessionId: uuid.NewString(),
	}
}

func NewClientIdentityWithClientId(clientId Id) ClientIdentity {
	return ClientIdentity{
		ClientId:  clientId,
		SessionId: uuid.NewString(),
	}
}

var processIdentityOnce sync.Once
var processIdentity ClientIdentity

// generated once per process lifetime
func ProcessIdentity() ClientIdentity {
	processIdentityOnce.Do(func() {
		processIdentity = NewClientIdentity()
	})
	return processIdentity
}

func (self ClientIdentity) String() string {
	return fmt.Sprintf("%s/%s", self.ClientId, self.SessionId)
}
