package connect

import (
	"encoding/json"
	"flag"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	// conflict ids from the same client sort in detection order

	a := NewId()
	for range 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	id, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, test1.A)

	bare := strings.ReplaceAll(test1.A.String(), "-", "")
	id, err = ParseId(bare)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, test1.A)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, err, nil)

	assert.Equal(t, Id{}.IsZero(), true)
	assert.Equal(t, test1.A.IsZero(), false)
}

func TestClientIdentity(t *testing.T) {
	a := NewClientIdentity()
	b := NewClientIdentity()
	assert.NotEqual(t, a.ClientId, b.ClientId)
	assert.NotEqual(t, a.SessionId, b.SessionId)

	// stable for the process
	assert.Equal(t, ProcessIdentity(), ProcessIdentity())

	c := NewClientIdentityWithClientId(a.ClientId)
	assert.Equal(t, c.ClientId, a.ClientId)
	assert.NotEqual(t, c.SessionId, a.SessionId)
}

func TestIdentityFromJwt(t *testing.T) {
	clientId := NewId()
	userId := NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":      userId.String(),
		"network_name": "test",
		"client_id":    clientId.String(),
	})
	jwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, userId)
	assert.Equal(t, byJwt.NetworkName, "test")
	assert.Equal(t, byJwt.ClientId, clientId)

	identity, err := IdentityFromJwt(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.ClientId, clientId)
	assert.NotEqual(t, identity.SessionId, "")

	noClientToken := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId.String(),
	})
	noClientJwt, err := noClientToken.SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	_, err = IdentityFromJwt(noClientJwt)
	assert.NotEqual(t, err, nil)

	_, err = IdentityFromJwt("garbage")
	assert.NotEqual(t, err, nil)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	a := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	snapshot := callbacks.Get()
	callbacks.Remove(a)
	// removing a missing id is a no-op
	callbacks.Remove(a)
	assert.Equal(t, callbacks.Len(), 2)
	// earlier snapshots are not affected
	assert.Equal(t, len(snapshot), 3)

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{2, 3})
}

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{}
	for attempt := 1; attempt <= 4; attempt += 1 {
		delays = append(delays, BackoffDelay(time.Second, 1.5, attempt))
	}
	assert.Equal(t, delays, []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	})

	// non-decreasing, and clamped instead of overflowing
	last := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt += 1 {
		delay := BackoffDelay(time.Second, 2, attempt)
		assert.Equal(t, last <= delay, true)
		last = delay
	}

	assert.Equal(t, BackoffDelay(time.Second, 0.5, 3), time.Second)
	assert.Equal(t, BackoffDelay(time.Second, 2, 0), time.Second)
}

func TestRingBuffer(t *testing.T) {
	buffer := newRingBuffer[int](3)
	for i := 1; i <= 3; i += 1 {
		_, evicted := buffer.Push(i)
		assert.Equal(t, evicted, false)
	}
	assert.Equal(t, buffer.Items(), []int{1, 2, 3})

	evicted, ok := buffer.Push(4)
	assert.Equal(t, ok, true)
	assert.Equal(t, evicted, 1)
	evicted, ok = buffer.Push(5)
	assert.Equal(t, ok, true)
	assert.Equal(t, evicted, 2)
	assert.Equal(t, buffer.Len(), 3)
	assert.Equal(t, buffer.Items(), []int{3, 4, 5})
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("test")
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.NotEqual(t, handled, nil)

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}
