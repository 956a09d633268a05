package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlushStateTransitions(t *testing.T) {
	tests := []struct {
		from, to FlushState
		ok       bool
	}{
		{FlushIdle, FlushPending, true},
		{FlushIdle, FlushFlushed, false},
		{FlushPending, FlushFlushed, true},
		{FlushPending, FlushSkipped, true},
		{FlushPending, FlushIdle, false},
		{FlushFlushed, FlushIdle, true},
		{FlushSkipped, FlushIdle, true},
		{FlushSkipped, FlushPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestIdempotencyRecordExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&IdempotencyRecord{}).Expired(now))
	assert.False(t, (&IdempotencyRecord{ExpiresAt: now.Add(time.Minute)}).Expired(now))
	assert.True(t, (&IdempotencyRecord{ExpiresAt: now}).Expired(now))
}

func TestPolicyRecordClone(t *testing.T) {
	p := &PolicyRecord{Tools: map[string]Decision{"echo": Allow}}
	c := p.Clone()
	c.Tools["echo"] = Deny
	assert.Equal(t, Allow, p.Tools["echo"])
}

func TestPaginate(t *testing.T) {
	s, e := Paginate(10, 3, 2)
	assert.Equal(t, 2, s)
	assert.Equal(t, 5, e)

	s, e = Paginate(10, 0, 0)
	assert.Equal(t, 0, s)
	assert.Equal(t, 10, e)

	s, e = Paginate(4, 10, 9)
	assert.Equal(t, 4, s)
	assert.Equal(t, 4, e)
}

func TestStoreClose(t *testing.T) {
	var order []int
	s := &Store{}
	s.OnClose(func() error { order = append(order, 1); return nil })
	s.OnClose(func() error { order = append(order, 2); return errors.New("boom") })

	err := s.Close()
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []int{2, 1}, order)
	assert.NoError(t, s.Close())
}

func TestEnumsValid(t *testing.T) {
	assert.True(t, RuntimeCloud.Valid())
	assert.False(t, RuntimeMode("edge").Valid())
	assert.True(t, SyncConflict.Valid())
	assert.True(t, TargetDockerRunner.Valid())
	assert.False(t, Decision("ask").Valid())
}
