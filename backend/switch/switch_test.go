package _switch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBroken = errors.New("broken pipe")

type fakeConn struct {
	id uuid.UUID

	mx       sync.Mutex
	closed   bool
	broken   bool
	received []model.Payload
	attempts int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) IsOpen() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return !c.closed
}

func (c *fakeConn) Send(p model.Payload) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.attempts++
	if c.broken {
		return errBroken
	}
	c.received = append(c.received, p)
	return nil
}

func (c *fakeConn) Close(int, string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closed = true
	return nil
}

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func TestDeliver_Empty(t *testing.T) {
	report := newTestSwitch().Deliver(context.Background(), nil, model.Payload{Data: []byte("x")})
	assert.Equal(t, model.Report{}, report)
}

func TestDeliver_FailuresDoNotAbortBatch(t *testing.T) {
	ok1, broken, closed, ok2 := newFakeConn(), newFakeConn(), newFakeConn(), newFakeConn()
	broken.broken = true
	_ = closed.Close(0, "")

	payload := model.Payload{Data: []byte{1, 2, 3}, Binary: true}
	report := newTestSwitch().Deliver(context.Background(),
		[]model.Conn{ok1, broken, closed, ok2}, payload)

	assert.Equal(t, model.Report{Sent: 2, Failed: 1, Skipped: 1}, report)
	assert.Equal(t, 4, report.Targets())
	assert.Equal(t, []model.Payload{payload}, ok1.received)
	assert.Equal(t, []model.Payload{payload}, ok2.received)
	assert.Equal(t, 1, broken.attempts)
	assert.Equal(t, 0, closed.attempts)
}

func TestDeliver_ClosedDuringBroadcast(t *testing.T) {
	conns := make([]model.Conn, 0, 10)
	fakes := make([]*fakeConn, 10)
	for i := range fakes {
		fakes[i] = newFakeConn()
		conns = append(conns, fakes[i])
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < len(fakes); i += 2 {
			_ = fakes[i].Close(0, "")
		}
	}()
	report := newTestSwitch().Deliver(context.Background(), conns, model.Payload{Data: []byte("frame")})
	wg.Wait()

	assert.Equal(t, 10, report.Targets())
	assert.Equal(t, 0, report.Failed)
	for _, f := range fakes {
		assert.LessOrEqual(t, len(f.received), 1)
	}
}

func TestDeliver_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, b := newFakeConn(), newFakeConn()

	report := newTestSwitch().Deliver(ctx, []model.Conn{a, b}, model.Payload{})
	assert.Equal(t, model.Report{Skipped: 2}, report)
	assert.Equal(t, 0, a.attempts+b.attempts)
}

func TestDeliverTo(t *testing.T) {
	sw := newTestSwitch()
	c := newFakeConn()
	assert.True(t, sw.DeliverTo(c, model.Payload{Data: []byte("hi")}))

	c.broken = true
	assert.False(t, sw.DeliverTo(c, model.Payload{Data: []byte("hi")}))
}
