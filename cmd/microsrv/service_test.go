package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pestras/micro/pkg/lifecycle"
	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
	"github.com/pestras/micro/pkg/shared"
)

type sentMessage struct {
	name   string
	data   interface{}
	target router.Target
}

type fakeHost struct {
	mutex  sync.Mutex
	sent   []sentMessage
	store  *shared.Store
	worker int
}

func newFakeHost(worker int) *fakeHost {
	return &fakeHost{store: shared.NewStore(), worker: worker}
}

func (h *fakeHost) Message(ctx context.Context, name string, data interface{}, target router.Target) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.sent = append(h.sent, sentMessage{name: name, data: data, target: target})
	return nil
}

func (h *fakeHost) Exit(code int, sig os.Signal) {}
func (h *fakeHost) Shared() *shared.Store        { return h.store }
func (h *fakeHost) Status() lifecycle.Status     { return lifecycle.StatusLive }
func (h *fakeHost) Logger() logging.Logger       { return logging.NewNopLogger() }
func (h *fakeHost) WorkerID() int                { return h.worker }

func TestCounterService_IncAnnouncesTotal(t *testing.T) {
	host := newFakeHost(2)
	counter := newCounterService()
	counter.SetHost(host)

	counter.OnStdin("inc")
	counter.OnStdin(" INC ")
	counter.OnStdin("unknown")

	require.Len(t, host.sent, 2)
	assert.Equal(t, "counted", host.sent[1].name)
	assert.Equal(t, router.TargetAll, host.sent[1].target)
	assert.Equal(t, countedEvent{Worker: 2, Total: 2}, host.sent[1].data)

	total, err := counter.SharedMethods()["total"](context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestCounterService_ReadyFollowsLifecycle(t *testing.T) {
	counter := newCounterService()
	counter.SetHost(newFakeHost(0))
	assert.False(t, counter.Ready())

	counter.OnReady(context.Background())
	assert.True(t, counter.Ready())

	counter.OnExit(0, nil)
	assert.False(t, counter.Ready())
}

func TestCountedHandler_RecordsIntoAudit(t *testing.T) {
	host := newFakeHost(1)
	audit := newAuditSubservice()
	for key, fn := range audit.SharedMethods() {
		host.store.Put(key, fn)
	}

	counter := newCounterService()
	counter.SetHost(host)

	data, err := json.Marshal(countedEvent{Worker: 3, Total: 7})
	require.NoError(t, err)
	counter.MessageHandlers()["counted"](context.Background(), data)
	counter.MessageHandlers()["counted"](context.Background(), json.RawMessage(`{broken`))

	audit.mutex.Lock()
	assert.Equal(t, []countedEvent{{Worker: 3, Total: 7}}, audit.events)
	audit.mutex.Unlock()

	audit.MessageHandlers()["reset"](context.Background(), nil)
	audit.mutex.Lock()
	assert.Empty(t, audit.events)
	audit.mutex.Unlock()
}

func TestAuditSubservice_RecordBounds(t *testing.T) {
	audit := newAuditSubservice()
	record := audit.SharedMethods()["record"]

	for i := 0; i < auditCapacity+5; i++ {
		_, err := record(context.Background(), countedEvent{Total: int64(i)})
		require.NoError(t, err)
	}
	assert.Len(t, audit.events, auditCapacity)
	assert.Equal(t, int64(5), audit.events[0].Total)

	_, err := record(context.Background(), "not an event")
	assert.Error(t, err)
}

func TestClockPlugin_SharesUptime(t *testing.T) {
	clock := &clockPlugin{}
	require.NoError(t, clock.Init(context.Background()))

	uptime, err := clock.SharedMethods()["uptime"](context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, uptime)
}
