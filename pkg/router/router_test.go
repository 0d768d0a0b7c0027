package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pestras/micro/pkg/errors"
	"github.com/pestras/micro/pkg/logging"
)

type calls struct {
	names []string
	data  []string
}

func (c *calls) handler(name string) Handler {
	return func(ctx context.Context, data json.RawMessage) {
		c.names = append(c.names, name)
		c.data = append(c.data, string(data))
	}
}

func newTestRouter() *Router {
	return New(logging.NewNopLogger())
}

func TestRouter_PublishIsIgnored(t *testing.T) {
	c := &calls{}
	r := newTestRouter()
	r.AddReceiver("orders", map[string]Handler{"publish": c.handler("publish")}, true)
	r.Register("publish", "orders", "publish")

	assert.False(t, r.Dispatch(context.Background(), Envelope{Message: "publish", Data: json.RawMessage(`1`)}))
	assert.Empty(t, c.names)
}

func TestRouter_LastRegistrationWins(t *testing.T) {
	c := &calls{}
	r := newTestRouter()
	r.AddReceiver("orders", map[string]Handler{
		"created":  c.handler("created"),
		"archived": c.handler("archived"),
	}, true)

	r.Register("order", "orders", "created")
	r.Register("order", "orders", "archived")

	require.True(t, r.Dispatch(context.Background(), Envelope{Message: "order", Data: json.RawMessage(`{"id":7}`)}))
	assert.Equal(t, []string{"archived"}, c.names)
	assert.Equal(t, []string{`{"id":7}`}, c.data)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, Binding{Owner: "orders", Method: "archived"}, r.Bindings()["order"])
}

func TestRouter_OwnerResolution(t *testing.T) {
	mainCalls := &calls{}
	subCalls := &calls{}
	r := newTestRouter()
	r.AddReceiver("main", map[string]Handler{"sync": mainCalls.handler("sync")}, true)
	r.AddReceiver("billing", map[string]Handler{"sync": subCalls.handler("sync")}, false)

	r.Register("sync-billing", "billing", "sync")
	r.Register("sync-reports", "reports", "sync")

	ctx := context.Background()
	assert.True(t, r.Dispatch(ctx, Envelope{Message: "sync-billing"}))
	assert.Len(t, subCalls.names, 1)
	assert.Empty(t, mainCalls.names)

	assert.True(t, r.Dispatch(ctx, Envelope{Message: "sync-reports"}), "not running owner falls back to main")
	assert.Len(t, mainCalls.names, 1)

	r.RemoveReceiver("billing")
	assert.True(t, r.Dispatch(ctx, Envelope{Message: "sync-billing"}))
	assert.Len(t, mainCalls.names, 2)
	assert.Len(t, subCalls.names, 1)
}

func TestRouter_DropsUnknownAndMissing(t *testing.T) {
	c := &calls{}
	r := newTestRouter()
	r.AddReceiver("main", map[string]Handler{"known": c.handler("known"), "nil": nil}, true)
	r.Register("missing", "main", "notThere")
	r.Register("nil", "main", "nil")

	ctx := context.Background()
	assert.False(t, r.Dispatch(ctx, Envelope{Message: "never-registered"}))
	assert.False(t, r.Dispatch(ctx, Envelope{Message: "missing"}))
	assert.False(t, r.Dispatch(ctx, Envelope{Message: "nil"}))
	assert.Empty(t, c.names)
}

func TestRouter_NoReceivers(t *testing.T) {
	r := newTestRouter()
	r.Register("orphan", "ghost", "handle")
	assert.False(t, r.Dispatch(context.Background(), Envelope{Message: "orphan"}))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("order", map[string]int{"id": 7}, "")
	require.NoError(t, err)
	assert.Equal(t, TargetAll, env.Target)
	assert.JSONEq(t, `{"id":7}`, string(env.Data))

	var decoded struct{ ID int }
	require.NoError(t, env.Decode(&decoded))
	assert.Equal(t, 7, decoded.ID)

	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"order","data":{"id":7},"target":"all"}`, string(encoded))

	_, err = NewEnvelope("", nil, TargetAll)
	assert.True(t, errors.IsValidationError(err))

	_, err = NewEnvelope("order", nil, "everyone")
	assert.True(t, errors.IsValidationError(err))

	_, err = NewEnvelope("order", func() {}, TargetOthers)
	assert.True(t, errors.IsMessageError(err))

	empty, err := NewEnvelope("ping", nil, TargetOthers)
	require.NoError(t, err)
	assert.Nil(t, empty.Data)
	assert.NoError(t, empty.Decode(&decoded))
}
