// ABOUTME: Tests for the module registry and in-process delivery
// ABOUTME: Covers registration lifecycle, target resolution, and reply construction

package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/message"
	"github.com/2389/parley/internal/protocol"
)

func echoModule(name string, capabilities ...string) *BaseModule {
	return NewBaseModule(name, capabilities, nil,
		func(_ context.Context, msg *message.Message, _ *Context) (map[string]any, error) {
			return map[string]any{"echoed": msg.Content["value"]}, nil
		}, nil)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(echoModule("planner", "planning")))

	mod, ok := reg.Get("planner")
	require.True(t, ok)
	assert.Equal(t, "planner", mod.Name())
	assert.Equal(t, []string{"planning"}, mod.Capabilities())

	_, ok = reg.Get("builder")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(echoModule("planner")))
	err := reg.Register(echoModule("planner"))
	require.ErrorIs(t, err, ErrModuleAlreadyRegistered)
}

func TestRegistryRejectsUnnamedModule(t *testing.T) {
	reg := NewRegistry(nil)

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(echoModule("")))
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoModule("planner")))

	reg.Unregister("planner")

	_, ok := reg.Get("planner")
	assert.False(t, ok)

	// Unregistering again is a no-op.
	reg.Unregister("planner")
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoModule("planner")))

	endpoint, ok := reg.Resolve("planner")
	require.True(t, ok)
	assert.Equal(t, "local://planner", endpoint)

	_, ok = reg.Resolve("builder")
	assert.False(t, ok)
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoModule("planner", "planning")))
	require.NoError(t, reg.Register(echoModule("builder", "building")))

	infos := reg.List()
	require.Len(t, infos, 2)
	names := []string{infos[0].Name, infos[1].Name}
	assert.ElementsMatch(t, []string{"planner", "builder"}, names)
}

func TestRegistryDeliverExecutionTurn(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoModule("builder")))

	msg, err := message.New("planner", "builder", protocol.TypeExecution, "conv-1", 3,
		map[string]any{"value": 42})
	require.NoError(t, err)

	reply, err := reg.Deliver(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "builder", reply.Source)
	assert.Equal(t, "planner", reply.Target)
	assert.Equal(t, 4, reply.TurnNumber)
	assert.Equal(t, msg.ID, reply.InReplyTo)
	assert.Equal(t, 42, reply.Content["echoed"])
}

func TestRegistryDeliverHandshake(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoModule("builder", "building", "testing")))

	msg, err := protocol.NewHandshakeMessage("planner", "builder", "build artifact",
		protocol.Requirements{CapabilitiesRequired: []string{"building"}})
	require.NoError(t, err)

	reply, err := reg.Deliver(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, 2, reply.TurnNumber)
	assert.Equal(t, true, reply.Content["accepts"])
	assert.Equal(t, "negotiation", reply.Content["next_phase"])
}

func TestRegistryDeliverHandshakeRejection(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoModule("builder", "building")))

	msg, err := protocol.NewHandshakeMessage("planner", "builder", "deploy",
		protocol.Requirements{CapabilitiesRequired: []string{"deployment"}})
	require.NoError(t, err)

	reply, err := reg.Deliver(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, false, reply.Content["accepts"])
	assert.NotContains(t, reply.Content, "next_phase")
	assert.NotEmpty(t, reply.Content["reason"])
	assert.Equal(t, []string{"building"}, reply.Content["counter_capabilities"])
}

func TestRegistryDeliverNegotiation(t *testing.T) {
	reg := NewRegistry(nil)
	required := protocol.NewSchemaProposal(
		map[string]string{"task": "string"},
		[]string{"task"}, nil)
	mod := NewBaseModule("builder", []string{"building"}, required, nil, nil)
	require.NoError(t, reg.Register(mod))

	proposal := protocol.NewSchemaProposal(
		map[string]string{"task": "string", "priority": "integer"},
		[]string{"task"}, nil)
	msg, err := protocol.NewNegotiationMessage("planner", "builder", "conv-1", 2, proposal)
	require.NoError(t, err)

	reply, err := reg.Deliver(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, true, reply.Content["accepts"])
	assert.Equal(t, "execution", reply.Content["next_phase"])
}

func TestRegistryDeliverTerminationHasNoReply(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(echoModule("builder")))

	msg, err := protocol.NewTerminationMessage("planner", "builder", "conv-1", 4,
		"completed", map[string]any{"turns": 4})
	require.NoError(t, err)

	reply, err := reg.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestRegistryDeliverUnknownTarget(t *testing.T) {
	reg := NewRegistry(nil)

	msg, err := message.New("planner", "builder", protocol.TypeExecution, "conv-1", 3,
		map[string]any{"value": 1})
	require.NoError(t, err)

	_, err = reg.Deliver(context.Background(), msg)
	require.ErrorIs(t, err, ErrModuleNotFound)
}
