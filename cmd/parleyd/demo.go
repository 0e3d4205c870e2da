// ABOUTME: Scripted demo conversation between two in-process modules
// ABOUTME: Walks handshake, negotiation, execution, and termination end to end

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/message"
	"github.com/2389/parley/internal/module"
	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/store"
)

// runDemo drives one complete conversation between a planner and a builder
// module against a throwaway database, printing every persisted turn.
func runDemo(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "parley-demo-*")
	if err != nil {
		return fmt.Errorf("creating demo dir: %w", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	st, err := store.NewSQLiteStore(filepath.Join(dir, "demo.db"))
	if err != nil {
		return fmt.Errorf("opening demo database: %w", err)
	}
	defer st.Close()

	registry := module.NewRegistry(logger)
	notifier := conversation.NewNotifier(logger)
	defer notifier.Close()
	manager := conversation.NewManager(st, registry, notifier, logger)

	builderSchema := protocol.NewSchemaProposal(
		map[string]string{"task": "string"},
		[]string{"task"}, nil)

	builder := module.NewBaseModule("builder", []string{"building"}, builderSchema,
		func(_ context.Context, msg *message.Message, _ *module.Context) (map[string]any, error) {
			task, _ := msg.Content["task"].(string)
			return map[string]any{"status": "done", "task": task}, nil
		}, logger)
	planner := module.NewBaseModule("planner", []string{"planning"}, nil, nil, logger)

	if err := registry.Register(builder); err != nil {
		return err
	}
	if err := registry.Register(planner); err != nil {
		return err
	}

	// Open the conversation with a handshake.
	handshake, err := protocol.NewHandshakeMessage("planner", "builder", "build the release artifact",
		protocol.Requirements{
			CapabilitiesRequired: []string{"building"},
			CapabilitiesOffered:  []string{"planning"},
		})
	if err != nil {
		return err
	}
	if _, err := manager.CreateConversation(ctx, "planner", "builder", handshake); err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	convID := handshake.ConversationID
	color.Cyan("conversation %s\n", convID)

	// Turn 1-2: handshake and acceptance.
	reply, err := routeAndDeliver(ctx, manager, registry, handshake)
	if err != nil {
		return err
	}

	// Turn 3-4: schema negotiation.
	proposal := protocol.NewSchemaProposal(
		map[string]string{"task": "string", "priority": "integer"},
		[]string{"task"}, nil)
	negotiation, err := protocol.NewNegotiationMessage("planner", "builder", convID, reply.TurnNumber+1, proposal)
	if err != nil {
		return err
	}
	if reply, err = routeAndDeliver(ctx, manager, registry, negotiation); err != nil {
		return err
	}

	// Turn 5-6: one execution exchange.
	work, err := protocol.NewExecutionMessage("planner", "builder", convID, reply.TurnNumber+1,
		map[string]any{"task": "package v1.4.0", "priority": 1}, reply.ID)
	if err != nil {
		return err
	}
	if reply, err = routeAndDeliver(ctx, manager, registry, work); err != nil {
		return err
	}

	// Turn 7: termination with a summary.
	termination, err := protocol.NewTerminationMessage("planner", "builder", convID, reply.TurnNumber+1,
		"completed", map[string]any{"turns": reply.TurnNumber + 1})
	if err != nil {
		return err
	}
	if _, err := routeAndDeliver(ctx, manager, registry, termination); err != nil {
		return err
	}

	state, err := manager.GetState(ctx, convID)
	if err != nil {
		return err
	}
	fmt.Println()
	color.Green("conversation %s: status=%s turns=%d", convID, state.Status, state.TurnCount)
	return nil
}

// routeAndDeliver persists a turn, hands it to the target module, and
// persists the module's reply turn. Returns the reply, or the original
// message when the turn has no reply.
func routeAndDeliver(ctx context.Context, manager *conversation.Manager, registry *module.Registry, msg *message.Message) (*message.Message, error) {
	if _, err := manager.RouteMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("routing turn %d: %w", msg.TurnNumber, err)
	}
	printTurn(msg)

	reply, err := registry.Deliver(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("delivering turn %d: %w", msg.TurnNumber, err)
	}
	if reply == nil {
		return msg, nil
	}

	if _, err := manager.RouteMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("routing reply turn %d: %w", reply.TurnNumber, err)
	}
	printTurn(reply)
	return reply, nil
}

func printTurn(msg *message.Message) {
	gray := color.New(color.FgHiBlack)
	fmt.Printf("  turn %d  ", msg.TurnNumber)
	color.New(color.FgYellow).Printf("%-26s", msg.Type)
	fmt.Printf("  %s → %s  ", msg.Source, msg.Target)
	gray.Printf("%v\n", msg.Content)
}
