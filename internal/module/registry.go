// ABOUTME: Manages registered conversation modules, handles registration, and resolves targets.
// ABOUTME: Implements the conversation manager's Resolver so routed messages reach live modules.

package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/message"
	"github.com/2389/parley/internal/protocol"
)

// ErrModuleAlreadyRegistered indicates a module with the same name is already registered.
var ErrModuleAlreadyRegistered = errors.New("module already registered")

// ErrModuleNotFound indicates the specified module was not found.
var ErrModuleNotFound = errors.New("module not found")

// Registry coordinates the modules running inside one process and routes
// conversation messages to them.
type Registry struct {
	modules map[string]ConversationCapable
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		modules: make(map[string]ConversationCapable),
		logger:  logger.With("component", "registry"),
	}
}

// Register adds a module to the registry.
// Returns ErrModuleAlreadyRegistered if a module with the same name exists.
func (r *Registry) Register(mod ConversationCapable) error {
	if mod == nil || mod.Name() == "" {
		return fmt.Errorf("module must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[mod.Name()]; exists {
		return ErrModuleAlreadyRegistered
	}

	r.modules[mod.Name()] = mod
	r.logger.Info("module registered",
		"module", mod.Name(),
		"capabilities", mod.Capabilities(),
		"total_modules", len(r.modules),
	)
	return nil
}

// Unregister removes a module from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[name]; exists {
		delete(r.modules, name)
		r.logger.Info("module unregistered",
			"module", name,
			"total_modules", len(r.modules),
		)
	}
}

// Get retrieves a specific module by name.
func (r *Registry) Get(name string) (ConversationCapable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	return mod, ok
}

// Resolve reports the delivery endpoint for a registered module. Implements
// the conversation manager's Resolver interface; all registry modules are
// in-process.
func (r *Registry) Resolve(name string) (string, bool) {
	if _, ok := r.Get(name); !ok {
		return "", false
	}
	return "local://" + name, true
}

// List returns information about all registered modules.
func (r *Registry) List() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModuleInfo, 0, len(r.modules))
	for _, mod := range r.modules {
		infos = append(infos, ModuleInfo{
			Name:         mod.Name(),
			Capabilities: mod.Capabilities(),
		})
	}
	return infos
}

// Deliver hands a routed message to its target module and builds the reply
// turn from the module's result. Handshake and negotiation turns go through
// the module's protocol handlers; execution turns go through ProcessTurn.
// Returns ErrModuleNotFound when the target is not registered.
func (r *Registry) Deliver(ctx context.Context, msg *message.Message) (*message.Message, error) {
	mod, ok := r.Get(msg.Target)
	if !ok {
		return nil, ErrModuleNotFound
	}

	switch msg.Type {
	case protocol.TypeHandshake:
		h, err := protocol.HandshakeFromMessage(msg)
		if err != nil {
			return nil, err
		}
		resp := mod.HandleHandshake(h)
		return replyFor(msg, mod.Name(), resp)

	case protocol.TypeNegotiation:
		proposal, err := protocol.ProposalFromMessage(msg)
		if err != nil {
			return nil, err
		}
		resp := mod.NegotiateSchema(proposal, msg.ConversationID)
		return replyFor(msg, mod.Name(), resp)

	case protocol.TypeTermination:
		// Termination closes the conversation; there is no reply turn.
		if _, err := mod.ProcessTurn(ctx, msg); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		result, err := mod.ProcessTurn(ctx, msg)
		if err != nil {
			return nil, err
		}
		return message.Reply(msg, mod.Name(), msg.Type, result)
	}
}

// replyFor renders a protocol response as the reply turn. The decision and
// any counter proposal go on the wire so the initiator can act on them.
func replyFor(msg *message.Message, moduleName string, resp *protocol.Response) (*message.Message, error) {
	content := map[string]any{"accepts": resp.Accepts}
	for k, v := range resp.Content {
		content[k] = v
	}
	if resp.NextPhase != nil {
		content["next_phase"] = resp.NextPhase.String()
	}
	if resp.Reason != "" {
		content["reason"] = resp.Reason
	}
	if resp.CounterProposal != nil {
		content["counter_proposal"] = resp.CounterProposal.ToMap()
	}
	if len(resp.CounterCapabilities) > 0 {
		content["counter_capabilities"] = resp.CounterCapabilities
	}
	return message.Reply(msg, moduleName, msg.Type, content)
}

// ModuleInfo contains public information about a registered module.
type ModuleInfo struct {
	Name         string
	Capabilities []string
}
