// Package contrib — adapter.go
//
// Plugin interface for custom execution adapters.
//
// The sentinel pipeline decides whether an agent's proposed action may
// proceed; it never performs the action itself. Carrying out an allowed
// action is delegated to an ExecutionAdapter, an external collaborator the
// pipeline calls only when a SafetyDecision's Allowed field is true.
//
// Plugin registration:
//   Plugins register themselves in an init() function using
//   RegisterAdapter(). A host looks an adapter up by name with GetAdapter().
//   The config file has no adapter-selection key; the sentinel daemon
//   always binds NoopAdapter ("noop").
//
// Plugin contract:
//   - Execute() must be safe to call from a single goroutine per session;
//     the pipeline never calls it concurrently for the same session.
//   - Execute() may block or run asynchronously; the pipeline imposes no
//     timeout of its own (see the pipeline's concurrency notes).
//   - Execute() must not panic; a thrown panic is treated by the pipeline
//     as an internal fault and downgraded to a synthetic FAILED result.
//   - Name() must return a stable, unique string.
//
// Example plugin (contrib/adapters/shell/shell.go):
//
//   package shell
//
//   import "github.com/octoreflex/sentinel/contrib"
//
//   func init() {
//     contrib.RegisterAdapter(&ShellAdapter{})
//   }
//
//   type ShellAdapter struct{}
//
//   func (s *ShellAdapter) Name() string { return "shell" }
//
//   func (s *ShellAdapter) Execute(req contrib.ExecutionRequest) (contrib.ExecutionOutcome, error) {
//     // run the agent's proposed action, return its outcome
//   }

package contrib

import (
	"fmt"
	"sync"

	"github.com/octoreflex/sentinel/internal/types"
)

// ExecutionRequest is the input to ExecutionAdapter.Execute(). It carries
// the decision that authorized the call and the event that produced it,
// giving adapters enough context to act without reaching back into the
// pipeline's internal state.
type ExecutionRequest struct {
	// SessionID identifies the pipeline session this request belongs to.
	SessionID string

	// Decision is the SafetyDecision that authorized this call.
	// Decision.Allowed is always true: the pipeline never calls Execute
	// for a vetoed decision.
	Decision types.SafetyDecision

	// Event is the AgentEvent that produced Decision.
	Event types.AgentEvent
}

// ExecutionOutcome is the adapter's report of what happened, translated by
// the pipeline into a types.ExecutionResult.
type ExecutionOutcome struct {
	// Status reports how the action concluded.
	Status types.ExecutionStatus

	// TokensUsed is the actual token cost of carrying out the action, which
	// may differ from the originating event's estimate.
	TokensUsed int

	// LatencyMs is how long the action took to complete.
	LatencyMs int64
}

// ExecutionAdapter is the interface custom execution adapters must
// implement.
type ExecutionAdapter interface {
	// Name returns the unique identifier for this adapter.
	Name() string

	// Execute carries out an allowed action and reports its outcome.
	// Returning an error is treated the same as a panic: the pipeline
	// downgrades the result to FAILED and emits ERROR telemetry.
	Execute(req ExecutionRequest) (ExecutionOutcome, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]ExecutionAdapter)
)

// RegisterAdapter registers a custom execution adapter.
// Panics if an adapter with the same name is already registered.
// Call from init() functions in plugin packages.
func RegisterAdapter(a ExecutionAdapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[a.Name()]; exists {
		panic(fmt.Sprintf("contrib: adapter %q already registered", a.Name()))
	}
	registry[a.Name()] = a
}

// GetAdapter returns the registered adapter with the given name.
func GetAdapter(name string) (ExecutionAdapter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: adapter %q not registered (available: %v)", name, listNames())
	}
	return a, nil
}

// ListAdapters returns the names of all registered adapters.
func ListAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// NoopAdapter is a reference adapter that reports every request as
// successfully executed without performing any action. Used for dry runs,
// tests, and as the default when no host adapter is configured.
// Registered as "noop".
type NoopAdapter struct{}

func init() {
	RegisterAdapter(&NoopAdapter{})
}

func (n *NoopAdapter) Name() string { return "noop" }

func (n *NoopAdapter) Execute(req ExecutionRequest) (ExecutionOutcome, error) {
	return ExecutionOutcome{
		Status:     types.StatusSuccess,
		TokensUsed: req.Event.TokenCount,
		LatencyMs:  0,
	}, nil
}
