package orchestrator

import "sync"

// Event names emitted during workflow runs.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventStepCompleted     = "step.completed"
)

// Handler receives one event payload. Handlers run synchronously on the
// emitting goroutine.
type Handler func(payload any)

// Emitter is a minimal synchronous observer registry scoped to one
// orchestrator instance.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// On registers a handler. Handlers for the same event fire in registration
// order.
func (e *Emitter) On(event string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[string][]Handler)
	}
	e.handlers[event] = append(e.handlers[event], h)
}

// Emit dispatches payload to every handler registered for event.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.handlers[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}
