package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Data Lifecycle Events
	EventPreInsert  EventType = "PreInsert"
	EventPostInsert EventType = "PostInsert"
	EventPreRemove  EventType = "PreRemove"
	EventPostRemove EventType = "PostRemove"

	// Log Events
	EventPostWALRotate    EventType = "PostWALRotate"
	EventPostWALRecovery  EventType = "PostWALRecovery"
	EventPostWriteDropped EventType = "PostWriteDropped"

	// Store Lifecycle
	EventPreOpenStore   EventType = "PreOpenStore"
	EventPostOpenStore  EventType = "PostOpenStore"
	EventPreCloseStore  EventType = "PreCloseStore"
	EventPostCloseStore EventType = "PostCloseStore"
)

// detachedEvents are raised on a log actor's goroutine. Their listeners always
// run asynchronously, so a listener may call back into the store that raised them.
var detachedEvents = map[EventType]bool{
	EventPostWALRotate:    true,
	EventPostWriteDropped: true,
}

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreInsert) cancels the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	// PostWALRotate and PostWriteDropped listeners are always called asynchronously.
	IsAsync() bool
}

// PreInsertPayload contains the data for a PreInsert event.
// Document holds the caller's document value; listeners must treat it as read-only.
type PreInsertPayload struct {
	Table    string
	Key      string
	Document any
}

// NewPreInsertEvent creates a new event for before a document is inserted.
func NewPreInsertEvent(payload PreInsertPayload) HookEvent {
	return &BaseEvent{eventType: EventPreInsert, payload: payload}
}

// PostInsertPayload contains the data for a PostInsert event.
type PostInsertPayload struct {
	Table string
	Key   string
	// Replaced is true when the key held a live document before the insert.
	Replaced bool
	Error    error
}

// NewPostInsertEvent creates a new event for after a document is inserted.
func NewPostInsertEvent(payload PostInsertPayload) HookEvent {
	return &BaseEvent{eventType: EventPostInsert, payload: payload}
}

// PreRemovePayload contains the data for a PreRemove event.
type PreRemovePayload struct {
	Table string
	Key   string
}

// NewPreRemoveEvent creates a new event for before a key is removed.
func NewPreRemoveEvent(payload PreRemovePayload) HookEvent {
	return &BaseEvent{eventType: EventPreRemove, payload: payload}
}

// PostRemovePayload contains the data for a PostRemove event.
type PostRemovePayload struct {
	Table string
	Key   string
	Error error
}

// NewPostRemoveEvent creates a new event for after a key is removed.
func NewPostRemoveEvent(payload PostRemovePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRemove, payload: payload}
}

// PostWALRotatePayload contains information about a WAL rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

// NewPostWALRotateEvent creates an event for after the WAL has been rotated to a new segment.
func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostWALRecoveryPayload contains information about a completed WAL recovery.
type PostWALRecoveryPayload struct {
	Table                 string
	SegmentsRead          int
	RecoveredEntriesCount int
	Duration              time.Duration
	Error                 error
}

// NewPostWALRecoveryEvent creates an event for after WAL recovery is complete.
func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

// PostWriteDroppedPayload describes a best-effort log write that failed after
// the in-memory change was already applied.
type PostWriteDroppedPayload struct {
	Table string
	Bytes int
	Error error
}

// NewPostWriteDroppedEvent creates an event for a failed best-effort log write.
func NewPostWriteDroppedEvent(payload PostWriteDroppedPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWriteDropped, payload: payload}
}

// StoreLifecyclePayload is used for store open/close events.
type StoreLifecyclePayload struct {
	Table string
	Dir   string
}

// NewPreOpenStoreEvent creates an event for before a store opens its log.
func NewPreOpenStoreEvent(payload StoreLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreOpenStore, payload: payload}
}

// NewPostOpenStoreEvent creates an event for after a store has opened.
func NewPostOpenStoreEvent(payload StoreLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostOpenStore, payload: payload}
}

// NewPreCloseStoreEvent creates an event for before a store closes.
func NewPreCloseStoreEvent(payload StoreLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseStore, payload: payload}
}

// NewPostCloseStoreEvent creates an event for after a store has closed.
func NewPostCloseStoreEvent(payload StoreLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCloseStore, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	// First index with a strictly greater priority keeps equal priorities stable.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync() || detachedEvents[event.Type()]

		// Pre-hooks are always synchronous so they can cancel.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
