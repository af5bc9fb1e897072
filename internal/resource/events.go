package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// EventKind identifies a board lifecycle event.
type EventKind int

const (
	EventBoardReset EventKind = iota + 1
	EventBoardPause
	EventBoardResume
	EventDeviceMounted
	EventDeviceUnmounted
)

func (k EventKind) String() string {
	switch k {
	case EventBoardReset:
		return "board-reset"
	case EventBoardPause:
		return "board-pause"
	case EventBoardResume:
		return "board-resume"
	case EventDeviceMounted:
		return "device-mounted"
	case EventDeviceUnmounted:
		return "device-unmounted"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to every handler subscribed to its kind.
type Event struct {
	Kind   EventKind
	Device string
}

// Handler reacts to an event.
type Handler func(Event) error

// Subscription identifies a registered handler.
type Subscription uint64

// HandlerError reports a handler that failed or panicked during Post.
type HandlerError struct {
	Kind  EventKind
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s handler panicked: %v", e.Kind, e.Panic)
	}
	return fmt.Sprintf("%s handler: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type subscriber struct {
	id      Subscription
	kind    EventKind
	handler Handler
}

// EventBus fans events out to subscribed handlers in subscription order.
type EventBus struct {
	mu   sync.Mutex
	next Subscription
	subs []subscriber
	log  *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{log: log}
}

// Subscribe registers h for events of kind.
func (b *EventBus) Subscribe(kind EventKind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, subscriber{id: b.next, kind: kind, handler: h})
	return b.next
}

// Unsubscribe removes a handler. It reports whether the subscription existed.
func (b *EventBus) Unsubscribe(id Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Post delivers ev to every matching handler. All handlers run even if some
// fail; the failures are joined into the returned error.
func (b *EventBus) Post(ev Event) error {
	b.mu.Lock()
	var targets []Handler
	for _, s := range b.subs {
		if s.kind == ev.Kind {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := b.call(h, ev); err != nil {
			b.log.Warn("event handler failed", "event", ev.Kind, "device", ev.Device, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) call(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			herr := &HandlerError{Kind: ev.Kind, Panic: r}
			if e, ok := r.(error); ok {
				herr.Err = e
			}
			err = herr
		}
	}()
	if e := h(ev); e != nil {
		return &HandlerError{Kind: ev.Kind, Err: e}
	}
	return nil
}
