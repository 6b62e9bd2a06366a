// Package event implements cancelable hook chains and a fan-out feed of
// lifecycle notices.
package event

import (
	"context"
)

// Outcome is returned by every hook and filter step.
type Outcome int

const (
	Continue Outcome = iota
	Cancel
)

func (o Outcome) String() string {
	if o == Cancel {
		return "cancel"
	}
	return "continue"
}

// Handler observes or vetoes an event. Handlers may modify the event.
type Handler[E any] func(ctx context.Context, e *E) Outcome

// Chain is an ordered list of handlers for one event type. A Chain is not
// safe for concurrent use; register handlers at startup or on the loop.
type Chain[E any] struct {
	handlers []Handler[E]
}

// On appends h to the chain.
func (c *Chain[E]) On(h Handler[E]) {
	c.handlers = append(c.handlers, h)
}

// Emit runs handlers in registration order and stops at the first Cancel.
func (c *Chain[E]) Emit(ctx context.Context, e *E) Outcome {
	for _, h := range c.handlers {
		if h(ctx, e) == Cancel {
			return Cancel
		}
	}
	return Continue
}

func (c *Chain[E]) Len() int {
	return len(c.handlers)
}
