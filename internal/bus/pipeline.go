package bus

import (
	"context"
	"fmt"

	"github.com/rendis/playbooks/internal/store"
)

// ConsumeContext travels through a subscriber's filters to its handler. It is
// built fresh for every delivery attempt so enrichment always reflects a fresh
// read of the store.
type ConsumeContext struct {
	Message Message
	Attempt int

	// Filled in by enrichment filters.
	Organization *store.Organization
	Playbook     *store.Playbook
	Run          *store.PlaybookRun
	Group        *store.PlaybookRunGroup
}

// Handler consumes a message once every filter has passed it on.
type Handler func(ctx context.Context, cc *ConsumeContext) error

// Filter is a pipeline stage. It either calls next or stops the pipeline. A
// filter that returns nil without calling next drops the message for good.
type Filter interface {
	Apply(ctx context.Context, cc *ConsumeContext, next Handler) error
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, cc *ConsumeContext, next Handler) error

func (f FilterFunc) Apply(ctx context.Context, cc *ConsumeContext, next Handler) error {
	return f(ctx, cc, next)
}

// Chain wraps h with filters; the first filter runs first.
func Chain(h Handler, filters ...Filter) Handler {
	for i := len(filters) - 1; i >= 0; i-- {
		f, next := filters[i], h
		h = func(ctx context.Context, cc *ConsumeContext) error {
			return f.Apply(ctx, cc, next)
		}
	}
	return h
}

// guard turns a panic anywhere in the pipeline into an error, so a bad
// handler costs a redelivery instead of a partition goroutine.
func guard(h Handler) Handler {
	return func(ctx context.Context, cc *ConsumeContext) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic handling %s: %v", cc.Message.MessageType(), r)
			}
		}()
		return h(ctx, cc)
	}
}
