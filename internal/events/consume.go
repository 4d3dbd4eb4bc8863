package events

import (
	"context"
	"errors"

	"github.com/nhle/mailcore/internal/model"
)

// Source is anything events can be drained from.
type Source interface {
	Pop(ctx context.Context) (model.Event, error)
}

// Consume calls handle for every event popped from src until the source is
// closed or ctx is done. State the handler needs is captured by the closure
// itself. A closed source ends the loop with a nil error.
func Consume(ctx context.Context, src Source, handle func(model.Event)) error {
	for {
		ev, err := src.Pop(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		handle(ev)
	}
}
