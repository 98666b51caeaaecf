package midi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mixsniff/debug"
)

// Ingest runs one port's processing context: it reads bytes from h, frames
// them with f and hands every event to emit, in arrival order. When h is a
// DropCounter, input it shed is reported as a Loss event.
//
// Cancelling ctx closes the handle. Bytes the transport already buffered are
// still framed, a trailing partial message is reported as an incomplete fault,
// and Ingest returns nil. Any other read error ends the port with an error
// wrapping ErrPortLost.
func Ingest(ctx context.Context, h PortHandle, f *Framer, emit func(Event)) error {
	stop := context.AfterFunc(ctx, func() {
		h.Close()
	})
	defer stop()

	debug.Log("ingest", "port %s: started", h.Name())

	counter, _ := h.(DropCounter)
	var dropped uint64
	checkLoss := func(at time.Time) {
		if counter == nil {
			return
		}
		if n := counter.Dropped(); n > dropped {
			emit(Event{Loss: &InputLoss{Port: h.Name(), Time: at, Messages: n - dropped}})
			dropped = n
		}
	}

	for {
		rb, err := h.NextByte()
		if err != nil {
			now := time.Now()
			for _, ev := range f.Close(now) {
				emit(ev)
			}
			checkLoss(now)
			if errors.Is(err, ErrPortClosed) {
				debug.Log("ingest", "port %s: closed", h.Name())
				return nil
			}
			h.Close()
			debug.Warn("ingest", "port %s: lost: %v", h.Name(), err)
			if errors.Is(err, ErrPortLost) {
				return err
			}
			return fmt.Errorf("%w: %s: %v", ErrPortLost, h.Name(), err)
		}
		checkLoss(rb.Time)
		for _, ev := range f.Feed(rb) {
			emit(ev)
		}
	}
}
