package handler

import (
	"context"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/memtree/memengine/internal/types"
)

// ServeWatch implements query.watch (§4 supplemented feature, additive
// over §6 Query & Context): the client sends one QuerySpec as its first
// message, and the connection then re-emits the query's result every time
// a write invalidates the cache, until the client disconnects. Grounded
// on cmd/bd's OpListWatch long-poll semantics, re-expressed over a
// WebSocket transport per SPEC_FULL §3.
func (h *Handler) ServeWatch(ctx context.Context, conn *websocket.Conn, p Principal) error {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var spec types.QuerySpec
	if err := wsjson.Read(ctx, conn, &spec); err != nil {
		return err
	}

	invalidated, cancel := h.cache.Subscribe()
	defer cancel()

	run := func() error {
		result, err := h.Query(ctx, p, spec)
		if err != nil {
			return wsjson.Write(ctx, conn, watchError{Error: err.Error()})
		}
		return wsjson.Write(ctx, conn, result)
	}

	if err := run(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-invalidated:
			// Debounce a short burst of writes into one re-run.
			time.Sleep(25 * time.Millisecond)
			drain(invalidated)
			if err := run(); err != nil {
				return err
			}
		}
	}
}

type watchError struct {
	Error string `json:"error"`
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
