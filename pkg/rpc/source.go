package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// ErrMissingTail is returned when the source has not yet served the block at the end of a range.
var ErrMissingTail = errors.New("range end block missing")

// Head returns the chain head for scope.
func (c *HTTPClient) Head(ctx context.Context, scope string) (Head, error) {
	var h Head
	if err := c.doJSON(ctx, http.MethodPost, headPath, map[string]any{"scope": scope}, &h); err != nil {
		return Head{}, fmt.Errorf("head %s: %w", scope, err)
	}
	return h, nil
}

// Blocks returns blocks in [from, to] for scope sorted by height, each with events in log order.
// Intermediate heights without events may be omitted, but the block at to must be present since its
// timestamp advances the sweep.
func (c *HTTPClient) Blocks(ctx context.Context, scope string, from, to int64) ([]Block, error) {
	if from > to {
		return nil, nil
	}
	blocks, err := ListPaged[Block](ctx, c, blocksPath, map[string]any{"scope": scope, "from": from, "to": to})
	if err != nil {
		return nil, fmt.Errorf("blocks %s [%d, %d]: %w", scope, from, to, err)
	}
	for i := range blocks {
		if blocks[i].Height < from || blocks[i].Height > to {
			return nil, fmt.Errorf("blocks %s: height %d outside [%d, %d]", scope, blocks[i].Height, from, to)
		}
		sort.SliceStable(blocks[i].Events, func(a, b int) bool {
			return blocks[i].Events[a].LogIndex < blocks[i].Events[b].LogIndex
		})
	}
	sort.SliceStable(blocks, func(a, b int) bool { return blocks[a].Height < blocks[b].Height })
	if len(blocks) == 0 || blocks[len(blocks)-1].Height != to {
		return nil, fmt.Errorf("blocks %s [%d, %d]: %w", scope, from, to, ErrMissingTail)
	}
	return blocks, nil
}

var _ Source = (*HTTPClient)(nil)
