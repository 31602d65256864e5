package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/actiond/internal/rest"
)

// actionDefs caches the org's action id to display name mapping. Misses
// trigger one refresh via GET /actions; concurrent misses share a single
// REST call.
type actionDefs struct {
	client rest.Client

	mu    sync.RWMutex
	names map[int]string
	group singleflight.Group
}

func newActionDefs(client rest.Client) *actionDefs {
	return &actionDefs{client: client, names: make(map[int]string)}
}

type actionEntity struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type actionList struct {
	Entities []actionEntity `json:"entities"`
}

// Name resolves an action id to its display name, refreshing the cache
// once on a miss. A second miss is an error for that message path.
func (d *actionDefs) Name(ctx context.Context, actionID int) (string, error) {
	d.mu.RLock()
	name, ok := d.names[actionID]
	d.mu.RUnlock()
	if ok {
		return name, nil
	}

	if err := d.refresh(ctx); err != nil {
		return "", fmt.Errorf("refresh action definitions: %w", err)
	}

	d.mu.RLock()
	name, ok = d.names[actionID]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("action %d is not defined in the org", actionID)
	}
	return name, nil
}

// refresh reloads the cache. Concurrent callers piggyback on one call.
func (d *actionDefs) refresh(ctx context.Context) error {
	_, err, _ := d.group.Do("refresh", func() (any, error) {
		var list actionList
		if err := d.client.Get(ctx, "/actions", &list); err != nil {
			return nil, err
		}
		names := make(map[int]string, len(list.Entities))
		for _, e := range list.Entities {
			names[e.ID] = e.Name
		}
		d.mu.Lock()
		d.names = names
		d.mu.Unlock()
		return nil, nil
	})
	return err
}
