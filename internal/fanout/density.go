// Package fanout splits one API call into many: one per bounding box and
// time window (Density), or one per time window (Periodic).
package fanout

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/golovatskygroup/bard/internal/params"
	"github.com/golovatskygroup/bard/internal/request"
)

// DefaultWorkers bounds Density when the caller passes workers <= 0.
const DefaultWorkers = 8

// Box is a bounding box in GeoJSON order.
type Box struct {
	SWLng float64 `json:"swlng" yaml:"swlng"`
	SWLat float64 `json:"swlat" yaml:"swlat"`
	NELng float64 `json:"nelng" yaml:"nelng"`
	NELat float64 `json:"nelat" yaml:"nelat"`
}

func (b Box) values() map[string]any {
	return map[string]any{"swlng": b.SWLng, "swlat": b.SWLat, "nelng": b.NELng, "nelat": b.NELat}
}

// Window holds parameter overrides for one time window.
type Window map[string]any

// CallFunc executes one filled container.
type CallFunc func(ctx context.Context, c *params.Container) (*request.Response, error)

// Density runs call once per (window, box) pair with at most workers calls
// in flight. The result is indexed [window][box]. No windows means a single
// window that changes nothing. The first failure cancels the remaining
// calls and is returned.
func Density(ctx context.Context, call CallFunc, base *params.Container, boxes []Box, windows []Window, workers int) ([][]*request.Response, error) {
	if len(windows) == 0 {
		windows = []Window{nil}
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	tasks := make([]*params.Container, 0, len(windows)*len(boxes))
	for w, win := range windows {
		for b, box := range boxes {
			c, err := prepare(ctx, base, win, box)
			if err != nil {
				return nil, fmt.Errorf("window %d box %d: %w", w, b, err)
			}
			tasks = append(tasks, c)
		}
	}

	flat := make([]*request.Response, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range tasks {
		g.Go(func() error {
			resp, err := call(gctx, c)
			if err != nil {
				return fmt.Errorf("window %d box %d: %w", i/len(boxes), i%len(boxes), err)
			}
			flat[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]*request.Response, len(windows))
	for w := range windows {
		out[w] = flat[w*len(boxes) : (w+1)*len(boxes)]
	}
	return out, nil
}

func prepare(ctx context.Context, base *params.Container, win Window, box Box) (*params.Container, error) {
	c := base.Clone()
	if err := c.Update(ctx, win); err != nil {
		return nil, err
	}
	if err := c.Update(ctx, box.values()); err != nil {
		return nil, err
	}
	return c, nil
}
