package driver

import (
	"context"
	"sync"

	"github.com/cuemby/bay/pkg/log"
)

// createGroup creates a batch of containers through d. On any failure every
// container created so far is destroyed before the error returns, so a
// failed batch leaves nothing behind.
func createGroup(ctx context.Context, d Driver, specs []CreateSpec, parallel bool) ([]string, error) {
	ids := make([]string, len(specs))

	rollback := func() {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if err := d.DestroyContainer(context.WithoutCancel(ctx), id); err != nil {
				log.WithComponent("driver").Warn().Err(err).Str("container_id", id).
					Msg("rollback destroy failed")
			}
		}
	}

	err := forEach(len(specs), parallel, func(i int) error {
		id, err := d.CreateContainer(ctx, specs[i])
		if err != nil {
			return err
		}
		ids[i] = id
		return nil
	})
	if err != nil {
		rollback()
		return nil, err
	}
	return ids, nil
}

// startGroup starts a batch of containers and resolves endpoints in member
// order. On any failure every member is stopped before the error returns.
func startGroup(ctx context.Context, d Driver, members []GroupStart, parallel bool) ([]string, error) {
	endpoints := make([]string, len(members))

	rollback := func() {
		for _, m := range members {
			if err := d.StopContainer(context.WithoutCancel(ctx), m.ContainerID); err != nil {
				log.WithComponent("driver").Warn().Err(err).Str("container_id", m.ContainerID).
					Msg("rollback stop failed")
			}
		}
	}

	err := forEach(len(members), parallel, func(i int) error {
		ep, err := d.StartContainer(ctx, members[i].ContainerID, members[i].RuntimePort)
		if err != nil {
			return err
		}
		endpoints[i] = ep
		return nil
	})
	if err != nil {
		rollback()
		return nil, err
	}
	return endpoints, nil
}

// forEach runs fn over n indexes either in order or concurrently. Slots
// written by fn are index-disjoint, so the parallel path only guards the
// first error. Sequential runs stop at the first error; parallel runs let
// in-flight members finish so rollback sees every created id.
func forEach(n int, parallel bool, fn func(i int) error) error {
	if !parallel {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := fn(i); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}
