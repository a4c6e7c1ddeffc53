package metrics

import (
	"context"
	"time"

	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/store"
)

// Collector periodically samples data-model gauges from the store.
type Collector struct {
	store    *store.Store
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a collector sampling every 15 seconds.
func NewCollector(st *store.Store) *Collector {
	return &Collector{
		store:    st,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

// Stop halts collection and waits for the loop to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if n, err := c.store.CountLivingSandboxes(ctx); err == nil {
		SandboxesTotal.Set(float64(n))
	} else {
		log.WithComponent("metrics").Warn().Err(err).Msg("sandbox count failed")
	}

	if counts, err := c.store.CountSessionsByState(ctx); err == nil {
		SessionsTotal.Reset()
		for state, n := range counts {
			SessionsTotal.WithLabelValues(state).Set(float64(n))
		}
	} else {
		log.WithComponent("metrics").Warn().Err(err).Msg("session count failed")
	}

	if managed, external, err := c.store.CountCargos(ctx); err == nil {
		CargosTotal.WithLabelValues("managed").Set(float64(managed))
		CargosTotal.WithLabelValues("external").Set(float64(external))
	} else {
		log.WithComponent("metrics").Warn().Err(err).Msg("cargo count failed")
	}
}
