package meridian

import "github.com/meridiandb/meridian/model"

// Close stops serving every dataset: subscriptions end, apply loops
// drain and each orchestrator fails its in-flight queries with its
// closed error. The assignment authority keeps its state; closing a
// node-level coordinator never deletes cluster metadata. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	datasets := c.datasets
	c.datasets = make(map[model.DatasetRef]*servedDataset)
	c.mu.Unlock()

	var firstErr error
	for _, ds := range datasets {
		c.manager.Unsubscribe(ds.sub)
		<-ds.done
		if err := ds.orch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.logger.Debug("coordinator closed", "datasets", len(datasets))
	return firstErr
}
