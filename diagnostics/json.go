package diagnostics

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// JSON renders the same snapshots the Collector exports as a single JSON document
func (c *Collector) JSON() []byte {
	writer := jwriter.NewWriter()
	json := writer.Object()

	if c.sources.Budgets != nil {
		json.Name("CurrentFrameIndex").Int(c.sources.Budgets.CurrentFrameIndex())

		heaps := json.Name("Heaps").Object()
		for index, budget := range c.sources.Budgets.SnapshotBudgets() {
			budget := budget
			heap := heaps.Name(fmt.Sprintf("Heap %d", index)).Object()
			budget.WriteJson(&heap)
			heap.End()
		}
		heaps.End()
	}

	if c.sources.Slots != nil {
		pools := json.Name("BindlessPools").Object()
		for _, stats := range c.sources.Slots.Stats() {
			pool := pools.Name(stats.Pool.String()).Object()
			pool.Name("Live").Int(stats.Live)
			pool.Name("Free").Int(stats.Free)
			pool.Name("HighWater").Int(stats.HighWater)
			pool.Name("Capacity").Int(stats.Capacity)
			pool.End()
		}
		pools.End()
	}

	if c.sources.Descriptors != nil {
		stats := c.sources.Descriptors.Stats()
		descriptors := json.Name("Descriptors").Object()
		descriptors.Name("ReadyPools").Int(stats.ReadyPools)
		descriptors.Name("FullPools").Int(stats.FullPools)
		descriptors.Name("NextPoolSets").Int(stats.NextPoolSets)
		descriptors.Name("AllocatedSets").Int(stats.AllocatedSets)
		descriptors.Name("PoolsCreated").Int(stats.PoolsCreated)
		descriptors.Name("GrowthFailures").Int(stats.GrowthFailures)
		descriptors.End()
	}

	json.End()
	return writer.Bytes()
}
