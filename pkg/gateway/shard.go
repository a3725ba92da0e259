package gateway

import (
	"context"

	"recurix/pkg/event"

	"github.com/cespare/xxhash/v2"
)

// routeInbound drains the inbound queue into per-worker shards. Updates of
// one sender always land on the same shard, so a user's updates are handled
// in arrival order. The shards are closed when routing stops.
func (s *Service) routeInbound(ctx context.Context, shards []chan event.RawUpdate) {
	defer func() {
		for _, shard := range shards {
			close(shard)
		}
	}()

	var unkeyed uint64
	for {
		raw, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		shard := shardFor(raw.SenderID, len(shards), &unkeyed)
		select {
		case shards[shard] <- raw:
		case <-ctx.Done():
			return
		}
	}
}

// shardFor hashes the sender onto a shard. Updates without a sender have no
// order to keep and are spread round robin.
func shardFor(senderID string, shards int, unkeyed *uint64) int {
	if shards <= 1 {
		return 0
	}
	if senderID == "" {
		*unkeyed++
		return int(*unkeyed % uint64(shards))
	}
	return int(xxhash.Sum64String(senderID) % uint64(shards))
}
