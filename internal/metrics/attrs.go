package metrics

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// ShardKey annotates a per-shard measurement with its shard index.
const ShardKey = "shard"

func shardAttr(shard int) attribute.KeyValue {
	return attribute.String(ShardKey, strconv.Itoa(shard))
}
