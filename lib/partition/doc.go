/*
Package partition manages partition metadata and routes requests to the
current primary of a partition.

# Partitions and terms

A partition is a shard of the resource namespace. Each partition has a
term, a primary and a list of backups. The term increases exactly when a
new primary is established. The Table stores the latest known metadata and
rejects observations with a lower term than the highest one seen, so term
monotonicity holds for every reader of the table.

# Routing

The Router maps resource names to partitions (FNV-1a hash modulo the
partition count). The Client (the primitive client used by every resource)
submits requests to the cached primary of a partition and re-resolves the
primary on NotLeader, TermMismatch and transport failures:

	client := partition.NewClient(transport, metadata, partition.ClientConfig{})
	resp, err := client.Submit(ctx, &partition.Request{
		Partition: 1,
		Op:        partition.OpCommand,
		Data:      envelope,
	})

Retries are bounded by ClientConfig and by the context deadline. If no
primary can be reached, the error carries the code PartitionUnavailable,
the partition id and the last known term.
*/
package partition
