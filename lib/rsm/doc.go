/*
Package rsm implements the replicated state machine layer of dPrim.

Every partition replica owns one Host. The host applies committed log
entries in index order to the resources of the partition. A log entry is an
Envelope: the op (command, query, no-op), the codec of the payload, the
submitter timestamp, the idempotency token, and the kind and name of the
target resource.

Resource kinds are described with Definition and collected in a Registry.
A kind consists of pure transition functions over a typed state:

	counter := rsm.Definition[int64, int64, int64]{
		Name: "counter",
		Apply: func(s int64, delta int64, _ rsm.Meta) (int64, int64, error) {
			return s + delta, s + delta, nil
		},
		Query: func(s int64, _ int64, _ rsm.Meta) (int64, error) {
			return s, nil
		},
	}
	host := rsm.NewHost(rsm.NewRegistry(counter.Kind()), rsm.HostConfig{})

Transitions must be deterministic. Time is only available through Meta.Time,
the timestamp recorded by the submitter, so every replica computes the same
state for the same log. A transition that panics makes the host divergent:
it rejects all further entries with ApplyError until it is reloaded from a
snapshot.
*/
package rsm
