/*
Package resource provides the typed resources of dPrim: Map, Set, List,
Lock, LeaderElection, EventLog and StateMachine.

A resource is a named object in one partition. Its client encodes every
operation as a command of the resource's kind, commits it through the
partition log (or reads with the configured consistency) and decodes the
result. Every operation returns a future that resolves on the execution
context of the resource, in the order the operations were committed.

Resources are obtained from a coordinator; a name maps to one instance per
coordinator:

	c, _ := coordinator.New(coordinator.Config{Backend: cluster})
	c.Open()

	m, _ := resource.GetMap[string, int](c, "orders", resource.Options{})
	m.Put(ctx, "a", 1)
	v, err := m.Get(ctx, "a").Get()

Every replica must host the kinds of the resources it serves. Kinds returns
a registry with the built-in kinds and any user defined kinds.

Errors are *primitive.Error values; operations on a closed resource fail
with Closed, operations after the coordinator was closed fail with
CoordinatorClosed.
*/
package resource
