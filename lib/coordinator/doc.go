/*
Package coordinator is the entry point of dPrim clients. A Coordinator runs
on a replication backend (the in-process replica.Cluster or the dragonboat
based raftengine.Engine), routes resource names to partitions and keeps a
registry with at most one instance per resource name.

Lifecycle:

	c, err := coordinator.New(coordinator.Config{Backend: backend})
	if err != nil { ... }
	if _, err := c.Open().Get(); err != nil { ... }
	defer c.Close()

Open starts the backend and resolves once every partition has a primary.
Resources can be created before that; their operations wait for Open.
Close fails every pending and later operation with CoordinatorClosed and
stops the backend.

Resource packages build their types with CreateResource. The constructor
receives a Control, which hands out the StateLog of the resource and ties it
to the lifecycle of the coordinator.
*/
package coordinator
