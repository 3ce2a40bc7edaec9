// Package state persists task snapshots in a key-value store.
//
// # Backends
//
//   - NATSStore: NATS JetStream KV bucket
//   - MemoryStore: in-process map, for tests
//
// # Usage
//
//	b, _ := bus.NewNATSBus(bus.DefaultNATSConfig())
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{
//	    Conn:   b.Conn(),
//	    Bucket: "fragkit-tasks",
//	})
//
//	key := state.Key("tasks", service, taskID)
//	store.Put(ctx, key, data)
//	keys, _ := store.Keys(ctx, "tasks.")
//
// Keys follow the NATS KV alphabet so both backends accept the same keys.
package state
