// Package state is the kernel's entity state store.
//
// The Store maps entity ids ("light.kitchen") to immutable State snapshots.
// Every mutation fires exactly one state_changed event on the bus after the
// store has been updated, so a listener that reads the store sees at least
// the state carried by the event.
//
// Reads never take a lock: the store publishes a new copy-on-write map on
// every write and readers load the current map atomically. Writes are
// serialised by a mutex, which also orders the state_changed events of a
// single entity.
package state
