// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package lock

import (
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/redact"
	"github.com/pelagodb/pelago/pkg/util/syncutil"
)

// ResourceType is the level of the lock hierarchy a resource belongs to.
type ResourceType uint8

const (
	// ResourceTypeInvalid is the zero resource type.
	ResourceTypeInvalid ResourceType = iota
	// ResourceTypeGlobal is the process-wide lock above everything else.
	ResourceTypeGlobal
	// ResourceTypeFlush is the journal flush lock of the legacy storage
	// engine, pinned just below the global lock.
	ResourceTypeFlush
	// ResourceTypeDatabase covers a single database.
	ResourceTypeDatabase
	// ResourceTypeCollection covers a single collection.
	ResourceTypeCollection
	// ResourceTypeMutex is a named cooperative mutex outside the hierarchy.
	ResourceTypeMutex

	numResourceTypes = iota
)

var resourceTypeNames = [numResourceTypes]string{
	"Invalid", "Global", "Flush", "Database", "Collection", "Mutex",
}

// String implements fmt.Stringer.
func (t ResourceType) String() string {
	return resourceTypeNames[t]
}

// SafeValue implements redact.SafeValue.
func (t ResourceType) SafeValue() {}

// singletonKey is the key of the one-of-a-kind Global and Flush resources.
const singletonKey uint64 = 1

// ResourceID identifies a lockable resource by hierarchy level and a 64-bit
// key derived from its name. The zero value is invalid.
type ResourceID struct {
	typ ResourceType
	key uint64
}

// ResourceIDGlobal is the singleton global resource.
var ResourceIDGlobal = ResourceID{typ: ResourceTypeGlobal, key: singletonKey}

// ResourceIDFlush is the singleton flush-lock resource of the legacy engine.
var ResourceIDFlush = ResourceID{typ: ResourceTypeFlush, key: singletonKey}

// ResourceIDAdminDatabase identifies the "admin" database, which has special
// escalation rules at the DBLock level.
var ResourceIDAdminDatabase = DatabaseResourceID("admin")

// DatabaseResourceID returns the resource id for the named database.
func DatabaseResourceID(dbName string) ResourceID {
	return ResourceID{typ: ResourceTypeDatabase, key: xxhash.Sum64String(dbName)}
}

// CollectionResourceID returns the resource id for the fully qualified
// namespace "db.collection".
func CollectionResourceID(ns string) ResourceID {
	return ResourceID{typ: ResourceTypeCollection, key: xxhash.Sum64String(ns)}
}

// MutexResourceID returns the resource id for a named cooperative mutex and
// remembers the label for debugging.
func MutexResourceID(label string) ResourceID {
	id := ResourceID{typ: ResourceTypeMutex, key: xxhash.Sum64String(label)}
	mutexLabels.Lock()
	mutexLabels.m[id.key] = label
	mutexLabels.Unlock()
	return id
}

// mutexLabels maps mutex keys back to their debug labels. Hashes are one-way,
// so the label is stashed at construction. Mutexes are few and long-lived.
var mutexLabels = struct {
	syncutil.Mutex
	m map[uint64]string
}{m: make(map[uint64]string)}

// MutexLabel returns the debug label a mutex resource was created with.
func MutexLabel(id ResourceID) string {
	mutexLabels.Lock()
	defer mutexLabels.Unlock()
	return mutexLabels.m[id.key]
}

// Type returns the hierarchy level of the resource.
func (r ResourceID) Type() ResourceType {
	return r.typ
}

// Key returns the 64-bit key of the resource.
func (r ResourceID) Key() uint64 {
	return r.key
}

// IsValid returns whether the id identifies an actual resource.
func (r ResourceID) IsValid() bool {
	return r.typ != ResourceTypeInvalid
}

// Hash returns a bucket-distribution hash for the id.
func (r ResourceID) Hash() uint64 {
	return r.key ^ uint64(r.typ)<<56
}

var _ redact.SafeFormatter = ResourceID{}

// SafeFormat implements redact.SafeFormatter. Hierarchy level and hashed key
// are safe; mutex debug labels are caller-provided and redactable.
func (r ResourceID) SafeFormat(w redact.SafePrinter, _ rune) {
	switch r.typ {
	case ResourceTypeGlobal, ResourceTypeFlush:
		w.Printf("{%v}", r.typ)
	case ResourceTypeMutex:
		if label := MutexLabel(r); label != "" {
			w.Printf("{%v: %s}", r.typ, label)
			return
		}
		fallthrough
	default:
		w.Printf("{%v: %d}", r.typ, r.key)
	}
}

// String implements fmt.Stringer.
func (r ResourceID) String() string {
	return redact.StringWithoutMarkers(r)
}
