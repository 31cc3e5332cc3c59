// Package cache defines the CacheProvider contract and its single-tier,
// disk-backed implementation. A provider maps a ConcreteResource onto local
// storage, exposes read/write streams with safe commit semantics (temp file +
// rename, so readers only ever see a complete previous version or nothing),
// and arbitrates concurrent access through a per-path read/write lock table.
//
// Transfer is the handle higher layers operate on: it binds one resource to
// one provider, runs every stream through the configured decorators and fires
// Access/Storage/Deletion/Error events. The dual-tier and content-addressed
// providers live in the fastlocal and pathmapped subpackages.
package cache
