// Package store is a small managed-object store backed by SQLite.
//
// A Container opens one store file and its Model. Objects are read and
// written through a Context, which owns an identity map of registered
// objects and a FIFO execution queue. Changes stay local to a context
// until Save commits them in a single transaction; other contexts pick
// them up at their next Fetch, reconciled by their MergePolicy.
//
// # Model
//
// A Model describes entities, their typed attributes, relationships and
// uniqueness constraints. It is built in code with NewModel or loaded from
// a YAML file with LoadModel.
//
// # Queries
//
// A FetchRequest names an entity and carries an optional Predicate and
// SortDescriptors. Predicates are gval expressions evaluated against the
// object's current values, with jsonpath available through "$".
//
// # History
//
// Every save is recorded as a history transaction. Container.ChangeToken
// and Container.History expose it, and the Watcher uses it to tell remote
// writes from local ones.
package store
