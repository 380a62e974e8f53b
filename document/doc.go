// Package document implements the dynamic value model shared by the
// datastore, its indexes, and its log format.
//
// A document is a tree-shaped value: a mapping whose leaves are nil, bool,
// float64, string, time.Time, []any, or a nested mapping. The package
// provides deep copying, key validation, dotted-path access, a total order
// across all value types, the canonical text serialization used by the
// append-only log, and the query match / update modifier engines.
package document
