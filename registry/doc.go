// Package registry is the in-memory index of directives and stars.
//
// Directive content is scanned for @probe:, @directive: and @variable:
// references; the extracted ids are stored sorted and deduplicated on the
// directive. Unknown probes and directives only produce warnings since the
// referenced entity may be created later, but a cycle through directive
// references is always rejected. Deletes are guarded against dangling
// references with a *core.ConflictError.
//
// Writes are serialized per entity id and validated against a consistent
// snapshot; reads are concurrent. When a core.CoreStore is configured every
// committed mutation is written through to it.
package registry
