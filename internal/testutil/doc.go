// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing constellations, runs and star fixtures.
// It depends on core only so every package can use it from its tests. The
// helpers are not intended for production usage.
package testutil
