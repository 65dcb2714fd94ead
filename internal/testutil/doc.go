// Package testutil contains helpers used across tests to reduce boilerplate
// when building operation descriptors, scripting native providers with
// controlled latency or failure, and recording what hooks and subscribers
// observed. They are not intended for production usage.
package testutil
