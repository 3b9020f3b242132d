// Package api exposes the HTTP surface of the intent daemon: synchronous
// runs that return the ordered event log, asynchronous task submission and
// lookup, run history, and the metrics endpoint.
package api
