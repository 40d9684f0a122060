// Package request correlates outbound stanzas with their responses.
//
// Every query gets a process-unique id of the form "<prefix>.<n>" where the
// prefix is random per Correlator and n increases monotonically. The waiter
// is registered before the stanza is written, so a response can never
// arrive unclaimed. A waiter is removed when it resolves, when its timeout
// fires or when the connection closes, whichever happens first.
//
// Do wraps a query in a fixed-delay retry loop. Only requests marked
// idempotent are retried, and only for timeouts and server-side (5xx)
// errors.
package request
