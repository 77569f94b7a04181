// Package health probes the reachability of fabric endpoints.
//
// The disposal audit uses it to double-check a zeroconf-discovered
// discovery controller before destroying it: an announcement can vanish
// because the announcer restarted while the controller itself is still
// perfectly reachable, and a connection to a reachable controller must not
// be torn down over a missing mDNS packet.
//
// Probes block and are meant to run on the worker pool, never on the event
// loop.
package health
