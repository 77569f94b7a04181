// Package dbusapi exposes the daemon's control and query surface on the
// D-Bus system bus.
//
// The daemon claims org.fabricd.Fabricd1 and exports one object with a
// Manager interface: controller listing and detail queries, log page
// retrieval, process information, and a Reload method that recomputes
// desired state from configuration without restarting. Cache changes and
// discovery controller removals are published as signals, fed from the
// in-process event broker. The Tron property toggles debug tracing at
// runtime.
//
// Every method delegates to the Backend, which the service implements by
// posting a closure to the event loop and waiting for the reply, so no
// D-Bus handler ever touches controller state off-loop.
package dbusapi
