// Package udevmon delivers kernel uevents for NVMe controller devices.
//
// The monitor subscribes to the kernel's netlink uevent socket, filtered to
// SUBSYSTEM=nvme, and turns raw uevents into typed events the service layer
// can act on: device add/remove, asynchronous event notifications carried in
// NVME_AEN, and the connected/rediscover markers the fabric drivers publish
// in NVME_EVENT. Transport identity is rebuilt from the uevent environment,
// falling back to sysfs attributes when the environment is incomplete.
//
// Callbacks run on the monitor goroutine; consumers post to their event
// loop and return. A broken netlink socket is re-established with backoff
// so a transient failure never silently stops device tracking.
package udevmon
