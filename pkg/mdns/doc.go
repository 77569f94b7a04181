/*
Package mdns browses DNS-SD announcements of NVMe discovery controllers.

Storage appliances announce their discovery endpoints under the
_nvme-disc._tcp service type in the local. domain. The browser sends
standing multicast PTR queries on every eligible interface and folds the
answers into candidate discovery controller identities that feed desired
state.

# Resolution

A PTR answer names a service instance and creates a pending entry keyed by
(interface, instance, service type). The instance resolves once its SRV
record and at least one address record for the SRV target are known:

	transport   TXT key "p"        (default tcp)
	traddr      A or AAAA record   of the SRV target
	trsvcid     SRV port
	subsysnqn   TXT key "nqn"      (default well-known discovery NQN)
	host-iface  receiving interface

The announced unique NQN is honored only when the kernel can connect
through one (TP8013); otherwise the candidate gets the well-known NQN. The
same announcer heard on two interfaces yields two candidates, one per
interface, because connections are pinned to the interface they were
discovered on.

# Lifetime

Goodbye packets (TTL 0) remove an instance immediately. Every query cycle
re-enumerates interfaces, re-sends the standing queries, and expires
instances whose PTR lifetime lapsed without a refresh. The ip-family knob
decides which address families are browsed and which address records are
accepted.

Callbacks run on browser goroutines. The daemon posts them to its event
loop; nothing here touches controller state directly.
*/
package mdns
