/*
Package config loads and validates the fabricd configuration file.

Configuration is explicit and immutable: Load produces a fully populated
Config with documented defaults for every knob, and a reload builds a new
Config rather than mutating the old one. Components hold the Config they
were given until the service layer hands them a replacement, so a failed
reload can never leave the daemon half-configured.

# File Format

The default path is /etc/fabricd/fabricd.yaml:

	global:
	  tron: false
	  kato: 30                   # bare numbers are seconds
	  reconnect-delay: 60s       # Go duration strings work too
	  ctrl-loss-tmo: 600s        # negative = retry forever, 0 = no retry
	  ip-family: ipv4+ipv6
	  persistent-connections: false
	  connect-attempts-on-ncc: 0 # 0 disables NCC give-up
	host:
	  nqn: file:///etc/nvme/hostnqn
	  id: file:///etc/nvme/hostid
	discovery:
	  zeroconf: enabled
	  zeroconf-connections-persistence: 72h
	io:
	  disconnect-scope: only-managed
	  disconnect-trtypes: [tcp]
	controllers:
	  - transport: tcp
	    traddr: 100.94.0.40
	    trsvcid: 8009
	  - transport: tcp
	    traddr: 100.94.0.41
	    nqn: nqn.2024-01.io.fabricd:subsys-1
	exclude:
	  - traddr: 100.94.0.9

# Controller Entries

A controllers entry without a subsystem NQN is a discovery controller and
receives the well-known discovery NQN. nqn is an alias for subsysnqn.
Omitted trsvcid defaults to the transport's discovery port.

Exclude entries are patterns, not full TIDs: every populated field must
match and empty fields match anything, so a bare traddr excludes that
target on every transport and port. The host-traddr field of an exclude
entry is ignored.

# Host Identity

The host section names the NVMe host NQN and ID, by literal value or by
file:// reference to the files shared with nvme-cli. Missing values are
generated in memory so the daemon still comes up; the hostnqn and hostid
subcommands generate and persist them properly.

# Integration Points

The service layer loads the config at startup and on SIGHUP or a D-Bus
Reload call, then recomputes the desired state set from the new snapshot.
ConnectParams and RetryPolicy assemble the per-controller parameter
bundles handed to the controller state machines.
*/
package config
