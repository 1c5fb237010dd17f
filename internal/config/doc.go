// Package config loads node configuration from a YAML file and VSYNC_*
// environment variables.
//
// Example file:
//
//	node_id: 1
//	members:
//	  - id: 1
//	    addr: 10.0.0.1
//	  - id: 2
//	    addr: 10.0.0.2
//	partition:
//	  policy: fixed
//	  subgroups: 2
//	  shard_size: 1
//	multicast:
//	  window_size: 3
//	  timeout_ms: 100
//
// Nested keys map to environment variables by upper-casing them and
// replacing dots with underscores: multicast.timeout_ms is overridden by
// VSYNC_MULTICAST_TIMEOUT_MS. The member list can only come from the file.
package config
