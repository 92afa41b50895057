// Package client is the per-host HA coordination client. It talks to the
// local broker over its unix socket (package unixrpc) and owns every policy
// decision of the coordination path: which global flags may be set, how
// status blocks are decoded and filtered, when a host counts as alive and
// when the shared lockspace may be reset.
//
// # Quick start
//
//	var cfg client.ConfigStore = loadHostConfig() // he_local.host_id etc.
//	cli, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	stats, err := cli.GetAllStats(ctx, client.StatAll, 10*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, id := range stats.IDs() {
//	    // id 0 is the global record, stats.Global
//	}
//
// # Errors
//
// Expected control outcomes are typed errors, matched with errors.As or
// errors.Is against the sentinels:
//
//   - *ValidationError: ErrUnknownFlag, ErrInvalidValue, ErrInvalidMode
//   - *ConfigurationError: ErrHostNotConfigured, ErrInvalidHostID
//   - *SafetyCheckError: ErrNotInGlobalMaintenance, ErrActiveAgent
//
// Broker failures surface unchanged as *unixrpc.TransportError (timeouts
// match unixrpc.ErrTimeout) or *api.Fault.
//
// # Consistency
//
// SetGlobalMDFlag reads the global record, changes one flag and writes the
// whole record back. Nothing serialises writers on different hosts; the last
// write wins.
package client
