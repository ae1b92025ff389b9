// Package config loads the ispflow service configuration.
//
// A configuration file is either YAML or CUE, chosen by extension. CUE files are unified
// with a built-in closed schema before decoding, so out-of-range values and misspelled keys
// are reported with their file position. Both formats are decoded over Default and then
// checked with validator struct tags.
//
// A minimal CUE file:
//
//	engine: workers: 16
//	locking: {
//	    backend:   "redis"
//	    redis_url: "redis://redis:6379/0"
//	}
//	reconcile: {
//	    leak_threshold:         "24h"
//	    stuck_revoke_threshold: "1h"
//	}
//
// Watcher re-reads the file on change. The serve command uses it to apply new
// reconciliation thresholds without a restart; the other sections take effect on the next
// start.
package config
