package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// configSchema constrains CUE configuration files. Sections are closed so misspelled keys are
// reported; telemetry stays open and is checked by telemetry.Config.Validate.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Retry: {
	max_attempts?:     int & >=1 & <=100
	initial_interval?: #Duration
	max_interval?:     #Duration
	multiplier?:       number & >=1
	max_elapsed?:      #Duration
}

#Config: {
	store?: {
		path?:              string & !=""
		archive_path?:      string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
		busy_timeout?:      #Duration
	}

	engine?: {
		workers?:            int & >=1 & <=1024
		queue_size?:         int & >=1
		lock_wait?:          #Duration
		step_timeout?:       #Duration
		step_retry?:         #Retry
		compensation_retry?: #Retry
	}

	locking?: {
		backend?:    "memory" | "redis"
		redis_url?:  string
		key_prefix?: string
		ttl?:        #Duration
	}

	reconcile?: {
		leak_threshold?:         #Duration
		stuck_revoke_threshold?: #Duration
		retention?:              #Duration
		orphan_threshold?:       #Duration
		hot_interval?:           #Duration
		cold_interval?:          #Duration
		batch_size?:             int & >=0
		ring_size?:              int & >=0
	}

	metrics?: {
		namespace?: string
		interval?:  #Duration
		buckets?: [...number & >0]
	}

	http?: {
		addr?:            string & !=""
		read_timeout?:    #Duration
		write_timeout?:   #Duration
		idle_timeout?:    #Duration
		request_timeout?: #Duration
		shutdown_grace?:  #Duration
		cors_origins?: [...string]
	}

	telemetry?: {...}

	collaborators?: {
		latency?: {[string]: #Duration}
	}

	workflows?: {
		pool_id?:     string
		prefix_size?: int & >=0 & <=128
		cpe_profile?: string
		cpe_timeout?: #Duration
		run_timeout?: #Duration
	}
}
`

// compileSchema returns the #Config definition.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to look up config schema: %w", err)
	}
	return def, nil
}
