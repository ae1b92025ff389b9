// Package stores provides the persistence layer for ispflow.
// SQLiteStore holds the durable execution log of workflow runs, the managed resource
// table and the append-only audit log, with embedded migrations and WAL mode. BoltArchive
// is the archival sink that receives runs purged by the retention sweep.
package stores
