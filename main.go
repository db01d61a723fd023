// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("workerai replication - offline-first chat synchronization")
	fmt.Println("==========================================================")
	fmt.Println()
	fmt.Println("workerai replication keeps a local SQLite document store in sync with an")
	fmt.Println("authoritative Postgres store using checkpoint-based push/pull replication")
	fmt.Println("with soft-delete tombstones and idempotent batch apply.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("1. replication/ - server-side engine")
	fmt.Println("   Checkpoint paging (timestamp and offset cursors), push-apply with")
	fmt.Println("   tombstone priority, optional optimistic conflict detection, JWT auth")
	fmt.Println()
	fmt.Println("2. localsync/ - offline-first client")
	fmt.Println("   Durable local document store with reactive queries, pending queue,")
	fmt.Println("   push/pull loops with backoff, lease-based leader election")
	fmt.Println()
	fmt.Println("3. examples/chatserver/ - runnable HTTP server")
	fmt.Println("   Run: cd examples/chatserver && go run .")
	fmt.Println()
}
