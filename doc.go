// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package admitcore bounds how many queries run concurrently against
// any one database and streams each query's result back to its caller
// as it becomes available.
//
// A Registry hands out one Broker per database id, created lazily on
// first use. Each Broker is a counting semaphore: Acquire blocks until
// a Permit is free, and Release gives it back. A Permit dropped by a
// buggy caller without being released is reclaimed automatically once
// the garbage collector notices it's unreachable, so a leaked permit
// degrades a broker's throughput rather than exhausting it permanently.
//
// Submit, given an Admitter that wires a Registry to a worker pool,
// returns a ResultHandle the caller awaits right away, and on the pool
// acquires a permit and then runs the work. HTTPAdapter does the same over a long-poll HTTP endpoint,
// using KeepAliveRelay to send heartbeat newlines while the query is
// still running and cancelling the query the moment a heartbeat write
// fails, which is the surest sign the client has gone away.
package admitcore
