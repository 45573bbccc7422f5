// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package audit records security-relevant events (logins, lockouts, password
// resets, account creation) to the activity log.
//
// Recording is fire-and-forget: [Pipeline.Record] never blocks and never
// returns an error. Entries are queued on a bounded channel and written by a
// fixed pool of workers. When the store rejects a write the entry is appended
// to a local JSONL write-ahead file and replayed later with
// [Pipeline.ReplayWAL]. When the queue is full the entry is dropped and
// counted.
package audit
