// Package engine runs one notebook cell against a live kernel session and
// decides whether it reproduced its recorded outputs.
//
// STATE MACHINE:
//
// Each cell moves through SUBMITTED -> DRAINING -> COMPLETE | FAILED:
//  1. SUBMITTED: the source is sent with an execute_request and the engine
//     blocks for the matching execute_reply (long timeout).
//  2. DRAINING: iopub messages are consumed one at a time (short timeout)
//     and folded into output records until the kernel reports idle for
//     this request. The short timeout is a safety net for kernels that
//     never publish a correlated idle status, not an error.
//  3. The produced outputs are paired with the recorded ones and each pair
//     is handed to the comparator. Any failing pair fails the cell.
//
// CRITICAL PATTERNS:
//
// Explicit session: RunCell takes the session as an argument. The engine
// never owns, starts or restarts a kernel.
//
// Sequential: one cell is submitted, drained and compared before the next
// is submitted. Messages from other requests are skipped by parent id.
//
// Failures are values: a mismatch is returned as *CellFailure and a
// missing reply as *ExecutionError. Neither tears the session down.
package engine
