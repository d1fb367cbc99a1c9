// Package task defines the persisted unit of work, its lifecycle and the
// store contract every backend implements.
//
// # Lifecycle
//
//	init ──claim──► executing ──completed──► succeed
//	                    │
//	                    ├──incomplete, policy retries──► retrying ──claim──► executing
//	                    │
//	                    └──incomplete, policy stops────► failed
//
//	handler or payload cannot be resolved ──► unrecognized
//
// succeed, failed and unrecognized are terminal. failed and unrecognized
// tasks only move again through an operator requeue.
//
// # Claims
//
// A claim stamps a task with the owner's instance id, sets it executing
// and refreshes its update time. The claim is honoured for a lease; an
// executing task whose update time is older than the lease is considered
// abandoned and may be claimed by any instance.
package task
