// Package container manages the lifecycle of containers running CI jobs.
//
// A Manager validates container specs, drives them through the
// created -> running -> stopped -> removed state machine against a
// runtime Backend, and persists the desired and observed state of every
// container in a Store so restarts do not lose track of running work.
// Backend calls that fail with transient errors are retried with
// exponential backoff; containers whose backend record disappears are
// parked in the error state rather than retried forever.
package container
