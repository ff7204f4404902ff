// Package scan defines the shared types, ports and state machine of the site-audit pipeline.
//
// A Job moves forward through the statuses in pipeline order and may drop into
// StatusFailed from any non-terminal state. Completed and failed jobs never change.
package scan
