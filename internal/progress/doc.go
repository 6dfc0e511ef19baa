// Package progress fans calculation snapshots out to sinks and live
// subscribers.
package progress
