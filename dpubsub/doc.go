// Package dpubsub publishes a sequence of values
// from one writer to many independent readers.
//
// Connections publish their state transitions on a [Stream]:
// a UI goroutine can block on Ready for the next change,
// while a game tick calls [Drain] and never blocks.
package dpubsub
