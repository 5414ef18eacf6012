// Package queue defines the narrow transport and sink interfaces the
// delivery subsystem speaks to the outside world through, plus the shared
// transient-error classification. Concrete brokers live in subpackages;
// everything above this package depends only on these interfaces.
package queue
