// Package idempotency provides the content-hash duplicate-suppression guard
// used by producers before starting a delivery pipeline for a subject.
// Records expire softly: past the TTL they read as absent without being
// eagerly deleted. The Redis implementation lives in the redis subpackage.
package idempotency
