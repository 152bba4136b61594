package postgres

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
)

// IsUniqueViolation reports whether err is a postgres unique-constraint
// violation. The ingest path treats these as "already processed", not as
// failures: concurrent duplicate payload deliveries race on the block hash
// and tx id constraints.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return false
}

// IsHeightConflict reports whether err is a unique violation on the live
// block height index: a live block still occupies the height, so the feed
// applied a fork block without first rolling back the incumbent. Retrying
// cannot resolve this; only a rollback of the incumbent can.
func IsHeightConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == pqUniqueViolation &&
		strings.Contains(pqErr.Constraint, "height")
}

// IsTransient reports whether err is a postgres error worth retrying:
// serialization failures, deadlocks, lock timeouts and resource shortages.
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
		return true
	}
	// Class 53: insufficient resources (too many connections, out of memory).
	return pqErr.Code.Class() == "53"
}
