// Package restoreerr classifies vendor errors returned by the target
// connection into a portable ErrorKind, so the dispatcher's retry policy
// never has to switch on a driver-specific error type. Classification
// results are cached by SQLSTATE code in a small bounded LRU, since the
// same handful of codes recur constantly on a noisy restore.
package restoreerr

import (
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind is the portable classification of a vendor error, independent
// of which driver (pgx, lib/pq) produced it.
type ErrorKind int

const (
	// KindUnknown covers anything not explicitly classified below; the
	// retry policy treats it as non-retriable by default.
	KindUnknown ErrorKind = iota
	// KindUndefinedTable means the target table does not exist yet —
	// the expected transient error while a CREATE TABLE from another
	// connection has not yet become visible.
	KindUndefinedTable
	// KindUndefinedSchema means the target database/schema does not
	// exist yet, analogous to KindUndefinedTable one level up.
	KindUndefinedSchema
	// KindConnectionLost covers anything indicating the session itself
	// is gone and must be re-established before retrying.
	KindConnectionLost
	// KindSerializationFailure covers transient transaction conflicts
	// that a bare retry (no reconnect) can resolve.
	KindSerializationFailure
	// KindIgnorableByConfig covers a SQLSTATE the run's ignore_errors
	// configuration names explicitly; the job that produced it is
	// treated as a success rather than retried or failed.
	KindIgnorableByConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindUndefinedTable:
		return "UNDEFINED_TABLE"
	case KindUndefinedSchema:
		return "UNDEFINED_SCHEMA"
	case KindConnectionLost:
		return "CONNECTION_LOST"
	case KindSerializationFailure:
		return "SERIALIZATION_FAILURE"
	case KindIgnorableByConfig:
		return "IGNORABLE_BY_CONFIG"
	default:
		return "UNKNOWN"
	}
}

// Retriable reports whether the scheduler's retry loop should requeue
// the job that produced this error rather than failing it outright.
// KindIgnorableByConfig is deliberately excluded: that error is neither
// retried nor failed, it is converted to a success by the caller.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindUndefinedTable, KindUndefinedSchema, KindConnectionLost, KindSerializationFailure:
		return true
	default:
		return false
	}
}

// RequiresReconnect reports whether the classified error means the
// connection itself is unusable and must be replaced before retrying.
func (k ErrorKind) RequiresReconnect() bool {
	return k == KindConnectionLost
}

const (
	sqlstateUndefinedTable  = "42P01"
	sqlstateInvalidCatalog  = "3D000"
	sqlstateUndefinedSchema = "3F000"
	sqlstateSerialization   = "40001"

	// SQLSTATE class 08 is "connection exception"; every code in that
	// class means the session is gone.
	sqlstateClassConnection = "08"
)

// Classifier maps vendor errors to ErrorKind, caching by SQLSTATE code
// so repeated classification of the same noisy error does not re-walk
// the switch every time.
type Classifier struct {
	cache     *lru.Cache[string, ErrorKind]
	ignoreSet map[string]struct{}
}

// NewClassifier builds a Classifier with a bounded cache of size
// entries and no configured ignore set. SQLSTATE codes are a
// five-character fixed vocabulary, so even a small cache has a
// near-100% hit rate after warmup.
func NewClassifier(size int) *Classifier {
	return NewClassifierWithIgnoreSet(size, nil)
}

// NewClassifierWithIgnoreSet is NewClassifier plus the run's
// ignore_errors set: any SQLSTATE code in ignoreSet classifies
// KindIgnorableByConfig ahead of its normal classification.
func NewClassifierWithIgnoreSet(size int, ignoreSet map[string]struct{}) *Classifier {
	c, err := lru.New[string, ErrorKind](size)
	if err != nil {
		// Only returns an error for size <= 0, which is a programmer
		// error; fall back to a minimally-sized cache rather than a
		// nil one so Classify never panics.
		c, _ = lru.New[string, ErrorKind](1)
	}
	return &Classifier{cache: c, ignoreSet: ignoreSet}
}

// Classify returns the portable ErrorKind for err. nil errors classify
// as KindUnknown with Retriable()==false.
func (c *Classifier) Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return c.classifyCode(pgErr.Code)
	}

	if isConnectionLost(err) {
		return KindConnectionLost
	}

	return KindUnknown
}

func (c *Classifier) classifyCode(code string) ErrorKind {
	if kind, ok := c.cache.Get(code); ok {
		return kind
	}

	kind := c.classifyCodeUncached(code)
	c.cache.Add(code, kind)
	return kind
}

func (c *Classifier) classifyCodeUncached(code string) ErrorKind {
	if _, ignored := c.ignoreSet[code]; ignored {
		return KindIgnorableByConfig
	}
	switch code {
	case sqlstateUndefinedTable:
		return KindUndefinedTable
	case sqlstateInvalidCatalog, sqlstateUndefinedSchema:
		return KindUndefinedSchema
	case sqlstateSerialization:
		return KindSerializationFailure
	}
	if len(code) >= 2 && code[:2] == sqlstateClassConnection {
		return KindConnectionLost
	}
	return KindUnknown
}

func isConnectionLost(err error) bool {
	// pgx surfaces closed/broken connections as plain errors (io.EOF,
	// net.OpError, or its own internal sentinel strings) rather than a
	// PgError, since the server never got to respond with a SQLSTATE.
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"closed pool", "conn closed", "connection reset",
		"broken pipe", "eof", "i/o timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
