// Package fault classifies errors surfaced by the storage, session and
// network layers into the action the caller should take.
//
// The classifier is the single place that knows driver-specific error shapes
// (pgconn SQLSTATE codes, net errors, redis pool errors). Everything above it
// reasons in terms of Action.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Action is what the caller should do with a classified error.
type Action int

const (
	// ActionNone means there was no error.
	ActionNone Action = iota
	// ActionUnavailable: transient connectivity failure. Respond "service
	// temporarily unavailable" and do not retry within the request.
	ActionUnavailable
	// ActionSwallow: a schema or constraint race (the object already exists).
	// Continue as success.
	ActionSwallow
	// ActionRecoverSession: the session payload is corrupt. Discard it and
	// continue with an empty request-scoped placeholder.
	ActionRecoverSession
	// ActionSurface: unclassified. Surface generically, redacted outside debug.
	ActionSurface
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionUnavailable:
		return "unavailable"
	case ActionSwallow:
		return "swallow"
	case ActionRecoverSession:
		return "recover-session"
	case ActionSurface:
		return "surface"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

var (
	// ErrTransient marks an error as a transient backend failure.
	ErrTransient = errors.New("transient backend failure")
	// ErrAlreadyExists marks an error as a benign "already created" race.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrCorruptSession marks an undecodable session payload.
	ErrCorruptSession = errors.New("corrupt session payload")
)

// Transient wraps err so that it classifies as ActionUnavailable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{mark: ErrTransient, err: err}
}

// Corrupt wraps err so that it classifies as ActionRecoverSession.
func Corrupt(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{mark: ErrCorruptSession, err: err}
}

// Setup wraps an error from an idempotent setup step. A unique violation
// raised by such a step means a concurrent caller won the race, so it
// classifies as ActionSwallow.
func Setup(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return &markedError{mark: ErrAlreadyExists, err: err}
	}
	return err
}

type markedError struct {
	mark error
	err  error
}

func (e *markedError) Error() string { return e.err.Error() }

func (e *markedError) Unwrap() []error { return []error{e.mark, e.err} }

// PostgreSQL SQLSTATE codes the classifier cares about.
const (
	codeUniqueViolation      = "23505"
	codeDuplicateTable       = "42P07"
	codeDuplicateObject      = "42710"
	codeDuplicateSchema      = "42P06"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCrashShutdown        = "57P02"
	codeCannotConnectNow     = "57P03"
	classConnectionException = "08"
)

// Classify maps err to an Action.
func Classify(err error) Action {
	switch {
	case err == nil:
		return ActionNone
	case errors.Is(err, ErrCorruptSession):
		return ActionRecoverSession
	case errors.Is(err, ErrAlreadyExists):
		return ActionSwallow
	case IsTransient(err):
		return ActionUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeDuplicateTable, codeDuplicateObject, codeDuplicateSchema:
			return ActionSwallow
		}
	}
	return ActionSurface
}

// IsTransient reports whether err is a connectivity failure: refused or reset
// connections, timeouts, DNS failures, closed pools or server shutdowns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, redis.ErrClosed) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, classConnectionException) {
			return true
		}
		switch pgErr.Code {
		case codeTooManyConnections, codeAdminShutdown, codeCrashShutdown, codeCannotConnectNow:
			return true
		}
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Swallow returns nil when err is a benign race and err otherwise.
func Swallow(err error) error {
	if Classify(err) == ActionSwallow {
		return nil
	}
	return err
}

const redactedMessage = "internal server error"

// Redact returns the message to show an end user for err. Outside debug mode
// only transient failures get a specific (but generic) message.
func Redact(err error, debug bool) string {
	if err == nil {
		return ""
	}
	if debug {
		return err.Error()
	}
	if Classify(err) == ActionUnavailable {
		return "service temporarily unavailable"
	}
	return redactedMessage
}
