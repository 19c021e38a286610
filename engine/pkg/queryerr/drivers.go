package queryerr

import (
	"errors"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

var pgKinds = map[string]Kind{
	"42601": KindSyntax,            // syntax_error
	"42703": KindUnknownIdentifier, // undefined_column
	"42P01": KindUnknownIdentifier, // undefined_table
	"42883": KindUnknownIdentifier, // undefined_function
	"42704": KindUnknownIdentifier, // undefined_object
	"42804": KindTypeMismatch,      // datatype_mismatch
	"22P02": KindTypeMismatch,      // invalid_text_representation
	"22007": KindTypeMismatch,      // invalid_datetime_format
	"42501": KindPermissionDenied,  // insufficient_privilege
	"57014": KindTimeout,           // query_canceled, raised by statement_timeout
	"57P01": KindConnectionLost,    // admin_shutdown
	"57P02": KindConnectionLost,    // crash_shutdown
	"57P03": KindConnectionLost,    // cannot_connect_now
}

// ClassifyPostgres maps a pgx error onto the taxonomy by SQLSTATE.
// Returns nil when the error carries no known code.
func ClassifyPostgres(err error) *Error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	kind, ok := pgKinds[pgErr.Code]
	if !ok {
		// Class 08 covers every connection exception.
		if strings.HasPrefix(pgErr.Code, "08") {
			kind = KindConnectionLost
		} else {
			return nil
		}
	}
	msg := pgErr.Message
	if pgErr.Hint != "" {
		msg += " (hint: " + pgErr.Hint + ")"
	}
	return &Error{Kind: kind, Message: msg}
}

var chKinds = map[int32]Kind{
	62:  KindSyntax,            // SYNTAX_ERROR
	47:  KindUnknownIdentifier, // UNKNOWN_IDENTIFIER
	46:  KindUnknownIdentifier, // UNKNOWN_FUNCTION
	60:  KindUnknownIdentifier, // UNKNOWN_TABLE
	81:  KindUnknownIdentifier, // UNKNOWN_DATABASE
	53:  KindTypeMismatch,      // TYPE_MISMATCH
	6:   KindTypeMismatch,      // CANNOT_PARSE_TEXT
	72:  KindTypeMismatch,      // CANNOT_PARSE_NUMBER
	41:  KindTypeMismatch,      // CANNOT_PARSE_DATETIME
	497: KindPermissionDenied,  // ACCESS_DENIED
	516: KindPermissionDenied,  // AUTHENTICATION_FAILED
	159: KindTimeout,           // TIMEOUT_EXCEEDED
	209: KindTimeout,           // SOCKET_TIMEOUT
	210: KindConnectionLost,    // NETWORK_ERROR
	32:  KindConnectionLost,    // ATTEMPT_TO_READ_AFTER_EOF
}

// ClassifyClickHouse maps a server exception onto the taxonomy by
// ClickHouse error code. Returns nil for unrecognized codes.
func ClassifyClickHouse(err error) *Error {
	if err == nil {
		return nil
	}
	var ex *clickhouse.Exception
	if !errors.As(err, &ex) {
		return nil
	}
	kind, ok := chKinds[ex.Code]
	if !ok {
		return nil
	}
	msg := ex.Message
	if msg == "" {
		msg = ex.Name
	}
	return &Error{Kind: kind, Message: msg}
}
