// Package logging holds the structured log keys used across volrep and
// typed constructors for them, so every component emits the same field
// names with the same types.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// field keys
const (
	KeyVolume      = "volume"
	KeyReplica     = "replica"
	KeyNode        = "node"
	KeyCoordinator = "coordinator"
	KeyState       = "state"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyVersion     = "version"
	KeyOpID        = "opID"
	KeyCommitID    = "commitID"
	KeyQuorum      = "quorum"
	KeyAttempt     = "attempt"
	KeyErr         = "err"
	KeyType        = "type"
	KeyRequestID   = "requestID"
)

func Volume(id string) slog.Attr      { return slog.String(KeyVolume, id) }
func Replica(id string) slog.Attr     { return slog.String(KeyReplica, id) }
func Node(id string) slog.Attr        { return slog.String(KeyNode, id) }
func Coordinator(id string) slog.Attr { return slog.String(KeyCoordinator, id) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func From(s string) slog.Attr         { return slog.String(KeyFrom, s) }
func To(s string) slog.Attr           { return slog.String(KeyTo, s) }
func Version(v uint64) slog.Attr      { return slog.Uint64(KeyVersion, v) }
func OpID(id uint64) slog.Attr        { return slog.Uint64(KeyOpID, id) }
func CommitID(id uint64) slog.Attr    { return slog.Uint64(KeyCommitID, id) }
func Quorum(n int) slog.Attr          { return slog.Int(KeyQuorum, n) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func Type(t string) slog.Attr         { return slog.String(KeyType, t) }
func RequestID(id string) slog.Attr   { return slog.String(KeyRequestID, id) }

// Err returns an error attribute. A nil error yields an empty attribute,
// which slog drops.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyErr, err.Error())
}

// ParseLevel maps a config level name to a slog level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger. format is "json" or "text".
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard is a logger that drops everything, for tests and defaults.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
