package replication

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrGroupFailed marks the integrity violation that stopped a volume group.
// Once latched, every later operation on the group returns it.
var ErrGroupFailed = errors.New("volume group failed")

// ErrIllegalTransition is returned when a replica asks for a state change the
// replica state machine does not allow from its current state.
var ErrIllegalTransition = errors.New("illegal replica state transition")

// errReplicaRestarted is recorded against a functional replica that
// announces it is loading again.
var errReplicaRestarted = errors.New("replica restarted")

// integrityViolation builds the fatal error for a broken group invariant.
func integrityViolation(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrGroupFailed)
}

// GroupError reports a request that finished without a quorum of
// successful replies. It matches both ErrGroupDown and the first replica
// error it saw.
type GroupError struct {
	cause   error
	first   error
	errors  []replicaError
	replies int
}

func (e *GroupError) Unwrap() []error {
	if e.first == nil {
		return []error{e.cause}
	}
	return []error{e.cause, e.first}
}

func (e *GroupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (errors: %d, replies: %d)", e.cause, len(e.errors), e.replies)
	if len(e.errors) == 0 {
		return b.String()
	}
	b.WriteString("\nreplica errors:\n")
	for _, err := range e.errors {
		b.WriteByte('\t')
		b.WriteString(err.Error())
		b.WriteByte('\n')
	}
	return b.String()
}

// ReplicaErrors maps each failing replica to the error it returned.
func (e *GroupError) ReplicaErrors() map[string]error {
	out := make(map[string]error, len(e.errors))
	for _, re := range e.errors {
		out[re.replicaID] = re.cause
	}
	return out
}

type replicaError struct {
	cause     error
	replicaID string
}

func (e replicaError) Error() string {
	return fmt.Sprintf("replica %s: %v", e.replicaID, e.cause)
}
