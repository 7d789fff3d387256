package cluster

import (
	"errors"
	"fmt"
)

// Protocol errors. They travel between services as an ErrorCode and are
// turned back into these values on the receiving side, so callers can use
// errors.Is regardless of which process produced them.
var (
	ErrInvalidCoordinator = errors.New("invalid coordinator")
	ErrInvalidVersion     = errors.New("invalid version")
	ErrGroupDown          = errors.New("group down")
	ErrNotReady           = errors.New("not ready")
	ErrVolumeNotActivated = errors.New("volume not activated")
	ErrOutOfOrder         = errors.New("op out of order")
	ErrReplayUnavailable  = errors.New("ops no longer buffered for replay")
	ErrNotFound           = errors.New("not found")
	ErrClosed             = errors.New("closed")
	ErrInternal           = errors.New("internal error")
)

// ErrorCode is the wire form of a protocol error. The empty code means success.
type ErrorCode string

const (
	CodeOK                 ErrorCode = ""
	CodeInvalidCoordinator ErrorCode = "invalid_coordinator"
	CodeInvalidVersion     ErrorCode = "invalid_version"
	CodeGroupDown          ErrorCode = "group_down"
	CodeNotReady           ErrorCode = "not_ready"
	CodeVolumeNotActivated ErrorCode = "volume_not_activated"
	CodeOutOfOrder         ErrorCode = "out_of_order"
	CodeReplayUnavailable  ErrorCode = "replay_unavailable"
	CodeNotFound           ErrorCode = "not_found"
	CodeClosed             ErrorCode = "closed"
	CodeInternal           ErrorCode = "internal"
)

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeInvalidCoordinator, ErrInvalidCoordinator},
	{CodeInvalidVersion, ErrInvalidVersion},
	{CodeGroupDown, ErrGroupDown},
	{CodeNotReady, ErrNotReady},
	{CodeVolumeNotActivated, ErrVolumeNotActivated},
	{CodeOutOfOrder, ErrOutOfOrder},
	{CodeReplayUnavailable, ErrReplayUnavailable},
	{CodeNotFound, ErrNotFound},
	{CodeClosed, ErrClosed},
	{CodeInternal, ErrInternal},
}

// Err converts a wire code back into its sentinel error.
// Unknown codes map to ErrInternal with the code attached.
func (c ErrorCode) Err() error {
	if c == CodeOK {
		return nil
	}
	for _, ce := range codeErrors {
		if ce.code == c {
			return ce.err
		}
	}
	return fmt.Errorf("%w: %s", ErrInternal, string(c))
}

// CodeOf returns the wire code for err. Errors outside the protocol
// taxonomy are reported as CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}
