package schema

import "errors"

var (
	// ErrInvalidDisplay indicates a display value that cannot be parsed.
	ErrInvalidDisplay = errors.New("invalid display")
	// ErrInvalidGeometry indicates a screen geometry outside supported bounds.
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrDisplayUnavailable indicates the X socket never became ready.
	ErrDisplayUnavailable = errors.New("display unavailable")
	// ErrStackNotRunning indicates an operation on a stopped display stack.
	ErrStackNotRunning = errors.New("display stack not running")
	// ErrComponentExited indicates a supervised component died prematurely.
	ErrComponentExited = errors.New("display component exited")
	// ErrEmptyCommand indicates an app launch without argv.
	ErrEmptyCommand = errors.New("empty command")
	// ErrAuthorityMissing indicates the X authority file was expected but absent.
	ErrAuthorityMissing = errors.New("authority file missing")
)
