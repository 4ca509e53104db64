package voice

import (
	"errors"
	"fmt"
	"time"
)

// Error classes
var (
	ErrTransientTransport   = errors.New("transient transport error")
	ErrSessionInvalidated   = errors.New("voice session no longer valid")
	ErrServerInitiatedClose = errors.New("voice server closed the connection")
	ErrCircuitOpen          = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded   = errors.New("maximum reconnect attempts exceeded")
)

// Manager errors
var (
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrAlreadyConnected  = errors.New("already connected to another channel")
	ErrManagerClosed     = errors.New("voice manager is shut down")
	ErrShutdownTimeout   = errors.New("voice manager shutdown timed out")
	ErrNilVoiceClient    = errors.New("voice client is nil")
	ErrEmptyGuildID      = errors.New("guild id is empty")
	ErrEmptyChannelID    = errors.New("channel id is empty")
)

// ErrorClass represents the policy class an error was sorted into
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassSessionInvalidated
	ClassServerClose
	ClassUnknown
	ClassCircuitOpen
	ClassMaxRetries
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSessionInvalidated:
		return "session_invalidated"
	case ClassServerClose:
		return "server_close"
	case ClassUnknown:
		return "unknown"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassMaxRetries:
		return "max_retries"
	default:
		return "unknown"
	}
}

// sentinel returns the package error a class matches under errors.Is
func (c ErrorClass) sentinel() error {
	switch c {
	case ClassTransient:
		return ErrTransientTransport
	case ClassSessionInvalidated:
		return ErrSessionInvalidated
	case ClassServerClose:
		return ErrServerInitiatedClose
	case ClassCircuitOpen:
		return ErrCircuitOpen
	case ClassMaxRetries:
		return ErrMaxRetriesExceeded
	case ClassUnknown:
		return nil
	default:
		return nil
	}
}

// VoiceError represents a classified voice connection error
type VoiceError struct {
	Class     ErrorClass
	GuildID   string
	CloseCode int
	Err       error
	Timestamp time.Time
}

func (e *VoiceError) Error() string {
	msg := e.Class.String()
	if s := e.Class.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.GuildID != "" {
		msg = fmt.Sprintf("%s (guild %s)", msg, e.GuildID)
	}
	if e.CloseCode != 0 {
		msg = fmt.Sprintf("%s [close code %d]", msg, e.CloseCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *VoiceError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error's class.
func (e *VoiceError) Is(target error) bool {
	s := e.Class.sentinel()
	return s != nil && target == s
}

// Retryable reports whether the class is ever retried
func (e *VoiceError) Retryable() bool {
	return e.Class != ClassCircuitOpen && e.Class != ClassMaxRetries
}

func newVoiceError(class ErrorClass, guildID string, err error) *VoiceError {
	return &VoiceError{
		Class:     class,
		GuildID:   guildID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NewTransientTransportError wraps a timeout or generic I/O failure
func NewTransientTransportError(guildID string, err error) *VoiceError {
	return newVoiceError(ClassTransient, guildID, err)
}

// NewSessionInvalidatedError reports that the remote declared the session stale
func NewSessionInvalidatedError(guildID string, closeCode int) *VoiceError {
	e := newVoiceError(ClassSessionInvalidated, guildID, nil)
	e.CloseCode = closeCode
	return e
}

// NewServerInitiatedCloseError reports a server close that keeps the session
func NewServerInitiatedCloseError(guildID string, closeCode int) *VoiceError {
	e := newVoiceError(ClassServerClose, guildID, nil)
	e.CloseCode = closeCode
	return e
}

// NewCircuitOpenError is returned when a guild's circuit refuses new attempts
func NewCircuitOpenError(guildID string, until *time.Time) *VoiceError {
	var err error
	if until != nil {
		err = fmt.Errorf("retry after %s", until.Format(time.RFC3339))
	}
	return newVoiceError(ClassCircuitOpen, guildID, err)
}

// NewMaxRetriesExceededError reports a guild that used up its retry budget
func NewMaxRetriesExceededError(guildID string, attempts int, last error) *VoiceError {
	err := fmt.Errorf("gave up after %d attempts", attempts)
	if last != nil {
		err = fmt.Errorf("gave up after %d attempts: %w", attempts, last)
	}
	return newVoiceError(ClassMaxRetries, guildID, err)
}

// CloseCodeError carries a protocol close code from the voice transport
type CloseCodeError struct {
	Code   int
	Reason string
}

func (e *CloseCodeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("voice websocket closed with code %d", e.Code)
	}
	return fmt.Sprintf("voice websocket closed with code %d: %s", e.Code, e.Reason)
}
