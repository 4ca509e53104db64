package voice

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// Voice gateway close codes
const (
	CloseSessionNoLongerValid = 4006
	CloseSessionTimeout       = 4009
	CloseDisconnected         = 4014
	CloseVoiceServerCrashed   = 4015
)

// Classification is the retry policy decided for one error
type Classification struct {
	Class           ErrorClass
	ShouldRetry     bool
	NeedsNewSession bool
	CloseCode       int
}

// ErrorClassifier sorts transport errors into policy classes by close code
// and error type.
type ErrorClassifier struct{}

// NewErrorClassifier creates a classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify decides whether err should be retried and whether the retry needs a
// new session. A nil error classifies as transient.
func (ec *ErrorClassifier) Classify(err error) Classification {
	var ve *VoiceError
	if errors.As(err, &ve) {
		switch ve.Class {
		case ClassCircuitOpen, ClassMaxRetries:
			return Classification{Class: ve.Class, CloseCode: ve.CloseCode}
		case ClassSessionInvalidated:
			return Classification{Class: ve.Class, ShouldRetry: true, NeedsNewSession: true, CloseCode: ve.CloseCode}
		case ClassServerClose, ClassTransient:
			return Classification{Class: ve.Class, ShouldRetry: true, CloseCode: ve.CloseCode}
		case ClassUnknown:
			// fall through to inspect the wrapped error
		}
	}

	if code, ok := closeCodeOf(err); ok {
		return classifyCloseCode(code)
	}

	if err == nil || isTransient(err) {
		return Classification{Class: ClassTransient, ShouldRetry: true}
	}

	return Classification{Class: ClassUnknown, ShouldRetry: true}
}

// Wrap converts a raw transport error into a classified *VoiceError
func (ec *ErrorClassifier) Wrap(guildID string, err error) *VoiceError {
	var ve *VoiceError
	if errors.As(err, &ve) && ve.Class != ClassUnknown {
		return ve
	}

	c := ec.Classify(err)
	out := newVoiceError(c.Class, guildID, err)
	out.CloseCode = c.CloseCode
	return out
}

func classifyCloseCode(code int) Classification {
	switch code {
	case CloseSessionNoLongerValid, CloseSessionTimeout:
		return Classification{Class: ClassSessionInvalidated, ShouldRetry: true, NeedsNewSession: true, CloseCode: code}
	case CloseDisconnected, CloseVoiceServerCrashed, websocket.CloseNormalClosure, websocket.CloseGoingAway:
		// 4014 means the bot was removed from the channel; it is still retried.
		return Classification{Class: ClassServerClose, ShouldRetry: true, CloseCode: code}
	case websocket.CloseAbnormalClosure:
		return Classification{Class: ClassTransient, ShouldRetry: true, CloseCode: code}
	default:
		return Classification{Class: ClassUnknown, ShouldRetry: true, CloseCode: code}
	}
}

func closeCodeOf(err error) (int, bool) {
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return wsErr.Code, true
	}
	var ccErr *CloseCodeError
	if errors.As(err, &ccErr) {
		return ccErr.Code, true
	}
	return 0, false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
