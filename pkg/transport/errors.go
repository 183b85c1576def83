package transport

import (
	"fmt"
)

// ErrorCode код ошибки транспорта
type ErrorCode int

const (
	ErrorCodeSSRCAlreadyAssigned ErrorCode = iota + 2000
	ErrorCodeGroupNotFound
	ErrorCodeNoActiveCandidate
	ErrorCodeCryptoNotReady
	ErrorCodeUnknownSuite
	ErrorCodeTransportStopped
	ErrorCodeRTXThrottled
	ErrorCodeInvalidState
	ErrorCodeSendFailed
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeSSRCAlreadyAssigned:
		return "SSRCAlreadyAssigned"
	case ErrorCodeGroupNotFound:
		return "GroupNotFound"
	case ErrorCodeNoActiveCandidate:
		return "NoActiveCandidate"
	case ErrorCodeCryptoNotReady:
		return "CryptoNotReady"
	case ErrorCodeUnknownSuite:
		return "UnknownSuite"
	case ErrorCodeTransportStopped:
		return "TransportStopped"
	case ErrorCodeRTXThrottled:
		return "RTXThrottled"
	case ErrorCodeInvalidState:
		return "InvalidState"
	case ErrorCodeSendFailed:
		return "SendFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// TransportError ошибка транспорта с кодом и, если известен, SSRC
type TransportError struct {
	Code    ErrorCode
	Message string
	SSRC    uint32
	Wrapped error
}

// Error реализует интерфейс error
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("[транспорт:%s] %s", e.Code, e.Message)
	if e.SSRC != 0 {
		msg += fmt.Sprintf(" (ssrc %d)", e.SSRC)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *TransportError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *TransportError) Is(target error) bool {
	if t, ok := target.(*TransportError); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrSSRCAlreadyAssigned = &TransportError{Code: ErrorCodeSSRCAlreadyAssigned, Message: "SSRC уже привязан к группе"}
	ErrGroupNotFound       = &TransportError{Code: ErrorCodeGroupNotFound, Message: "группа не найдена"}
	ErrNoActiveCandidate   = &TransportError{Code: ErrorCodeNoActiveCandidate, Message: "нет активного ICE кандидата"}
	ErrCryptoNotReady      = &TransportError{Code: ErrorCodeCryptoNotReady, Message: "SRTP не настроен"}
	ErrUnknownSuite        = &TransportError{Code: ErrorCodeUnknownSuite, Message: "неизвестный SRTP набор"}
	ErrTransportStopped    = &TransportError{Code: ErrorCodeTransportStopped, Message: "транспорт остановлен"}
	ErrRTXThrottled        = &TransportError{Code: ErrorCodeRTXThrottled, Message: "превышен лимит битрейта RTX"}
	ErrInvalidState        = &TransportError{Code: ErrorCodeInvalidState, Message: "недопустимое состояние"}
)

func newError(code ErrorCode, ssrc uint32, message string, wrapped error) *TransportError {
	return &TransportError{Code: code, Message: message, SSRC: ssrc, Wrapped: wrapped}
}
