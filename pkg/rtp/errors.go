package rtp

import (
	"fmt"
)

// ErrorCode типизированные коды ошибок RTP сессии
type ErrorCode int

const (
	// Ошибки сессии
	ErrorCodeSessionClosed ErrorCode = iota + 2000
	ErrorCodeSessionAborted
	ErrorCodeInvalidConfig
	ErrorCodeNoTransport

	// Ошибки источников
	ErrorCodeSourceExists
	ErrorCodeSSRCCollision
	ErrorCodeUnknownSource

	// Ошибки транспорта
	ErrorCodeTransportWrite
	ErrorCodeTransportRead
	ErrorCodeMarshal
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionAborted:
		return "SessionAborted"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeNoTransport:
		return "NoTransport"
	case ErrorCodeSourceExists:
		return "SourceExists"
	case ErrorCodeSSRCCollision:
		return "SSRCCollision"
	case ErrorCodeUnknownSource:
		return "UnknownSource"
	case ErrorCodeTransportWrite:
		return "TransportWrite"
	case ErrorCodeTransportRead:
		return "TransportRead"
	case ErrorCodeMarshal:
		return "Marshal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// SessionError ошибка RTP сессии с кодом и контекстом.
// Сравнение через errors.Is выполняется по коду.
type SessionError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	SSRC      uint32
	Wrapped   error
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	msg := fmt.Sprintf("[rtp:%s] %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg = fmt.Sprintf("[rtp:%s] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	if e.SSRC != 0 {
		msg += fmt.Sprintf(" (ssrc=%#08x)", e.SSRC)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *SessionError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *SessionError) Is(target error) bool {
	if t, ok := target.(*SessionError); ok {
		return e.Code == t.Code
	}
	return false
}

// Сентинельные ошибки для errors.Is
var (
	ErrSessionClosed  = &SessionError{Code: ErrorCodeSessionClosed, Message: "сессия закрыта"}
	ErrAborted        = &SessionError{Code: ErrorCodeSessionAborted, Message: "сессия прервана, транспорт отсоединен"}
	ErrInvalidConfig  = &SessionError{Code: ErrorCodeInvalidConfig, Message: "неверная конфигурация"}
	ErrNoTransport    = &SessionError{Code: ErrorCodeNoTransport, Message: "транспорт не подключен"}
	ErrSourceExists   = &SessionError{Code: ErrorCodeSourceExists, Message: "источник уже существует"}
	ErrSSRCCollision  = &SessionError{Code: ErrorCodeSSRCCollision, Message: "коллизия SSRC"}
	ErrUnknownSource  = &SessionError{Code: ErrorCodeUnknownSource, Message: "источник не найден"}
	ErrTransportWrite = &SessionError{Code: ErrorCodeTransportWrite, Message: "ошибка записи в транспорт"}
)

// newSessionError создает ошибку сессии с контекстом
func newSessionError(code ErrorCode, sessionID string, ssrc uint32, wrapped error, format string, args ...interface{}) *SessionError {
	return &SessionError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
		SSRC:      ssrc,
		Wrapped:   wrapped,
	}
}
