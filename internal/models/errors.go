package models

import (
	"errors"
	"fmt"
)

// ErrorKind - смысловая категория ошибки, возвращаемая клиенту
type ErrorKind string

const (
	KindInvalidParticipant     ErrorKind = "invalid_participant"
	KindItemUnavailable        ErrorKind = "item_unavailable"
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
	KindAlreadyActed           ErrorKind = "already_acted_on_this_leg"
	KindExpired                ErrorKind = "expired"
	KindStaleState             ErrorKind = "stale_state"
	KindNotFound               ErrorKind = "not_found"
	KindValidation             ErrorKind = "validation"
)

// Базовые ошибки для сравнения через errors.Is
var (
	ErrInvalidParticipant     = &TradeError{Kind: KindInvalidParticipant, Message: "недопустимый участник обмена"}
	ErrItemUnavailable        = &TradeError{Kind: KindItemUnavailable, Message: "объявление недоступно для обмена"}
	ErrInvalidStateTransition = &TradeError{Kind: KindInvalidStateTransition, Message: "действие недопустимо в текущем статусе обмена"}
	ErrAlreadyActed           = &TradeError{Kind: KindAlreadyActed, Message: "действие для этой стороны уже выполнено"}
	ErrExpired                = &TradeError{Kind: KindExpired, Message: "срок ответа на предложение истек"}
	ErrStaleState             = &TradeError{Kind: KindStaleState, Message: "обмен был изменен параллельно, повторите запрос"}
	ErrNotFound               = &TradeError{Kind: KindNotFound, Message: "обмен не найден"}
	ErrValidation             = &TradeError{Kind: KindValidation, Message: "неверные параметры запроса"}
)

// TradeError - ошибка движка обменов с категорией
type TradeError struct {
	Kind    ErrorKind
	Message string
}

func (e *TradeError) Error() string {
	return e.Message
}

// Is сравнивает ошибки по категории, сообщение не учитывается
func (e *TradeError) Is(target error) bool {
	var t *TradeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable - клиент может повторить запрос после перечитывания обмена
func (e *TradeError) Retryable() bool {
	return e.Kind == KindStaleState
}

// NewError создает ошибку заданной категории с уточненным сообщением
func NewError(kind ErrorKind, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf возвращает категорию ошибки или пустую строку для внутренних ошибок
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
