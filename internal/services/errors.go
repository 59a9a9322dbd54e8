// Package services holds the business rules for conversations, messages and
// the crisis pipeline. This file centralizes the service-level error values
// so handlers and the realtime hub can map them consistently.
package services

import "errors"

var (
	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyMessage is returned for blank message text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when message text exceeds the configured limit.
	ErrTooLong = errors.New("message too long")

	// ErrInvalidMode is returned for a blank conversation mode.
	ErrInvalidMode = errors.New("mode must not be empty")

	// ErrInvalidSender is returned for senders outside user/ai/monitor/system.
	ErrInvalidSender = errors.New("invalid sender")

	// ErrMonitorNotInControl is returned when a monitor writes to a
	// conversation that has not been taken over.
	ErrMonitorNotInControl = errors.New("monitor has not taken control of this conversation")
)
