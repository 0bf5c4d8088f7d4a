package domain

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrSendInFlight        = errors.New("send already in flight")
	ErrCooldown            = errors.New("request too soon")
	ErrUnconfirmedMessage  = errors.New("message not confirmed by store")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrViewNotFound        = errors.New("view not found")
	ErrViewClosed          = errors.New("view closed")
	ErrMissingOwner        = errors.New("owner context is required")
)
