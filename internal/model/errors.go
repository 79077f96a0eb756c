package model

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrDeviceLost          = errors.New("device lost")
	ErrAgentFailure        = errors.New("agent failure")
	ErrStorageFailure      = errors.New("storage failure")
	ErrNotificationFailure = errors.New("notification failure")
)
