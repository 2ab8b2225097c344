package service

import (
	"errors"

	"github.com/rephlax/clutchcrew/internal/notify"
	"github.com/rephlax/clutchcrew/internal/queue"
	"github.com/rephlax/clutchcrew/internal/registry"
)

// Queue errors
var (
	ErrInvalidRequest = queue.ErrInvalidRequest
	ErrNotQueued      = queue.ErrNotQueued
)

// Session errors
var (
	ErrSessionNotFound   = registry.ErrSessionNotFound
	ErrNotSessionMember  = registry.ErrNotSessionMember
	ErrInvalidTransition = registry.ErrInvalidTransition
	ErrAckTimeout        = registry.ErrAckTimeout
)

// Internal consistency faults (never surfaced to players)
var (
	ErrPlayerAlreadyInSession = registry.ErrPlayerAlreadyInSession
	ErrDuplicateSession       = registry.ErrDuplicateSession
	ErrGatewayDelivery        = notify.ErrGatewayDelivery
)

// Matchmaking service specific errors
var (
	ErrAlreadyInSession = errors.New("player already has an open session")
	ErrNoOpenSession    = errors.New("player has no open session")
	ErrUnknownGameEvent = errors.New("unknown game event type")
)
