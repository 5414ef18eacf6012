package poison

import "errors"

var (
	ErrTransportRequired    = errors.New("poison: message transport is required")
	ErrProcessorRequired    = errors.New("poison: message processor is required")
	ErrSinkRequired         = errors.New("poison: delivery sink is required")
	ErrStrategyRequired     = errors.New("poison: retry strategy is required")
	ErrDeadLettersRequired  = errors.New("poison: dead letter store is required")
	ErrOrchestratorRequired = errors.New("poison: orchestrator is required")
	ErrOrchestratorRunning  = errors.New("poison: orchestrator is already running")
	ErrPayloadRequired      = errors.New("poison: message payload is required")
)
