package engine

import "errors"

var (
	// ErrDuplicateLoopID is returned when registering an id twice.
	ErrDuplicateLoopID = errors.New("engine: duplicate loop id")
	// ErrUnknownLoop is returned for an id that was never registered.
	ErrUnknownLoop = errors.New("engine: unknown loop")
	// ErrEngineStarted is returned by a second Start.
	ErrEngineStarted = errors.New("engine: already started")
	// ErrEngineStopped is returned once Shutdown has begun.
	ErrEngineStopped = errors.New("engine: shut down")
	// ErrLoopActive is returned when restarting a loop that has not stopped.
	ErrLoopActive = errors.New("engine: loop has not stopped")
	// ErrDistressThrottled is returned when a loop signals distress faster
	// than its rate limit allows. Critical signals are never throttled.
	ErrDistressThrottled = errors.New("engine: distress signal throttled")
	// ErrInvalidConfig is returned by Start when the engine was built from a
	// configuration it cannot run.
	ErrInvalidConfig = errors.New("engine: invalid config")
)
