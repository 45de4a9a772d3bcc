package ws

import "errors"

var (
	// ErrSlowConsumer marks a subscriber whose send buffer stayed full
	// during a fan-out.
	ErrSlowConsumer = errors.New("subscriber send buffer full")
	// ErrLivenessTimeout marks a subscriber that went silent past the
	// liveness window.
	ErrLivenessTimeout = errors.New("subscriber liveness timeout")
	// ErrHubShutdown is used when the server tears the hub down.
	ErrHubShutdown = errors.New("broadcast hub shutting down")
)
