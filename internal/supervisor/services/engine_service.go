// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package services

import (
	"context"
)

// EventLoop matches the relay engine's Run method.
type EventLoop interface {
	Run(ctx context.Context) error
}

// EngineService runs the relay engine under supervision. The engine
// returns ctx.Err() on orderly shutdown, which suture treats as a normal
// stop rather than a crash.
type EngineService struct {
	engine EventLoop
	name   string
}

// NewEngineService wraps the relay engine for supervision.
func NewEngineService(engine EventLoop) *EngineService {
	return &EngineService{engine: engine, name: "relay-engine"}
}

// Serve implements suture.Service.
func (s *EngineService) Serve(ctx context.Context) error {
	return s.engine.Run(ctx)
}

// String identifies the service in supervisor logs.
func (s *EngineService) String() string {
	return s.name
}
