package entity

import (
	"context"
	"time"

	"github.com/coachrun/rvc-core/internal/codec"
)

// NewInboundHandler returns the function wired as the CAN Facade's
// FrameHandler. It applies the frame to the Manager's
// authoritative state and then lets the Control Service check the result
// against any pending command for reconciliation.
func NewInboundHandler(mgr *Manager, ctrl *ControlService) func(ctx context.Context, frame codec.DecodedFrame) {
	return func(ctx context.Context, frame codec.DecodedFrame) {
		ent, accepted := mgr.ApplyFrame(ctx, frame, time.Now())
		if !accepted {
			return
		}
		if ctrl != nil {
			ctrl.HandleFrame(ctx, ent, frame)
		}
	}
}
