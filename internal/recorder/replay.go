package recorder

import (
	"context"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/internal/can"
)

// ReplayOptions controls how StartReplay drives a recorded session back
// onto the bus: timing preservation, speed factor, interface remapping,
// and per-frame modification.
type ReplayOptions struct {
	SpeedFactor      float64 // 1.0 = real-time; 0 treated as 1.0
	Loop             bool
	StartOffset      time.Duration
	EndOffset        time.Duration // zero means "to the end"
	InterfaceMapping map[string]string
	FilterCANIDs     []uint32
	ModifyCallback   func(RecordedFrame) (RecordedFrame, bool) // false = skip
}

// replaySink is the narrow slice of internal/can.Facade replay needs:
// raw re-transmission of a previously captured frame.
type replaySink interface {
	Enqueue(iface string, frame can.Frame) error
}

// StartReplay begins replaying session onto sink in the background,
// preserving original inter-frame timing scaled by options.SpeedFactor.
// It fails with Conflict if the recorder is not idle.
func (r *Recorder) StartReplay(ctx context.Context, session *Session, options ReplayOptions, sink replaySink) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return rvcerrors.ConflictErr("recorder: cannot start replay in state " + string(r.state))
	}
	if session == nil || len(session.Frames) == 0 {
		r.mu.Unlock()
		return rvcerrors.InvalidInputErr("session", "recording has no frames to replay")
	}
	replayCtx, cancel := context.WithCancel(ctx)
	r.state = StateReplaying
	r.replayCancel = cancel
	r.mu.Unlock()

	go r.runReplay(replayCtx, session, options, sink)
	return nil
}

// StopReplay cancels an in-progress replay. It is a no-op if the recorder
// is not replaying.
func (r *Recorder) StopReplay() {
	r.mu.Lock()
	if r.state != StateReplaying || r.replayCancel == nil {
		r.mu.Unlock()
		return
	}
	cancel := r.replayCancel
	r.mu.Unlock()
	cancel()
}

func (r *Recorder) runReplay(ctx context.Context, session *Session, options ReplayOptions, sink replaySink) {
	defer func() {
		r.mu.Lock()
		if r.state == StateReplaying {
			r.state = StateIdle
		}
		r.replayCancel = nil
		r.mu.Unlock()
	}()

	speed := options.SpeedFactor
	if speed <= 0 {
		speed = 1.0
	}

	frames := selectReplayFrames(session.Frames, options)
	if len(frames) == 0 {
		if r.log != nil {
			r.log.WithFields(map[string]any{"session": session.ID}).
				Warn("recorder: no frames match replay filters")
		}
		return
	}

	for {
		base := frames[0].Timestamp
		replayStart := time.Now()

		for _, rec := range frames {
			if ctx.Err() != nil {
				return
			}
			if options.ModifyCallback != nil {
				modified, keep := options.ModifyCallback(rec)
				if !keep {
					continue
				}
				rec = modified
			}

			relative := time.Duration(float64(rec.Timestamp.Sub(base)) / speed)
			target := replayStart.Add(relative)
			if d := time.Until(target); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}

			iface := rec.Frame.Interface
			if mapped, ok := options.InterfaceMapping[iface]; ok {
				iface = mapped
			}
			err := sink.Enqueue(iface, can.Frame{
				ArbitrationID: rec.Frame.ArbitrationID,
				Extended:      rec.Frame.Extended,
				Data:          rec.Frame.Payload,
			})
			if err != nil && r.log != nil {
				r.log.WithFields(map[string]any{"error": err.Error(), "can_id": rec.Frame.ArbitrationID}).
					Warn("recorder: replay frame send failed")
				continue
			}
			if r.m != nil {
				r.m.RecordReplayFrame(iface)
			}
		}

		if !options.Loop || ctx.Err() != nil {
			return
		}
	}
}

func selectReplayFrames(frames []RecordedFrame, options ReplayOptions) []RecordedFrame {
	if len(frames) == 0 {
		return nil
	}
	base := frames[0].Timestamp
	startAt := base.Add(options.StartOffset)
	endAt := frames[len(frames)-1].Timestamp
	if options.EndOffset > 0 {
		endAt = base.Add(options.EndOffset)
	}

	out := make([]RecordedFrame, 0, len(frames))
	for _, f := range frames {
		if f.Timestamp.Before(startAt) || f.Timestamp.After(endAt) {
			continue
		}
		if len(options.FilterCANIDs) > 0 && !containsU32(options.FilterCANIDs, f.Frame.ArbitrationID) {
			continue
		}
		out = append(out, f)
	}
	return out
}
