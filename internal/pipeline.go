package internal

import (
	"context"
	"image"
	"log/slog"
	"time"
)

// FrameSource is the capture collaborator. GetFrame returns the most recent
// pixel buffer, or ok=false when nothing is available this tick.
type FrameSource interface {
	GetFrame() (image.Image, bool)
}

// Pipeline produces and distributes frames at a fixed rate for the lifetime
// of one streaming session. Source may be nil, in which case every tick
// falls back to the synthetic pattern.
type Pipeline struct {
	Source    FrameSource
	Codec     *FrameCodec
	Channel   *Channel
	Snapshots *SnapshotService
	Interval  time.Duration
	Logger    *slog.Logger

	streamID   string
	frameCount uint64
}

func NewPipeline(source FrameSource, codec *FrameCodec, channel *Channel, snapshots *SnapshotService, frameRate int, streamID string, logger *slog.Logger) *Pipeline {
	if frameRate <= 0 {
		frameRate = 30
	}
	return &Pipeline{
		Source:    source,
		Codec:     codec,
		Channel:   channel,
		Snapshots: snapshots,
		Interval:  time.Second / time.Duration(frameRate),
		Logger:    logger,
		streamID:  streamID,
	}
}

// Run loops until ctx is cancelled. Each tick does its work, then sleeps for
// whatever is left of the frame interval; a tick that overruns simply starts
// the next one immediately.
func (p *Pipeline) Run(ctx context.Context) {
	p.Logger.Info("frame pipeline started", "stream_id", p.streamID, "interval", p.Interval)

	for {
		start := time.Now()

		if err := p.tick(); err != nil {
			frameErrors.Inc()
			p.Logger.Warn("frame skipped", "stream_id", p.streamID, "seq", p.frameCount, "err", err)
		}

		wait := p.Interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			p.Logger.Info("frame pipeline stopped", "stream_id", p.streamID, "frames", p.frameCount)
			return
		case <-time.After(wait):
		}
	}
}

func (p *Pipeline) tick() (err error) {
	// A panic inside acquire/resize/encode must not take the loop down;
	// the tick is skipped like any other per-frame failure.
	defer func() {
		if r := recover(); r != nil {
			err = &CaptureError{Op: "tick", Cause: r}
		}
	}()

	var frame image.Image
	if p.Source != nil {
		if captured, ok := p.Source.GetFrame(); ok {
			frame = captured
		}
	}
	if frame == nil {
		frame = SyntheticFrame(p.frameCount, p.Codec.Width, p.Codec.Height)
	}

	payload, err := p.Codec.Process(frame)
	if err != nil {
		return err
	}

	p.Channel.Broadcast(payload)
	framesBroadcast.Inc()

	if p.Snapshots != nil {
		p.Snapshots.Offer(p.streamID, payload)
	}

	p.frameCount++
	if p.frameCount%150 == 0 {
		p.Logger.Debug("frames sent", "stream_id", p.streamID, "count", p.frameCount)
	}
	return nil
}
