package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// RTSPSource captures frames from an M-JPEG track on an RTSP camera. The
// receive callback keeps only the most recent decoded frame; the pipeline
// picks it up at its own pace.
type RTSPSource struct {
	client *gortsplib.Client
	logger *slog.Logger

	mu     sync.Mutex
	latest image.Image
}

// Dial connects, sets up the first M-JPEG media and starts playing.
func Dial(rtspURL string, logger *slog.Logger) (*RTSPSource, error) {
	source := &RTSPSource{
		client: &gortsplib.Client{},
		logger: logger,
	}

	u, err := base.ParseURL(rtspURL)
	if err != nil {
		return nil, fmt.Errorf("parse rtsp url: %w", err)
	}

	if err := source.client.Start(u.Scheme, u.Host); err != nil {
		return nil, err
	}

	desc, _, err := source.client.Describe(u)
	if err != nil {
		source.client.Close()
		return nil, err
	}

	var forma *format.MJPEG
	medi := desc.FindFormat(&forma)
	if medi == nil {
		source.client.Close()
		return nil, fmt.Errorf("no M-JPEG track at %s", rtspURL)
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		source.client.Close()
		return nil, err
	}

	if _, err := source.client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		source.client.Close()
		return nil, err
	}

	source.client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		encoded, err := rtpDec.Decode(pkt)
		if err != nil {
			// Partial frames are normal until the next marker packet.
			return
		}

		img, err := jpeg.Decode(bytes.NewReader(encoded))
		if err != nil {
			logger.Debug("dropped undecodable frame", "err", err)
			return
		}

		source.mu.Lock()
		source.latest = img
		source.mu.Unlock()
	})

	source.client.OnPacketRTCPAny(func(medi *description.Media, pkt rtcp.Packet) {
		logger.Debug("rtcp report", "type", fmt.Sprintf("%T", pkt))
	})

	if _, err := source.client.Play(nil); err != nil {
		source.client.Close()
		return nil, err
	}

	logger.Info("rtsp capture connected", "url", rtspURL)
	return source, nil
}

// GetFrame returns the most recently received frame, or ok=false while none
// has arrived yet.
func (s *RTSPSource) GetFrame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest != nil
}

func (s *RTSPSource) Close() {
	s.client.Close()
}
