package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source yields one encoded Opus frame per call.
type Source interface {
	Next() ([]byte, error)
}

type Silence struct{}

func (Silence) Next() ([]byte, error) { return opusSilence, nil }

var _ core.Capturer = (*Capturer)(nil)

// Capturer produces an Opus track fed by a Source. Denied makes every
// acquisition fail as if the user refused the microphone.
type Capturer struct {
	Source func() Source
	Denied bool
}

func (c *Capturer) Acquire(ctx context.Context) (core.LocalStream, error) {
	if c.Denied {
		return nil, domain.ErrCaptureDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"spaces-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	var src Source = Silence{}
	if c.Source != nil {
		src = c.Source()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{track: track, cancel: cancel}
	s.muted.Store(true)
	go s.run(sctx, src)
	return s, nil
}

var _ core.LocalStream = (*Stream)(nil)

type Stream struct {
	track  *webrtc.TrackLocalStaticSample
	muted  atomic.Bool
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Stream) Track() webrtc.TrackLocal { return s.track }

// SetMuted stops or resumes writing samples. The track stays negotiated.
func (s *Stream) SetMuted(m bool) { s.muted.Store(m) }

func (s *Stream) Muted() bool { return s.muted.Load() }

func (s *Stream) Stop() { s.once.Do(s.cancel) }

func (s *Stream) run(ctx context.Context, src Source) {
	logger := log.With().Str("module", "capture").Str("track", s.track.StreamID()).Logger()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("capture stopped")
			return
		case <-ticker.C:
		}
		if s.muted.Load() {
			continue
		}
		frame, err := src.Next()
		if err != nil {
			logger.Warn().Err(err).Msg("capture source ended")
			return
		}
		if err := s.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			logger.Warn().Err(err).Msg("write sample")
		}
	}
}
