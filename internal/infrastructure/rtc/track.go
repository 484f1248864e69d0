package rtc

import (
	"errors"
	"io"
	"math/rand"
	"sync"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	videoClockRate = 90000
	rtpMTU         = 1200
	vp8PayloadType = 96
)

// trackPump moves frames from the device's frame source into one outbound
// track, packetizing them as VP8 over RTP. It also reads the sender's RTCP
// stream and forwards PLI to the device as a keyframe request.
type trackPump struct {
	deviceID   domain.DeviceID
	streamType domain.StreamType

	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	frames     ports.FrameSource
	packetizer rtp.Packetizer
	logger     *zap.SugaredLogger

	done     chan struct{}
	stopOnce sync.Once
}

func newTrackPump(
	deviceID domain.DeviceID,
	streamType domain.StreamType,
	track *webrtc.TrackLocalStaticRTP,
	sender *webrtc.RTPSender,
	frames ports.FrameSource,
	logger *zap.SugaredLogger,
) *trackPump {
	return &trackPump{
		deviceID:   deviceID,
		streamType: streamType,
		track:      track,
		sender:     sender,
		frames:     frames,
		packetizer: rtp.NewPacketizer(
			rtpMTU,
			vp8PayloadType,
			rand.Uint32(),
			&codecs.VP8Payloader{},
			rtp.NewRandomSequencer(),
			videoClockRate,
		),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (p *trackPump) start() error {
	frames, cancel, err := p.frames.Subscribe(p.deviceID, p.streamType)
	if err != nil {
		return err
	}
	go p.readRTCP()
	go p.loop(frames, cancel)
	return nil
}

func (p *trackPump) loop(frames <-chan domain.Frame, cancel func()) {
	defer cancel()

	for {
		select {
		case <-p.done:
			return
		case frame, ok := <-frames:
			if !ok {
				// The stream type was dropped from the device config.
				return
			}
			p.write(frame)
		}
	}
}

func (p *trackPump) write(frame domain.Frame) {
	samples := uint32(frame.Duration.Seconds() * videoClockRate)
	for _, pkt := range p.packetizer.Packetize(frame.Data, samples) {
		if err := p.track.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			p.logger.Warnw("failed to write RTP packet",
				"device_id", p.deviceID, "stream_type", p.streamType, "error", err)
			return
		}
	}
}

// readRTCP drains the sender's RTCP stream. Picture loss reports turn into
// keyframe requests against the device.
func (p *trackPump) readRTCP() {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			p.logger.Debugw("failed to unmarshal RTCP packet", "error", err)
			continue
		}
		for _, packet := range packets {
			if _, ok := packet.(*rtcp.PictureLossIndication); ok {
				p.frames.RequestKeyframe(p.deviceID, p.streamType)
			}
		}
	}
}

func (p *trackPump) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}
