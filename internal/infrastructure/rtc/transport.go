package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config carries the WebRTC transport settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Factory builds peer sessions carrying one VP8 track per requested stream
// type, fed from the frame source.
type Factory struct {
	config Config
	frames ports.FrameSource
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewFactory(config Config, frames ports.FrameSource, logger *zap.SugaredLogger) *Factory {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max)
	}
	return &Factory{
		config: config,
		frames: frames,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}
}

// NewPeerSession creates the peer connection, attaches one track per stream
// type and starts pumping frames into them. onDisconnect fires once when the
// connection reaches a terminal state.
func (f *Factory) NewPeerSession(ctx context.Context, deviceID domain.DeviceID, streamTypes []domain.StreamType, onDisconnect func()) (ports.PeerSession, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ps := &peerSession{
		pc:     pc,
		logger: f.logger,
	}

	var disconnectOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.logger.Debugw("peer connection state changed",
			"device_id", deviceID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			disconnectOnce.Do(onDisconnect)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		candidate := domain.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			candidate.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			candidate.SDPMLineIndex = *init.SDPMLineIndex
		}
		ps.addLocalCandidate(candidate)
	})

	for _, t := range streamTypes {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate},
			string(t),
			fmt.Sprintf("realsense-%s", deviceID),
		)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("failed to create track for %s: %w", t, err)
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("failed to add track for %s: %w", t, err)
		}

		pump := newTrackPump(deviceID, t, track, sender, f.frames, f.logger)
		if err := pump.start(); err != nil {
			ps.Close()
			return nil, fmt.Errorf("failed to start pump for %s: %w", t, err)
		}
		ps.pumps = append(ps.pumps, pump)
	}

	return ps, nil
}

// peerSession is one negotiated connection plus the pumps feeding its tracks.
type peerSession struct {
	pc     *webrtc.PeerConnection
	pumps  []*trackPump
	logger *zap.SugaredLogger

	mu         sync.Mutex
	candidates []domain.ICECandidate

	closeOnce sync.Once
	closeErr  error
}

// CreateOffer generates the local description and waits for ICE gathering to
// finish so the returned SDP carries the candidates. If the context expires
// first the partial description is returned; remaining candidates reach the
// client through LocalCandidates polling.
func (s *peerSession) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		s.logger.Debugw("ICE gathering incomplete at offer deadline")
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after offer")
	}
	return local.SDP, nil
}

func (s *peerSession) ApplyAnswer(ctx context.Context, sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (s *peerSession) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	mid := candidate.SDPMid
	index := candidate.SDPMLineIndex
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
}

func (s *peerSession) LocalCandidates() []domain.ICECandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ICECandidate(nil), s.candidates...)
}

func (s *peerSession) addLocalCandidate(c domain.ICECandidate) {
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.mu.Unlock()
}

func (s *peerSession) Close() error {
	s.closeOnce.Do(func() {
		for _, pump := range s.pumps {
			pump.stop()
		}
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}
