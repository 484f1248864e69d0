package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"

	"go.uber.org/zap"
)

// SimulatedController emulates a fleet of RealSense cameras. It implements
// both the device controller and the frame source: each configured stream
// type runs a generator goroutine producing synthetic encoded frames at the
// profile's framerate.
//
// The emulation keeps the real controller's contract: configuration is
// declarative, a reconfigure replaces the whole active set, and frames only
// flow for stream types in the current configuration.
type SimulatedController struct {
	mu      sync.RWMutex
	devices map[domain.DeviceID]*simDevice
	logger  *zap.SugaredLogger
}

type simDevice struct {
	info domain.Device

	mu         sync.Mutex
	generators map[domain.StreamType]*frameGenerator
	running    bool
}

// DeviceSpec describes one simulated camera.
type DeviceSpec struct {
	ID   domain.DeviceID
	Name string
}

func NewSimulatedController(specs []DeviceSpec, logger *zap.SugaredLogger) *SimulatedController {
	devices := make(map[domain.DeviceID]*simDevice, len(specs))
	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = "Intel RealSense D435"
		}
		devices[spec.ID] = &simDevice{
			info: domain.Device{
				ID:              spec.ID,
				Name:            name,
				SerialNumber:    fmt.Sprintf("9%011d", i+1),
				FirmwareVersion: "5.15.0.2",
			},
			generators: make(map[domain.StreamType]*frameGenerator),
		}
	}
	return &SimulatedController{devices: devices, logger: logger}
}

func (c *SimulatedController) ListDevices(ctx context.Context) ([]*domain.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	devices := make([]*domain.Device, 0, len(c.devices))
	for _, d := range c.devices {
		info := d.info
		devices = append(devices, &info)
	}
	return devices, nil
}

func (c *SimulatedController) GetDevice(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	d, err := c.device(id)
	if err != nil {
		return nil, err
	}
	info := d.info
	return &info, nil
}

// StartOrReconfigure replaces the device's active stream set with the given
// profiles. Generators for dropped types are stopped and their subscriber
// channels closed; generators for new types start immediately.
func (c *SimulatedController) StartOrReconfigure(ctx context.Context, id domain.DeviceID, profiles []domain.StreamProfile) error {
	d, err := c.device(id)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return fmt.Errorf("device %s: empty profile set", id)
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	desired := make(map[domain.StreamType]domain.StreamProfile, len(profiles))
	for _, p := range profiles {
		desired[p.StreamType] = p
	}

	for t, gen := range d.generators {
		if _, keep := desired[t]; !keep {
			gen.stop()
			delete(d.generators, t)
		}
	}
	for t, p := range desired {
		if _, exists := d.generators[t]; exists {
			continue
		}
		gen := newFrameGenerator(id, p, c.logger)
		d.generators[t] = gen
		go gen.run()
	}

	d.running = true
	c.logger.Infow("device configured",
		"device_id", id, "stream_count", len(desired))
	return nil
}

func (c *SimulatedController) Stop(ctx context.Context, id domain.DeviceID) error {
	d, err := c.device(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for t, gen := range d.generators {
		gen.stop()
		delete(d.generators, t)
	}
	d.running = false
	c.logger.Infow("device stopped", "device_id", id)
	return nil
}

// Subscribe attaches a frame channel to the generator for (id, t). The
// returned cancel func detaches it; the channel is closed when the generator
// stops or the subscription is cancelled.
func (c *SimulatedController) Subscribe(id domain.DeviceID, t domain.StreamType) (<-chan domain.Frame, func(), error) {
	d, err := c.device(id)
	if err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	gen, ok := d.generators[t]
	d.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("device %s: stream type %q is not active", id, t)
	}
	ch, cancel := gen.subscribe()
	return ch, cancel, nil
}

// RequestKeyframe forces the next generated frame for (id, t) to be a
// keyframe. Unknown streams are ignored; the request is advisory.
func (c *SimulatedController) RequestKeyframe(id domain.DeviceID, t domain.StreamType) {
	d, err := c.device(id)
	if err != nil {
		return
	}

	d.mu.Lock()
	gen, ok := d.generators[t]
	d.mu.Unlock()
	if ok {
		gen.requestKeyframe()
	}
}

func (c *SimulatedController) device(id domain.DeviceID) (*simDevice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, id)
	}
	return d, nil
}

// frameGenerator produces synthetic encoded frames for one (device, stream
// type) pair at the configured framerate. Slow subscribers drop frames
// rather than stalling the generator.
type frameGenerator struct {
	deviceID domain.DeviceID
	profile  domain.StreamProfile
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	subs    map[int]chan domain.Frame
	nextSub int
	stopped bool

	done     chan struct{}
	keyframe chan struct{}
}

const subscriberBuffer = 8

// keyframeInterval is the GOP length of the synthetic stream.
const keyframeInterval = 30

func newFrameGenerator(deviceID domain.DeviceID, profile domain.StreamProfile, logger *zap.SugaredLogger) *frameGenerator {
	return &frameGenerator{
		deviceID: deviceID,
		profile:  profile,
		logger:   logger,
		subs:     make(map[int]chan domain.Frame),
		done:     make(chan struct{}),
		keyframe: make(chan struct{}, 1),
	}
}

func (g *frameGenerator) run() {
	interval := time.Second / time.Duration(g.profile.Framerate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
		}

		key := seq%keyframeInterval == 0
		select {
		case <-g.keyframe:
			key = true
		default:
		}

		frame := domain.Frame{
			DeviceID:   g.deviceID,
			StreamType: g.profile.StreamType,
			Data:       g.payload(seq, key),
			Keyframe:   key,
			Duration:   interval,
		}
		seq++

		g.mu.Lock()
		for _, ch := range g.subs {
			select {
			case ch <- frame:
			default:
			}
		}
		g.mu.Unlock()
	}
}

// payload builds a deterministic synthetic frame. Keyframes are larger, the
// way a real encoder's I-frames are.
func (g *frameGenerator) payload(seq uint32, keyframe bool) []byte {
	size := 256
	if keyframe {
		size = 1024
	}
	data := make([]byte, size)
	binary.BigEndian.PutUint32(data, seq)
	copy(data[4:], []byte(g.profile.StreamType))
	return data
}

func (g *frameGenerator) subscribe() (<-chan domain.Frame, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		ch := make(chan domain.Frame)
		close(ch)
		return ch, func() {}
	}

	id := g.nextSub
	g.nextSub++
	ch := make(chan domain.Frame, subscriberBuffer)
	g.subs[id] = ch

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if sub, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (g *frameGenerator) requestKeyframe() {
	select {
	case g.keyframe <- struct{}{}:
	default:
	}
}

func (g *frameGenerator) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	close(g.done)
	for id, ch := range g.subs {
		delete(g.subs, id)
		close(ch)
	}
}
