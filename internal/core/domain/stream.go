package domain

import "fmt"

type DeviceID string
type SessionID string

// StreamType is one of the fixed RealSense video modalities.
type StreamType string

const (
	StreamTypeColor     StreamType = "color"
	StreamTypeDepth     StreamType = "depth"
	StreamTypeInfrared1 StreamType = "infrared-1"
	StreamTypeInfrared2 StreamType = "infrared-2"
)

// StreamTypes lists every valid stream type in a stable order.
func StreamTypes() []StreamType {
	return []StreamType{StreamTypeColor, StreamTypeDepth, StreamTypeInfrared1, StreamTypeInfrared2}
}

// Valid reports whether t is a member of the fixed stream-type set.
// Matching is case-sensitive.
func (t StreamType) Valid() bool {
	switch t {
	case StreamTypeColor, StreamTypeDepth, StreamTypeInfrared1, StreamTypeInfrared2:
		return true
	}
	return false
}

// ParseStreamTypes validates raw stream-type strings before any state is
// touched. Returns ErrInvalidStreamType on the first unknown value.
// Duplicates are collapsed.
func ParseStreamTypes(raw []string) ([]StreamType, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one stream type is required", ErrInvalidStreamType)
	}
	types := make([]StreamType, 0, len(raw))
	seen := make(map[StreamType]bool, len(raw))
	for _, r := range raw {
		t := StreamType(r)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStreamType, r)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return types, nil
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StreamProfile is the full configuration a device sensor runs with for a
// single stream type.
type StreamProfile struct {
	SensorID   string     `json:"sensor_id"`
	StreamType StreamType `json:"stream_type"`
	Format     string     `json:"format"`
	Resolution Resolution `json:"resolution"`
	Framerate  int        `json:"framerate"`
}

// Validate checks the required numeric fields at the boundary.
func (p StreamProfile) Validate() error {
	if !p.StreamType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStreamType, p.StreamType)
	}
	if p.Resolution.Width <= 0 || p.Resolution.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", p.Resolution.Width, p.Resolution.Height)
	}
	if p.Framerate <= 0 {
		return fmt.Errorf("invalid framerate %d", p.Framerate)
	}
	return nil
}

// DefaultProfile returns the profile a stream type runs with unless a client
// negotiated something else: 640x480 @ 30fps, with the sensor-native format.
func DefaultProfile(deviceID DeviceID, t StreamType) StreamProfile {
	format := "rgb8"
	switch t {
	case StreamTypeDepth:
		format = "z16"
	case StreamTypeInfrared1, StreamTypeInfrared2:
		format = "y8"
	}
	return StreamProfile{
		SensorID:   fmt.Sprintf("%s-sensor-0", deviceID),
		StreamType: t,
		Format:     format,
		Resolution: Resolution{Width: 640, Height: 480},
		Framerate:  30,
	}
}

// StreamReference is a diagnostic snapshot of one (device, stream type)
// reference count.
type StreamReference struct {
	DeviceID       DeviceID   `json:"device_id"`
	StreamType     StreamType `json:"stream_type"`
	ReferenceCount int        `json:"reference_count"`
}

// DeviceStreamState describes what a device is currently doing: the union of
// stream types with a positive reference count, and whether it is running.
type DeviceStreamState struct {
	DeviceID      DeviceID     `json:"device_id"`
	ActiveStreams []StreamType `json:"active_streams"`
	Running       bool         `json:"running"`
}
