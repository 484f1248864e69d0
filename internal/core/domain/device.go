package domain

import "time"

// Device is a discoverable RealSense camera.
type Device struct {
	ID              DeviceID `json:"device_id"`
	Name            string   `json:"name"`
	SerialNumber    string   `json:"serial_number"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
}

// Frame is one encoded video frame produced by a device sensor.
type Frame struct {
	DeviceID   DeviceID
	StreamType StreamType
	Data       []byte
	Keyframe   bool
	Duration   time.Duration
}
