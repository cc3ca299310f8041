package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// MediaType is the application-level label a client attaches to a producer.
type MediaType string

const (
	MediaTypeVideo  MediaType = "videoType"
	MediaTypeAudio  MediaType = "audioType"
	MediaTypeScreen MediaType = "screenType"
)

func (t MediaType) Valid() bool {
	switch t {
	case MediaTypeVideo, MediaTypeAudio, MediaTypeScreen:
		return true
	}
	return false
}

type Codec struct {
	Kind        MediaKind `json:"kind"`
	MimeType    string    `json:"mimeType"`
	ClockRate   uint32    `json:"clockRate"`
	Channels    uint16    `json:"channels,omitempty"`
	SDPFmtpLine string    `json:"sdpFmtpLine,omitempty"`
}

type RtpCapabilities struct {
	Codecs []Codec `json:"codecs"`
}

// Supports reports whether a codec with the given mime type is listed.
func (c RtpCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// RtpParameters describes one RTP stream on the wire. Client payloads are
// kept verbatim in Raw.
type RtpParameters struct {
	SSRC        uint32          `json:"ssrc,omitempty"`
	PayloadType uint8           `json:"payloadType,omitempty"`
	Codec       Codec           `json:"codec"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Endpoint is the network tuple of a pipe transport.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type WorkerUsage struct {
	UserTime   time.Duration
	SystemTime time.Duration
	Uptime     time.Duration
}

// CPUPercent returns (utime + stime) / uptime * 100.
func (u WorkerUsage) CPUPercent() float64 {
	if u.Uptime <= 0 {
		return 0
	}
	return float64(u.UserTime+u.SystemTime) / float64(u.Uptime) * 100
}
