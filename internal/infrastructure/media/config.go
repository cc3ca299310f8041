package media

import (
	"fmt"
	"strings"

	"mediarelay/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Config holds the settings shared by every worker of the engine.
type Config struct {
	ListenIP    string
	AnnouncedIP string
	ICEServers  []string
	PortMin     uint16
	PortMax     uint16
}

// announced returns the address handed to peers.
func (c Config) announced() string {
	if c.AnnouncedIP != "" {
		return c.AnnouncedIP
	}
	if c.ListenIP == "" || c.ListenIP == "0.0.0.0" {
		return "127.0.0.1"
	}
	return c.ListenIP
}

func (c Config) listen() string {
	if c.ListenIP == "" {
		return "0.0.0.0"
	}
	return c.ListenIP
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func kindOf(t webrtc.RTPCodecType) domain.MediaKind {
	if t == webrtc.RTPCodecTypeAudio {
		return domain.KindAudio
	}
	return domain.KindVideo
}

// payloadTypes assigns dynamic payload types in codec order. Opus keeps its
// customary 111.
func payloadTypes(codecs []domain.Codec) []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	next := webrtc.PayloadType(96)
	for _, c := range codecs {
		pt := next
		if strings.EqualFold(c.MimeType, webrtc.MimeTypeOpus) {
			pt = 111
		} else {
			next++
		}
		out = append(out, webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
			},
			PayloadType: pt,
		})
	}
	return out
}

func toDomainCodec(kind domain.MediaKind, p webrtc.RTPCodecParameters) domain.Codec {
	return domain.Codec{
		Kind:        kind,
		MimeType:    p.MimeType,
		ClockRate:   p.ClockRate,
		Channels:    p.Channels,
		SDPFmtpLine: p.SDPFmtpLine,
	}
}

// newAPI builds a pion API restricted to the router's codecs.
func newAPI(cfg Config, codecs []domain.Codec) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	params := payloadTypes(codecs)
	for i, p := range params {
		if err := m.RegisterCodec(p, codecType(codecs[i].Kind)); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", p.MimeType, err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		settings.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
