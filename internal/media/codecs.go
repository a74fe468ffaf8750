package media

import webrtc "github.com/pion/webrtc/v3"

// Codec is one entry of the router codec table.
type Codec struct {
	Kind       Kind                   `json:"kind"`
	MimeType   string                 `json:"mimeType"`
	ClockRate  int                    `json:"clockRate"`
	Channels   int                    `json:"channels,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// BootCodecs is the codec table every router is seeded with. Fixed at boot;
// clients whose RTP capabilities do not intersect it fail consume.
func BootCodecs() []Codec {
	return []Codec{
		{
			Kind:      KindAudio,
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeVP9,
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"profile-id":             2,
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			},
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeAV1,
			ClockRate: 90000,
		},
	}
}
