package recording

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aura-connect/backend/internal/media"
)

// rtpCodec is the slice of a consumer's RTP parameters the SDP needs.
type rtpCodec struct {
	MimeType    string                 `json:"mimeType"`
	PayloadType int                    `json:"payloadType"`
	ClockRate   int                    `json:"clockRate"`
	Channels    int                    `json:"channels"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type rtpParameters struct {
	Codecs []rtpCodec `json:"codecs"`
}

// codecsFrom extracts the codec list from a consumer's opaque RTP parameter
// blob, filling in defaults when the worker omits fields.
func codecsFrom(kind media.Kind, raw media.RTPParameters) []rtpCodec {
	var params rtpParameters
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	if len(params.Codecs) == 0 {
		params.Codecs = []rtpCodec{{}}
	}
	for i := range params.Codecs {
		c := &params.Codecs[i]
		if c.MimeType == "" {
			if kind == media.KindAudio {
				c.MimeType = "audio/opus"
			} else {
				c.MimeType = "video/VP8"
			}
		}
		if c.PayloadType == 0 {
			if kind == media.KindAudio {
				c.PayloadType = 97
			} else {
				c.PayloadType = 96
			}
		}
		if c.ClockRate == 0 {
			if kind == media.KindAudio {
				c.ClockRate = 48000
			} else {
				c.ClockRate = 90000
			}
		}
		if kind == media.KindAudio && c.Channels == 0 {
			c.Channels = 2
		}
	}
	return params.Codecs
}

func codecName(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return mimeType[i+1:]
	}
	return mimeType
}

// fmtpValue renders codec parameters as a deterministic fmtp attribute value.
func fmtpValue(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

// buildSDP describes the two RTP streams the worker forwards to the
// composite process: audio on one port, video on the other, payload types
// taken from the attached consumers.
func buildSDP(bindIP string, audioPort, videoPort int, audio, video []rtpCodec) string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=- 0 0 IN IP4 %s\r\n", bindIP)
	b.WriteString("s=recording\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", bindIP)
	b.WriteString("t=0 0\r\n")

	writeSection := func(kind string, port int, codecs []rtpCodec, channels bool) {
		if len(codecs) == 0 {
			return
		}
		pts := make([]string, len(codecs))
		for i, c := range codecs {
			pts[i] = fmt.Sprintf("%d", c.PayloadType)
		}
		fmt.Fprintf(&b, "m=%s %d RTP/AVP %s\r\n", kind, port, strings.Join(pts, " "))
		for _, c := range codecs {
			if channels && c.Channels > 0 {
				fmt.Fprintf(&b, "a=rtpmap:%d %s/%d/%d\r\n", c.PayloadType, codecName(c.MimeType), c.ClockRate, c.Channels)
			} else {
				fmt.Fprintf(&b, "a=rtpmap:%d %s/%d\r\n", c.PayloadType, codecName(c.MimeType), c.ClockRate)
			}
			if v := fmtpValue(c.Parameters); v != "" {
				fmt.Fprintf(&b, "a=fmtp:%d %s\r\n", c.PayloadType, v)
			}
		}
		b.WriteString("a=recvonly\r\n")
	}

	writeSection("audio", audioPort, audio, true)
	writeSection("video", videoPort, video, false)
	return b.String()
}
