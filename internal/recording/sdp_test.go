package recording

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-connect/backend/internal/media"
)

func TestCodecsFromFillsDefaults(t *testing.T) {
	audio := codecsFrom(media.KindAudio, []byte(`{"codecs":[{}]}`))
	require.Len(t, audio, 1)
	assert.Equal(t, "audio/opus", audio[0].MimeType)
	assert.Equal(t, 97, audio[0].PayloadType)
	assert.Equal(t, 48000, audio[0].ClockRate)
	assert.Equal(t, 2, audio[0].Channels)

	video := codecsFrom(media.KindVideo, nil)
	require.Len(t, video, 1)
	assert.Equal(t, "video/VP8", video[0].MimeType)
	assert.Equal(t, 96, video[0].PayloadType)
	assert.Equal(t, 90000, video[0].ClockRate)
}

func TestCodecsFromKeepsWorkerValues(t *testing.T) {
	codecs := codecsFrom(media.KindVideo, []byte(`{"codecs":[
		{"mimeType":"video/H264","payloadType":102,"clockRate":90000,
		 "parameters":{"packetization-mode":1,"profile-level-id":"42e01f"}}]}`))
	require.Len(t, codecs, 1)
	assert.Equal(t, "video/H264", codecs[0].MimeType)
	assert.Equal(t, 102, codecs[0].PayloadType)
}

func TestBuildSDPSections(t *testing.T) {
	audio := []rtpCodec{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}}
	video := []rtpCodec{
		{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000},
		{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000,
			Parameters: map[string]interface{}{"packetization-mode": 1, "level-asymmetry-allowed": 1}},
	}

	sdp := buildSDP("127.0.0.1", 50000, 50002, audio, video)

	assert.Contains(t, sdp, "c=IN IP4 127.0.0.1\r\n")
	assert.Contains(t, sdp, "m=audio 50000 RTP/AVP 100\r\n")
	assert.Contains(t, sdp, "a=rtpmap:100 opus/48000/2\r\n")
	assert.Contains(t, sdp, "m=video 50002 RTP/AVP 101 102\r\n")
	assert.Contains(t, sdp, "a=rtpmap:101 VP8/90000\r\n")
	assert.Contains(t, sdp, "a=rtpmap:102 H264/90000\r\n")
	// fmtp parameters come out sorted so the file is reproducible.
	assert.Contains(t, sdp, "a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1\r\n")
	assert.Equal(t, 2, strings.Count(sdp, "a=recvonly\r\n"))
}

func TestBuildSDPSkipsEmptySections(t *testing.T) {
	sdp := buildSDP("127.0.0.1", 50000, 50002, nil,
		[]rtpCodec{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}})
	assert.NotContains(t, sdp, "m=audio")
	assert.Contains(t, sdp, "m=video")
}
