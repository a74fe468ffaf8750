package recording

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

const compositeKillGrace = 5 * time.Second

// Composite roles. The primary stream fills the frame; pip is scaled to a
// quarter and overlaid in the bottom-right corner with a 40px margin.
const (
	RolePrimary = "primary"
	RolePip     = "pip"
)

const pipFilter = "[0:v:0]setpts=PTS-STARTPTS,scale=1280:720[main];" +
	"[0:v:1]setpts=PTS-STARTPTS,scale=iw/4:ih/4[pip];" +
	"[main][pip]overlay=W-w-40:H-h-40[out]"

// compositeArgs builds the ffmpeg invocation for the session. The SDP input
// carries both RTP streams; with two or more video streams the pip layout
// composes them in a single filter pass.
func compositeArgs(sdpPath, outputPath string, videoStreams int, layout string) []string {
	args := []string{
		"-nostdin",
		"-protocol_whitelist", "file,udp,rtp",
		"-f", "sdp",
		"-i", sdpPath,
	}
	if videoStreams >= 2 && layout == "pip" {
		args = append(args,
			"-filter_complex", pipFilter,
			"-map", "[out]",
		)
	} else {
		args = append(args, "-map", "0:v:0")
	}
	args = append(args,
		"-map", "0:a?",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-y", outputPath,
	)
	return args
}

// startProcess launches the composite with stdout/stderr redirected to the
// session log file. The returned channel receives the Wait result exactly
// once.
func startProcess(ffmpegPath string, args []string, logPath string) (*exec.Cmd, *os.File, chan error, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open composite log: %w", err)
	}
	cmd := exec.Command(ffmpegPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, nil, nil, fmt.Errorf("start composite: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	return cmd, logFile, done, nil
}

// stopProcess asks the composite to finalize the container with SIGINT and
// falls back to SIGKILL after the grace period. Safe to call after exit.
func stopProcess(cmd *exec.Cmd, done chan error) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case err := <-done:
		done <- err
	case <-time.After(compositeKillGrace):
		_ = cmd.Process.Kill()
		err := <-done
		done <- err
	}
}
