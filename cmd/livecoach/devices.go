package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
)

// ffmpegCapture reads S16LE mono PCM from the default microphone via an
// ffmpeg child process. Close kills the process, which unblocks any
// in-flight Read on the pipe.
type ffmpegCapture struct {
	path       string
	micDevice  string
	sampleRate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newFFmpegCapture(path, micDevice string, sampleRate int) *ffmpegCapture {
	if path == "" {
		path = "ffmpeg"
	}
	return &ffmpegCapture{path: path, micDevice: micDevice, sampleRate: sampleRate}
}

func (c *ffmpegCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return nil
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	switch runtime.GOOS {
	case "darwin":
		device := c.micDevice
		if device == "" {
			device = "0"
		}
		// `none:<index>` keeps ffmpeg from opening a camera.
		args = append(args, "-f", "avfoundation", "-i", "none:"+device)
	default:
		device := c.micDevice
		if device == "" {
			device = "default"
		}
		args = append(args, "-f", "pulse", "-i", device)
	}
	args = append(args,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", c.sampleRate),
		"-f", "s16le",
		"-",
	)

	cmd := exec.Command(c.path, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		return err
	}
	c.cmd = cmd
	c.stdout = stdout
	return nil
}

func (c *ffmpegCapture) Read(p []byte) (int, error) {
	c.mu.Lock()
	stdout := c.stdout
	c.mu.Unlock()
	if stdout == nil {
		return 0, io.EOF
	}
	return stdout.Read(p)
}

func (c *ffmpegCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdout != nil {
		_ = c.stdout.Close()
		c.stdout = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_, _ = c.cmd.Process.Wait()
	}
	c.cmd = nil
	return nil
}

// ffplaySpeaker feeds synthesized PCM to an ffplay child process over stdin.
type ffplaySpeaker struct {
	path       string
	sampleRate int
	volume     int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFPlaySpeaker(path string, sampleRate, volume int) *ffplaySpeaker {
	if path == "" {
		path = "ffplay"
	}
	if volume <= 0 {
		volume = 80
	}
	return &ffplaySpeaker{path: path, sampleRate: sampleRate, volume: volume}
}

func (s *ffplaySpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	// ffplay rejects ffmpeg-style -ac; mono comes in via -ch_layout.
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-volume", fmt.Sprintf("%d", s.volume),
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can pick a silent dummy backend on macOS; prefer CoreAudio.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *ffplaySpeaker) Write(pcm []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(pcm)
	return err
}

func (s *ffplaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	s.cmd = nil
	return nil
}
