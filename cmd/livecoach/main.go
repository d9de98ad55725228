// Command livecoach is a push-to-talk console client for the live coaching
// stream: Enter toggles the microphone, synthesized coaching plays back
// through the speaker, and barge-in cuts playback when the user speaks over
// it.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/genai"

	"github.com/posecoach/livecoach-go/pkg/audio"
	"github.com/posecoach/livecoach-go/pkg/config"
	"github.com/posecoach/livecoach-go/pkg/core"
	"github.com/posecoach/livecoach-go/pkg/live/protocol"
	"github.com/posecoach/livecoach-go/pkg/live/session"
)

const defaultSystemInstruction = "You are a concise, encouraging fitness coach. " +
	"Give short spoken corrections about exercise form."

type options struct {
	apiKey    string
	endpoint  string
	voice     string
	system    string
	micDevice string
	ffmpeg    string
	ffplay    string
	volume    int
	bargeIn   bool
	debug     bool
}

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.apiKey, "api-key", strings.TrimSpace(os.Getenv("GEMINI_API_KEY")), "API key (also reads GEMINI_API_KEY)")
	flag.StringVar(&opt.endpoint, "endpoint", config.DefaultEndpoint, "Live websocket endpoint")
	flag.StringVar(&opt.voice, "voice", "Aoede", "Prebuilt voice name")
	flag.StringVar(&opt.system, "system", defaultSystemInstruction, "System instruction")
	flag.StringVar(&opt.micDevice, "mic-device", "", "Capture device (avfoundation index on macOS, pulse source otherwise)")
	flag.StringVar(&opt.ffmpeg, "ffmpeg-path", "ffmpeg", "Path to ffmpeg for capture")
	flag.StringVar(&opt.ffplay, "ffplay-path", "ffplay", "Path to ffplay for playback")
	flag.IntVar(&opt.volume, "volume", 80, "Playback volume, 0-100")
	flag.BoolVar(&opt.bargeIn, "barge-in", true, "Low-latency capture with barge-in over playback")
	flag.BoolVar(&opt.debug, "debug", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if opt.apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing API key: pass -api-key or set GEMINI_API_KEY")
		return 1
	}

	spec := config.DefaultSessionSpec()
	spec.Endpoint = opt.endpoint
	if result := config.Validate(spec); !result.OK() {
		for _, v := range result.Violations {
			if v.Warning {
				continue
			}
			fmt.Fprintf(os.Stderr, "config violation: %s = %s, expected %s (%s)\n", v.Field, v.Actual, v.Expected, v.Ref)
		}
		return 1
	}

	capture := newFFmpegCapture(opt.ffmpeg, opt.micDevice, protocol.AudioInputSampleRate)
	speaker := newFFPlaySpeaker(opt.ffplay, protocol.AudioOutputSampleRate, opt.volume)
	engine := audio.NewEngine(capture, speaker, audio.DefaultConfig(), logger)
	defer engine.Destroy()
	engine.SetBargeInMode(opt.bargeIn)

	mgrCfg := session.DefaultConfig()
	mgrCfg.Spec = spec
	mgrCfg.APIKey = opt.apiKey
	mgrCfg.SystemInstruction = opt.system
	mgrCfg.VoiceName = opt.voice
	mgr := session.NewManager(mgrCfg, engine, logger)
	defer mgr.Destroy()

	events, unsubscribe := mgr.Subscribe(128)
	defer unsubscribe()

	if err := mgr.Connect(); err != nil {
		cerr := core.AsError(err)
		fmt.Fprintf(os.Stderr, "connect failed: %s (%s)\n", cerr.Message, cerr.Type)
		return 1
	}

	// One long-lived goroutine per stream, all torn down by engine/manager
	// destroy when run returns.
	var talking atomic.Bool
	go func() {
		for chunk := range engine.Chunks() {
			if !talking.Load() {
				continue
			}
			if err := mgr.SendAudioChunk(chunk.Samples); err != nil {
				logger.Warn("send audio chunk", "error", err)
			}
		}
	}()
	go func() {
		for range engine.BargeIn() {
			logger.Info("barge-in detected, stopping playback")
			engine.StopPlayback()
		}
	}()
	go func() {
		for info := range engine.QualityWarnings() {
			fmt.Printf("[mic] low audio quality: score %.2f, snr %.1f dB\n", info.QualityScore, info.SignalToNoiseRatio)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleEvents(events, mgr, logger)
	}()

	go togglePushToTalk(&talking, engine, mgr, logger)

	fmt.Println("connected - press Enter to talk, Enter again to stop, Ctrl+C to quit")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
		fmt.Println("\nshutting down")
	case <-done:
	}
	mgr.Disconnect()
	return 0
}

// togglePushToTalk flips the mic on each Enter press: recording starts with
// the press and the utterance is terminated with an explicit stream end.
func togglePushToTalk(talking *atomic.Bool, engine *audio.Engine, mgr *session.Manager, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if talking.Load() {
			talking.Store(false)
			engine.StopRecording()
			if err := mgr.SendAudioStreamEnd(); err != nil {
				logger.Warn("send stream end", "error", err)
			}
			fmt.Println("[mic] off")
			continue
		}
		if err := engine.StartRecording(); err != nil {
			logger.Error("start recording", "error", err)
			continue
		}
		talking.Store(true)
		fmt.Println("[mic] on")
	}
}

// handleEvents prints the session stream and acknowledges tool calls. It
// returns when the event stream closes or the retry budget is spent.
func handleEvents(events <-chan session.Event, mgr *session.Manager, logger *slog.Logger) {
	for ev := range events {
		switch v := ev.(type) {
		case session.StateChangedEvent:
			switch v.To {
			case session.StateReconnecting:
				fmt.Println("[conn] reconnecting...")
			case session.StateConnected:
				fmt.Println("[conn] connected")
			case session.StateError:
				if err := mgr.LastError(); err != nil && !err.IsRetryable() {
					fmt.Printf("[conn] failed: %s\n", err.Message)
					return
				}
			}
		case session.TranscriptEvent:
			fmt.Printf("[%s] %s\n", v.Source, v.Text)
		case session.TextEvent:
			fmt.Printf("[coach] %s\n", v.Text)
		case session.ToolCallEvent:
			acknowledgeToolCalls(v.Calls, mgr, logger)
		case session.ToolCallCancellationEvent:
			logger.Info("tool calls cancelled", "ids", v.IDs)
		case session.SessionNearTimeoutEvent:
			fmt.Printf("[session] ending in %s\n", v.Remaining)
		case session.SessionEndedEvent:
			fmt.Printf("[session] ended (%s): %s sent %d chunks over %s\n",
				v.Reason, v.Metrics.SessionID, v.Metrics.ChunksSent, v.Metrics.Duration.Round(time.Second))
		case session.ErrorEvent:
			logger.Warn("session error", "type", v.Err.Type, "error", v.Err.Message)
		}
	}
}

func acknowledgeToolCalls(calls []*genai.FunctionCall, mgr *session.Manager, logger *slog.Logger) {
	responses := make([]*genai.FunctionResponse, 0, len(calls))
	for _, call := range calls {
		if call == nil {
			continue
		}
		fmt.Printf("[tool] %s(%v)\n", call.Name, call.Args)
		responses = append(responses, &genai.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{"ok": true},
		})
	}
	if len(responses) == 0 {
		return
	}
	if err := mgr.SendToolResponse(responses); err != nil {
		logger.Warn("send tool response", "error", err)
	}
}
