package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-audio/wav"

	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
)

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
)

// ExecFunc runs a short-lived command and returns its combined output.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandFunc builds a long-running command whose lifetime the tap manages.
type CommandFunc func(name string, args ...string) *exec.Cmd

type Options struct {
	PactlBin    string
	FFmpegBin   string
	MaxSinks    int
	StopTimeout time.Duration
	Exec        ExecFunc
	Command     CommandFunc
}

// Sink identifies one virtual null sink allocated for a session.
type Sink struct {
	SessionID string
	Name      string
	ModuleID  string
}

// Monitor is the capture source PulseAudio exposes for the sink.
func (s Sink) Monitor() string {
	return s.Name + ".monitor"
}

// Tap allocates one PulseAudio null sink per session and records its monitor
// source with ffmpeg.
type Tap struct {
	pactl       string
	ffmpeg      string
	maxSinks    int
	stopTimeout time.Duration
	exec        ExecFunc
	command     CommandFunc

	mu    sync.Mutex
	sinks map[string]*binding
}

type binding struct {
	sink      Sink
	ready     bool
	releasing bool
	capture   *capture
}

type capture struct {
	cmd      *exec.Cmd
	path     string
	done     chan struct{}
	waitErr  error
	stopping atomic.Bool
}

func NewTap(opts Options) *Tap {
	t := &Tap{
		pactl:       opts.PactlBin,
		ffmpeg:      opts.FFmpegBin,
		maxSinks:    opts.MaxSinks,
		stopTimeout: opts.StopTimeout,
		exec:        opts.Exec,
		command:     opts.Command,
		sinks:       make(map[string]*binding),
	}
	if t.pactl == "" {
		t.pactl = "pactl"
	}
	if t.ffmpeg == "" {
		t.ffmpeg = "ffmpeg"
	}
	if t.maxSinks <= 0 {
		t.maxSinks = 32
	}
	if t.stopTimeout <= 0 {
		t.stopTimeout = 5 * time.Second
	}
	if t.exec == nil {
		t.exec = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}
	if t.command == nil {
		t.command = exec.Command
	}
	return t
}

// SinkName derives the PulseAudio sink name for a session.
func SinkName(sessionID string) string {
	var b strings.Builder
	b.WriteString("meetrec_")
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Acquire loads a dedicated null sink for the session. The slot is reserved
// before pactl runs so concurrent callers can neither exceed the sink limit
// nor claim the same name twice.
func (t *Tap) Acquire(ctx context.Context, sessionID string) (Sink, error) {
	name := SinkName(sessionID)

	t.mu.Lock()
	if _, exists := t.sinks[name]; exists {
		t.mu.Unlock()
		return Sink{}, fmt.Errorf("sink %s already bound: %w", name, model.ErrConflict)
	}
	if len(t.sinks) >= t.maxSinks {
		t.mu.Unlock()
		metrics.Default().IncCounter("meetrec_audio_sink_operations_total", map[string]string{"op": "load", "status": "exhausted"})
		return Sink{}, fmt.Errorf("sink limit %d reached: %w", t.maxSinks, model.ErrResourceExhausted)
	}
	b := &binding{sink: Sink{SessionID: sessionID, Name: name}}
	t.sinks[name] = b
	t.mu.Unlock()

	out, err := t.exec(ctx, t.pactl, "load-module", "module-null-sink",
		"sink_name="+name,
		"sink_properties=device.description="+name,
	)
	if err != nil {
		t.mu.Lock()
		delete(t.sinks, name)
		t.mu.Unlock()
		metrics.Default().IncCounter("meetrec_audio_sink_operations_total", map[string]string{"op": "load", "status": "error"})
		log.Printf("event=audio_sink_load_failed session_id=%s sink=%s err=%q output=%q", sessionID, name, err.Error(), strings.TrimSpace(string(out)))
		return Sink{}, fmt.Errorf("load null sink %s: %v: %w", name, err, model.ErrResourceExhausted)
	}

	moduleID := strings.TrimSpace(string(out))
	t.mu.Lock()
	if t.sinks[name] != b || b.releasing {
		// Released while pactl was loading; the module has no owner.
		t.mu.Unlock()
		if err := t.unload(context.WithoutCancel(ctx), name, moduleID); err != nil {
			log.Printf("event=audio_sink_unload_failed session_id=%s sink=%s err=%q", sessionID, name, err.Error())
		}
		metrics.Default().IncCounter("meetrec_audio_sink_operations_total", map[string]string{"op": "load", "status": "released"})
		return Sink{}, fmt.Errorf("sink %s released during load: %w", name, model.ErrResourceExhausted)
	}
	b.sink.ModuleID = moduleID
	b.ready = true
	sink := b.sink
	t.mu.Unlock()

	metrics.Default().IncCounter("meetrec_audio_sink_operations_total", map[string]string{"op": "load", "status": "ok"})
	metrics.Default().AddGauge("meetrec_audio_sinks_bound", 1, nil)
	log.Printf("event=audio_sink_loaded session_id=%s sink=%s module_id=%s", sessionID, name, sink.ModuleID)
	return sink, nil
}

// Bound reports whether a sink is currently held for the session.
func (t *Tap) Bound(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sinks[SinkName(sessionID)]
	return ok
}

// StartCapture records the sink's monitor source to outputPath as PCM WAV.
// The returned channel yields one error wrapping model.ErrDeviceLost if the
// encoder exits before StopCapture asks it to.
func (t *Tap) StartCapture(sink Sink, outputPath string, sampleRate, channels int) (<-chan error, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}

	t.mu.Lock()
	b := t.sinks[sink.Name]
	if b == nil || !b.ready || b.releasing {
		t.mu.Unlock()
		return nil, fmt.Errorf("sink %s is not bound: %w", sink.Name, model.ErrDeviceLost)
	}
	if b.capture != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("capture already running on %s: %w", sink.Name, model.ErrConflict)
	}
	c := &capture{path: outputPath, done: make(chan struct{})}
	b.capture = c
	t.mu.Unlock()

	fail := func(err error) (<-chan error, error) {
		t.mu.Lock()
		b.capture = nil
		t.mu.Unlock()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fail(fmt.Errorf("create recording dir: %w", err))
	}

	cmd := t.command(t.ffmpeg,
		"-hide_banner", "-nostats", "-loglevel", "warning",
		"-f", "pulse",
		"-i", sink.Monitor(),
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", "pcm_s24le",
		"-y",
		outputPath,
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(fmt.Errorf("ffmpeg stderr: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start ffmpeg: %v: %w", err, model.ErrDeviceLost))
	}
	t.mu.Lock()
	c.cmd = cmd
	t.mu.Unlock()

	lost := make(chan error, 1)
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		t.stream(sink.SessionID, stderr)
	}()
	go func() {
		<-logged
		c.waitErr = cmd.Wait()
		close(c.done)
		if c.stopping.Load() {
			return
		}
		metrics.Default().IncCounter("meetrec_audio_device_lost_total", nil)
		log.Printf("event=audio_capture_lost session_id=%s sink=%s err=%v", sink.SessionID, sink.Name, c.waitErr)
		lost <- fmt.Errorf("capture on %s exited: %v: %w", sink.Name, c.waitErr, model.ErrDeviceLost)
	}()

	log.Printf("event=audio_capture_started session_id=%s sink=%s path=%s sample_rate=%d channels=%d", sink.SessionID, sink.Name, outputPath, sampleRate, channels)
	return lost, nil
}

func (t *Tap) stream(sessionID string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "underrun"):
			metrics.Default().IncCounter("meetrec_audio_xruns_total", map[string]string{"kind": "underrun"})
			log.Printf("event=audio_xrun session_id=%s kind=underrun line=%q", sessionID, line)
		case strings.Contains(lower, "overrun"):
			metrics.Default().IncCounter("meetrec_audio_xruns_total", map[string]string{"kind": "overrun"})
			log.Printf("event=audio_xrun session_id=%s kind=overrun line=%q", sessionID, line)
		default:
			log.Printf("ffmpeg[%s] stderr: %s", sessionID, line)
		}
	}
}

// StopCapture ends any running capture, reads the realized duration from the
// file and unloads the sink. Calling it for a sink that is already released
// returns zero and no error.
func (t *Tap) StopCapture(ctx context.Context, sink Sink) (float64, error) {
	t.mu.Lock()
	b := t.sinks[sink.Name]
	if b == nil || b.releasing {
		t.mu.Unlock()
		return 0, nil
	}
	b.releasing = true
	if !b.ready {
		// Acquire is still loading the module and unloads it itself.
		delete(t.sinks, sink.Name)
		t.mu.Unlock()
		return 0, nil
	}
	c := b.capture
	if c != nil && c.cmd == nil {
		c = nil
	}
	moduleID := b.sink.ModuleID
	t.mu.Unlock()

	var seconds float64
	if c != nil {
		t.halt(c)
		d, err := Duration(c.path)
		if err != nil {
			log.Printf("event=audio_duration_probe_failed session_id=%s path=%s err=%q", sink.SessionID, c.path, err.Error())
		} else {
			seconds = d.Seconds()
		}
		log.Printf("event=audio_capture_stopped session_id=%s sink=%s duration_seconds=%.3f", sink.SessionID, sink.Name, seconds)
	}

	unloadErr := t.unload(ctx, sink.Name, moduleID)

	t.mu.Lock()
	delete(t.sinks, sink.Name)
	t.mu.Unlock()
	metrics.Default().AddGauge("meetrec_audio_sinks_bound", -1, nil)

	if unloadErr != nil {
		metrics.Default().IncCounter("meetrec_audio_sink_operations_total", map[string]string{"op": "unload", "status": "error"})
		log.Printf("event=audio_sink_unload_failed session_id=%s sink=%s err=%q", sink.SessionID, sink.Name, unloadErr.Error())
		return seconds, unloadErr
	}
	metrics.Default().IncCounter("meetrec_audio_sink_operations_total", map[string]string{"op": "unload", "status": "ok"})
	return seconds, nil
}

// halt asks ffmpeg to finish the file with SIGINT and kills it if it does
// not exit within the stop timeout.
func (t *Tap) halt(c *capture) {
	c.stopping.Store(true)
	select {
	case <-c.done:
		return
	default:
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGINT)
	}
	timer := time.NewTimer(t.stopTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		log.Printf("event=audio_capture_kill path=%s timeout=%s", c.path, t.stopTimeout)
		_ = c.cmd.Process.Kill()
		<-c.done
	}
}

func (t *Tap) unload(ctx context.Context, name, moduleID string) error {
	if moduleID == "" {
		id, err := t.findModule(ctx, name)
		if err != nil {
			return err
		}
		if id == "" {
			return nil
		}
		moduleID = id
	}
	if out, err := t.exec(ctx, t.pactl, "unload-module", moduleID); err != nil {
		return fmt.Errorf("unload module %s: %v: %s", moduleID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// findModule scans `pactl list modules short` for the null sink by name.
func (t *Tap) findModule(ctx context.Context, name string) (string, error) {
	out, err := t.exec(ctx, t.pactl, "list", "modules", "short")
	if err != nil {
		return "", fmt.Errorf("list modules: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "module-null-sink") && strings.Contains(line, "sink_name="+name) {
			if fields := strings.Fields(line); len(fields) > 0 {
				return fields[0], nil
			}
		}
	}
	return "", nil
}

// ReleaseAll stops every remaining capture and unloads every sink.
func (t *Tap) ReleaseAll(ctx context.Context) {
	t.mu.Lock()
	sinks := make([]Sink, 0, len(t.sinks))
	for _, b := range t.sinks {
		sinks = append(sinks, b.sink)
	}
	t.mu.Unlock()
	for _, s := range sinks {
		if _, err := t.StopCapture(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("event=audio_release_failed session_id=%s sink=%s err=%q", s.SessionID, s.Name, err.Error())
		}
	}
}

// Duration reads the playable length of a WAV file.
func Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("find pcm chunk in %s: %w", path, err)
	}
	if dec.AvgBytesPerSec == 0 {
		return 0, fmt.Errorf("%s declares zero byte rate", path)
	}
	return time.Duration(float64(dec.PCMSize) / float64(dec.AvgBytesPerSec) * float64(time.Second)), nil
}
