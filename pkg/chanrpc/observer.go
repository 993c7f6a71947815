package chanrpc

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const debugLogFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// debugLogRotateThreshold is the byte size a debug log is allowed to reach
// before rotate compresses it out of the way and a fresh file is opened.
const debugLogRotateThreshold = 1 << 20 // 1 MiB

// FrameView is the deep-immutable view of a frame design note §9 asks for:
// observers must not be able to mutate what was actually sent or received,
// so PostObserver/RecvObserver see a value type reconstructed from the
// wire-encoded bytes rather than the live frame struct.
type FrameView struct {
	ID        *uint64
	Method    string
	Params    json.RawMessage
	Callbacks []string
	Callback  string
	Result    json.RawMessage
	Error     string
	Message   string
}

func newFrameView(f *frame) FrameView {
	// Round-trip through JSON rather than a shallow struct copy, so a
	// RawMessage an observer holds onto can never alias buffers the Channel
	// goes on to mutate or reuse.
	b, err := json.Marshal(f)
	if err != nil {
		return FrameView{}
	}
	var v FrameView
	if err := json.Unmarshal(b, &v); err != nil {
		return FrameView{}
	}
	return v
}

// PostObserverFunc and RecvObserverFunc are the optional taps configured on
// build (§6). PostObserver is invoked with this Channel's own identity and
// RecvObserver with the frame's sender identity, each alongside a
// FrameView; neither can influence dispatch (§9: taps, not filters).
type PostObserverFunc func(identity string, f FrameView)
type RecvObserverFunc func(identity string, f FrameView)

// debugSink is the optional per-frame trace log enabled by Config.Debug. It
// writes structured (zerolog) lines to an afero filesystem so tests can
// point it at an in-memory FS and production can point it at the real one,
// gzip-compressing rotated files -- never the wire payloads themselves,
// which §6 requires stay literal UTF-8 JSON text end to end.
type debugSink struct {
	mu        sync.Mutex
	fs        afero.Fs
	path      string
	logger    zerolog.Logger
	file      afero.File
	written   int64
	threshold int64
	rotateAt  time.Time
}

// countingWriter tracks how many bytes have landed in the live debug log
// since it was last opened or rotated, the trigger rotate checks against
// threshold.
type countingWriter struct {
	s *debugSink
}

func (cw countingWriter) Write(p []byte) (int, error) {
	n, err := cw.s.file.Write(p)
	cw.s.written += int64(n)
	return n, err
}

func newDebugSink(fs afero.Fs, path string) (*debugSink, error) {
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	f, err := fs.OpenFile(path, debugLogFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chanrpc: failed to open debug log %q: %w", path, err)
	}
	s := &debugSink{
		fs:        fs,
		path:      path,
		file:      f,
		threshold: debugLogRotateThreshold,
	}
	s.logger = zerolog.New(countingWriter{s}).With().Timestamp().Logger()
	return s, nil
}

// trace writes one structured line describing a frame crossing the
// boundary in either direction.
func (s *debugSink) trace(direction, identity string, f *frame) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.logger.Debug().
		Uint64("seq", allocDebugSeq()).
		Str("direction", direction).
		Str("identity", identity)
	if f.ID != nil {
		ev = ev.Uint64("id", *f.ID)
	}
	if f.Method != "" {
		ev = ev.Str("method", f.Method)
	}
	if f.Callback != "" {
		ev = ev.Str("callback", f.Callback)
	}
	if f.hasError() {
		ev = ev.Str("error", f.Error).Str("message", f.Message)
	}
	ev.Msg("frame")
	s.rotateIfOverLocked()
}

// note writes a free-form debug note, used for the §4.4 "dropped with a
// debug note" and §4.7 origin-drop cases, which carry no frame of their
// own worth tracing.
func (s *debugSink) note(msg string, kv map[string]interface{}) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.logger.Debug().Uint64("seq", allocDebugSeq())
	for k, v := range kv {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
	s.rotateIfOverLocked()
}

// rotate compresses the current debug log under a timestamped .gz name and
// truncates the live file.
func (s *debugSink) rotate(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(now)
}

// rotateIfOverLocked rotates the live log once it has crossed threshold
// bytes since it was last opened. Callers must hold s.mu. A rotation
// failure is swallowed rather than propagated: it must never interrupt the
// frame processing that triggered it.
func (s *debugSink) rotateIfOverLocked() {
	if s.written < s.threshold {
		return
	}
	_ = s.rotateLocked(time.Now())
}

// rotateLocked is rotate's body, callable from code that already holds s.mu.
func (s *debugSink) rotateLocked(now time.Time) error {
	if err := s.file.Close(); err != nil {
		return err
	}
	gzPath := fmt.Sprintf("%s.%d.gz", s.path, now.UnixNano())
	if err := compressToGzip(s.fs, s.path, gzPath); err != nil {
		return err
	}
	tf, err := s.fs.OpenFile(s.path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := tf.Truncate(0); err != nil {
		tf.Close()
		return err
	}
	if err := tf.Close(); err != nil {
		return err
	}
	f, err := s.fs.OpenFile(s.path, debugLogFlags, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.written = 0
	s.logger = zerolog.New(countingWriter{s}).With().Timestamp().Logger()
	s.rotateAt = now
	return nil
}

func compressToGzip(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	gw := gzip.NewWriter(out)
	defer gw.Close()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := gw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

func (s *debugSink) close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
