package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-emotion-service/internal/observability/logging"
)

// DefaultBufferFrames is the tap buffer size in frames.
const DefaultBufferFrames = 4096

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
	// maxFmtChunk bounds the fmt chunk read; extensible headers are 40 bytes.
	maxFmtChunk = 1 << 10
)

// ErrInvalidWAV is returned for files that are not byte-aligned PCM WAV.
var ErrInvalidWAV = errors.New("invalid WAV file")

// wavLayout locates the sample data inside a WAV file.
type wavLayout struct {
	format     Format
	dataOffset int64
	dataSize   int64
}

// ReadWAVHeader walks the RIFF chunks up to the data chunk and returns the
// PCM format. Chunks other than fmt and data are skipped.
func ReadWAVHeader(r io.Reader) (Format, error) {
	layout, err := readWAVLayout(r)
	return layout.format, err
}

func readWAVLayout(r io.Reader) (wavLayout, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return wavLayout{}, fmt.Errorf("%w: reading header: %v", ErrInvalidWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return wavLayout{}, fmt.Errorf("%w: missing RIFF/WAVE markers", ErrInvalidWAV)
	}

	var (
		layout  wavLayout
		haveFmt bool
		offset  int64 = 12
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return wavLayout{}, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
		}
		offset += 8
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "data":
			if !haveFmt {
				return wavLayout{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			layout.dataOffset = offset
			layout.dataSize = size
			return layout, nil
		case "fmt ":
			if size < 16 || size > maxFmtChunk {
				return wavLayout{}, fmt.Errorf("%w: fmt chunk of %d bytes", ErrInvalidWAV, size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return wavLayout{}, fmt.Errorf("%w: reading fmt chunk: %v", ErrInvalidWAV, err)
			}
			format, err := parseFmtChunk(body)
			if err != nil {
				return wavLayout{}, err
			}
			layout.format = format
			haveFmt = true
		default:
			if _, err := io.CopyN(io.Discard, r, size); err != nil {
				return wavLayout{}, fmt.Errorf("%w: truncated %q chunk", ErrInvalidWAV, id)
			}
		}
		offset += size

		// Chunks are word aligned.
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return wavLayout{}, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
			}
			offset++
		}
	}
}

func parseFmtChunk(body []byte) (Format, error) {
	tag := binary.LittleEndian.Uint16(body[0:2])
	if tag == formatExtensible && len(body) >= 26 {
		// The sub-format GUID starts with the plain format tag.
		tag = binary.LittleEndian.Uint16(body[24:26])
	}
	if tag != formatPCM {
		return Format{}, fmt.Errorf("%w: only PCM supported, got format %d", ErrInvalidWAV, tag)
	}

	f := Format{
		Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
		SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
		BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
	}
	if f.BitsPerSample == 0 || f.BitsPerSample%8 != 0 {
		return Format{}, fmt.Errorf("%w: unsupported bits per sample %d", ErrInvalidWAV, f.BitsPerSample)
	}
	return f, nil
}

// FileEngine plays a PCM WAV file into the tap, optionally paced at real
// time. When the file is exhausted it stops delivering.
type FileEngine struct {
	path         string
	layout       wavLayout
	format       Format
	bufferFrames int
	realtime     bool
	logger       zerolog.Logger

	mu      sync.Mutex
	tap     TapFunc
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// OpenWAV validates path and returns an engine that plays it.
func OpenWAV(path string, bufferFrames int, realtime bool) (*FileEngine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	layout, err := readWAVLayout(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if bufferFrames <= 0 {
		bufferFrames = DefaultBufferFrames
	}

	return &FileEngine{
		path:         path,
		layout:       layout,
		format:       layout.format,
		bufferFrames: bufferFrames,
		realtime:     realtime,
		logger:       logging.WithComponent("audio").With().Str("file", path).Logger(),
	}, nil
}

func (e *FileEngine) InputFormat() Format {
	return e.format
}

func (e *FileEngine) InstallTap(fn TapFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap != nil {
		return ErrTapInstalled
	}
	e.tap = fn
	return nil
}

func (e *FileEngine) RemoveTap() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tap = nil
}

// Start begins playback. Starting a running engine is a no-op.
func (e *FileEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tap == nil {
		return ErrNoTap
	}
	if e.running {
		return nil
	}

	f, err := os.Open(e.path)
	if err != nil {
		return err
	}
	if _, err := f.Seek(e.layout.dataOffset, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.play(ctx, f, e.done)
	return nil
}

// Stop halts playback and waits for the capture goroutine. Idempotent.
func (e *FileEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
}

func (e *FileEngine) play(ctx context.Context, f *os.File, done chan struct{}) {
	defer close(done)
	defer f.Close()

	frameSize := e.format.BytesPerFrame()
	if frameSize <= 0 {
		frameSize = 1
	}
	chunk := make([]byte, e.bufferFrames*frameSize)
	interval := time.Duration(0)
	if e.realtime && e.format.SampleRate > 0 {
		interval = time.Duration(e.bufferFrames) * time.Second / time.Duration(e.format.SampleRate)
	}

	// Chunks after the sample data are not audio.
	samples := io.LimitReader(f, e.layout.dataSize)

	var total int64
	for {
		n, err := io.ReadFull(samples, chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			total += int64(n)

			e.mu.Lock()
			tap := e.tap
			e.mu.Unlock()
			if tap != nil {
				tap(Buffer{Data: data, Frames: n / frameSize})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				e.logger.Error().Err(err).Msg("Failed to read audio")
			} else {
				e.logger.Info().Int64("bytes", total).Msg("Audio file exhausted")
			}
			return
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}
