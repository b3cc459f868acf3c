package stream

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	settleDelay   = 150 * time.Millisecond
	killGrace     = 500 * time.Millisecond
	chunkSize     = 32 << 10
	stderrTailMax = 2 << 10
)

// winKey identifies a stream shape for the winning-command cache.
type winKey struct {
	codec      string
	monitor    int
	fps        int
	width      int
	lowLatency bool
	audio      bool
}

// StreamShape is the exported view of a winKey, used when opening a stream.
type StreamShape struct {
	Codec      string
	Monitor    int
	FPS        int
	Width      int
	LowLatency bool
	Audio      bool
}

func (s StreamShape) key() winKey {
	return winKey{
		codec:      s.Codec,
		monitor:    s.Monitor,
		fps:        s.FPS,
		width:      s.Width,
		lowLatency: s.LowLatency,
		audio:      s.Audio,
	}
}

// Diag is the supervisor's diagnostics snapshot.
type Diag struct {
	LastCmd     string  `json:"last_cmd,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	LastErrorTS float64 `json:"last_error_ts,omitempty"`
}

// Supervisor launches capture subprocesses, gates them on first usable
// output, and remembers which command worked for each stream shape.
type Supervisor struct {
	mu      sync.Mutex
	winners map[winKey][]string
	diag    Diag
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{winners: make(map[winKey][]string)}
}

// Stream is one live subprocess feed. Chunks preserves producer order with
// drop-oldest backpressure. Close terminates the child.
type Stream struct {
	Chunks <-chan []byte

	cancel func()
	done   <-chan struct{}
}

// Close terminates the subprocess and waits for teardown.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Open tries each candidate command in order and returns the first one that
// produces usable output. The cached winner for the shape is tried first.
func (sv *Supervisor) Open(ctx context.Context, shape StreamShape, candidates [][]string) (*Stream, error) {
	candidates = sv.reorder(shape.key(), candidates)

	var lastErr error
	for i, argv := range candidates {
		stream, err := sv.tryCommand(ctx, shape, argv, firstChunkTimeout(i))
		if err != nil {
			lastErr = err
			sv.recordError(argv, err)
			continue
		}
		sv.recordWinner(shape.key(), argv)
		return stream, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate commands for codec %s", shape.Codec)
	}
	return nil, lastErr
}

// firstChunkTimeout grows with the candidate's position: the preferred
// command gets a short leash, fallbacks get more time to warm up.
func firstChunkTimeout(index int) time.Duration {
	d := 1100*time.Millisecond + time.Duration(index)*900*time.Millisecond
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}

func (sv *Supervisor) tryCommand(ctx context.Context, shape StreamShape, argv []string, gate time.Duration) (*Stream, error) {
	cctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	log.Debug("capture subprocess started", "cmd", strings.Join(argv, " "))

	tail := &stderrTail{}
	go tail.consume(stderr)

	chunks := make(chan []byte, 1)
	exited := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		pump(stdout, chunks)
		close(chunks)
	}()
	go func() {
		exited <- cmd.Wait()
		close(done)
	}()

	// Settle, then confirm the process did not die on startup.
	select {
	case <-time.After(settleDelay):
	case err := <-exited:
		cancel()
		<-done
		return nil, fmt.Errorf("%s exited during settle: %v; stderr: %s", argv[0], err, tail.String())
	}

	// Gate on the first usable chunk.
	var buf []byte
	deadline := time.After(gate)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				cancel()
				<-done
				return nil, fmt.Errorf("%s closed stdout before first frame; stderr: %s", argv[0], tail.String())
			}
			buf = append(buf, chunk...)
			if firstChunkOK(shape.Codec, buf) {
				return sv.wrap(buf, chunks, cancel, done), nil
			}
		case <-deadline:
			cancel()
			<-done
			return nil, fmt.Errorf("%s produced no usable output within %s; stderr: %s", argv[0], gate, tail.String())
		case <-ctx.Done():
			cancel()
			<-done
			return nil, ctx.Err()
		}
	}
}

// wrap builds the Stream handed to the HTTP layer: the gate buffer is
// replayed first, then live chunks are passed through.
func (sv *Supervisor) wrap(head []byte, chunks <-chan []byte, cancel func(), done <-chan struct{}) *Stream {
	out := make(chan []byte, 1)
	go func() {
		defer close(out)
		if len(head) > 0 {
			out <- head
		}
		for chunk := range chunks {
			select {
			case out <- chunk:
			default:
				// Drop the stale chunk, keep the newer one.
				select {
				case <-out:
				default:
				}
				out <- chunk
			}
		}
	}()
	return &Stream{Chunks: out, cancel: cancel, done: done}
}

// pump reads stdout into the chunk channel with drop-oldest semantics.
func pump(r io.Reader, chunks chan []byte) {
	for {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			select {
			case chunks <- chunk:
			default:
				select {
				case <-chunks:
				default:
				}
				chunks <- chunk
			}
		}
		if err != nil {
			return
		}
	}
}

func (sv *Supervisor) reorder(key winKey, candidates [][]string) [][]string {
	sv.mu.Lock()
	winner, ok := sv.winners[key]
	sv.mu.Unlock()
	if !ok {
		return candidates
	}
	out := [][]string{winner}
	for _, c := range candidates {
		if !sameArgv(c, winner) {
			out = append(out, c)
		}
	}
	return out
}

func (sv *Supervisor) recordWinner(key winKey, argv []string) {
	sv.mu.Lock()
	sv.winners[key] = argv
	sv.diag.LastCmd = strings.Join(argv, " ")
	sv.mu.Unlock()
}

func (sv *Supervisor) recordError(argv []string, err error) {
	sv.mu.Lock()
	sv.diag.LastCmd = strings.Join(argv, " ")
	sv.diag.LastError = err.Error()
	sv.diag.LastErrorTS = float64(time.Now().UnixMilli()) / 1000
	sv.mu.Unlock()
}

// Diagnostics returns the last command and error for the diag endpoints.
func (sv *Supervisor) Diagnostics() Diag {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.diag
}

func sameArgv(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// terminate asks the child to exit, escalating to SIGKILL via WaitDelay.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return signalTerm(cmd.Process)
}

// stderrTail keeps the last bytes of a subprocess's stderr for diagnostics.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *stderrTail) consume(r io.Reader) {
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, chunk[:n]...)
			if len(t.buf) > stderrTailMax {
				t.buf = t.buf[len(t.buf)-stderrTailMax:]
			}
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
