package run

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Stream identifies the source stream of a line.
type Stream int

const (
	// StreamStdout is standard output.
	StreamStdout Stream = iota
	// StreamStderr is standard error.
	StreamStderr
)

// String returns the stream name.
func (s Stream) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// LineKind distinguishes output lines from the terminal exit marker.
type LineKind int

const (
	// KindLine is a line of process output.
	KindLine LineKind = iota
	// KindExit is the terminal marker carrying the exit code. It is
	// the last value delivered before the subscription channel closes.
	KindExit
)

// Line is one tagged line of process output.
//
// Sequence numbers are strictly increasing within one stream and
// delivery preserves that order. No ordering is guaranteed between the
// stdout and stderr streams.
type Line struct {
	// Handle identifies the task that produced the line.
	Handle Handle

	// Stream identifies the source (stdout or stderr).
	Stream Stream

	// Seq is the 1-based sequence number within the stream.
	Seq uint64

	// Content is the line content without the trailing newline.
	Content string

	// Time is when the line was read.
	Time time.Time

	// Kind distinguishes output lines from the exit marker.
	Kind LineKind

	// ExitCode is the process exit code. Valid only when Kind is KindExit.
	ExitCode int
}

// DefaultScanBuffer is the per-stream read buffer size.
const DefaultScanBuffer = 256 * 1024

// DefaultRingSize is the per-stream retained line capacity.
const DefaultRingSize = 1000

// Mux drains a process's stdout and stderr, tags and sequences lines,
// and fans them out to subscribers.
//
// Each stream is drained on its own goroutine independent of whether
// any subscriber is consuming, so a slow subscriber can never
// back-pressure the OS pipe and hang the child. When a subscriber's
// buffer fills, the oldest undelivered lines are dropped and counted
// instead of blocking the drain.
// A capped ring per stream retains recent lines for late queries.
type Mux struct {
	handle  Handle
	bufSize int

	mu       sync.Mutex
	seqs     [2]uint64
	rings    [2]*lineRing
	subs     map[int]*subscriber
	nextSub  int
	finished bool
	exitCode int
	readErr  error
	dropped  uint64

	wg sync.WaitGroup
}

type subscriber struct {
	ch chan Line
}

// newMux creates a multiplexer for one task.
func newMux(handle Handle, ringSize, bufSize int) *Mux {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if bufSize <= 0 {
		bufSize = DefaultScanBuffer
	}
	return &Mux{
		handle:  handle,
		bufSize: bufSize,
		rings:   [2]*lineRing{newLineRing(ringSize), newLineRing(ringSize)},
		subs:    make(map[int]*subscriber),
	}
}

// Drain starts one goroutine per stream reading until EOF.
func (m *Mux) Drain(stdout, stderr io.Reader) {
	m.wg.Add(2)
	go m.drain(stdout, StreamStdout)
	go m.drain(stderr, StreamStderr)
}

// Wait blocks until both streams reach EOF or fail.
func (m *Mux) Wait() {
	m.wg.Wait()
}

func (m *Mux) drain(r io.Reader, stream Stream) {
	defer m.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, m.bufSize), m.bufSize)

	// The scanner yields trailing data without a final newline as a
	// last token, which covers the partial-line flush on exit.
	for scanner.Scan() {
		m.publish(stream, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		m.mu.Lock()
		if m.readErr == nil {
			m.readErr = &StreamError{Stream: stream, Err: err}
		}
		m.mu.Unlock()
	}
}

// publish tags a line and delivers it without ever blocking.
func (m *Mux) publish(stream Stream, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[stream]++
	line := Line{
		Handle:  m.handle,
		Stream:  stream,
		Seq:     m.seqs[stream],
		Content: content,
		Time:    time.Now(),
	}
	m.rings[stream].add(line)

	for _, sub := range m.subs {
		// The last slot stays reserved for the exit marker. When the
		// rest of the buffer is full, the oldest undelivered line is
		// evicted so a slow subscriber keeps the most recent output.
		if len(sub.ch) >= cap(sub.ch)-1 {
			select {
			case <-sub.ch:
				m.dropped++
			default:
			}
		}
		select {
		case sub.ch <- line:
		default:
			m.dropped++
		}
	}
}

// Finish emits the exit marker to every subscriber and closes their
// channels. It must be called after Wait.
func (m *Mux) Finish(exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return
	}
	m.finished = true
	m.exitCode = exitCode

	marker := Line{
		Handle:   m.handle,
		Kind:     KindExit,
		ExitCode: exitCode,
		Time:     time.Now(),
	}
	for _, sub := range m.subs {
		sub.ch <- marker
		close(sub.ch)
	}
	m.subs = make(map[int]*subscriber)
}

// Subscribe registers a consumer for this task's line stream. Late
// subscribers receive only lines emitted after subscription; there is
// no replay. The returned cancel function detaches the subscriber and
// closes its channel. Subscribing after Finish yields a channel that
// delivers only the exit marker.
func (m *Mux) Subscribe(buffer int) (<-chan Line, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscribeBuffer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// One extra slot keeps room for the exit marker.
	ch := make(chan Line, buffer+1)

	if m.finished {
		ch <- Line{Handle: m.handle, Kind: KindExit, ExitCode: m.exitCode, Time: time.Now()}
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = &subscriber{ch: ch}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// ReadErr returns the first stream read failure, if any.
func (m *Mux) ReadErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readErr
}

// LineCount returns the number of lines seen on the given stream.
func (m *Mux) LineCount(stream Stream) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[stream]
}

// Dropped returns the total number of lines dropped across all
// subscribers.
func (m *Mux) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Recent returns up to n of the most recent retained lines for a stream.
func (m *Mux) Recent(stream Stream, n int) []Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rings[stream].last(n)
}

// lineRing is a capped ring of recent lines. When full, the oldest
// line is overwritten.
type lineRing struct {
	lines    []Line
	capacity int
	head     int
	count    int
}

func newLineRing(capacity int) *lineRing {
	return &lineRing{
		lines:    make([]Line, capacity),
		capacity: capacity,
	}
}

func (r *lineRing) add(line Line) {
	idx := (r.head + r.count) % r.capacity
	r.lines[idx] = line

	if r.count < r.capacity {
		r.count++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
}

func (r *lineRing) last(n int) []Line {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	start := r.count - n
	result := make([]Line, n)
	for i := 0; i < n; i++ {
		idx := (r.head + start + i) % r.capacity
		result[i] = r.lines[idx]
	}
	return result
}
