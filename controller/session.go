// Package controller implements the TinyG-style JSON-over-serial session
// protocol: a bounded send window so the controller's own planner queue
// is never overrun, an in-flight FIFO matching each sent line to its
// acknowledgment, a status-report reducer that folds asynchronous "sr"
// pushes into a live snapshot and a ready/paused/moving/error state
// machine, and the control-character fast path (feed hold, resume,
// queue flush) that bypasses the send window entirely.
package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/crispyconductor/tightcnc-go/comm"
	"github.com/crispyconductor/tightcnc-go/gcvm"
)

// ErrCancelled is returned to every waiter a Cancel drains.
var ErrCancelled = errors.New("controller: cancelled")

// MachineError reports a non-zero status code returned in a response
// footer, or a transition into the controller's alarm state. It is
// fatal to the job in progress.
type MachineError struct {
	Code int
}

func (e *MachineError) Error() string {
	return fmt.Sprintf("controller: machine error (status %d)", e.Code)
}

// inFlight is one line the session has sent and is waiting to see
// acknowledged, in send order.
type inFlight struct {
	text string
	done chan error
}

// State is the session-level state reconstructed from the controller's
// "stat" status field — ready/paused/moving/error/programRunning — as
// distinct from the modal VM fields a MachineSnapshot carries.
type State struct {
	Ready          bool
	Paused         bool
	Moving         bool
	Error          bool
	ProgramRunning bool
}

// statTable maps the controller's numeric "stat" status code to the
// derived session state.
//
//	stat  ready paused moving error program
//	0     F     F      F      F     F        init
//	1     T     F      F      F     F        reset
//	2     F     F      F      T     F        alarm
//	3, 8  T     F      F      F     T        stop / cycle
//	4     T     F      F      F     F        end
//	5     T     F      T      F     T        run
//	6     T     T      F      F     F        hold
//	7, 9  T     F      T      F     F        probe / home
var statTable = map[int]State{
	0: {},
	1: {Ready: true},
	2: {Error: true},
	3: {Ready: true, ProgramRunning: true},
	8: {Ready: true, ProgramRunning: true},
	4: {Ready: true},
	5: {Ready: true, Moving: true, ProgramRunning: true},
	6: {Ready: true, Paused: true},
	7: {Ready: true, Moving: true},
	9: {Ready: true, Moving: true},
}

func stateForStat(stat int) State {
	if st, ok := statTable[stat]; ok {
		return st
	}
	return State{}
}

// Session drives a single controller connection: it multiplexes a
// single read loop across outbound sends (matched to responses
// strictly in FIFO order, since the controller never reorders acks)
// and asynchronous status-report pushes.
type Session struct {
	Device *comm.RemoteDevice

	// WindowSize caps how many lines may be outstanding
	// (sent-but-not-yet-acknowledged) at once.
	WindowSize int

	// StatusPollLimiter is a rate limiter for out-of-band status-report
	// queries. NewSession sets it to an unlimited rate; the session
	// itself sends no such queries and does not consult it.
	StatusPollLimiter *rate.Limiter

	mu         sync.Mutex
	windowCond *sync.Cond
	queue      []inFlight
	snapshot   gcvm.MachineSnapshot
	state      State

	queueFree      int  // most recently reported planner free-slot count ("qr")
	queueSize      int  // high-water mark, seeded from the first "qr" report
	queueSizeKnown bool

	syncWaiters []chan error
	sizeWaiters []chan struct{}

	readErr error
}

// NewSession returns a session over an already-configured device. The
// caller is responsible for Open()ing the device.
func NewSession(dev *comm.RemoteDevice, windowSize int) *Session {
	s := &Session{
		Device:            dev,
		WindowSize:        windowSize,
		StatusPollLimiter: rate.NewLimiter(rate.Every(0), 5),
	}
	s.windowCond = sync.NewCond(&s.mu)
	return s
}

// statusReport mirrors the subset of a TinyG status push and response
// this session understands; extra fields are ignored by json.Unmarshal.
type statusReport struct {
	SR *struct {
		Line    *int     `json:"line"`
		Feed    *float64 `json:"vel"`
		Stat    *int     `json:"stat"`
		Qr      *int     `json:"qr"`
		Coor    *int     `json:"coor"`
		Unit    *int     `json:"unit"`
		Spindle *int     `json:"spe"`
	} `json:"sr"`
	R *struct {
		// R carries a command's direct response/ack payload; an empty
		// object still counts as an ack, it just echoes nothing back.
	} `json:"r"`
	// F is the response footer: [_, status_code, _, _]. A non-zero
	// status_code (index 1) means the acknowledged command failed on
	// the controller.
	F []int `json:"f"`
}

// Run starts the session's single read loop, consuming lines from the
// device until ctx is cancelled or the device read fails. It blocks.
func (s *Session) Run(ctx context.Context) error {
	reader := bufio.NewReader(s.Device.Conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.failAll(err)
			return err
		}
		s.handleLine(line)
	}
}

func (s *Session) handleLine(raw []byte) {
	var sr statusReport
	if err := json.Unmarshal(raw, &sr); err != nil {
		// Malformed or non-JSON noise on the wire; treated as a no-op
		// rather than failing the whole session, since a single
		// garbled line from a flaky serial link shouldn't abort a job.
		return
	}

	s.mu.Lock()
	var becameAlarm bool
	if sr.SR != nil {
		if sr.SR.Qr != nil {
			s.queueFree = *sr.SR.Qr
			if !s.queueSizeKnown {
				s.queueSize = *sr.SR.Qr
				s.queueSizeKnown = true
				s.wakeSizeWaitersLocked()
			}
		}
		if sr.SR.Stat != nil {
			next := stateForStat(*sr.SR.Stat)
			becameAlarm = next.Error && !s.state.Error
			s.state = next
		}
		if sr.SR.Line != nil {
			s.snapshot.Line = *sr.SR.Line
		}
		if sr.SR.Feed != nil {
			s.snapshot.Feed = *sr.SR.Feed
		}
		if sr.SR.Coor != nil {
			v := *sr.SR.Coor
			s.snapshot.ActiveCoordSys = &v
		}
		if !becameAlarm {
			s.wakeSyncWaitersLocked()
		}
	}

	var toSignal chan error
	var signalErr error
	if sr.R != nil && len(s.queue) > 0 {
		toSignal = s.queue[0].done
		s.queue = s.queue[1:]
		s.windowCond.Broadcast()
		if len(sr.F) > 1 && sr.F[1] != 0 {
			signalErr = &MachineError{Code: sr.F[1]}
		}
	}

	var pendingQueue []inFlight
	var pendingSync []chan error
	if becameAlarm {
		// A transition into alarm is fatal: fail every other
		// outstanding waiter along with whatever this line already
		// resolved.
		pendingQueue = s.queue
		s.queue = nil
		pendingSync = s.syncWaiters
		s.syncWaiters = nil
		s.windowCond.Broadcast()
	}
	s.mu.Unlock()

	if toSignal != nil {
		toSignal <- signalErr
	}
	if becameAlarm {
		alarmErr := &MachineError{Code: 2}
		for _, p := range pendingQueue {
			p.done <- alarmErr
		}
		for _, w := range pendingSync {
			w <- alarmErr
			close(w)
		}
	}
}

func (s *Session) failAll(err error) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	waiters := s.syncWaiters
	s.syncWaiters = nil
	sizeWaiters := s.sizeWaiters
	s.sizeWaiters = nil
	s.windowCond.Broadcast()
	s.mu.Unlock()

	for _, p := range pending {
		p.done <- err
	}
	for _, w := range waiters {
		w <- err
		close(w)
	}
	for _, w := range sizeWaiters {
		close(w)
	}
}

// Send transmits text, blocking if the send window is already full,
// and returns once the controller has acknowledged it. It rejects with
// a *MachineError if the acknowledgment's footer carries a non-zero
// status code.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	for s.readErr == nil && s.WindowSize > 0 && len(s.queue) >= s.WindowSize {
		s.windowCond.Wait()
	}
	if s.readErr != nil {
		err := s.readErr
		s.mu.Unlock()
		return err
	}

	done := make(chan error, 1)
	s.queue = append(s.queue, inFlight{text: text, done: done})
	s.mu.Unlock()

	if err := s.Device.Send([]byte(text)); err != nil {
		return errors.Wrap(err, "controller: send")
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Control characters bypass the send window and the newline-terminated
// line protocol entirely: they're written as a single raw byte.
const (
	ctrlFeedHold   = '!'
	ctrlResume     = '~'
	ctrlQueueFlush = '%'
)

func (s *Session) sendControl(b byte) error {
	if s.Device.Conn == nil {
		return comm.ErrNotConnected
	}
	_, err := s.Device.Conn.Write([]byte{b})
	return err
}

// FeedHold immediately pauses motion, bypassing the send window.
func (s *Session) FeedHold() error {
	return s.sendControl(ctrlFeedHold)
}

// Resume releases a feed hold, bypassing the send window.
func (s *Session) Resume() error {
	return s.sendControl(ctrlResume)
}

// Cancel aborts the current job: it clears the send queue, fails every
// pending waiter (both Send and WaitSync) with ErrCancelled, and writes
// the controller's queue-flush control character.
func (s *Session) Cancel() error {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	waiters := s.syncWaiters
	s.syncWaiters = nil
	s.windowCond.Broadcast()
	s.mu.Unlock()

	for _, p := range pending {
		p.done <- ErrCancelled
	}
	for _, w := range waiters {
		w <- ErrCancelled
		close(w)
	}
	return s.sendControl(ctrlQueueFlush)
}

// Snapshot returns the most recently reduced status-report state.
func (s *Session) Snapshot() gcvm.MachineSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// State returns the session's current ready/paused/moving/error state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) syncedLocked() bool {
	return s.queueSizeKnown && s.queueFree == s.queueSize && !s.state.Moving
}

func (s *Session) wakeSyncWaitersLocked() {
	if !s.syncedLocked() {
		return
	}
	for _, w := range s.syncWaiters {
		w <- nil
		close(w)
	}
	s.syncWaiters = nil
}

func (s *Session) wakeSizeWaitersLocked() {
	for _, w := range s.sizeWaiters {
		close(w)
	}
	s.sizeWaiters = nil
}

// WaitSync blocks until the controller's planner queue is back to full
// free capacity and it isn't moving — every line sent so far has
// actually been executed, not merely acknowledged into the buffer. It
// returns a *MachineError if the controller alarms while waiting.
func (s *Session) WaitSync() error {
	s.mu.Lock()
	if s.syncedLocked() {
		s.mu.Unlock()
		return nil
	}
	if s.readErr != nil {
		err := s.readErr
		s.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	s.syncWaiters = append(s.syncWaiters, ch)
	s.mu.Unlock()
	return <-ch
}

// awaitQueueSize blocks until the planner's high-water queue size has
// been seeded from a first "qr" report, or ctx is done.
func (s *Session) awaitQueueSize(ctx context.Context) error {
	s.mu.Lock()
	if s.queueSizeKnown {
		s.mu.Unlock()
		return nil
	}
	if s.readErr != nil {
		err := s.readErr
		s.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	s.sizeWaiters = append(s.sizeWaiters, ch)
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize runs the connect-time handshake: strict JSON framing,
// echo off, terse verbosity, a status-report interval and field set,
// then a status query to seed the planner queue's high-water size from
// the first "qr" report.
func (s *Session) Initialize(ctx context.Context, statusIntervalMs int) error {
	cmds := []string{
		`{"ej":1}`,
		`{"ee":0}`,
		`{"jv":0}`,
		fmt.Sprintf(`{"si":%d}`, statusIntervalMs),
		`{"sr":{"line":true,"vel":true,"stat":true,"qr":true,"mpox":true,"mpoy":true,"mpoz":true}}`,
		`{"sr":null}`,
	}
	for _, c := range cmds {
		if err := s.Send(ctx, c); err != nil {
			return errors.Wrap(err, "controller: init")
		}
	}
	return s.awaitQueueSize(ctx)
}

// PauseSpindleCoolant issues an immediate spindle/coolant stop. Used by
// ToolChange around an operator pause.
func (s *Session) PauseSpindleCoolant() error {
	if err := s.Device.Send([]byte(`{"gc":"M5"}`)); err != nil {
		return err
	}
	return s.Device.Send([]byte(`{"gc":"M9"}`))
}

// ResumeSpindleCoolant restores spindle/coolant state via a
// caller-supplied VM-derived sync; Session itself holds no modal state
// of its own to restore from, by design (gcvm.VM is the source of
// truth).
func (s *Session) ResumeSpindleCoolant() error {
	return nil
}
