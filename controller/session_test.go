package controller_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/crispyconductor/tightcnc-go/comm"
	"github.com/crispyconductor/tightcnc-go/controller"
)

// newLinkedSession wraps one side of a net.Pipe as a comm.RemoteDevice's
// Conn and returns a session over it together with the other side.
func newLinkedSession(t *testing.T, windowSize int) (*controller.Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	dev := &comm.RemoteDevice{Conn: client}
	s := controller.NewSession(dev, windowSize)
	return s, server
}

func TestSessionSendWaitsForAck(t *testing.T) {
	s, server := newLinkedSession(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		r := bufio.NewReader(server)
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		if string(line) != "G1 X10\n" {
			t.Errorf("server saw unexpected line: %q", line)
		}
		server.Write([]byte(`{"r":{}}` + "\n"))
	}()

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	if err := s.Send(sendCtx, "G1 X10\n"); err != nil {
		t.Fatalf("expected Send to succeed once acked, got %v", err)
	}
	<-serverDone
}

func TestSessionWaitSyncUnblocksWhenQueueReturnsToFree(t *testing.T) {
	s, server := newLinkedSession(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// qr == 2 seeds planner_queue_size at 2 (the initial, empty-queue
	// free-slot count) and also leaves the queue fully free already, but
	// stat == 5 (run) means the machine is still moving, so sync must
	// not unblock yet.
	server.Write([]byte(`{"sr":{"qr":2,"stat":5,"line":1}}` + "\n"))
	time.Sleep(50 * time.Millisecond)

	syncDone := make(chan error, 1)
	go func() {
		syncDone <- s.WaitSync()
	}()

	select {
	case <-syncDone:
		t.Fatalf("expected WaitSync to block while stat reports moving")
	case <-time.After(50 * time.Millisecond):
	}

	server.Write([]byte(`{"sr":{"qr":1,"stat":5,"line":5}}` + "\n"))
	time.Sleep(50 * time.Millisecond)
	select {
	case <-syncDone:
		t.Fatalf("expected WaitSync to stay blocked: queue not back to full free capacity")
	default:
	}

	server.Write([]byte(`{"sr":{"qr":2,"stat":4,"line":5}}` + "\n"))

	select {
	case err := <-syncDone:
		if err != nil {
			t.Fatalf("unexpected error from WaitSync: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected WaitSync to unblock once qr returns to the seeded free count and stat is no longer moving")
	}
}

func TestSessionWaitSyncFailsOnAlarm(t *testing.T) {
	s, server := newLinkedSession(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	server.Write([]byte(`{"sr":{"qr":2,"stat":5,"line":1}}` + "\n"))
	time.Sleep(50 * time.Millisecond)

	syncDone := make(chan error, 1)
	go func() {
		syncDone <- s.WaitSync()
	}()
	time.Sleep(50 * time.Millisecond)

	server.Write([]byte(`{"sr":{"stat":2}}` + "\n"))

	select {
	case err := <-syncDone:
		var merr *controller.MachineError
		if !errors.As(err, &merr) {
			t.Fatalf("expected WaitSync to fail with a MachineError on alarm, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected WaitSync to reject once the controller alarms")
	}
}

func TestSessionSendRejectsOnNonZeroFooter(t *testing.T) {
	s, server := newLinkedSession(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	go func() {
		r := bufio.NewReader(server)
		r.ReadBytes('\n')
		server.Write([]byte(`{"r":{},"f":[1,35,0,0]}` + "\n"))
	}()

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	err := s.Send(sendCtx, "G1 X1")
	var merr *controller.MachineError
	if !errors.As(err, &merr) || merr.Code != 35 {
		t.Fatalf("expected MachineError with code 35, got %v", err)
	}
}

func TestSessionInitializeSeedsQueueSize(t *testing.T) {
	s, server := newLinkedSession(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	go func() {
		r := bufio.NewReader(server)
		for i := 0; i < 6; i++ {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
			server.Write([]byte(`{"r":{}}` + "\n"))
		}
		// An asynchronous status push after the final query seeds the
		// planner queue size.
		server.Write([]byte(`{"sr":{"qr":4}}` + "\n"))
	}()

	initCtx, initCancel := context.WithTimeout(context.Background(), time.Second)
	defer initCancel()
	if err := s.Initialize(initCtx, 200); err != nil {
		t.Fatalf("expected Initialize to succeed, got %v", err)
	}
}

func TestSessionCancelFailsPendingWaitersAndWritesQueueFlush(t *testing.T) {
	s, server := newLinkedSession(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	lineRead := make(chan struct{})
	controlByte := make(chan byte, 1)
	r := bufio.NewReader(server)
	go func() {
		r.ReadBytes('\n') // the queued send; left unacked on purpose
		close(lineRead)
		b, err := r.ReadByte()
		if err == nil {
			controlByte <- b
		}
	}()

	// Fill the single-slot window so the pending line never gets acked.
	sendDone := make(chan error, 1)
	go func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
		defer sendCancel()
		sendDone <- s.Send(sendCtx, "G1 X1")
	}()

	select {
	case <-lineRead:
	case <-time.After(time.Second):
		t.Fatalf("expected the queued send to reach the server")
	}

	if err := s.Cancel(); err != nil {
		t.Fatalf("unexpected error from Cancel: %v", err)
	}

	select {
	case err := <-sendDone:
		if !errors.Is(err, controller.ErrCancelled) {
			t.Fatalf("expected pending Send to fail with ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Cancel to fail the pending send")
	}

	select {
	case b := <-controlByte:
		if b != '%' {
			t.Fatalf("expected queue-flush control byte '%%', got %q", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Cancel to write a control byte")
	}
}

func TestSessionSnapshotReflectsStatusReports(t *testing.T) {
	s, server := newLinkedSession(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	server.Write([]byte(`{"sr":{"vel":500,"line":3}}` + "\n"))
	time.Sleep(50 * time.Millisecond)

	snap := s.Snapshot()
	if snap.Feed != 500 || snap.Line != 3 {
		t.Errorf("expected snapshot to reflect status report, got %+v", snap)
	}
}
