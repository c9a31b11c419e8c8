package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/resql/resql-go/protocol"
	"github.com/resql/resql-go/transport"
)

func TestMockTransport_Send(t *testing.T) {
	mock := NewMockTransport()
	ctx := context.Background()
	data := []byte("test data")

	err := mock.Send(ctx, data)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if mock.GetSendCallCount() != 1 {
		t.Errorf("expected 1 send call, got %d", mock.GetSendCallCount())
	}

	history := mock.GetSendHistory()
	if len(history) != 1 {
		t.Errorf("expected 1 item in history, got %d", len(history))
	}
	if string(history[0]) != string(data) {
		t.Errorf("expected %q in history, got %q", data, history[0])
	}

	// history keeps its own copy
	data[0] = 'X'
	if string(mock.GetSendHistory()[0]) != "test data" {
		t.Error("expected send history to be detached from caller buffer")
	}
}

func TestMockTransport_SendError(t *testing.T) {
	mock := NewMockTransport().WithSendError(protocol.ConnectionError("test error", nil))
	ctx := context.Background()

	err := mock.Send(ctx, []byte("test"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	metrics := mock.GetMetrics()
	if metrics.TotalErrors != 1 {
		t.Errorf("expected 1 error, got %d", metrics.TotalErrors)
	}
	if mock.IsHealthy() {
		t.Error("expected transport to turn unhealthy after a send error")
	}
}

func TestMockTransport_SendContextCancellation(t *testing.T) {
	mock := NewMockTransport().WithSendDelay(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := mock.Send(ctx, []byte("test"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestMockTransport_ReceiveQueue(t *testing.T) {
	mock := NewMockTransport().WithReceiveData([]byte("one"), []byte("two"))
	ctx := context.Background()

	for _, want := range []string{"one", "two"} {
		data, err := mock.Receive(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if string(data) != want {
			t.Errorf("expected %q, got %q", want, data)
		}
	}

	if _, err := mock.Receive(ctx); err == nil {
		t.Fatal("expected error once the queue is drained")
	}
	if mock.GetReceiveCallCount() != 3 {
		t.Errorf("expected 3 receive calls, got %d", mock.GetReceiveCallCount())
	}
}

func TestMockTransport_Responder(t *testing.T) {
	mock := NewMockTransport().WithResponder(func(frame []byte) ([]byte, error) {
		return append([]byte("re:"), frame...), nil
	})
	ctx := context.Background()

	if err := mock.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	data, err := mock.Receive(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(data) != "re:ping" {
		t.Errorf("expected re:ping, got %q", data)
	}
}

func TestMockTransport_ResponderError(t *testing.T) {
	boom := errors.New("boom")
	mock := NewMockTransport().WithResponder(func([]byte) ([]byte, error) { return nil, boom })

	if err := mock.Send(context.Background(), []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("expected responder error, got %v", err)
	}
	if len(mock.GetSendHistory()) != 0 {
		t.Error("expected failed send to stay out of history")
	}
}

func TestMockTransport_Close(t *testing.T) {
	mock := NewMockTransport()

	err := mock.Close()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !mock.IsClosed() {
		t.Error("expected transport to be closed")
	}

	if mock.GetCloseCallCount() != 1 {
		t.Errorf("expected 1 close call, got %d", mock.GetCloseCallCount())
	}

	// Operations after close should fail
	err = mock.Send(context.Background(), []byte("test"))
	if err == nil {
		t.Error("expected error when sending to closed transport")
	}
}

func TestMockTransport_GetMetrics(t *testing.T) {
	mock := NewMockTransport().WithReceiveData([]byte("test"))

	mock.Send(context.Background(), []byte("hello"))
	mock.Send(context.Background(), []byte("world"))
	mock.Receive(context.Background())

	metrics := mock.GetMetrics()

	if metrics.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", metrics.TotalRequests)
	}

	if metrics.BytesSent != 10 { // "hello" + "world"
		t.Errorf("expected 10 bytes sent, got %d", metrics.BytesSent)
	}

	if metrics.BytesReceived != 4 { // "test"
		t.Errorf("expected 4 bytes received, got %d", metrics.BytesReceived)
	}
}

func TestDialer(t *testing.T) {
	d := NewDialer(func(ep transport.Endpoint) (*MockTransport, error) {
		if ep.Address == "down:1" {
			return nil, protocol.ConnectionError("refused", nil)
		}
		return NewMockTransport(), nil
	})
	ctx := context.Background()

	if _, err := d.Dial(ctx, transport.Endpoint{Scheme: "tcp", Address: "down:1"}); err == nil {
		t.Fatal("expected dial error")
	}
	if d.Last() != nil {
		t.Error("expected no transport after failed dial")
	}

	tr, err := d.Dial(ctx, transport.Endpoint{Scheme: "tcp", Address: "up:1"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if tr != d.Last() {
		t.Error("expected Last to return the dialed transport")
	}
	if dials := d.Dials(); len(dials) != 2 || dials[1].Address != "up:1" {
		t.Errorf("unexpected dial log: %v", dials)
	}
}
