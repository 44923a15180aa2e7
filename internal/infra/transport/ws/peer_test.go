package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/infra/transport"
	"github.com/conveyorhq/conveyor/internal/router"
)

func TestPeerDeliversFramesToAcceptor(t *testing.T) {
	received := make(chan transport.Frame, 1)
	server := httptest.NewServer(AcceptHandler(func(_ context.Context, frame transport.Frame) error {
		received <- frame
		return nil
	}, nil))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	peer, err := Dial(context.Background(), url, nil, Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	frame := transport.Frame{
		Kind:      transport.FrameItem,
		Partition: router.PartitionID("job-critical-2"),
		Body:      []byte(`{"id":"job-1"}`),
	}
	if err := peer.Send(context.Background(), frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind != transport.FrameItem || got.Partition != frame.Partition {
			t.Fatalf("received frame = %+v", got)
		}
		if string(got.Body) != `{"id":"job-1"}` {
			t.Fatalf("body = %s", got.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), "", nil, Options{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestSendRejectsInvalidFrame(t *testing.T) {
	received := make(chan transport.Frame, 1)
	server := httptest.NewServer(AcceptHandler(func(_ context.Context, frame transport.Frame) error {
		received <- frame
		return nil
	}, nil))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	peer, err := Dial(context.Background(), url, nil, Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	if err := peer.Send(context.Background(), transport.Frame{Kind: transport.FrameItem}); err == nil {
		t.Fatal("expected validation error")
	}
}
