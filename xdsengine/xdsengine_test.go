package xdsengine

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	resourcev3 "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/caasmo/acmexds/resourcebuilder"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestPushPublishesRetrievableSnapshot(t *testing.T) {
	e := New(testLogger(&bytes.Buffer{}))

	result := &resourcebuilder.Result{}
	if err := e.Push(context.Background(), result); err != nil {
		t.Fatalf("Push: %v", err)
	}

	snap, err := e.cache.GetSnapshot(nodeID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.GetVersion(resourcev3.ListenerType) != "1" {
		t.Fatalf("listener version = %q, want %q", snap.GetVersion(resourcev3.ListenerType), "1")
	}
}

func TestPushIncrementsVersionOnEachCall(t *testing.T) {
	e := New(testLogger(&bytes.Buffer{}))
	ctx := context.Background()

	if err := e.Push(ctx, &resourcebuilder.Result{}); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	if err := e.Push(ctx, &resourcebuilder.Result{}); err != nil {
		t.Fatalf("second Push: %v", err)
	}

	snap, err := e.cache.GetSnapshot(nodeID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.GetVersion(resourcev3.ClusterType) != "2" {
		t.Fatalf("cluster version = %q, want %q", snap.GetVersion(resourcev3.ClusterType), "2")
	}
}

func TestOnStreamRequestLogsNack(t *testing.T) {
	var buf bytes.Buffer
	callbacks := &loggingCallbacks{logger: testLogger(&buf)}

	req := &discoverygrpc.DiscoveryRequest{
		TypeUrl:       resourcev3.ListenerType,
		VersionInfo:   "3",
		ResponseNonce: "abc",
		ErrorDetail:   &statuspb.Status{Message: "bad route config"},
	}

	if err := callbacks.OnStreamRequest(42, req); err != nil {
		t.Fatalf("OnStreamRequest: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "bad route config") {
		t.Fatalf("log output missing nack detail: %s", out)
	}
	if !strings.Contains(out, "stream_id=42") {
		t.Fatalf("log output missing stream id: %s", out)
	}
}

func TestOnStreamRequestSilentWithoutErrorDetail(t *testing.T) {
	var buf bytes.Buffer
	callbacks := &loggingCallbacks{logger: testLogger(&buf)}

	req := &discoverygrpc.DiscoveryRequest{TypeUrl: resourcev3.ClusterType}
	if err := callbacks.OnStreamRequest(1, req); err != nil {
		t.Fatalf("OnStreamRequest: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no log output for a clean ack, got: %s", buf.String())
	}
}
