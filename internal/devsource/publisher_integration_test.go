package devsource

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/signalsfoundry/constellation-viewer/internal/stream"
)

func TestPublisher_Integration_FeedsNATSSource(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := natscontainer.Run(ctx, "nats:2.9-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server is ready"),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate NATS container: %v", err)
		}
	}()

	natsURL, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get NATS connection string: %v", err)
	}

	ts := newTestSource(t)
	nc, err := ConnectNATS(natsURL, nil)
	if err != nil {
		t.Fatalf("ConnectNATS: %v", err)
	}
	defer nc.Close()

	src := stream.NewNATSSource(natsURL, "positions", "geo")
	c := newCollector()
	if err := src.Start(ctx, c.onEvent, c.onError); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Close()

	pub := NewPublisher(nc, "positions", ts.server, time.Second)
	if err := pub.PublishOnce(ctx, 30*time.Second); err != nil {
		t.Fatalf("PublishOnce: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := c.next(t)
	if got.ScenarioID != "geo" || got.Len() != 12 || got.TimeOffset != 30*time.Second {
		t.Fatalf("event = %s with %d records at %v", got.ScenarioID, got.Len(), got.TimeOffset)
	}
	if n := testutil.ToFloat64(ts.metrics.Published); n != 2 {
		t.Fatalf("published = %v, want one per scenario", n)
	}
}
