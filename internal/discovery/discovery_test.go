package discovery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/foldersync/node/internal/logging"
)

func TestMain(m *testing.M) {
	if err := logging.Init("discovery-test", false); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestAdvertiseAndResolve(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	port := 19234
	meta := map[string]string{"advertisedHostPort": "127.0.0.1:9000"}

	if err := advertiser.Start("test-node", port, meta); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer advertiser.Stop()

	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}

	found := false
	for info := range ch {
		if info.Port == port && info.Meta["advertisedHostPort"] == "127.0.0.1:9000" {
			found = true
			break
		}
	}
	if !found {
		t.Error("failed to discover the test node")
	}
}
