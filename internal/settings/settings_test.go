package settings

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *recordingPublisher) PublishGlobal(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func TestService_Defaults(t *testing.T) {
	svc := NewService(testLogger(), NewMemoryStore(), nil)

	snap, err := svc.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !snap.UploadsEnabled || !snap.LicensesEnabled {
		t.Fatalf("defaults %+v, everything should start enabled", snap)
	}
}

func TestService_UpdateBroadcasts(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := NewService(testLogger(), NewMemoryStore(), pub)

	snap, err := svc.Update(ctx, Snapshot{UploadsEnabled: false, LicensesEnabled: true})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if snap.UploadsEnabled {
		t.Fatalf("uploads still enabled after update")
	}
	if snap.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not stamped")
	}

	if pub.count() != 1 {
		t.Fatalf("broadcast %d events, want 1", pub.count())
	}
	var got Snapshot
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if got.UploadsEnabled || !got.LicensesEnabled {
		t.Fatalf("broadcast %+v does not match the update", got)
	}

	// The update sticks.
	snap, err = svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.UploadsEnabled {
		t.Fatalf("update did not persist")
	}
}
