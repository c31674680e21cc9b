package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/zenbooster/zbservice/internal/store"
)

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:ingest_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func newPipeline(t *testing.T) (*Pipeline, *store.Repo) {
	t.Helper()
	repo := openRepo(t)
	return New(repo, nil, ""), repo
}

const testMAC = "AABBCCDDEEFF"

func topicFor(ev string) string {
	return "devices/zenbooster/AA:BB:CC:DD:EE:FF/" + ev
}

func mustProcess(t *testing.T, p *Pipeline, topic, payload string) {
	t.Helper()
	if _, err := p.Process(context.Background(), topic, []byte(payload)); err != nil {
		t.Fatalf("Process(%s): %v", topic, err)
	}
}

func samplePayload(when int64) string {
	return fmt.Sprintf(`{"when":%d,"poor":0,"d":1.1,"t":2.2,"al":3.3,"ah":4.4,"bl":5.5,"bh":6.6,"gl":7.7,"gm":8.8,"ea":9.9,"em":10.1,"f":0.5}`, when)
}

func TestHelloRegistersDeviceOnce(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	mustProcess(t, p, topicFor("hello"), `{"when":1700000000}`)
	mustProcess(t, p, topicFor("hello"), `{"when":1700000060}`)

	devices, err := repo.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].MAC != testMAC {
		t.Fatalf("expected mac %s, got %s", testMAC, devices[0].MAC)
	}
	if devices[0].Name != DefaultDeviceName {
		t.Fatalf("expected name %q, got %q", DefaultDeviceName, devices[0].Name)
	}
}

func TestHelloSnapshotsConfig(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	hello := `{"when":1700000000,"options":{"led":"on"},"formulas":{"main":"ea-em"}}`
	mustProcess(t, p, topicFor("hello"), hello)
	// Unchanged values: the second hello must not append config rows.
	mustProcess(t, p, topicFor("hello"), hello)

	dev, err := repo.FindDeviceByMAC(ctx, testMAC)
	if err != nil || dev == nil {
		t.Fatalf("find device: %v (dev=%v)", err, dev)
	}
	entries, err := repo.ListConfigEntries(ctx, dev.ID, nil, 0)
	if err != nil {
		t.Fatalf("list config: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 config rows (led, main), got %d", len(entries))
	}

	// A changed option appends exactly one more row.
	mustProcess(t, p, topicFor("hello"), `{"when":1700000120,"options":{"led":"off"},"formulas":{"main":"ea-em"}}`)
	entries, err = repo.ListConfigEntries(ctx, dev.ID, nil, 0)
	if err != nil {
		t.Fatalf("list config: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 config rows after change, got %d", len(entries))
	}
}

func TestSessionLifecycle(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	mustProcess(t, p, topicFor("hello"), `{"when":1700000000}`)
	mustProcess(t, p, topicFor("session_begin"), `{"when":1700000010}`)

	const n = 3
	for i := 0; i < n; i++ {
		mustProcess(t, p, topicFor("eeg_power"), samplePayload(1700000020+int64(i)))
	}
	mustProcess(t, p, topicFor("session_end"), `{"when":1700000100}`)

	dev, _ := repo.FindDeviceByMAC(ctx, testMAC)
	sessions, err := repo.ListSessions(ctx, dev.ID, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	sess := sessions[0]
	if sess.EndAt == nil {
		t.Fatalf("session should be closed")
	}
	if want := time.Unix(1700000100, 0).UTC(); !sess.EndAt.Equal(want) {
		t.Fatalf("end = %v, want %v", sess.EndAt, want)
	}
	count, err := repo.CountSamples(ctx, sess.ID)
	if err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d samples, got %d", n, count)
	}

	open, err := repo.OpenSessions(ctx, dev.ID, 0)
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open session after end, got %d", len(open))
	}
}

func TestSessionCancelRemovesSamples(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	mustProcess(t, p, topicFor("hello"), `{"when":1700000000}`)
	mustProcess(t, p, topicFor("session_begin"), `{"when":1700000010}`)
	mustProcess(t, p, topicFor("eeg_power"), samplePayload(1700000020))
	mustProcess(t, p, topicFor("eeg_power"), samplePayload(1700000021))

	dev, _ := repo.FindDeviceByMAC(ctx, testMAC)
	open, _ := repo.OpenSessions(ctx, dev.ID, 0)
	if len(open) != 1 {
		t.Fatalf("expected 1 open session, got %d", len(open))
	}
	sessID := open[0].ID

	mustProcess(t, p, topicFor("session_cancel"), `{"when":1700000030}`)

	sessions, _ := repo.ListSessions(ctx, dev.ID, 0)
	if len(sessions) != 0 {
		t.Fatalf("expected session row gone, got %d", len(sessions))
	}
	count, _ := repo.CountSamples(ctx, sessID)
	if count != 0 {
		t.Fatalf("expected samples gone, got %d", count)
	}
	tracker := &SessionTracker{Repo: repo}
	sess, err := tracker.FindOpenSession(ctx, dev.ID)
	if err != nil {
		t.Fatalf("find open session: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected no open session after cancel")
	}
}

func TestEegPowerDecodesWhenAndAddress(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	mustProcess(t, p, topicFor("hello"), `{"when":1700000000}`)
	mustProcess(t, p, topicFor("session_begin"), `{"when":1700000000}`)
	mustProcess(t, p, topicFor("eeg_power"), samplePayload(1700000000))

	dev, _ := repo.FindDeviceByMAC(ctx, testMAC)
	if dev == nil {
		t.Fatalf("address not normalized to %s", testMAC)
	}
	open, _ := repo.OpenSessions(ctx, dev.ID, 0)
	samples, err := repo.ListSamples(ctx, open[0].ID, 0, false)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	s := samples[0]
	if want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC); !s.TS.Equal(want) {
		t.Fatalf("ts = %v, want %v", s.TS, want)
	}
	if s.Poor != 0 || s.Delta != 1.1 || s.Theta != 2.2 || s.AlphaLow != 3.3 ||
		s.AlphaHigh != 4.4 || s.BetaLow != 5.5 || s.BetaHigh != 6.6 ||
		s.GammaLow != 7.7 || s.GammaMid != 8.8 || s.Attention != 9.9 ||
		s.Meditation != 10.1 || s.Formula != 0.5 {
		t.Fatalf("sample fields not copied verbatim: %+v", s)
	}
}

func TestEventWithoutOpenSessionFails(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	mustProcess(t, p, topicFor("hello"), `{"when":1700000000}`)

	for _, ev := range []string{"eeg_power", "session_end", "session_cancel"} {
		payload := `{"when":1700000010}`
		if ev == "eeg_power" {
			payload = samplePayload(1700000010)
		}
		_, err := p.Process(ctx, topicFor(ev), []byte(payload))
		if !errors.Is(err, ErrStatePrecondition) {
			t.Fatalf("%s with no open session: err = %v, want ErrStatePrecondition", ev, err)
		}
	}

	dev, _ := repo.FindDeviceByMAC(ctx, testMAC)
	sessions, _ := repo.ListSessions(ctx, dev.ID, 0)
	if len(sessions) != 0 {
		t.Fatalf("storage modified: %d sessions", len(sessions))
	}
}

func TestEventForUnknownDeviceFails(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.Process(context.Background(), topicFor("session_begin"), []byte(`{"when":1700000000}`))
	if !errors.Is(err, ErrStatePrecondition) {
		t.Fatalf("session_begin for unknown device: err = %v, want ErrStatePrecondition", err)
	}
}

func TestMalformedPayloadDropsOnlyThatMessage(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	_, err := p.Process(ctx, topicFor("hello"), []byte(`{not-json}`))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if _, err := p.Process(ctx, topicFor("hello"), []byte(`{"when":"soon"}`)); !errors.Is(err, ErrDecode) {
		t.Fatalf("non-numeric when: err = %v, want ErrDecode", err)
	}
	if _, err := p.Process(ctx, topicFor("eeg_power"), []byte(`{"when":1700000000,"poor":0}`)); !errors.Is(err, ErrDecode) {
		t.Fatalf("missing spectral fields: err = %v, want ErrDecode", err)
	}

	devices, _ := repo.ListDevices(ctx)
	if len(devices) != 0 {
		t.Fatalf("decode failure mutated storage: %d devices", len(devices))
	}

	// The next well-formed message is still processed.
	mustProcess(t, p, topicFor("hello"), `{"when":1700000000}`)
	devices, _ = repo.ListDevices(ctx)
	if len(devices) != 1 {
		t.Fatalf("expected 1 device after recovery, got %d", len(devices))
	}
}

func TestUnknownEventIsNoOp(t *testing.T) {
	p, repo := newPipeline(t)
	ev, err := p.Process(context.Background(), topicFor("reboot"), []byte(`{"when":1700000000}`))
	if err != nil {
		t.Fatalf("unknown event should not error: %v", err)
	}
	if ev != Event("reboot") {
		t.Fatalf("ev = %q, want reboot", ev)
	}
	devices, _ := repo.ListDevices(context.Background())
	if len(devices) != 0 {
		t.Fatalf("unknown event mutated storage")
	}
}

func TestByeHasNoStorageEffect(t *testing.T) {
	p, repo := newPipeline(t)
	ctx := context.Background()

	mustProcess(t, p, topicFor("hello"), `{"when":1700000000}`)
	mustProcess(t, p, topicFor("session_begin"), `{"when":1700000010}`)
	mustProcess(t, p, topicFor("bye"), `{"when":1700000020}`)

	dev, _ := repo.FindDeviceByMAC(ctx, testMAC)
	open, _ := repo.OpenSessions(ctx, dev.ID, 0)
	if len(open) != 1 {
		t.Fatalf("bye must not touch the open session, got %d open", len(open))
	}
}
