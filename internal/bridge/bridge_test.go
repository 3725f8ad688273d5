package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/loxbridge/internal/config"
	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/fetch"
	"codeberg.org/mutker/loxbridge/internal/session"
)

const testDocument = `<?xml version="1.0" encoding="utf-8"?>
<Document>
  <C Type="Place" U="room1" Title="Kitchen"/>
  <C Type="InfoOnlyAnalog" U="uuid-push" Title="Power Meter" Analog="true">
    <IoData Pr="room1" Visu="true"/>
  </C>
  <C Type="Switch" U="uuid-poll" Title="Pump">
    <IoData Visu="false"/>
  </C>
  <C Type="VirtualTextIn" U="uuid-stray" Title="Caller ID">
    <IoData Visu="0"/>
  </C>
</Document>`

type fakeSession struct {
	mu       sync.Mutex
	onValues session.ValueHandler
	onText   session.TextHandler
	onEvent  session.EventHandler

	plain   []string
	secured []string
	stopped bool
}

func (f *fakeSession) Connect(context.Context) error   { return nil }
func (f *fakeSession) OnValues(h session.ValueHandler) { f.onValues = h }
func (f *fakeSession) OnText(h session.TextHandler)    { f.onText = h }
func (f *fakeSession) OnEvent(h session.EventHandler)  { f.onEvent = h }

func (f *fakeSession) SendCommand(_ context.Context, uuid, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plain = append(f.plain, uuid+"/"+command)

	return nil
}

func (f *fakeSession) SendSecuredCommand(_ context.Context, uuid, command, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secured = append(f.secured, uuid+"/"+command)

	return nil
}

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true

	return nil
}

type fakeWriter struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeWriter) Init() error { return nil }

func (f *fakeWriter) Write(point []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, string(point))
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.lines...)
}

func (f *fakeWriter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = nil
}

type fakeSource struct {
	mu       sync.Mutex
	document string
	fetches  int
}

func (f *fakeSource) Fetch(context.Context, bool, bool) (string, *fetch.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++

	return f.document, &fetch.Metadata{LastModified: time.Now()}, nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches
}

func (f *fakeSource) set(document string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.document = document
}

func testConfig() *config.Config {
	return &config.Config{
		General: config.General{
			Grabber:           true,
			GrabberInterval:   300,
			RoundFloats:       true,
			RoundingPrecision: 5,
		},
		Filters: config.Filters{TypeBlacklist: []string{"Place"}},
	}
}

func newTestBridge(t *testing.T) (*Bridge, *fakeWriter, *fakeSession, *fakeSource) {
	t.Helper()

	sess := &fakeSession{}
	w := &fakeWriter{}
	source := &fakeSource{document: testDocument}
	b := New(testConfig(), sess, w, source)
	b.runCtx = context.Background()
	require.NoError(t, b.rebuild(context.Background(), true))

	return b, w, sess, source
}

func TestHandleValuesEmitsPushLine(t *testing.T) {
	b, w, _, _ := newTestBridge(t)

	b.HandleValues(map[string]float64{"uuid-push": 5})
	b.writes.Wait()

	lines := w.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "uuid=uuid-push")
	assert.Contains(t, lines[0], "source=websocket")
	assert.Contains(t, lines[0], "room=Kitchen")
	assert.Regexp(t, ` Default=5\.00000 \d{19}$`, lines[0])
}

func TestHandleValuesDropsUnknownUUID(t *testing.T) {
	b, w, _, _ := newTestBridge(t)

	b.HandleValues(map[string]float64{"no-such-uuid": 1})
	b.writes.Wait()

	assert.Empty(t, w.all())
}

func TestHandleValuesPromotesFromAll(t *testing.T) {
	b, w, _, _ := newTestBridge(t)

	// uuid-stray is in the full registry but subscribed nowhere.
	require.NotContains(t, b.registries().Push, "uuid-stray")

	b.HandleValues(map[string]float64{"uuid-stray": 2})
	b.writes.Wait()

	require.Len(t, w.all(), 1)
	assert.Contains(t, b.registries().Push, "uuid-stray")

	// the next batch finds it in the push registry directly
	b.HandleValues(map[string]float64{"uuid-stray": 3})
	b.writes.Wait()
	assert.Len(t, w.all(), 2)
}

func TestHandleTextEmitsMultiFieldLine(t *testing.T) {
	b, w, _, _ := newTestBridge(t)

	b.HandleText("uuid-poll", session.TextPayload{
		Value: "12",
		Outputs: []session.TextOutput{
			{Name: "flow", Value: "3"},
			{Nr: "1", Value: "2.5"},
			{Value: "on"},
		},
	})
	b.writes.Wait()

	lines := w.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "source=grabber")
	assert.Contains(t, lines[0], "Default=12i")
	assert.Contains(t, lines[0], "flow=3i")
	assert.Contains(t, lines[0], "1=2.50000")
	assert.Contains(t, lines[0], `Subdefault="on"`)
}

func TestHandleTextDropsUnsubscribed(t *testing.T) {
	b, w, _, _ := newTestBridge(t)

	b.HandleText("uuid-push", session.TextPayload{Value: "1"})
	b.writes.Wait()

	assert.Empty(t, w.all())
}

func TestReconnectTriggersRebuild(t *testing.T) {
	b, _, _, source := newTestBridge(t)
	before := source.count()

	b.handleEvent(session.EventReconnected)

	require.Eventually(t, func() bool {
		return source.count() > before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectRebuildWaitsForStartupBuild(t *testing.T) {
	sess := &fakeSession{}
	source := &fakeSource{document: testDocument}
	b := New(testConfig(), sess, &fakeWriter{}, source)
	b.runCtx = context.Background()

	// A reconnect lands while the startup build has not yet finished; its
	// rebuild must hold off instead of running alongside it.
	b.handleEvent(session.EventReconnected)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, source.count(), "rebuild ran before the startup build completed")

	require.NoError(t, b.rebuild(context.Background(), true))

	require.Eventually(t, func() bool {
		return source.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleValuesSeesOneRegistryGeneration(t *testing.T) {
	docFor := func(room string) string {
		return `<Document>
  <C Type="Place" U="room1" Title="` + room + `"/>
  <C Type="InfoOnlyAnalog" U="uuid-a" Title="Meter A" Analog="true">
    <IoData Pr="room1" Visu="true"/>
  </C>
  <C Type="InfoOnlyAnalog" U="uuid-b" Title="Meter B" Analog="true">
    <IoData Pr="room1" Visu="true"/>
  </C>
</Document>`
	}

	sess := &fakeSession{}
	w := &fakeWriter{}
	source := &fakeSource{document: docFor("RoomA")}
	b := New(testConfig(), sess, w, source)
	b.runCtx = context.Background()
	require.NoError(t, b.rebuild(context.Background(), true))

	// Rebuilds keep swapping the registry set between the two generations
	// while batches are routed. Every batch snapshots the registries once,
	// so both lines of a batch must come from the same generation.
	stop := make(chan struct{})
	var swaps sync.WaitGroup
	swaps.Add(1)
	go func() {
		defer swaps.Done()
		rooms := []string{"RoomB", "RoomA"}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			source.set(docFor(rooms[i%2]))
			if !assert.NoError(t, b.rebuild(context.Background(), true)) {
				return
			}
		}
	}()

	roomOf := func(line string) string {
		switch {
		case strings.Contains(line, "room=RoomA"):
			return "RoomA"
		case strings.Contains(line, "room=RoomB"):
			return "RoomB"
		}
		return ""
	}

	for i := 0; i < 200; i++ {
		w.reset()
		b.HandleValues(map[string]float64{"uuid-a": 1, "uuid-b": 2})
		b.writes.Wait()

		lines := w.all()
		require.Len(t, lines, 2)
		require.NotEmpty(t, roomOf(lines[0]))
		assert.Equal(t, roomOf(lines[0]), roomOf(lines[1]),
			"batch mixed controls from two registry generations")
	}

	close(stop)
	swaps.Wait()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sess := &fakeSession{}
	w := &fakeWriter{}
	source := &fakeSource{document: testDocument}
	b := New(testConfig(), sess, w, source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return source.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not shut down")
	}
	assert.True(t, sess.stopped)
}

func TestRunFailsWhenSessionLost(t *testing.T) {
	sess := &fakeSession{}
	b := New(testConfig(), sess, &fakeWriter{}, &fakeSource{document: testDocument})

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return sess.onEvent != nil && b.registries() != nil
	}, 2*time.Second, 10*time.Millisecond)

	sess.onEvent(session.EventClosed)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, ErrSessionLost, errors.CodeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after losing the session")
	}
}
