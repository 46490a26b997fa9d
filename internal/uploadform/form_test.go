package uploadform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/logger"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/metrics"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/spool"
	"github.com/dj-oyu/vehicle-counter/web-form/pkg/types"
)

type call struct {
	name string
	data string
}

type fakeProcessor struct {
	mu     sync.Mutex
	calls  []call
	counts types.Counts
	err    error
	panics bool

	started chan struct{}
	release chan struct{}
}

func (p *fakeProcessor) Process(ctx context.Context, filename string, video io.Reader) (types.Counts, error) {
	data, _ := io.ReadAll(video)
	p.mu.Lock()
	p.calls = append(p.calls, call{name: filename, data: string(data)})
	counts, err, panics := p.counts, p.err, p.panics
	p.mu.Unlock()

	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	if panics {
		panic("detector exploded")
	}
	return counts, err
}

func (p *fakeProcessor) Calls() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

func newTestForm(t *testing.T, p Processor) (*Form, *bytes.Buffer) {
	t.Helper()
	sp, err := spool.New(t.TempDir(), 0)
	require.NoError(t, err)
	var logs bytes.Buffer
	f := New(Options{
		Processor: p,
		Spool:     sp,
		Logger:    logger.New(logger.DEBUG, &logs, false),
		Metrics:   metrics.New(),
	})
	t.Cleanup(f.Close)
	return f, &logs
}

func selectVideo(t *testing.T, f *Form, name, data string) State {
	t.Helper()
	st, err := f.SelectFile(name, "video/mp4", strings.NewReader(data))
	require.NoError(t, err)
	return st
}

func TestInitialState(t *testing.T) {
	f, _ := newTestForm(t, &fakeProcessor{})
	st := f.Snapshot()

	assert.False(t, st.HasFile)
	assert.False(t, st.Processing)
	assert.False(t, st.CanSubmit)
	assert.Nil(t, st.Result)
	assert.Empty(t, st.PreviewURL)
}

func TestSubmitUnavailableWithoutFile(t *testing.T) {
	p := &fakeProcessor{}
	f, _ := newTestForm(t, p)

	_, err := f.Begin()
	require.ErrorIs(t, err, ErrNoFile)
	require.ErrorIs(t, f.Submit(context.Background()), ErrNoFile)
	assert.Empty(t, p.Calls())
	assert.Equal(t, uint64(2), f.metrics.Rejected.Load())
}

func TestEmptySelectionIsIgnored(t *testing.T) {
	f, _ := newTestForm(t, &fakeProcessor{})
	before := selectVideo(t, f, "first.mp4", "AAA")

	st, err := f.SelectFile("", "", nil)
	require.NoError(t, err)
	assert.Equal(t, before, st)

	st, err = f.SelectFile("second.mp4", "video/mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, before, st)
}

func TestSelectFileDerivesPreview(t *testing.T) {
	f, _ := newTestForm(t, &fakeProcessor{})
	st := selectVideo(t, f, "cars.mp4", "VIDEO")

	require.True(t, st.HasFile)
	assert.True(t, st.CanSubmit)
	assert.Equal(t, "cars.mp4", st.FileName)
	assert.Equal(t, int64(5), st.FileSize)
	assert.Equal(t, "/preview/"+st.FileID, st.PreviewURL)
	assert.Equal(t, st.PreviewURL+"/poster.png", st.PosterURL)

	file, sel, err := f.OpenPreview(st.FileID)
	require.NoError(t, err)
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	assert.Equal(t, "VIDEO", string(data))
	assert.Equal(t, "cars.mp4", sel.Name)
}

func TestPendingThenIdle(t *testing.T) {
	p := &fakeProcessor{
		counts:  types.Counts{Up: 1, Down: 2},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f, _ := newTestForm(t, p)
	selectVideo(t, f, "cars.mp4", "VIDEO")

	sub, err := f.Begin()
	require.NoError(t, err)

	pending := f.Snapshot()
	assert.True(t, pending.Processing)
	assert.False(t, pending.CanSubmit)
	assert.True(t, f.Busy())

	done := make(chan struct{})
	go func() {
		sub.Run(context.Background())
		close(done)
	}()
	<-p.started

	_, err = f.Begin()
	require.ErrorIs(t, err, ErrBusy, "second submission must be refused while pending")

	close(p.release)
	<-done

	idle := f.Snapshot()
	assert.False(t, idle.Processing)
	assert.True(t, idle.CanSubmit)
	require.NotNil(t, idle.Result)
	assert.Equal(t, types.Counts{Up: 1, Down: 2}, *idle.Result)
	assert.Len(t, p.Calls(), 1)
}

func TestSuccessStoresCounts(t *testing.T) {
	p := &fakeProcessor{counts: types.Counts{Up: 3, Down: 5}}
	f, _ := newTestForm(t, p)
	selectVideo(t, f, "cars.mp4", "VIDEO")

	require.NoError(t, f.Submit(context.Background()))

	st := f.Snapshot()
	require.NotNil(t, st.Result)
	assert.Equal(t, 3, st.Result.Up)
	assert.Equal(t, 5, st.Result.Down)
	assert.Equal(t, []call{{name: "cars.mp4", data: "VIDEO"}}, p.Calls())
}

func TestFailureIsLoggedAndSwallowed(t *testing.T) {
	p := &fakeProcessor{err: errors.New("dial tcp 127.0.0.1:8000: connection refused")}
	f, logs := newTestForm(t, p)
	selectVideo(t, f, "cars.mp4", "VIDEO")

	require.NoError(t, f.Submit(context.Background()))

	st := f.Snapshot()
	assert.Nil(t, st.Result)
	assert.False(t, st.Processing)
	assert.True(t, st.CanSubmit, "form stays usable after a failure")
	assert.Contains(t, logs.String(), "[ERROR] [UploadForm] Error processing video: dial tcp 127.0.0.1:8000: connection refused")
}

func TestFailureKeepsPreviousCounts(t *testing.T) {
	p := &fakeProcessor{counts: types.Counts{Up: 4, Down: 1}}
	f, _ := newTestForm(t, p)
	selectVideo(t, f, "cars.mp4", "VIDEO")
	require.NoError(t, f.Submit(context.Background()))

	p.mu.Lock()
	p.err = errors.New("detection service returned 500")
	p.mu.Unlock()
	require.NoError(t, f.Submit(context.Background()))

	st := f.Snapshot()
	require.NotNil(t, st.Result)
	assert.Equal(t, types.Counts{Up: 4, Down: 1}, *st.Result)
}

func TestPanicInProcessorClearsFlag(t *testing.T) {
	p := &fakeProcessor{panics: true}
	f, logs := newTestForm(t, p)
	selectVideo(t, f, "cars.mp4", "VIDEO")

	require.NoError(t, f.Submit(context.Background()))
	assert.False(t, f.Snapshot().Processing)
	assert.Contains(t, logs.String(), "panic during submission: detector exploded")
}

func TestSecondSelectionReplacesFirst(t *testing.T) {
	p := &fakeProcessor{counts: types.Counts{Up: 1, Down: 1}}
	f, _ := newTestForm(t, p)

	first := selectVideo(t, f, "first.mp4", "FIRST")
	second := selectVideo(t, f, "second.mp4", "SECOND")

	assert.NotEqual(t, first.PreviewURL, second.PreviewURL)
	assert.Equal(t, "second.mp4", second.FileName)

	_, _, err := f.OpenPreview(first.FileID)
	require.ErrorIs(t, err, ErrStalePreview)

	require.NoError(t, f.Submit(context.Background()))
	assert.Equal(t, []call{{name: "second.mp4", data: "SECOND"}}, p.Calls())
}

func TestSelectionDuringPendingKeepsPayload(t *testing.T) {
	p := &fakeProcessor{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f, _ := newTestForm(t, p)
	selectVideo(t, f, "first.mp4", "FIRST")

	sub, err := f.Begin()
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		sub.Run(context.Background())
		close(done)
	}()
	<-p.started

	st := selectVideo(t, f, "second.mp4", "SECOND")
	assert.True(t, st.Processing)
	assert.False(t, st.CanSubmit)

	close(p.release)
	<-done

	assert.Equal(t, []call{{name: "first.mp4", data: "FIRST"}}, p.Calls())
	assert.Equal(t, "second.mp4", f.Snapshot().FileName)
}

func TestRepeatedSubmissionIsIdempotent(t *testing.T) {
	p := &fakeProcessor{counts: types.Counts{Up: 7, Down: 2}}
	f, _ := newTestForm(t, p)
	selectVideo(t, f, "cars.mp4", "VIDEO")

	require.NoError(t, f.Submit(context.Background()))
	first := f.Snapshot().Result
	require.NoError(t, f.Submit(context.Background()))
	second := f.Snapshot().Result

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)
	assert.Len(t, p.Calls(), 2)
	assert.Equal(t, p.Calls()[0], p.Calls()[1])
}

type ctxProcessor struct{ err error }

func (p *ctxProcessor) Process(ctx context.Context, _ string, _ io.Reader) (types.Counts, error) {
	p.err = ctx.Err()
	return types.Counts{Up: 1}, nil
}

func TestRunIgnoresCancellation(t *testing.T) {
	p := &ctxProcessor{}
	f, _ := newTestForm(t, p)
	selectVideo(t, f, "cars.mp4", "VIDEO")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Submit(ctx))

	assert.NoError(t, p.err)
	require.NotNil(t, f.Snapshot().Result)
}

func TestSubscribersSeeTransitions(t *testing.T) {
	p := &fakeProcessor{counts: types.Counts{Up: 3, Down: 5}}
	f, _ := newTestForm(t, p)

	id, events := f.Subscribe()
	defer f.Unsubscribe(id)

	selectVideo(t, f, "cars.mp4", "VIDEO")
	ev := nextEvent(t, events)
	assert.Contains(t, string(ev.JSONData), `"file_name":"cars.mp4"`)

	sub, err := f.Begin()
	require.NoError(t, err)
	ev = nextEvent(t, events)
	assert.Contains(t, string(ev.JSONData), `"processing":true`)

	sub.Run(context.Background())
	ev = nextEvent(t, events)
	assert.Contains(t, string(ev.JSONData), `"processing":false`)
	assert.Contains(t, string(ev.JSONData), `"result":{"up":3,"down":5}`)
	assert.NotEmpty(t, ev.ProtobufData)
}

func TestCloseReleasesSelection(t *testing.T) {
	sp, err := spool.New(t.TempDir(), 0)
	require.NoError(t, err)
	f := New(Options{Processor: &fakeProcessor{}, Spool: sp, Logger: logger.New(logger.SILENT, io.Discard, false)})

	st := selectVideo(t, f, "cars.mp4", "VIDEO")
	_, events := f.Subscribe()
	f.Close()
	f.Close()

	_, ok := <-events
	assert.False(t, ok, "subscribers are disconnected on close")
	_, _, err = f.OpenPreview(st.FileID)
	assert.ErrorIs(t, err, ErrStalePreview)
	assert.Equal(t, 0, sp.Status().LiveFiles)

	_, err = f.SelectFile("late.mp4", "video/mp4", strings.NewReader("x"))
	assert.Error(t, err)
	assert.Equal(t, 0, sp.Status().LiveFiles)
}

func nextEvent(t *testing.T, ch <-chan *SerializedEvent) *SerializedEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state event")
		return nil
	}
}
