// Package uploadform holds the view state of the vehicle-count upload form:
// the selected video, its preview reference, the processing flag and the last
// counts returned by the detection service.
//
// A Form is safe for concurrent use. Handlers are expected to drive it through
// SelectFile, Begin/Run (or Submit) and Snapshot; every state change is
// published to subscribers as a pre-serialized event.
package uploadform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/logger"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/metrics"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/spool"
	"github.com/dj-oyu/vehicle-counter/web-form/pkg/types"
)

const (
	logModule = "UploadForm"

	// DefaultPreviewPrefix is joined with the selection ID to form preview URLs.
	DefaultPreviewPrefix = "/preview/"
)

var (
	// ErrNoFile is returned by Begin when nothing has been selected.
	ErrNoFile = errors.New("no file selected")
	// ErrBusy is returned by Begin while a previous submission is pending.
	ErrBusy = errors.New("a submission is already in progress")
	// ErrStalePreview is returned for preview IDs that no longer match the selection.
	ErrStalePreview = errors.New("preview no longer available")
)

// Processor sends a video to the detection service.
type Processor interface {
	Process(ctx context.Context, filename string, video io.Reader) (types.Counts, error)
}

// Spooler stores selected files until they are submitted or replaced.
type Spooler interface {
	Write(name string, r io.Reader) (*spool.File, error)
}

// Options configures a Form.
type Options struct {
	Processor Processor
	Spool     Spooler
	// Logger receives the diagnostic entries for failed submissions.
	// Defaults to the process-wide logger.
	Logger *logger.Logger
	// Metrics is optional.
	Metrics       *metrics.Metrics
	PreviewPrefix string
}

// SelectedFile describes the file currently chosen in the form.
type SelectedFile struct {
	ID          uuid.UUID
	Name        string
	ContentType string
	Size        int64
	SelectedAt  time.Time

	data *spool.File
}

// Form is the state of one upload form.
type Form struct {
	processor     Processor
	spool         Spooler
	metrics       *metrics.Metrics
	previewPrefix string
	log           logger.Scope
	events        *Broadcaster

	mu         sync.Mutex
	file       *SelectedFile
	previewURL string
	processing bool
	result     *types.Counts
	version    uint64
	closed     bool
}

// New creates an idle form with no selection and no result.
func New(opts Options) *Form {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.PreviewPrefix == "" {
		opts.PreviewPrefix = DefaultPreviewPrefix
	}
	if !strings.HasSuffix(opts.PreviewPrefix, "/") {
		opts.PreviewPrefix += "/"
	}
	return &Form{
		processor:     opts.Processor,
		spool:         opts.Spool,
		metrics:       opts.Metrics,
		previewPrefix: opts.PreviewPrefix,
		log:           opts.Logger.Module(logModule),
		events:        NewBroadcaster(),
	}
}

// SelectFile replaces the current selection with the given file and derives a
// fresh preview URL. An empty name or nil reader means nothing was picked and
// leaves the form untouched. Only spool failures are reported.
func (f *Form) SelectFile(name, contentType string, r io.Reader) (State, error) {
	if name == "" || r == nil {
		return f.Snapshot(), nil
	}

	data, err := f.spool.Write(name, r)
	if err != nil {
		return f.Snapshot(), fmt.Errorf("store selected file: %w", err)
	}

	sel := &SelectedFile{
		ID:          uuid.New(),
		Name:        data.Name(),
		ContentType: contentType,
		Size:        data.Size(),
		SelectedAt:  time.Now(),
		data:        data,
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = data.Remove()
		return State{}, errors.New("form is closed")
	}
	previous := f.file
	f.file = sel
	f.previewURL = f.previewPrefix + sel.ID.String()
	f.version++
	state := f.snapshotLocked()
	f.mu.Unlock()

	if previous != nil {
		if err := previous.data.Remove(); err != nil {
			f.log.Warn("Failed to drop previous selection %s: %v", previous.Name, err)
		}
	}
	if f.metrics != nil {
		f.metrics.Selections.Add(1)
	}
	f.log.Debug("Selected %s (%d bytes, %s)", sel.Name, sel.Size, contentType)
	f.events.Publish(state)
	return state, nil
}

// Submission is one in-flight request to the detection service.
type Submission struct {
	form  *Form
	file  *SelectedFile
	video io.ReadCloser
}

// File returns the selection being submitted.
func (s *Submission) File() *SelectedFile {
	return s.file
}

// Begin checks that a file is selected and nothing is pending, then raises the
// processing flag. The returned Submission must be Run exactly once.
func (f *Form) Begin() (*Submission, error) {
	f.mu.Lock()
	switch {
	case f.file == nil:
		f.mu.Unlock()
		f.rejected()
		return nil, ErrNoFile
	case f.processing:
		f.mu.Unlock()
		f.rejected()
		return nil, ErrBusy
	}

	sel := f.file
	video, err := sel.data.Open()
	if err != nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("open selected file: %w", err)
	}
	f.processing = true
	f.version++
	state := f.snapshotLocked()
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.SubmissionStarted(sel.Size)
	}
	f.events.Publish(state)
	return &Submission{form: f, file: sel, video: video}, nil
}

// Run uploads the file and records the counts. Failures of any kind are
// logged and swallowed. The processing flag is cleared before Run returns.
// Cancellation of ctx is ignored: a submission always runs to completion.
func (s *Submission) Run(ctx context.Context) {
	var (
		counts types.Counts
		err    error
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during submission: %v", r)
		}
		_ = s.video.Close()
		s.form.finish(counts, err, time.Since(start))
	}()

	s.form.log.Info("Processing video: %s (%d bytes)", s.file.Name, s.file.Size)
	counts, err = s.form.processor.Process(context.WithoutCancel(ctx), s.file.Name, s.video)
}

// Submit is Begin followed by Run. It only fails when submission is unavailable.
func (f *Form) Submit(ctx context.Context) error {
	sub, err := f.Begin()
	if err != nil {
		return err
	}
	sub.Run(ctx)
	return nil
}

func (f *Form) finish(counts types.Counts, err error, elapsed time.Duration) {
	f.mu.Lock()
	if err == nil {
		result := counts
		f.result = &result
	}
	f.processing = false
	f.version++
	state := f.snapshotLocked()
	f.mu.Unlock()

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		f.log.Error("Error processing video: %v", err)
	} else {
		f.log.Info("Processing complete. Result: up=%d down=%d (%s)", counts.Up, counts.Down, elapsed.Round(time.Millisecond))
	}
	if f.metrics != nil {
		f.metrics.SubmissionFinished(outcome, elapsed)
	}
	f.events.Publish(state)
}

func (f *Form) rejected() {
	if f.metrics != nil {
		f.metrics.Rejected.Add(1)
	}
}

// Busy reports whether a submission is in flight.
func (f *Form) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processing
}

// OpenPreview opens the bytes behind a preview ID. The caller closes the file.
func (f *Form) OpenPreview(id string) (*os.File, SelectedFile, error) {
	f.mu.Lock()
	sel := f.file
	f.mu.Unlock()

	if sel == nil || sel.ID.String() != id {
		return nil, SelectedFile{}, ErrStalePreview
	}
	file, err := sel.data.Open()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, SelectedFile{}, ErrStalePreview
		}
		return nil, SelectedFile{}, err
	}
	return file, *sel, nil
}

// Subscribe registers for state-change events.
func (f *Form) Subscribe() (int, <-chan *SerializedEvent) {
	return f.events.Subscribe()
}

// Unsubscribe removes a subscriber.
func (f *Form) Unsubscribe(id int) {
	f.events.Unsubscribe(id)
}

// Close drops the selected file and disconnects subscribers. A submission
// still in flight finishes against the closed form without effect on anyone.
func (f *Form) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	sel := f.file
	f.mu.Unlock()

	if sel != nil {
		_ = sel.data.Remove()
	}
	f.events.Close()
}
