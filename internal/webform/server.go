package webform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/backend"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/logger"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/metrics"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/poster"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/spool"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/uploadform"
)

// multipart framing allowance on top of the file size limit
const multipartOverhead = 1 << 20

// Deps lets callers swap the collaborators built from Config.
type Deps struct {
	Processor uploadform.Processor
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Server serves the upload form and its JSON/SSE endpoints.
type Server struct {
	cfg      Config
	spool    *spool.Spool
	sessions *sessionStore
	metrics  *metrics.Metrics
	log      logger.Scope
}

// NewServer returns a configured form server. Call Close to release spooled
// files and stop the session sweeper.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	cfg = cfg.withDefaults()

	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Processor == nil {
		deps.Processor = backend.NewClient(backend.Config{
			Endpoint: cfg.BackendURL,
			Timeout:  cfg.BackendTimeout,
		}, nil)
	}

	sp, err := spool.New(cfg.SpoolDir, cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		spool:   sp,
		metrics: deps.Metrics,
		log:     deps.Logger.Module("WebForm"),
	}
	s.sessions = newSessionStore(cfg.SessionTTL, deps.Metrics, func() *uploadform.Form {
		return uploadform.New(uploadform.Options{
			Processor: deps.Processor,
			Spool:     sp,
			Logger:    deps.Logger,
			Metrics:   deps.Metrics,
		})
	})
	if err := s.sessions.startSweeper(cfg.SweepInterval, s.recordSpool); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) recordSpool() {
	st := s.spool.Status()
	s.metrics.SpoolBytes.Store(st.BytesWritten)
	s.metrics.SpoolFiles.Store(int64(st.LiveFiles))
}

// Close stops background work and drops every session's selection.
func (s *Server) Close() {
	s.sessions.close()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	api := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.Get("/", s.handleIndex)
	r.Post("/select", s.handleSelectForm)
	r.Post("/submit", s.handleSubmitForm)
	r.Get("/preview/{id}", s.handlePreview)
	r.Get("/preview/{id}/poster.png", s.handlePoster)
	r.Handle("/assets/*", http.StripPrefix("/assets/", newAssetHandler(s.cfg.BuildAssetsDir, s.cfg.AssetsDir)))
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(api.Handler)
		r.Get("/state", s.handleState)
		r.Get("/state/stream", s.handleStateStream)
		r.Post("/select", s.handleSelect)
		r.Post("/submit", s.handleSubmit)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("%s %s -> %d (%s) [%s]", r.Method, r.URL.Path, ww.Status(),
			time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	form := s.sessions.formFor(w, r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	data := pageData{State: form.Snapshot(), MaxUploadBytes: s.cfg.MaxUploadBytes}
	if err := indexTemplate.Execute(w, data); err != nil {
		s.log.Error("Render index: %v", err)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.formFor(w, r).Snapshot())
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	form := s.sessions.formFor(w, r)
	streamStateEvents(w, r, form, s.cfg.StatusKeepalive)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	form := s.sessions.formFor(w, r)
	state, err := s.selectFromRequest(w, r, form)
	s.recordSpool()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, selectErrorStatus(err))
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleSelectForm(w http.ResponseWriter, r *http.Request) {
	form := s.sessions.formFor(w, r)
	if _, err := s.selectFromRequest(w, r, form); err != nil {
		s.log.Warn("Select from page form: %v", err)
	}
	s.recordSpool()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

var errNotMultipart = errors.New("expected multipart/form-data")

// selectFromRequest streams the "file" part straight into the form. A request
// without a file part, or with an empty filename, leaves the selection as is.
func (s *Server) selectFromRequest(w http.ResponseWriter, r *http.Request, form *uploadform.Form) (uploadform.State, error) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return form.Snapshot(), errNotMultipart
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return form.Snapshot(), nil
		}
		if err != nil {
			return form.Snapshot(), fmt.Errorf("read upload: %w", err)
		}
		if part.FormName() != backend.FileField || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		state, err := form.SelectFile(part.FileName(), partContentType(part), part)
		_ = part.Close()
		return state, err
	}
}

// partContentType prefers the declared type unless the browser only said
// "bytes", in which case the extension decides.
func partContentType(part *multipart.Part) string {
	ct := part.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "application/octet-stream" {
		return ct
	}
	return backend.PartContentType(part.FileName())
}

// previewContentType only lets video types through; anything else is served
// as opaque bytes so a mislabelled upload never renders as a page.
func previewContentType(declared string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && strings.HasPrefix(mt, "video/") {
		return declared
	}
	return "application/octet-stream"
}

func selectErrorStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errNotMultipart):
		return http.StatusBadRequest
	case errors.Is(err, spool.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	form := s.sessions.formFor(w, r)
	sub, err := form.Begin()
	if err != nil {
		status := http.StatusConflict
		if !errors.Is(err, uploadform.ErrNoFile) && !errors.Is(err, uploadform.ErrBusy) {
			status = http.StatusInternalServerError
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		sub.Run(r.Context())
		writeJSON(w, form.Snapshot())
		return
	}

	state := form.Snapshot()
	go sub.Run(context.Background())
	writeJSONWithStatus(w, state, http.StatusAccepted)
}

func (s *Server) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	form := s.sessions.formFor(w, r)
	if sub, err := form.Begin(); err == nil {
		go sub.Run(context.Background())
	} else {
		s.log.Debug("Submit from page form refused: %v", err)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	form, ok := s.sessions.fromRequest(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	file, sel, err := form.OpenPreview(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", previewContentType(sel.ContentType))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, sel.Name, sel.SelectedAt, file)
}

func (s *Server) handlePoster(w http.ResponseWriter, r *http.Request) {
	form, ok := s.sessions.fromRequest(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	file, sel, err := form.OpenPreview(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	_ = file.Close()

	img, err := poster.Render(sel.Name, sel.Size)
	if err != nil {
		s.log.Error("Render poster for %s: %v", sel.Name, err)
		http.Error(w, "Failed to render poster", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(img)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
