package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/chipflow/internal/archive"
	"github.com/3cpo-dev/chipflow/internal/jobdir"
	"github.com/3cpo-dev/chipflow/internal/scheduler"
	"github.com/3cpo-dev/chipflow/internal/schema"
	"github.com/3cpo-dev/chipflow/internal/telemetry"
	"github.com/3cpo-dev/chipflow/pkg/api"
)

const maxUploadMemory = 32 << 20

type Config struct {
	// Root holds one directory per job hash.
	Root    string
	Version string
	// Username and Key, when both set, are required on every request.
	Username string
	Key      string
	Terms    string
	// ProgressInterval is the poll interval recommended to clients, in seconds.
	ProgressInterval float64
	// MaxWorkers caps concurrent nodes per job, 0 for one per CPU.
	MaxWorkers int
	TLS        TLSConfig
	// Profiling exposes net/http/pprof under /debug/pprof/.
	Profiling bool
}

// Server runs uploaded jobs with the local scheduler.
type Server struct {
	cfg     Config
	srv     *http.Server
	metrics *telemetry.Collector
	started time.Time

	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	jobs   map[string]*job
	active sync.WaitGroup
}

func New(cfg Config, metrics *telemetry.Collector) *Server {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 30
	}
	if metrics == nil {
		metrics = telemetry.GetGlobal()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{cfg: cfg, metrics: metrics, started: time.Now(), ctx: ctx, stop: stop, jobs: map[string]*job{}}
}

// Handler exposes the protocol routes, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/check_server/", s.instrument("check_server", s.handleCheckServer))
	mux.HandleFunc("/remote_run/", s.instrument("remote_run", s.handleRemoteRun))
	mux.HandleFunc("/check_progress/", s.instrument("check_progress", s.handleCheckProgress))
	mux.HandleFunc("/get_results/", s.instrument("get_results", s.handleGetResults))
	mux.HandleFunc("/cancel_job/", s.instrument("cancel_job", s.handleCancel))
	mux.HandleFunc("/delete_job/", s.instrument("delete_job", s.handleDelete))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	if s.cfg.Profiling {
		registerProfiling(mux)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "use POST")
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		labels := map[string]string{"endpoint": endpoint, "status": fmt.Sprint(rec.code)}
		s.metrics.Counter("chipflow_server_requests", 1, labels)
		s.metrics.Timer("chipflow_server_request_duration", time.Since(start), map[string]string{"endpoint": endpoint})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, api.ErrorResponse{Message: msg})
}

func writeMessage(w http.ResponseWriter, code int, msg string) { writeError(w, code, msg) }

func (s *Server) authorized(p api.Params) bool {
	if s.cfg.Username == "" || s.cfg.Key == "" {
		return true
	}
	return p.Username == s.cfg.Username && p.Key == s.cfg.Key
}

// decodeParams reads a JSON params body and checks credentials.
func (s *Server) decodeParams(w http.ResponseWriter, r *http.Request) (api.Params, bool) {
	var p api.Params
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid params: "+err.Error())
		return p, false
	}
	if !s.authorized(p) {
		writeError(w, http.StatusUnauthorized, "invalid username or key")
		return p, false
	}
	return p, true
}

func (s *Server) lookup(w http.ResponseWriter, hash string) (*job, bool) {
	s.mu.Lock()
	j, ok := s.jobs[hash]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job "+hash)
	}
	return j, ok
}

func (s *Server) handleCheckServer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.decodeParams(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.ServerStatus{
		Status:           api.ServerReady,
		Versions:         map[string]string{"chipflow": s.cfg.Version},
		Terms:            s.cfg.Terms,
		ProgressInterval: s.cfg.ProgressInterval,
	})
}

func (s *Server) handleRemoteRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	var req api.RunRequest
	if err := json.Unmarshal([]byte(r.FormValue("params")), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid params: "+err.Error())
		return
	}
	if !s.authorized(req.Params) {
		writeError(w, http.StatusUnauthorized, "invalid username or key")
		return
	}
	cfg := schema.Default()
	if err := cfg.ReadJSON(strings.NewReader(string(req.Config))); err != nil {
		writeError(w, http.StatusBadRequest, "invalid configuration: "+err.Error())
		return
	}

	hash := strings.ReplaceAll(uuid.NewString(), "-", "")
	root := filepath.Join(s.cfg.Root, hash)
	if f, _, err := r.FormFile("import"); err == nil {
		err = archive.Extract(f, root)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid archive: "+err.Error())
			return
		}
	}

	j, err := s.prepare(hash, root, cfg)
	if err != nil {
		_ = os.RemoveAll(root)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.start(j)
	writeJSON(w, http.StatusOK, api.RunResponse{JobHash: hash, Message: "job accepted"})
}

// prepare pins the uploaded configuration to the job directory.
func (s *Server) prepare(hash, root string, cfg *schema.Schema) (*job, error) {
	set := func(v any, keys ...string) error { return cfg.Set(v, keys...) }
	if err := multierr.Combine(
		set(root, "option", "builddir"),
		set(false, "option", "clean"),
		set(false, "option", "jobincr"),
		set(false, "option", "resume"),
		set(false, "option", "remote"),
		set(s.cfg.MaxWorkers, "option", "maxworkers"),
		set(hash, "record", "remoteid"),
	); err != nil {
		return nil, err
	}
	j := newJob(hash, time.Now())
	sched, err := scheduler.New(cfg, scheduler.Options{Observer: j})
	if err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}
	j.sched = sched
	j.layout = sched.Layout()
	resolveCollected(cfg, j.layout)
	return j, nil
}

// resolveCollected turns job relative input paths into absolute ones.
func resolveCollected(cfg *schema.Schema, l jobdir.Layout) {
	for _, keys := range cfg.GetKeys("input") {
		files := cfg.GetStrings(keys...)
		for i, f := range files {
			if strings.HasPrefix(f, jobdir.CollectedDir+"/") {
				files[i] = filepath.Join(l.JobDir(), filepath.FromSlash(f))
			}
		}
		_ = cfg.Set(files, keys...)
	}
}

func (s *Server) start(j *job) {
	ctx, cancel := context.WithCancel(s.ctx)
	j.cancel = cancel

	s.mu.Lock()
	s.jobs[j.hash] = j
	s.mu.Unlock()

	s.metrics.Counter("chipflow_jobs_started", 1, nil)
	log.Info().Str("job_hash", j.hash).Str("design", j.layout.Design).Msg("job started")
	s.active.Add(1)
	go func() {
		defer s.active.Done()
		defer cancel()
		err := j.sched.Run(ctx)
		j.finish(err)
		if err != nil {
			log.Warn().Err(err).Str("job_hash", j.hash).Msg("job finished with errors")
		} else {
			log.Info().Str("job_hash", j.hash).Msg("job completed")
		}
		s.metrics.Counter("chipflow_jobs_finished", 1, map[string]string{"state": j.state()})
	}()
}

func (s *Server) handleCheckProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeParams(w, r)
	if !ok {
		return
	}
	j, ok := s.lookup(w, p.JobHash)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j.progress(time.Now()))
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/get_results/"), ".tar.gz")
	p, ok := s.decodeParams(w, r)
	if !ok {
		return
	}
	j, ok := s.lookup(w, hash)
	if !ok {
		return
	}
	root := filepath.Join(s.cfg.Root, hash)
	dir, prefix := root, hash
	if p.Node != "" {
		n, found := j.node(p.Node)
		if !found {
			writeError(w, http.StatusNotFound, "unknown node "+p.Node)
			return
		}
		dir = j.layout.NodeDir(n)
		rel, err := filepath.Rel(s.cfg.Root, dir)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		prefix = rel
	}
	if !jobdir.Exists(dir) {
		writeError(w, http.StatusNotFound, "no results yet")
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	if err := archive.Create(w, dir, prefix, nil); err != nil {
		log.Error().Err(err).Str("job_hash", hash).Str("node", p.Node).Msg("stream results")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeParams(w, r)
	if !ok {
		return
	}
	j, ok := s.lookup(w, p.JobHash)
	if !ok {
		return
	}
	j.markCanceled()
	j.cancel()
	writeMessage(w, http.StatusOK, "job canceled")
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeParams(w, r)
	if !ok {
		return
	}
	j, ok := s.lookup(w, p.JobHash)
	if !ok {
		return
	}
	j.markCanceled()
	j.cancel()
	<-j.done
	s.mu.Lock()
	delete(s.jobs, p.JobHash)
	s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.cfg.Root, p.JobHash)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeMessage(w, http.StatusOK, "job deleted")
}

// ListenAndServe serves until ctx ends, then shuts down and stops every job.
// It serves HTTPS when cfg.TLS is enabled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	serve := s.srv.ListenAndServe
	if s.cfg.TLS.Enabled() {
		tlsCfg, err := s.cfg.TLS.load()
		if err != nil {
			return err
		}
		s.srv.TLSConfig = tlsCfg
		s.srv.Handler = logClientCert(s.srv.Handler)
		serve = func() error { return s.srv.ListenAndServeTLS("", "") }
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops the listener and every running job.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.stop()
	s.active.Wait()
	return err
}
