/*Package scriptsrv runs standard scripts on request over HTTP.

	GET  /scripts                  registered script paths
	GET  /scripts/schema?name=     configuration schema of one script
	POST /run                      configure and start a script
	GET  /runs/{index}             state of a run
	POST /runs/{index}/stop        stop a run
	POST /runs/{index}/resume      resume a run paused at a checkpoint
	GET  /runs/{index}/testcases   test case reports of a block run
	GET  /history                  every run recorded

Runs are recorded in a history.Store as they change state, so
/runs/{index} and /history outlive the process.
*/
package scriptsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"

	"github.com/lsst-ts/stdscripts/history"
	"github.com/lsst-ts/stdscripts/registry"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
	"github.com/lsst-ts/stdscripts/server"
	"github.com/lsst-ts/stdscripts/server/middleware/locker"
)

// ConfigureTimeout bounds the Configure step of a POST /run
var ConfigureTimeout = 30 * time.Second

// RunRequest is the body of POST /run
type RunRequest struct {
	// Name is the registered path of the script, e.g. auxtel/enable_atcs
	Name string `json:"name"`

	// Config is the YAML configuration
	Config string `json:"config"`

	// Index of the run; the next free index when zero
	Index int `json:"index"`

	// Pause and Stop are checkpoint regular expressions
	Pause string `json:"pause"`
	Stop  string `json:"stop"`
}

// SchemaReply is the body of GET /scripts/schema
type SchemaReply struct {
	Name   string `json:"name"`
	Schema string `json:"schema"`
}

type run struct {
	runner *script.Runner
	done   chan struct{}
}

// Server runs scripts against the components of Env
type Server struct {
	Env     scripts.Env
	History *history.Store
	Locker  *locker.Locker
	Log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[int]*run
	next int
}

// NewServer returns a server whose scripts use env.  hist may be nil, in
// which case only the runs of this process are known.
func NewServer(env scripts.Env, hist *history.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Env:     env,
		History: hist,
		Locker:  locker.New("/scripts", "/history", "/endpoints"),
		Log:     slog.Default().With("component", "scriptsrv"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    map[int]*run{},
		next:    100000,
	}
	if hist != nil {
		if prev, err := hist.List(); err == nil && len(prev) > 0 {
			if last := prev[len(prev)-1].Index; last >= s.next {
				s.next = last + 1
			}
		}
	}
	return s
}

// RT returns the route table of the server
func (s *Server) RT() server.RouteTable {
	rt := server.RouteTable{
		{Method: http.MethodGet, Path: "/scripts"}:                s.listScripts,
		{Method: http.MethodGet, Path: "/scripts/schema"}:         s.schema,
		{Method: http.MethodPost, Path: "/run"}:                   s.run,
		{Method: http.MethodGet, Path: "/runs/{index}"}:           s.get,
		{Method: http.MethodPost, Path: "/runs/{index}/stop"}:     s.stop,
		{Method: http.MethodPost, Path: "/runs/{index}/resume"}:   s.resume,
		{Method: http.MethodGet, Path: "/runs/{index}/testcases"}: s.testCases,
		{Method: http.MethodGet, Path: "/history"}:                s.history,
	}
	locker.Inject(rt, s.Locker)
	return rt
}

// Handler returns a router serving RT behind the locker
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.Locker.Check)
	s.RT().Bind(r)
	return r
}

// Start configures and launches a script.  The returned Info is the
// state right after Configure; a configuration failure is returned as an
// error alongside it.
func (s *Server) Start(req RunRequest) (script.Info, error) {
	s.mu.Lock()
	index := req.Index
	if index == 0 {
		index = s.next
	}
	if _, taken := s.runs[index]; taken {
		s.mu.Unlock()
		return script.Info{}, script.Expectedf("index %d is in use", index)
	}
	if index >= s.next {
		s.next = index + 1
	}
	s.mu.Unlock()

	sc, err := registry.New(req.Name, index, s.Env)
	if err != nil {
		return script.Info{}, err
	}
	rn := script.NewRunner(sc)
	if err := rn.SetCheckpoints(req.Pause, req.Stop); err != nil {
		return script.Info{}, err
	}
	if s.History != nil {
		rn.OnChange(func(i script.Info) {
			if err := s.History.Put(history.Run{Info: i, Config: req.Config}); err != nil {
				s.Log.Error("record run", "index", i.Index, "err", err)
			}
		})
	}
	r := &run{runner: rn, done: make(chan struct{})}
	s.mu.Lock()
	s.runs[index] = r
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, ConfigureTimeout)
	err = rn.Configure(ctx, req.Config)
	cancel()
	if err != nil {
		close(r.done)
		return rn.Info(), err
	}
	s.Log.Info("starting script", "name", req.Name, "index", index)
	go func() {
		defer close(r.done)
		if err := rn.Run(s.ctx); err != nil {
			s.Log.Info("script ended", "name", req.Name, "index", index, "state", rn.Info().StateName, "err", err)
		}
	}()
	return rn.Info(), nil
}

func (s *Server) lookup(index int) (*run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[index]
	return r, ok
}

// Wait blocks until the run at index reaches a terminal state or ctx is
// done
func (s *Server) Wait(ctx context.Context, index int) (script.Info, error) {
	r, ok := s.lookup(index)
	if !ok {
		return script.Info{}, fmt.Errorf("run %d: %w", index, history.ErrNotFound)
	}
	select {
	case <-r.done:
		return r.runner.Info(), nil
	case <-ctx.Done():
		return r.runner.Info(), ctx.Err()
	}
}

// Close stops every run and waits for their cleanup
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	for _, r := range runs {
		r.runner.Stop()
		<-r.done
	}
}

func (s *Server) listScripts(w http.ResponseWriter, r *http.Request) {
	server.Reply(w, http.StatusOK, registry.Names())
}

func (s *Server) schema(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	sc, err := registry.New(name, 0, s.Env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	server.Reply(w, http.StatusOK, SchemaReply{Name: name, Schema: sc.Schema()})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	req := RunRequest{}
	if err := server.Decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := s.Start(req)
	var ee *script.ExpectedError
	switch {
	case errors.Is(err, registry.ErrUnknownScript):
		http.Error(w, err.Error(), http.StatusNotFound)
	case info.State == script.ConfigureFailed:
		server.Reply(w, http.StatusUnprocessableEntity, info)
	case errors.As(err, &ee):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		server.Reply(w, http.StatusAccepted, info)
	}
}

func index(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, fmt.Sprintf("bad index %q", chi.URLParam(r, "index")), http.StatusBadRequest)
		return 0, false
	}
	return i, true
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	i, ok := index(w, r)
	if !ok {
		return
	}
	if rn, ok := s.lookup(i); ok {
		server.Reply(w, http.StatusOK, rn.runner.Info())
		return
	}
	if s.History != nil {
		if rec, err := s.History.Get(i); err == nil {
			server.Reply(w, http.StatusOK, rec.Info)
			return
		}
	}
	http.Error(w, fmt.Sprintf("no run %d", i), http.StatusNotFound)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	i, ok := index(w, r)
	if !ok {
		return
	}
	rn, ok := s.lookup(i)
	if !ok {
		http.Error(w, fmt.Sprintf("no active run %d", i), http.StatusNotFound)
		return
	}
	rn.runner.Stop()
	server.Reply(w, http.StatusOK, rn.runner.Info())
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	i, ok := index(w, r)
	if !ok {
		return
	}
	rn, ok := s.lookup(i)
	if !ok {
		http.Error(w, fmt.Sprintf("no active run %d", i), http.StatusNotFound)
		return
	}
	if err := rn.runner.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	server.Reply(w, http.StatusOK, rn.runner.Info())
}

func (s *Server) testCases(w http.ResponseWriter, r *http.Request) {
	i, ok := index(w, r)
	if !ok {
		return
	}
	if s.History == nil {
		http.Error(w, "no history configured", http.StatusNotImplemented)
		return
	}
	reports, err := s.History.TestCases(i)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.Reply(w, http.StatusOK, reports)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.History != nil {
		runs, err := s.History.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		server.Reply(w, http.StatusOK, runs)
		return
	}
	s.mu.Lock()
	runs := make([]history.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, history.Run{Info: r.runner.Info()})
	}
	s.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].Index < runs[j].Index })
	server.Reply(w, http.StatusOK, runs)
}
