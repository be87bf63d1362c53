/*Package gateway carries the component bus over HTTP and WebSocket.

A Server exposes the remotes of any sal.Dialer, typically the simulated
components of package sim:

	POST /{name}/{index}/cmd/{cmd}   run a command, reply with its Ack
	GET  /{name}/{index}/evt/{topic} latest event sample
	GET  /{name}/{index}/tel/{topic} latest telemetry sample
	GET  /{name}/{index}/stream      WebSocket, a snapshot then live samples
	GET  /endpoints                  the routes above
	GET, POST /lock                  lock out commands

A Dialer is the matching client; the remotes it returns satisfy
sal.Remote so scripts run unchanged against a gateway.
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/server"
	"github.com/lsst-ts/stdscripts/server/middleware/locker"
)

// DefaultCommandTimeout is used when a command request carries none
const DefaultCommandTimeout = 10 * time.Second

// CommandRequest is the body of a command POST
type CommandRequest struct {
	Params sal.Params `json:"params"`
	// Timeout in seconds
	Timeout float64 `json:"timeout"`
}

// Message is one sample on a stream
type Message struct {
	Kind   sal.Kind   `json:"kind"`
	Topic  string     `json:"topic"`
	Sample sal.Sample `json:"sample"`
}

// Observable remotes can be streamed
type Observable interface {
	Subscribe(o sal.Observer) func()
	Snapshot() []sal.Snapshot
}

// Server exposes the remotes of a Dialer over HTTP
type Server struct {
	Dialer sal.Dialer
	Locker *locker.Locker
	Log    *slog.Logger

	// StreamBuffer is how many samples a slow stream client may fall
	// behind before it is dropped
	StreamBuffer int

	mu      sync.Mutex
	remotes map[string]sal.Remote
}

// NewServer returns a server for the remotes of d
func NewServer(d sal.Dialer) *Server {
	return &Server{
		Dialer:       d,
		Locker:       locker.New("/evt/", "/tel/", "/stream", "/endpoints"),
		Log:          slog.Default().With("component", "gateway"),
		StreamBuffer: 256,
		remotes:      map[string]sal.Remote{},
	}
}

// RT returns the route table of the server
func (s *Server) RT() server.RouteTable {
	rt := server.RouteTable{
		{Method: http.MethodPost, Path: "/{name}/{index}/cmd/{cmd}"}:  s.command,
		{Method: http.MethodGet, Path: "/{name}/{index}/evt/{topic}"}: s.latest(sal.KindEvent),
		{Method: http.MethodGet, Path: "/{name}/{index}/tel/{topic}"}: s.latest(sal.KindTelemetry),
		{Method: http.MethodGet, Path: "/{name}/{index}/stream"}:           s.stream,
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

func (s *Server) remote(ctx context.Context, r *http.Request) (sal.Remote, error) {
	name := chi.URLParam(r, "name")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		return nil, fmt.Errorf("bad index %q", chi.URLParam(r, "index"))
	}
	id := sal.FormatNameIndex(name, index)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rem, ok := s.remotes[id]; ok {
		return rem, nil
	}
	rem, err := s.Dialer.Dial(ctx, name, index)
	if err != nil {
		return nil, err
	}
	s.remotes[id] = rem
	return rem, nil
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	rem, err := s.remote(r.Context(), r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := CommandRequest{}
	if err := server.Decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := DefaultCommandTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}
	cmd := chi.URLParam(r, "cmd")
	ack, err := rem.Command(r.Context(), cmd, req.Params, timeout)
	var ackErr *sal.AckError
	switch {
	case errors.As(err, &ackErr):
		server.Reply(w, http.StatusConflict, ackErr.Ack)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		server.Reply(w, http.StatusOK, ack)
	}
}

func (s *Server) latest(kind sal.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rem, err := s.remote(r.Context(), r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		topic := chi.URLParam(r, "topic")
		rd := rem.Event(topic)
		if kind == sal.KindTelemetry {
			rd = rem.Telemetry(topic)
		}
		smp, ok := rd.Get()
		if !ok {
			http.Error(w, fmt.Sprintf("no %s sample of %s yet", kind, topic), http.StatusNotFound)
			return
		}
		server.Reply(w, http.StatusOK, smp)
	}
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	rem, err := s.remote(r.Context(), r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	obs, ok := rem.(Observable)
	if !ok {
		http.Error(w, fmt.Sprintf("%s cannot be streamed", sal.FormatNameIndex(rem.Name(), rem.Index())), http.StatusNotImplemented)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Log.Error("ws accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	send := make(chan Message, s.StreamBuffer)
	var dropped sync.Once
	slow := make(chan struct{})
	unsubscribe := obs.Subscribe(func(kind sal.Kind, topic string, smp sal.Sample) {
		select {
		case send <- Message{Kind: kind, Topic: topic, Sample: smp.Copy()}:
		default:
			dropped.Do(func() { close(slow) })
		}
	})
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for _, snap := range obs.Snapshot() {
		if err := wsjson.Write(ctx, conn, Message{Kind: snap.Kind, Topic: snap.Topic, Sample: snap.Sample}); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-slow:
			s.Log.Warn("stream client evicted (too slow)", "remote", sal.FormatNameIndex(rem.Name(), rem.Index()))
			conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case m := <-send:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, conn, m)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
