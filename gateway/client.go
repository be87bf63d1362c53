package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lsst-ts/stdscripts/sal"
)

var (
	// ErrLocked is returned by Command when the gateway is locked
	ErrLocked = errors.New("gateway: locked")

	// ErrDisconnected is returned by Remote.Err and Command once the
	// stream cannot be redialed
	ErrDisconnected = errors.New("gateway: stream disconnected")
)

// Dialer reaches the remotes served by a gateway Server
type Dialer struct {
	// URL of the gateway, e.g. http://localhost:8000
	URL string

	// Client sends commands; http.DefaultClient when nil
	Client *http.Client

	// MaxElapsed bounds the retries of the stream connection
	MaxElapsed time.Duration

	Log *slog.Logger
}

// NewDialer returns a dialer for the gateway at url
func NewDialer(url string) *Dialer {
	return &Dialer{
		URL:        strings.TrimSuffix(url, "/"),
		MaxElapsed: 10 * time.Second,
		Log:        slog.Default().With("component", "gateway"),
	}
}

// Dial connects to the stream of one remote, retrying with exponential
// backoff until MaxElapsed.  A stream that drops later is redialed the
// same way.
func (d *Dialer) Dial(ctx context.Context, name string, index int) (sal.Remote, error) {
	base := fmt.Sprintf("%s/%s/%d", d.URL, name, index)
	conn, err := d.connect(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sal.FormatNameIndex(name, index), err)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	rctx, cancel := context.WithCancel(context.Background())
	r := &Remote{name: name, index: index, base: base, client: client, conn: conn, cancel: cancel, done: make(chan struct{}), d: d}
	go r.read(rctx)
	return r, nil
}

func (d *Dialer) connect(ctx context.Context, base string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, resp, err := websocket.Dial(ctx, base+"/stream", nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("stream %s: %s", base, resp.Status))
			}
			return err
		}
		conn = c
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         time.Second,
		MaxElapsedTime:      d.MaxElapsed,
		Clock:               backoff.SystemClock}
	notify := func(err error, next time.Duration) {
		d.Log.Debug("gateway not reachable, retrying", "url", base, "err", err, "in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// Remote is a sal.Remote backed by a gateway
type Remote struct {
	sal.Topics

	name   string
	index  int
	base   string
	client *http.Client
	d      *Dialer

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

func (r *Remote) Name() string { return r.name }

func (r *Remote) Index() int { return r.index }

// Err returns ErrDisconnected once the stream is lost for good.  Until
// then it is nil, also while a dropped stream is being redialed.
func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Remote) read(ctx context.Context) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		r.conn.Close(websocket.StatusNormalClosure, "")
		r.mu.Unlock()
	}()
	id := sal.FormatNameIndex(r.name, r.index)
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		var m Message
		err := wsjson.Read(ctx, conn, &m)
		if err == nil {
			r.Publish(m.Kind, m.Topic, m.Sample)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		r.d.Log.Warn("stream dropped, redialing", "remote", id, "err", err)
		conn.Close(websocket.StatusGoingAway, "")
		next, err := r.d.connect(ctx, r.base)
		r.mu.Lock()
		if err != nil {
			if ctx.Err() == nil {
				r.err = fmt.Errorf("%w: %s: %v", ErrDisconnected, id, err)
				r.d.Log.Error("stream lost", "remote", id, "err", err)
			}
			r.mu.Unlock()
			return
		}
		r.conn = next
		r.mu.Unlock()
		r.d.Log.Info("stream restored", "remote", id)
	}
}

// Command posts cmd to the gateway and waits for its ack
func (r *Remote) Command(ctx context.Context, cmd string, params sal.Params, timeout time.Duration) (sal.Ack, error) {
	if err := r.Err(); err != nil {
		return sal.Ack{}, err
	}
	body, err := json.Marshal(CommandRequest{Params: params, Timeout: timeout.Seconds()})
	if err != nil {
		return sal.Ack{}, err
	}
	// the gateway enforces timeout; the margin covers the round trip
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/cmd/"+cmd, bytes.NewReader(body))
	if err != nil {
		return sal.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return sal.Ack{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
	case http.StatusLocked:
		return sal.Ack{}, fmt.Errorf("%w: command %s", ErrLocked, cmd)
	default:
		msg, _ := io.ReadAll(resp.Body)
		return sal.Ack{}, fmt.Errorf("gateway: %s %s: %s", cmd, resp.Status, strings.TrimSpace(string(msg)))
	}
	var ack sal.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return sal.Ack{}, err
	}
	if resp.StatusCode == http.StatusConflict {
		return ack, &sal.AckError{Component: sal.FormatNameIndex(r.name, r.index), Ack: ack}
	}
	return ack, nil
}

// Close closes the stream
func (r *Remote) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.mu.Lock()
		r.conn.Close(websocket.StatusNormalClosure, "")
		r.mu.Unlock()
	})
	<-r.done
	return nil
}

var _ sal.Remote = (*Remote)(nil)
