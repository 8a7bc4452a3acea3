// Package stats keeps shared counters of admission decisions in Redis so that
// every replica's outcomes can be read in one place. Admission itself stays
// per-process; nothing here feeds back into a decision.
package stats

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ideahub/ideahub/internal/gateway"
	"github.com/ideahub/ideahub/internal/ratelimit"
	"github.com/ideahub/ideahub/internal/routing"
)

const (
	fieldAdmitted = "admitted"
	fieldRejected = "rejected"
)

type Event struct {
	Route   string
	Client  string
	Allowed bool
	At      time.Time
}

// RedisRecorder writes events from a bounded queue on its own goroutine.
// Request handlers only ever enqueue; a full queue drops the event.
type RedisRecorder struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration // applies to per-minute and per-client keys; totals never expire
	trackClients bool
	timeout      time.Duration // per pipeline
	log          zerolog.Logger

	queueSize int
	queue     chan Event
	mu        sync.RWMutex // guards closed against concurrent Enqueue
	closed    bool
	done      chan struct{}
	dropped   atomic.Int64
	failed    atomic.Int64
}

type Option func(*RedisRecorder)

func WithPrefix(prefix string) Option {
	return func(s *RedisRecorder) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) Option {
	return func(s *RedisRecorder) { s.ttl = d }
}

// WithTrackClients adds a per-client hash next to the route counters.
func WithTrackClients(track bool) Option {
	return func(s *RedisRecorder) { s.trackClients = track }
}

func WithTimeout(d time.Duration) Option {
	return func(s *RedisRecorder) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(s *RedisRecorder) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *RedisRecorder) { s.log = l }
}

func NewRedis(rdb *redis.Client, opts ...Option) *RedisRecorder {
	s := &RedisRecorder{
		rdb:       rdb,
		prefix:    "ideahub:admission",
		ttl:       24 * time.Hour,
		timeout:   50 * time.Millisecond,
		log:       zerolog.Nop(),
		queueSize: 1024,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan Event, s.queueSize)
	go s.run()
	return s
}

func (s *RedisRecorder) run() {
	defer close(s.done)
	sample := &rate.Sometimes{Interval: time.Second}
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.Record(ctx, ev)
		cancel()
		if err != nil {
			s.failed.Add(1)
			sample.Do(func() {
				s.log.Warn().Err(err).Str("route", ev.Route).Int64("failed", s.failed.Load()).Msg("stats")
			})
		}
	}
}

// Enqueue hands ev to the writer without blocking. It reports false when the
// event was dropped because the queue is full or the recorder is closed.
func (s *RedisRecorder) Enqueue(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped is the number of events that never reached the queue.
func (s *RedisRecorder) Dropped() int64 { return s.dropped.Load() }

// Failed is the number of queued events Redis did not accept in time.
func (s *RedisRecorder) Failed() int64 { return s.failed.Load() }

// Record writes one event synchronously, bounded only by ctx.
func (s *RedisRecorder) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := fieldRejected
	if ev.Allowed {
		field = fieldAdmitted
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.totalKey(), field, 1)
	pipe.HIncrBy(ctx, s.routeKey(), ev.Route+":"+field, 1)

	minuteKey := s.minuteKey(at)
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	if s.trackClients && ev.Client != "" {
		clientKey := s.clientKey(ev.Client)
		pipe.HIncrBy(ctx, clientKey, ev.Route+":"+field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, clientKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record admission stats: %w", err)
	}
	return nil
}

type Totals struct {
	Admitted int64
	Rejected int64
}

// Totals reads the all-time counters, optionally for one route.
func (s *RedisRecorder) Totals(ctx context.Context, route string) (Totals, error) {
	if route == "" {
		return s.read(ctx, s.totalKey(), fieldAdmitted, fieldRejected)
	}
	return s.read(ctx, s.routeKey(), route+":"+fieldAdmitted, route+":"+fieldRejected)
}

// ClientTotals reads one client's counters for a route. It is empty unless
// the recorder tracks clients.
func (s *RedisRecorder) ClientTotals(ctx context.Context, client, route string) (Totals, error) {
	return s.read(ctx, s.clientKey(client), route+":"+fieldAdmitted, route+":"+fieldRejected)
}

func (s *RedisRecorder) read(ctx context.Context, key, admitted, rejected string) (Totals, error) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("read admission stats: %w", err)
	}

	var t Totals
	t.Admitted, _ = strconv.ParseInt(vals[admitted], 10, 64)
	t.Rejected, _ = strconv.ParseInt(vals[rejected], 10, 64)
	return t, nil
}

// Hooks enqueues every decision. Redis is never touched on the request path.
func (s *RedisRecorder) Hooks(now func() time.Time) gateway.Hooks {
	if now == nil {
		now = time.Now
	}
	return gateway.Hooks{
		OnDecision: func(_ *http.Request, rule *routing.Rule, clientID string, dec ratelimit.Decision) {
			s.Enqueue(Event{
				Route:   rule.ID,
				Client:  clientID,
				Allowed: dec.Allowed,
				At:      now(),
			})
		},
	}
}

func (s *RedisRecorder) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close stops accepting events, flushes what is queued and closes the client.
func (s *RedisRecorder) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	<-s.done
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisRecorder) totalKey() string { return s.prefix + ":total" }
func (s *RedisRecorder) routeKey() string { return s.prefix + ":route" }

func (s *RedisRecorder) clientKey(client string) string {
	return s.prefix + ":client:" + client
}

func (s *RedisRecorder) minuteKey(at time.Time) string {
	return s.prefix + ":minute:" + at.UTC().Format("200601021504")
}
