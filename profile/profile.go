// Package profile proxies a third-party profile API behind a bounded,
// TTL-evicting response cache that prefers stale data over rate-limit errors.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/dashgate/internal/util"
)

// Kind selects which upstream object is fetched.
type Kind int

const (
	KindProfile Kind = iota
	KindTweets
)

func (k Kind) String() string {
	if k == KindTweets {
		return "tweets"
	}
	return "profile"
}

const (
	DefaultProfileTTL = 15 * time.Minute
	DefaultTweetsTTL  = 5 * time.Minute
	// DefaultMaxStale is how long an entry may be served stale before it is
	// evicted outright.
	DefaultMaxStale  = 24 * time.Hour
	DefaultCacheSize = 1024

	fetchTimeout = 10 * time.Second
)

// ErrInvalidUsername is returned for usernames that cannot name an account.
var ErrInvalidUsername = errors.New("invalid username")

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{1,50}$`)

// NormalizeUsername returns the cache key for a username: NFKC-folded,
// trimmed, lowercased, with a leading @ removed.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(util.Normalize(username), "@"))
}

// Result is a payload served by the Service.
type Result struct {
	Payload   json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetchedAt"`
	// Cached is set when the payload did not come from this call's fetch.
	Cached bool `json:"cached"`
	// Stale is set when the payload is past its TTL and was served because
	// the upstream is rate limiting.
	Stale bool `json:"stale"`
}

type entry struct {
	payload   []byte
	fetchedAt time.Time
}

// Outcome labels what a Get did, for metrics.
type Outcome string

const (
	OutcomeHit   Outcome = "hit"
	OutcomeMiss  Outcome = "miss"
	OutcomeStale Outcome = "stale"
	OutcomeError Outcome = "error"
)

// Option configures a Service.
type Option func(*Service)

// WithCacheSize caps the number of entries per kind.
func WithCacheSize(n int) Option {
	return func(s *Service) {
		s.size = n
	}
}

// WithTTL overrides the freshness window for kind.
func WithTTL(kind Kind, ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl[kind] = ttl
	}
}

// WithMaxStale overrides DefaultMaxStale.
func WithMaxStale(d time.Duration) Option {
	return func(s *Service) {
		s.maxStale = d
	}
}

// WithClock overrides the time source used for freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.log = logger
	}
}

// WithObserver registers a callback invoked once per Get.
func WithObserver(fn func(Kind, Outcome)) Option {
	return func(s *Service) {
		s.observe = fn
	}
}

// Service serves profile payloads through the cache.
type Service struct {
	fetcher  Fetcher
	size     int
	ttl      map[Kind]time.Duration
	maxStale time.Duration
	now      func() time.Time
	log      *slog.Logger
	observe  func(Kind, Outcome)

	caches map[Kind]*expirable.LRU[string, entry]
	group  singleflight.Group
}

// NewService returns a Service with one bounded cache per kind.
func NewService(fetcher Fetcher, opts ...Option) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("profile: nil fetcher")
	}
	s := &Service{
		fetcher: fetcher,
		size:    DefaultCacheSize,
		ttl: map[Kind]time.Duration{
			KindProfile: DefaultProfileTTL,
			KindTweets:  DefaultTweetsTTL,
		},
		maxStale: DefaultMaxStale,
		now:      time.Now,
		log:      slog.Default(),
		observe:  func(Kind, Outcome) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.size <= 0 {
		return nil, fmt.Errorf("profile: cache size must be positive, got %d", s.size)
	}
	if s.maxStale < s.ttl[KindProfile] || s.maxStale < s.ttl[KindTweets] {
		return nil, errors.New("profile: max stale must not be shorter than a ttl")
	}
	s.log = s.log.With("component", "profile")
	s.caches = map[Kind]*expirable.LRU[string, entry]{
		KindProfile: expirable.NewLRU[string, entry](s.size, nil, s.maxStale),
		KindTweets:  expirable.NewLRU[string, entry](s.size, nil, s.maxStale),
	}
	return s, nil
}

// Get returns the payload of kind for username. A fresh cache entry is
// returned without contacting the upstream. Otherwise one fetch per key is
// shared by concurrent callers; if it is rate limited and an older entry is
// cached, that entry is returned with Stale set.
func (s *Service) Get(ctx context.Context, kind Kind, username string) (Result, error) {
	key := NormalizeUsername(username)
	if !usernameRe.MatchString(key) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	cache := s.caches[kind]
	if cache == nil {
		return Result{}, fmt.Errorf("profile: unknown kind %d", int(kind))
	}

	cached, ok := cache.Get(key)
	if ok && s.now().Sub(cached.fetchedAt) < s.ttl[kind] {
		s.observe(kind, OutcomeHit)
		return Result{Payload: cached.payload, FetchedAt: cached.fetchedAt, Cached: true}, nil
	}

	v, err, shared := s.group.Do(kind.String()+":"+key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		payload, err := s.fetcher.Fetch(fctx, kind, key)
		if err != nil {
			return entry{}, err
		}
		if !json.Valid(payload) {
			return entry{}, fmt.Errorf("%w: %s payload is not json", ErrUpstream, kind)
		}
		e := entry{payload: payload, fetchedAt: s.now()}
		cache.Add(key, e)
		return e, nil
	})
	if err != nil {
		if ok && errors.Is(err, ErrRateLimited) {
			s.log.Info("serving stale profile payload", "kind", kind.String(), "username", key,
				"age", s.now().Sub(cached.fetchedAt).String())
			s.observe(kind, OutcomeStale)
			return Result{Payload: cached.payload, FetchedAt: cached.fetchedAt, Cached: true, Stale: true}, nil
		}
		s.observe(kind, OutcomeError)
		return Result{}, err
	}
	e := v.(entry)
	s.observe(kind, OutcomeMiss)
	return Result{Payload: e.payload, FetchedAt: e.fetchedAt, Cached: shared}, nil
}

// Len returns the number of cached entries of kind.
func (s *Service) Len(kind Kind) int {
	if c := s.caches[kind]; c != nil {
		return c.Len()
	}
	return 0
}
