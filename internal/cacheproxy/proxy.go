package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/moodtracker/internal/offline"
)

const (
	defaultPrefix       = "moodtracker"
	defaultFetchTimeout = 10 * time.Second
	maxBodyBytes        = 16 << 20 // 16MB
	installConcurrency  = 4

	stateActiveVersion = "active_version"

	offlineBody = "Offline - Content not available"
)

// State is a lifecycle phase of a cache version.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed is returned when a core asset cannot be fetched.
	ErrInstallFailed = errors.New("install failed")

	// ErrBodyTooLarge is returned by fetches whose response exceeds the
	// cacheable size. Such responses are streamed, never stored.
	ErrBodyTooLarge = errors.New("response too large to cache")
)

// forwardedHeaders are copied from the client onto origin fetches. They vary
// the response, so they are part of the shared-fetch key.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization"}

// Config describes one deployed version of the app.
type Config struct {
	OriginURL         string
	Version           string
	Prefix            string
	CoreAssets        []string
	ExternalAllowlist []string
	APIPrefixes       []string
	OfflinePage       string
	AutoActivate      bool
	FetchTimeout      time.Duration
}

// SyncRequester runs a background sync for a tag.
type SyncRequester interface {
	RequestSync(ctx context.Context, tag string) (offline.Summary, error)
}

// Proxy serves the app through a versioned response cache.
type Proxy struct {
	cfg         Config
	origin      *url.URL
	cache       Cache
	client      *http.Client
	passthrough *httputil.ReverseProxy
	syncer      SyncRequester
	logger      *slog.Logger

	mu          sync.Mutex
	state       State
	skipWaiting bool

	flight   singleflight.Group
	writes   sync.WaitGroup
	fetches  atomic.Int64
	maxBody  int64
	closed   atomic.Bool
	inbox    chan Message
	quit     chan struct{}
	loopDone chan struct{}
}

// New creates a Proxy for cfg backed by cache. syncer may be nil.
func New(cfg Config, cache Cache, syncer SyncRequester) (*Proxy, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.OriginURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing origin url: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute", cfg.OriginURL)
	}
	if cfg.Version == "" {
		return nil, errors.New("cache version is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.OfflinePage == "" {
		cfg.OfflinePage = "/index.html"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}

	p := &Proxy{
		cfg:      cfg,
		origin:   origin,
		cache:    cache,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		syncer:   syncer,
		logger:   slog.Default(),
		state:    StateNew,
		maxBody:  maxBodyBytes,
		inbox:    make(chan Message),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	p.passthrough = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				u := *pr.In.URL
				pr.Out.URL = &u
				pr.Out.Host = ""
				return
			}
			pr.SetURL(p.origin)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Debug("pass-through failed", "url", r.URL.String(), "error", err)
			writeOffline(w)
		},
	}
	go p.serveMessages()
	return p, nil
}

// CoreName is the generation holding the core assets of this version.
func (p *Proxy) CoreName() string {
	return p.cfg.Prefix + "-core-" + p.cfg.Version
}

// RuntimeName is the generation filled lazily as resources are fetched.
func (p *Proxy) RuntimeName() string {
	return p.cfg.Prefix + "-runtime-" + p.cfg.Version
}

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s {
		p.logger.Info("cache lifecycle", "version", p.cfg.Version, "from", prev, "to", s)
	}
}

// NetworkFetches counts origin fetches made by the cache strategies.
func (p *Proxy) NetworkFetches() int64 {
	return p.fetches.Load()
}

// Install fetches every core asset into the core generation. Any failure
// aborts the install and leaves the version redundant. On success the
// version activates unless another version is active and neither
// auto-activation nor SkipWaiting applies.
func (p *Proxy) Install(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateNew && p.state != StateRedundant {
		s := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot install from state %s", s)
	}
	p.state = StateInstalling
	p.mu.Unlock()
	p.logger.Info("cache lifecycle", "version", p.cfg.Version, "to", StateInstalling)

	if err := p.installCore(ctx); err != nil {
		p.setState(StateRedundant)
		return err
	}

	active, err := p.cache.State(ctx, stateActiveVersion)
	if err != nil {
		p.setState(StateRedundant)
		return fmt.Errorf("reading active version: %w", err)
	}

	p.mu.Lock()
	wait := active != "" && active != p.cfg.Version && !p.cfg.AutoActivate && !p.skipWaiting
	if wait {
		p.state = StateWaiting
	}
	p.mu.Unlock()
	if wait {
		p.logger.Info("cache version waiting", "version", p.cfg.Version, "active", active)
		return nil
	}
	return p.Activate(ctx)
}

func (p *Proxy) installCore(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)

	for _, asset := range p.cfg.CoreAssets {
		target := p.resolve(asset)
		g.Go(func() error {
			e, err := p.fetchOnce(gctx, target, nil)
			if err != nil {
				return fmt.Errorf("%w: fetching %s: %v", ErrInstallFailed, asset, err)
			}
			if e.Status != http.StatusOK {
				return fmt.Errorf("%w: fetching %s: status %d", ErrInstallFailed, asset, e.Status)
			}
			if err := p.cache.Put(gctx, p.CoreName(), e); err != nil {
				return fmt.Errorf("%w: %v", ErrInstallFailed, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Activate deletes every generation other than this version's and records
// it as the active version.
func (p *Proxy) Activate(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateInstalling, StateWaiting, StateActive:
	default:
		s := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot activate from state %s", s)
	}
	p.state = StateActivating
	p.mu.Unlock()

	names, err := p.cache.Generations(ctx)
	if err != nil {
		p.setState(StateWaiting)
		return fmt.Errorf("listing generations: %w", err)
	}
	for _, name := range names {
		if name == p.CoreName() || name == p.RuntimeName() {
			continue
		}
		if err := p.cache.DeleteGeneration(ctx, name); err != nil {
			p.setState(StateWaiting)
			return fmt.Errorf("deleting generation %s: %w", name, err)
		}
		p.logger.Info("deleted old cache generation", "generation", name)
	}
	if err := p.cache.SetState(ctx, stateActiveVersion, p.cfg.Version); err != nil {
		p.setState(StateWaiting)
		return fmt.Errorf("recording active version: %w", err)
	}

	p.setState(StateActive)
	return nil
}

// SkipWaiting activates a waiting version now. A version still installing
// activates as soon as the install finishes.
func (p *Proxy) SkipWaiting(ctx context.Context) error {
	p.mu.Lock()
	p.skipWaiting = true
	waiting := p.state == StateWaiting
	p.mu.Unlock()
	if !waiting {
		return nil
	}
	return p.Activate(ctx)
}

// ClearCache deletes every generation.
func (p *Proxy) ClearCache(ctx context.Context) error {
	return p.cache.DeleteAll(ctx)
}

// Size returns the bytes held by every generation.
func (p *Proxy) Size(ctx context.Context) (int64, error) {
	return p.cache.Size(ctx)
}

// Info is a point-in-time view of the cache.
type Info struct {
	Version       string   `json:"version"`
	State         State    `json:"state"`
	ActiveVersion string   `json:"activeVersion"`
	SizeBytes     int64    `json:"sizeBytes"`
	Generations   []string `json:"generations"`
}

func (p *Proxy) Info(ctx context.Context) (Info, error) {
	info := Info{Version: p.CoreName(), State: p.State()}
	var err error
	if info.ActiveVersion, err = p.cache.State(ctx, stateActiveVersion); err != nil {
		return info, err
	}
	if info.SizeBytes, err = p.cache.Size(ctx); err != nil {
		return info, err
	}
	if info.Generations, err = p.cache.Generations(ctx); err != nil {
		return info, err
	}
	if info.Generations == nil {
		info.Generations = []string{}
	}
	return info, nil
}

type strategy int

const (
	passThrough strategy = iota
	cacheFirst
	networkFirst
	refuse
)

func (s strategy) String() string {
	switch s {
	case cacheFirst:
		return "cache-first"
	case networkFirst:
		return "network-first"
	case refuse:
		return "refuse"
	default:
		return "pass-through"
	}
}

// classify picks a strategy for r and the upstream URL it maps to. The proxy
// only talks to the origin and allowlisted hosts; other absolute URLs are
// refused.
func (p *Proxy) classify(r *http.Request) (strategy, string) {
	if r.URL.IsAbs() && !strings.EqualFold(r.URL.Host, p.origin.Host) {
		if !p.allowedExternal(r.URL.String()) {
			return refuse, r.URL.String()
		}
		if r.Method != http.MethodGet {
			return passThrough, r.URL.String()
		}
		return cacheFirst, r.URL.String()
	}

	target := p.resolve(r.URL.RequestURI())
	if r.Method != http.MethodGet {
		return passThrough, target
	}
	for _, prefix := range p.cfg.APIPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return networkFirst, target
		}
	}
	if isNavigation(r) {
		return networkFirst, target
	}
	return cacheFirst, target
}

func (p *Proxy) allowedExternal(u string) bool {
	for _, allowed := range p.cfg.ExternalAllowlist {
		if strings.HasPrefix(u, allowed) {
			return true
		}
	}
	return false
}

func (p *Proxy) resolve(requestURI string) string {
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return p.origin.String() + requestURI
}

func isNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate" ||
		r.Header.Get("Sec-Fetch-Dest") == "document" ||
		strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, target := p.classify(r)
	switch s {
	case refuse:
		p.logger.Debug("refusing cross-origin request", "url", target)
		http.Error(w, "cross-origin requests are not proxied", http.StatusBadGateway)
	case passThrough:
		p.passthrough.ServeHTTP(w, r)
	case networkFirst:
		p.networkFirst(w, r, target)
	default:
		p.cacheFirst(w, r, target)
	}
}

func (p *Proxy) cacheFirst(w http.ResponseWriter, r *http.Request, target string) {
	ctx := r.Context()
	if e, ok := p.match(ctx, target); ok {
		writeEntry(w, e, "HIT")
		return
	}

	e, err := p.fetch(ctx, target, r.Header)
	if err == nil {
		if e.Status == http.StatusOK {
			p.storeAsync(p.RuntimeName(), e)
		}
		writeEntry(w, e, "MISS")
		return
	}
	if errors.Is(err, ErrBodyTooLarge) {
		p.passthrough.ServeHTTP(w, r)
		return
	}
	p.logger.Debug("cache-first fetch failed", "url", target, "error", err)
	p.fallback(w, r)
}

func (p *Proxy) networkFirst(w http.ResponseWriter, r *http.Request, target string) {
	ctx := r.Context()
	e, err := p.fetch(ctx, target, r.Header)
	if err == nil {
		if e.Status == http.StatusOK {
			p.storeAsync(p.RuntimeName(), e)
		}
		writeEntry(w, e, "NETWORK")
		return
	}
	if errors.Is(err, ErrBodyTooLarge) {
		p.passthrough.ServeHTTP(w, r)
		return
	}
	p.logger.Debug("network-first fetch failed", "url", target, "error", err)

	if e, ok := p.match(ctx, target); ok {
		writeEntry(w, e, "HIT")
		return
	}
	p.fallback(w, r)
}

// fallback serves the cached offline page to navigations and a synthetic 503
// to everything else.
func (p *Proxy) fallback(w http.ResponseWriter, r *http.Request) {
	if isNavigation(r) {
		if e, ok := p.match(r.Context(), p.resolve(p.cfg.OfflinePage)); ok {
			writeEntry(w, e, "FALLBACK")
			return
		}
	}
	writeOffline(w)
}

func (p *Proxy) match(ctx context.Context, target string) (Entry, bool) {
	e, ok, err := p.cache.Match(ctx, target)
	if err != nil {
		p.logger.Warn("cache lookup failed", "url", target, "error", err)
		return Entry{}, false
	}
	return e, ok
}

// fetch collapses concurrent fetches of the same URL and forwarded headers
// into one origin call. The shared call is detached from any single caller's
// cancellation.
func (p *Proxy) fetch(ctx context.Context, target string, header http.Header) (Entry, error) {
	ch := p.flight.DoChan(fetchKey(target, header), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FetchTimeout)
		defer cancel()
		return p.fetchOnce(fctx, target, header)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

func fetchKey(target string, header http.Header) string {
	var b strings.Builder
	b.WriteString(target)
	for _, k := range forwardedHeaders {
		b.WriteByte(0)
		b.WriteString(header.Get(k))
	}
	return b.String()
}

func (p *Proxy) fetchOnce(ctx context.Context, target string, header http.Header) (Entry, error) {
	p.fetches.Add(1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("creating request: %w", err)
	}
	for _, k := range forwardedHeaders {
		if v := header.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return Entry{}, fmt.Errorf("reading %s: %w", target, err)
	}
	if int64(len(body)) > p.maxBody {
		return Entry{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, target, p.maxBody)
	}
	return Entry{
		URL:    target,
		Status: resp.StatusCode,
		Header: storableHeader(resp.Header),
		Body:   body,
	}, nil
}

// storeAsync writes e into generation on a detached goroutine. Failures are
// logged and dropped.
func (p *Proxy) storeAsync(generation string, e Entry) {
	if p.closed.Load() {
		return
	}
	p.writes.Add(1)
	go func() {
		defer p.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
		defer cancel()
		if err := p.cache.Put(ctx, generation, e); err != nil {
			p.logger.Warn("cache write failed", "url", e.URL, "generation", generation, "error", err)
		}
	}()
}

// Flush waits for pending cache writes.
func (p *Proxy) Flush() {
	p.writes.Wait()
}

// Close stops the message loop and waits for pending cache writes.
func (p *Proxy) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.quit)
	<-p.loopDone
	p.writes.Wait()
}

func writeEntry(w http.ResponseWriter, e Entry, source string) {
	for k, vs := range e.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Del("Content-Length")
	w.Header().Set("X-Cache", source)
	w.WriteHeader(e.Status)
	w.Write(e.Body)
}

func writeOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Cache", "OFFLINE")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, offlineBody)
}
