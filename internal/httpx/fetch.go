// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package httpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/debsnap/debsnap/internal/hashio"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned for 404/410 responses. It is fatal for the
	// requested URL and never retried.
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden is returned for 401/403 responses.
	ErrForbidden = errors.New("access denied")
)

// FetcherConfig tunes retry and politeness behavior.
type FetcherConfig struct {
	// RequestTimeout bounds a single attempt. Zero means no per-attempt bound.
	RequestTimeout time.Duration
	// MaxElapsed bounds the total time spent retrying one URL.
	MaxElapsed time.Duration
	// MaxInterval caps the exponential backoff period.
	MaxInterval time.Duration
	// Concurrency caps simultaneous fetches overall; PerHost per host.
	// Zero disables the respective cap.
	Concurrency int
	PerHost     int
	// ByteRate, if non-nil, throttles body reads.
	ByteRate *rate.Limiter
	// MetadataClient, if non-nil, serves in-memory fetches instead of the
	// main client. Release files and timestamp listings are fetched
	// repeatedly across tuples, so this is where a CachedClient belongs;
	// streamed payloads bypass it.
	MetadataClient BasicClient
}

// Fetcher downloads URLs with capped exponential backoff, optional hash and
// size verification, and cooperative concurrency and bandwidth caps.
type Fetcher struct {
	client  BasicClient
	cfg     FetcherConfig
	global  chan struct{}
	mu      sync.Mutex
	perHost map[string]chan struct{}
}

// NewFetcher returns a Fetcher issuing requests through client.
func NewFetcher(client BasicClient, cfg FetcherConfig) *Fetcher {
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = 15 * time.Minute
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = time.Minute
	}
	f := &Fetcher{client: client, cfg: cfg, perHost: map[string]chan struct{}{}}
	if cfg.Concurrency > 0 {
		f.global = make(chan struct{}, cfg.Concurrency)
	}
	return f
}

// Options adjusts a single fetch.
type Options struct {
	// SHA256, if non-empty, is the expected lowercase hex digest.
	SHA256 string
	// Size is the expected byte count, meaningful when SizeKnown.
	Size      uint64
	SizeKnown bool
	// Destination, if non-empty, streams the body to disk via hashio.
	// Otherwise the body is buffered in memory (index files only).
	Destination string
	// KeepPart retains the .part file when a streamed fetch is aborted.
	KeepPart bool
}

// Result describes a completed fetch.
type Result struct {
	// Body holds the payload for in-memory fetches; nil when streamed.
	Body []byte
	// Path is the destination for streamed fetches.
	Path     string
	SHA256   string
	Size     uint64
	FinalURL string
}

func (f *Fetcher) acquire(host string) func() {
	var release []chan struct{}
	if f.global != nil {
		f.global <- struct{}{}
		release = append(release, f.global)
	}
	if f.cfg.PerHost > 0 {
		f.mu.Lock()
		sem, ok := f.perHost[host]
		if !ok {
			sem = make(chan struct{}, f.cfg.PerHost)
			f.perHost[host] = sem
		}
		f.mu.Unlock()
		sem <- struct{}{}
		release = append(release, sem)
	}
	return func() {
		for _, ch := range release {
			<-ch
		}
	}
}

// rateReader throttles reads against a shared byte-rate limiter.
type rateReader struct {
	r   io.Reader
	lim *rate.Limiter
	ctx context.Context
}

func (r *rateReader) Read(p []byte) (int, error) {
	burst := r.lim.Burst()
	if len(p) > burst {
		p = p[:burst]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.lim.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return backoff.Permanent(errors.Wrap(ErrNotFound, resp.Status))
	case http.StatusUnauthorized, http.StatusForbidden:
		return backoff.Permanent(errors.Wrap(ErrForbidden, resp.Status))
	case http.StatusTooManyRequests:
		return errors.New(resp.Status)
	}
	if resp.StatusCode >= 500 {
		return errors.New(resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return backoff.Permanent(errors.Errorf("unexpected status: %s", resp.Status))
	}
	return nil
}

// Fetch downloads rawURL. Connection errors, 5xx, 429 and interrupted
// bodies are retried with capped exponential backoff and jitter; 404, 410,
// auth failures and hash or size mismatches are fatal for the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing url")
	}
	release := f.acquire(u.Host)
	defer release()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = f.cfg.MaxInterval
	bo.MaxElapsedTime = f.cfg.MaxElapsed
	var res *Result
	attempt := func() error {
		attemptCtx := ctx
		if f.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "building request"))
		}
		client := f.client
		if opts.Destination == "" && f.cfg.MetadataClient != nil {
			client = f.cfg.MetadataClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrap(err, "sending request")
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		finalURL := rawURL
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}
		var body io.Reader = resp.Body
		if f.cfg.ByteRate != nil {
			body = &rateReader{r: resp.Body, lim: f.cfg.ByteRate, ctx: attemptCtx}
		}
		if opts.Destination != "" {
			r, err := f.stream(body, opts)
			if err != nil {
				return err
			}
			r.FinalURL = finalURL
			res = r
			return nil
		}
		r, err := f.buffer(body, opts)
		if err != nil {
			return err
		}
		r.FinalURL = finalURL
		res = r
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Fetcher) stream(body io.Reader, opts Options) (*Result, error) {
	w, err := hashio.NewWriter(opts.Destination)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if _, err := io.Copy(w, body); err != nil {
		w.Abort(opts.KeepPart)
		// Interrupted body: retryable.
		return nil, errors.Wrap(err, "reading body")
	}
	digest, err := w.Commit(opts.SHA256, opts.Size, opts.SizeKnown)
	if err != nil {
		// The full body was read and the content is wrong; retrying
		// would fetch the same bytes.
		return nil, backoff.Permanent(err)
	}
	return &Result{Path: opts.Destination, SHA256: digest, Size: w.Size()}, nil
}

func (f *Fetcher) buffer(body io.Reader, opts Options) (*Result, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "reading body")
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	if opts.SizeKnown && uint64(len(b)) != opts.Size {
		return nil, backoff.Permanent(errors.Wrapf(hashio.ErrSizeMismatch, "got %d bytes, want %d", len(b), opts.Size))
	}
	if opts.SHA256 != "" && digest != opts.SHA256 {
		return nil, backoff.Permanent(errors.Wrapf(hashio.ErrHashMismatch, "got %s, want %s", digest, opts.SHA256))
	}
	return &Result{Body: b, SHA256: digest, Size: uint64(len(b))}, nil
}
