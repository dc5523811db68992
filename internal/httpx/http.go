// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package httpx provides a simpler http.Client abstraction and derivative uses.
package httpx

import (
	"bufio"
	"bytes"
	"context"
	"net/http"

	"github.com/debsnap/debsnap/internal/cache"
	"golang.org/x/time/rate"
)

// BasicClient is a simpler http.Client that only requires a Do method.
type BasicClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ BasicClient = http.DefaultClient

// WithUserAgent is a basic HTTP client that adds a User-Agent header.
type WithUserAgent struct {
	BasicClient
	UserAgent string
}

var _ BasicClient = &WithUserAgent{}

// Do adds the User-Agent header and sends the request.
func (c *WithUserAgent) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.UserAgent)
	return c.BasicClient.Do(req)
}

// CachedClient is a BasicClient that caches GET responses and revalidates
// them with conditional requests when the origin supplied a validator.
type CachedClient struct {
	BasicClient
	ch cache.Cache
}

// NewCachedClient returns a new CachedClient.
func NewCachedClient(client BasicClient, c cache.Cache) *CachedClient {
	return &CachedClient{client, c}
}

type cachedResponse struct {
	raw          []byte
	etag         string
	lastModified string
}

func (cc *CachedClient) respond(req *http.Request, entry *cachedResponse) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(entry.raw)), req)
}

// Do attempts to fulfill the request from cache, revalidating stale entries
// with If-None-Match / If-Modified-Since, and falls back to the underlying
// client.
func (cc *CachedClient) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return cc.BasicClient.Do(req)
	}
	key := req.URL.String()
	if prev, err := cc.ch.Get(key); err == nil {
		entry := prev.(*cachedResponse)
		if entry.etag == "" && entry.lastModified == "" {
			return cc.respond(req, entry)
		}
		revalidate := req.Clone(req.Context())
		if entry.etag != "" {
			revalidate.Header.Set("If-None-Match", entry.etag)
		} else {
			revalidate.Header.Set("If-Modified-Since", entry.lastModified)
		}
		resp, err := cc.BasicClient.Do(revalidate)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotModified {
			resp.Body.Close()
			return cc.respond(req, entry)
		}
		return cc.store(key, req, resp)
	}
	resp, err := cc.BasicClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
		return resp, nil
	}
	return cc.store(key, req, resp)
}

func (cc *CachedClient) store(key string, req *http.Request, resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if err := resp.Write(buf); err != nil {
		return nil, err
	}
	entry := &cachedResponse{
		raw:          buf.Bytes(),
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	cc.ch.Set(key, func() (any, error) { return entry, nil })
	return cc.respond(req, entry)
}

var _ BasicClient = &CachedClient{}

// RateLimitedClient caps the request rate of the underlying client.
type RateLimitedClient struct {
	BasicClient
	Limiter *rate.Limiter
}

func (c *RateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.BasicClient.Do(req)
}

var _ BasicClient = &RateLimitedClient{}
