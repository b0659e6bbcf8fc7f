package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/browserd/pkg/job"
)

// updateRequest is the batch scrape request: a set of URLs and an
// optional selector to extract from each page. Without a selector the
// page title is extracted.
type updateRequest struct {
	URLs     []string `json:"urls"`
	Selector string   `json:"selector,omitempty"`
}

type updateResponse struct {
	Data map[string]string `json:"data"`
}

// handleUpdate scrapes a batch of URLs with bounded concurrency.
// Invalid URLs are silently filtered, results are served from the TTL
// cache when fresh, and each URL gets a few attempts before being
// dropped from the response.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	var urls []string
	for _, u := range req.URLs {
		if IsValidHTTPURL(u) && s.urls.Validate(u) == nil {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		s.log.Warnf("batch update: no valid urls in %v", req.URLs)
		writeJSON(w, http.StatusOK, updateResponse{Data: map[string]string{}})
		return
	}

	var mu sync.Mutex
	results := make(map[string]string, len(urls))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.cfg.Batch.Concurrency)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			value, ok := s.scrapeOne(ctx, u, req.Selector)
			if ok {
				mu.Lock()
				results[u] = value
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, updateResponse{Data: results})
}

// scrapeOne fetches one value, consulting the cache first. Failed
// attempts are retried up to the configured count; a URL that never
// yields a value is simply omitted from the batch result.
func (s *Server) scrapeOne(ctx context.Context, url, selector string) (string, bool) {
	key := url
	if selector != "" {
		key = url + "|" + selector
	}
	if v, ok := s.cache.Get(key); ok {
		return v, true
	}

	for attempt := 0; attempt < s.cfg.Batch.Attempts; attempt++ {
		if ctx.Err() != nil {
			return "", false
		}
		value, err := s.scrapeJob(ctx, url, selector)
		if err == nil && value != "" {
			s.cache.Set(key, value)
			return value, true
		}
		if err != nil {
			s.log.Debugf("batch scrape of %s attempt %d failed: %v", url, attempt+1, err)
		}
	}
	return "", false
}

func (s *Server) scrapeJob(ctx context.Context, url, selector string) (string, error) {
	extract := &job.ExtractSpec{Kind: job.ExtractTitle}
	if selector != "" {
		extract = &job.ExtractSpec{Kind: job.ExtractText, Selector: selector}
	}

	j := job.New([]job.Action{
		{Kind: job.ActionNavigate, URL: url, WaitUntil: "domcontentloaded"},
		{Kind: job.ActionExtract, Extract: extract},
	})
	j.Idempotent = true

	id, err := s.sched.Submit(j)
	if err != nil {
		return "", err
	}
	s.metrics.JobSubmitted()

	res, err := s.sched.Wait(ctx, id)
	if err != nil {
		return "", err
	}
	if !res.Succeeded() {
		return "", fmt.Errorf("job %s: %s", res.Status, res.Err)
	}
	return res.Outputs[len(res.Outputs)-1].Data, nil
}
