// Package extract implements the extractor adapter: it submits a
// document's text to an external entity/relationship extractor over HTTP,
// enforces a hard wall-clock timeout, validates the response against a
// fixed schema, and caches successful responses by content hash so a
// replayed document never re-spends an extraction call.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/pkg/walog"
	"golang.org/x/time/rate"
)

// defaultTimeout is the hard wall-clock timeout on a single extract call.
const defaultTimeout = 300 * time.Second

// Opts configures the Extractor.
type Opts struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  rate.Limit // requests/sec; 0 disables limiting
	RateBurst  int
	HTTPClient *http.Client
}

// Extractor is the client for the external extraction backend.
type Extractor struct {
	opts    Opts
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger

	cacheMu  sync.Mutex
	cache    map[string]response // content_hash -> last successful response
	cacheLog *walog.Log          // optional durable backing for cache, see Open
}

// New creates an Extractor.
func New(opts Opts, log *slog.Logger) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &Extractor{opts: opts, client: opts.HTTPClient, limiter: limiter, log: log, cache: make(map[string]response)}
}

// Open creates an Extractor whose response cache is durably backed by a
// walog file at path, replayed into memory on open. This is what lets a
// resumed EXTRACTED-state document skip a repeat call to the external
// extractor after a crash. New's plain in-memory cache is sufficient for
// tests and for callers that accept re-extracting after a restart.
func Open(path string, opts Opts, log *slog.Logger) (*Extractor, error) {
	e := New(opts, log)
	cacheLog, err := walog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extract: open cache: %w", err)
	}
	if err := walog.Replay(path, func(fields map[string]any) error {
		hash, _ := fields["content_hash"].(string)
		raw, _ := fields["response"].(string)
		var r response
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil // skip a corrupt cache entry rather than fail startup
		}
		e.cache[hash] = r
		return nil
	}); err != nil {
		return nil, fmt.Errorf("extract: replay cache: %w", err)
	}
	e.cacheLog = cacheLog
	return e, nil
}

// Close releases the durable cache log, if any.
func (e *Extractor) Close() error {
	if e.cacheLog == nil {
		return nil
	}
	return e.cacheLog.Close()
}

type request struct {
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
}

// response is the fixed schema the external extractor must conform to.
// Any deviation is a non-retryable schema failure.
type response struct {
	Entities []struct {
		RawName     string            `json:"raw_name"`
		RawTypeHint string            `json:"raw_type_hint"`
		Description string            `json:"description"`
		Attributes  map[string]string `json:"attributes"`
		Page        int               `json:"page"`
		Region      string            `json:"region"`
	} `json:"entities"`
	Relationships []struct {
		SourceRawName string `json:"source_raw_name"`
		TargetRawName string `json:"target_raw_name"`
		RawTypeHint   string `json:"raw_type_hint"`
		Description   string `json:"description"`
		Page          int    `json:"page"`
		Region        string `json:"region"`
	} `json:"relationships"`
}

// Extract submits text for documentID (identified to the extractor by its
// content_hash) and returns the raw entities/relationships. A cached
// response is reused when content_hash is unchanged and a prior call
// succeeded.
func (e *Extractor) Extract(ctx context.Context, documentID, contentHash, text string) ([]domain.RawEntity, []domain.RawRelationship, error) {
	if cached, ok := e.cached(contentHash); ok {
		return toRaw(cached, documentID), relsToRaw(cached, documentID), nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, nil, domain.Classify(domain.FailureCancelled, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(request{Text: text, ContentHash: contentHash})
	if err != nil {
		return nil, nil, domain.Classify(domain.FailureUnknown, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.BaseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, nil, domain.Classify(domain.FailureUnknown, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, domain.Classify(classifyHTTPErr(ctx, err), fmt.Errorf("extract: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := domain.FailureUnknown
		if resp.StatusCode >= 500 {
			kind = domain.FailureBackend5xx
		}
		return nil, nil, domain.Classify(kind, fmt.Errorf("extract: status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, domain.Classify(classifyHTTPErr(ctx, err), fmt.Errorf("extract: read response: %w", err))
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, nil, domain.Classify(domain.FailureExtractionSchema, fmt.Errorf("extract: malformed response: %w", err))
	}
	// Both top-level arrays must be present, even when empty: a response
	// missing "entities" entirely (as opposed to one carrying
	// entities: []) is a schema failure, not a retryable error.
	if _, ok := shape["entities"]; !ok {
		return nil, nil, domain.Classify(domain.FailureExtractionSchema, fmt.Errorf("extract: response missing required field %q", "entities"))
	}
	if _, ok := shape["relationships"]; !ok {
		return nil, nil, domain.Classify(domain.FailureExtractionSchema, fmt.Errorf("extract: response missing required field %q", "relationships"))
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, domain.Classify(domain.FailureExtractionSchema, fmt.Errorf("extract: malformed response: %w", err))
	}

	e.store(contentHash, parsed)
	e.log.Info("extract succeeded", "document_id", documentID, "entities", len(parsed.Entities), "relationships", len(parsed.Relationships))
	return toRaw(parsed, documentID), relsToRaw(parsed, documentID), nil
}

func (e *Extractor) cached(contentHash string) (response, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	r, ok := e.cache[contentHash]
	return r, ok
}

func (e *Extractor) store(contentHash string, r response) {
	e.cacheMu.Lock()
	e.cache[contentHash] = r
	cacheLog := e.cacheLog
	e.cacheMu.Unlock()

	if cacheLog == nil {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := cacheLog.Append(map[string]any{"content_hash": contentHash, "response": string(raw)}); err != nil {
		e.log.Warn("extract: failed to persist cache entry", "content_hash", contentHash, "error", err)
	}
}

func classifyHTTPErr(ctx context.Context, err error) domain.FailureKind {
	if ctx.Err() == context.DeadlineExceeded {
		return domain.FailureTimeout
	}
	if ctx.Err() == context.Canceled {
		return domain.FailureCancelled
	}
	return domain.FailureBackend5xx
}

func toRaw(r response, documentID string) []domain.RawEntity {
	out := make([]domain.RawEntity, 0, len(r.Entities))
	for _, e := range r.Entities {
		out = append(out, domain.RawEntity{
			RawName:     e.RawName,
			RawTypeHint: e.RawTypeHint,
			Description: e.Description,
			Attributes:  e.Attributes,
			Provenance:  domain.Provenance{DocumentID: documentID, Page: e.Page, Region: e.Region},
		})
	}
	return out
}

func relsToRaw(r response, documentID string) []domain.RawRelationship {
	out := make([]domain.RawRelationship, 0, len(r.Relationships))
	for _, rel := range r.Relationships {
		out = append(out, domain.RawRelationship{
			SourceRawName: rel.SourceRawName,
			TargetRawName: rel.TargetRawName,
			RawTypeHint:   rel.RawTypeHint,
			Description:   rel.Description,
			Provenance:    domain.Provenance{DocumentID: documentID, Page: rel.Page, Region: rel.Region},
		})
	}
	return out
}
