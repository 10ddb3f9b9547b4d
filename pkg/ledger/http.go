package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sealedvote/sealedvote/pkg/utils"
	"go.uber.org/zap"
)

// HTTPClient talks to the ledger gateway over JSON with a token-bucket rate
// limit and a per-endpoint circuit-breaker, failing over across endpoints.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	logger    *zap.Logger

	submitter         string
	inclusionInterval time.Duration

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints         []string
	Submitter         string
	Timeout           time.Duration
	InclusionInterval time.Duration
	RPS               int
	Burst             int
	BreakerFailures   int
	BreakerCooldown   time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// NewHTTPClient creates a ledger client with the given options. The client is
// explicitly constructed and injected wherever it is needed; there is no
// package-level instance.
func NewHTTPClient(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.InclusionInterval <= 0 {
		o.InclusionInterval = 2 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints:         utils.Dedup(o.Endpoints),
		client:            client,
		logger:            o.Logger,
		submitter:         o.Submitter,
		inclusionInterval: o.InclusionInterval,
		maxTokens:         int64(o.Burst),
		refillEvery:       time.Second / time.Duration(o.RPS),
		failures:          map[string]int{},
		opened:            map[string]time.Time{},
		breakerThreshold:  o.BreakerFailures,
		breakerCooldown:   o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

// refill refills the token-bucket with new tokens if necessary.
func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire acquires a token from the token-bucket, blocking if necessary.
func (c *HTTPClient) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

// isOpen returns true if the endpoint's breaker is in the OPEN state.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the circuit-breaker if the
// failure count exceeds the threshold.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

// revertBody is the ledger's rejection shape: 4xx with an explicit reason.
type revertBody struct {
	Revert string `json:"revert"`
}

// doJSON sends a request to a configured endpoint and decodes the response.
// Server-side errors and network failures rotate to the next endpoint; an
// explicit revert never does, since every node would revert the same way.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return NewTransientError("no endpoints configured", nil)
	}

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[i%len(c.endpoints)]
		if c.isOpen(ep) {
			continue
		}

		if err := c.acquire(ctx); err != nil {
			return NewTransientError("rate limit wait interrupted", err)
		}

		var body *bytes.Reader
		if payload != nil {
			b, mErr := json.Marshal(payload)
			if mErr != nil {
				return mErr
			}
			body = bytes.NewReader(b)
		} else {
			body = bytes.NewReader(nil)
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, ep+path, body)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = NewTransientError("request failed", err)
			c.noteFailure(ep)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = NewTransientError(fmt.Sprintf("server %d", resp.StatusCode), nil)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 400 {
			var revert revertBody
			decErr := json.NewDecoder(resp.Body).Decode(&revert)
			_ = utils.DrainAndClose(resp.Body)
			if decErr == nil && revert.Revert != "" {
				return NewRevertError(revert.Revert)
			}
			return NewTransientError(fmt.Sprintf("http %d", resp.StatusCode), nil)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				_ = utils.DrainAndClose(resp.Body)
				lastErr = NewTransientError("decode response", err)
				continue
			}
		}

		if cerr := utils.DrainAndClose(resp.Body); cerr != nil {
			return NewTransientError("close response", cerr)
		}
		return nil
	}

	if lastErr == nil {
		lastErr = NewTransientError("all endpoints circuit-open", nil)
	}
	return lastErr
}

// Submit sends the encrypted ballot. The handle goes over the wire in the
// ledger's fixed-width encoding; an empty proof is sent as-is.
func (c *HTTPClient) Submit(ctx context.Context, in SubmitInput) (*Receipt, error) {
	payload := map[string]any{
		"proposal":  in.ProposalRef,
		"handle":    EncodeHandle(in.CiphertextHandle),
		"proof":     in.Proof,
		"submitter": c.submitterOr(in.Submitter),
	}
	var receipt Receipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/submit", payload, &receipt); err != nil {
		return nil, err
	}
	if receipt.TxRef == "" {
		return nil, NewTransientError("ledger returned empty tx reference", nil)
	}
	c.logger.Debug("ballot submitted",
		zap.String("proposal", in.ProposalRef),
		zap.String("txRef", receipt.TxRef))
	return &receipt, nil
}

// txStatus is the ledger's view of a submitted transaction.
type txStatus struct {
	TxRef    string `json:"txRef"`
	BlockRef string `json:"blockRef"`
	Included bool   `json:"included"`
	Revert   string `json:"revert"`
}

// AwaitInclusion polls the transaction until it is included, reverted, or the
// context deadline fires. Callers bound the wait with the context; deadline
// expiry surfaces as transient so the retry machinery picks it up.
func (c *HTTPClient) AwaitInclusion(ctx context.Context, txRef string) (*Receipt, error) {
	ticker := time.NewTicker(c.inclusionInterval)
	defer ticker.Stop()

	for {
		var status txStatus
		err := c.doJSON(ctx, http.MethodGet, "/v1/tx/"+txRef, nil, &status)
		switch {
		case err != nil && IsPermanent(err):
			return nil, err
		case err != nil:
			// Transient lookup failure: keep polling until the deadline.
		case status.Revert != "":
			return nil, NewRevertError(status.Revert)
		case status.Included:
			return &Receipt{TxRef: txRef, BlockRef: status.BlockRef}, nil
		}

		select {
		case <-ctx.Done():
			return nil, NewTransientError("inclusion wait timed out", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Aggregate requests homomorphic summation of the given handles.
func (c *HTTPClient) Aggregate(ctx context.Context, proposalRef string, handles []string) (*AggregateReceipt, error) {
	encoded := make([]string, len(handles))
	for i, h := range handles {
		encoded[i] = EncodeHandle(h)
	}
	payload := map[string]any{
		"proposal":  proposalRef,
		"handles":   encoded,
		"submitter": c.submitter,
	}
	var receipt AggregateReceipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/aggregate", payload, &receipt); err != nil {
		return nil, err
	}
	if receipt.TallyHandle == "" {
		return nil, NewTransientError("ledger returned empty tally handle", nil)
	}
	return &receipt, nil
}

func (c *HTTPClient) submitterOr(override string) string {
	if override != "" {
		return override
	}
	return c.submitter
}

var _ Client = (*HTTPClient)(nil)
