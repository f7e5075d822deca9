package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/qbox-io/kodo-go-sdk/chooser"
	"github.com/qbox-io/kodo-go-sdk/internal/rpc"
	"github.com/qbox-io/kodo-go-sdk/kerr"
	"github.com/qbox-io/kodo-go-sdk/pacer"
	"github.com/qbox-io/kodo-go-sdk/region"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Signer produces an Authorization header value for one attempt. V1 and V2
// authorization strategies both satisfy this (spec.md §4.1/§6.2); the
// upload-token strategy is a third, constant-valued Signer.
type Signer interface {
	Sign(req *http.Request, body []byte) (string, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(req *http.Request, body []byte) (string, error)

// Sign implements Signer.
func (f SignerFunc) Sign(req *http.Request, body []byte) (string, error) { return f(req, body) }

// RequiredResponseHeader is the header every successful response must
// carry (spec.md §6.1 "Required response header X-Reqid").
const RequiredResponseHeader = "X-Reqid"

// maxErrorBodyBytes bounds how much of an error body the pipeline reads
// (spec.md §4.4 step 8: "consume body (bounded)").
const maxErrorBodyBytes = 1 << 20

// Pipeline drives one API call across a region's endpoints and retries.
type Pipeline struct {
	HTTPClient *http.Client
	Chooser    chooser.Chooser
	Retrier    Retrier
	Backoff    pacer.Calculator
	Signer     Signer
	Callbacks  Callbacks
	Log        logrus.FieldLogger
	// RateLimiter caps the rate of outgoing attempts across all endpoints
	// when set; nil means unlimited (the default from NewPipeline).
	RateLimiter *rate.Limiter
	// Pacer serializes and bounds in-place retries against one endpoint:
	// tryEndpoint's attempt loop runs through Pacer.Call, so its connection
	// token cap (SetMaxConnections) and retry budget (SetRetries) are live
	// knobs on a real Pipeline, not machinery only exercised by pacer's own
	// tests. The actual sleep duration between attempts still comes from
	// Backoff/SuggestedDelay, so Pacer's own Calculator is left at
	// pacer.NoBackoff{} to avoid sleeping twice.
	Pacer *pacer.Pacer
}

// NewPipeline builds a Pipeline with the given collaborators, falling back
// to sensible defaults (http.DefaultClient, a DefaultRetrier, a Default
// backoff calculator, the standard logger) for anything left zero.
func NewPipeline(ch chooser.Chooser, signer Signer) *Pipeline {
	return &Pipeline{
		HTTPClient: http.DefaultClient,
		Chooser:    ch,
		Retrier:    NewDefaultRetrier(3),
		Backoff:    pacer.NewDefault(),
		Signer:     signer,
		Log:        logrus.StandardLogger(),
		Pacer:      pacer.New(pacer.CalculatorOption(pacer.NoBackoff{})),
	}
}

// pacerOrDefault returns p.Pacer, building the same NoBackoff-calculator
// default NewPipeline uses for a Pipeline constructed as a bare struct
// literal.
func (p *Pipeline) pacerOrDefault() *pacer.Pacer {
	if p.Pacer == nil {
		p.Pacer = pacer.New(pacer.CalculatorOption(pacer.NoBackoff{}))
	}
	return p.Pacer
}

// errorBody is the wire shape of spec.md §6.1 "Error body".
type errorBody struct {
	Error string `json:"error"`
}

// Do executes req against list's endpoints until success, policy
// exhaustion, or a non-retryable error, implementing spec.md §4.2 and
// §4.4's endpoint-selection and per-attempt contracts.
func (p *Pipeline) Do(ctx context.Context, list region.List, req Request) (*http.Response, error) {
	stats := chooser.RetriedStats{}
	var lastErr error
	tried := false
	wantAlternative := false

	for pass := 0; pass < 2 && !wantAlternative && !tried; pass++ {
		ignoreFrozen := pass == 1
		for _, ep := range list.Preferred {
			stats.SwitchEndpoint()
			resp, attempted, err := p.tryEndpoint(ctx, ep, ignoreFrozen, req, &stats)
			if attempted {
				tried = true
			}
			if err == nil && attempted {
				p.logf(logrus.Fields{"path": req.Path, "endpoint": ep.Host()}, "request succeeded")
				return resp, nil
			}
			if err != nil {
				lastErr = err
				if !attempted {
					continue
				}
				decision := p.Retrier.Retry(err, stats)
				if decision == DontRetry {
					p.logf(logrus.Fields{"path": req.Path, "endpoint": ep.Host(), "err": err}, "request failed with a non-retryable error")
					return nil, err
				}
				if decision == TryAlternative {
					p.logf(logrus.Fields{"path": req.Path, "endpoint": ep.Host(), "err": err}, "switching to alternative endpoints")
					wantAlternative = true
					break
				}
			}
		}
	}

	if (wantAlternative || (tried && lastErr != nil)) && len(list.Alternative) > 0 {
		stats.SwitchedToAlternative = true
		p.Retrier.ObserveRegionSwitch()
		for _, ep := range list.Alternative {
			stats.SwitchEndpoint()
			resp, attempted, err := p.tryEndpoint(ctx, ep, false, req, &stats)
			if attempted {
				tried = true
			}
			if err == nil && attempted {
				p.logf(logrus.Fields{"path": req.Path, "endpoint": ep.Host()}, "request succeeded on alternative endpoint")
				return resp, nil
			}
			if err != nil {
				lastErr = err
				if attempted && p.Retrier.Retry(err, stats) == DontRetry {
					return nil, err
				}
			}
		}
	}

	if !tried {
		p.logf(logrus.Fields{"path": req.Path}, "no endpoint was tried")
		return nil, kerr.New(kerr.KindNoURLTried, nil)
	}
	if lastErr != nil {
		p.logf(logrus.Fields{"path": req.Path, "err": lastErr}, "request failed after exhausting endpoints")
		return nil, lastErr
	}
	return nil, kerr.New(kerr.KindAllURLsFailed, nil)
}

// logf writes a debug-level structured log line through p.Log, a no-op
// when no logger was configured.
func (p *Pipeline) logf(fields logrus.Fields, msg string) {
	if p.Log == nil {
		return
	}
	p.Log.WithFields(fields).Debug(msg)
}

// chooseEndpoint asks the Chooser whether ep is currently usable, resolving
// a domain endpoint or approving/vetoing a literal-IP one.
func (p *Pipeline) chooseEndpoint(ctx context.Context, ep region.Endpoint, ignoreFrozen bool) (chooser.Decision, error) {
	if ep.IsDomain() {
		decision, _, err := p.Chooser.Choose(ctx, ep.Host(), ignoreFrozen)
		return decision, err
	}
	decision, err := p.Chooser.ChooseIPs(ctx, net.ParseIP(ep.Host()), ignoreFrozen)
	return decision, err
}

// tryEndpoint runs req against one endpoint, retrying in place per the
// Retrier's RetryRequest/RetryThrottled decisions. attempted reports
// whether a request actually left the machine (false means the endpoint
// was skipped, e.g. frozen, without being tried).
func (p *Pipeline) tryEndpoint(ctx context.Context, ep region.Endpoint, ignoreFrozen bool, req Request, stats *chooser.RetriedStats) (*http.Response, bool, error) {
	decision, err := p.chooseEndpoint(ctx, ep, ignoreFrozen)
	if decision == chooser.DecisionTryAnother {
		stats.AbandonedEndpoints++
		return nil, false, err
	}
	if err != nil {
		stats.AbandonedEndpoints++
		return nil, false, err
	}

	var resp *http.Response
	var attempted bool
	pacerErr := p.pacerOrDefault().Call(ctx, func() (bool, error) {
		attempted = true
		r, aerr := p.attempt(ctx, ep, req)
		if aerr == nil {
			p.Chooser.Feedback(chooser.Feedback{Endpoint: ep, Stats: *stats, Err: nil})
			p.Retrier.ObserveSuccess()
			resp = r
			return false, nil
		}
		p.Chooser.Feedback(chooser.Feedback{Endpoint: ep, Stats: *stats, Err: aerr})
		stats.TotalRetries++
		stats.RetriesOnCurrentEndpoint++

		retryDecision := p.Retrier.Retry(aerr, *stats)
		p.logf(logrus.Fields{"endpoint": ep.Host(), "err": aerr, "attempt": stats.RetriesOnCurrentEndpoint, "decision": retryDecision}, "attempt failed")

		switch retryDecision {
		case RetryRequest:
			p.sleepBetweenAttempts(ctx, *stats, nil)
			return true, aerr
		case RetryThrottled:
			p.sleepBetweenAttempts(ctx, *stats, aerr)
			return true, aerr
		default:
			return false, aerr
		}
	})

	if resp != nil {
		return resp, true, nil
	}
	return nil, attempted, pacerErr
}

func (p *Pipeline) sleepBetweenAttempts(ctx context.Context, stats chooser.RetriedStats, throttleErr error) {
	state := pacer.State{ConsecutiveRetries: stats.RetriesOnCurrentEndpoint}
	var delay time.Duration
	if throttleErr != nil {
		delay = p.Retrier.SuggestedDelay(throttleErr)
	}
	if delay == 0 && p.Backoff != nil {
		delay = p.Backoff.Calculate(state)
	}
	if delay <= 0 {
		return
	}
	id := AttemptID(uuid.NewString())
	if p.Callbacks.BeforeRetryDelay != nil {
		_ = p.Callbacks.BeforeRetryDelay(ctx, id, int64(delay))
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	if p.Callbacks.AfterRetryDelay != nil {
		_ = p.Callbacks.AfterRetryDelay(ctx, id, int64(delay))
	}
}

// attempt performs exactly one HTTP round trip: build, sign, send, judge.
func (p *Pipeline) attempt(ctx context.Context, ep region.Endpoint, req Request) (*http.Response, error) {
	id := AttemptID(uuid.NewString())

	if p.RateLimiter != nil {
		if err := p.RateLimiter.Wait(ctx); err != nil {
			return nil, kerr.New(kerr.KindUserCanceled, err)
		}
	}

	var bodyBytes []byte
	var bodyReader io.Reader
	var contentLength int64 = -1
	if req.Body != nil {
		rc, n, err := req.Body()
		if err != nil {
			return nil, kerr.New(kerr.KindLocalIO, err)
		}
		defer rc.Close()
		if n >= 0 {
			contentLength = n
		}
		buf, err := ioutil.ReadAll(rc)
		if err != nil {
			return nil, kerr.New(kerr.KindLocalIO, err)
		}
		bodyBytes = buf
		bodyReader = bytes.NewReader(buf)
	}

	u := &url.URL{Scheme: ep.Scheme(), Host: ep.HostPort(), Path: req.Path}
	if req.Query != nil {
		u.RawQuery = req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bodyReader)
	if err != nil {
		return nil, kerr.New(kerr.KindInvalidURL, err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if contentLength >= 0 {
		httpReq.ContentLength = contentLength
	}

	if p.Callbacks.BeforeRequest != nil {
		if cbErr := p.Callbacks.BeforeRequest(ctx, id, httpReq); cbErr != nil {
			return nil, kerr.New(kerr.KindUserCanceled, cbErr)
		}
	}

	if p.Signer != nil {
		auth, signErr := p.Signer.Sign(httpReq, bodyBytes)
		if signErr != nil {
			return nil, kerr.New(kerr.KindLocalIO, signErr)
		}
		httpReq.Header.Set("Authorization", auth)
	}

	if p.Callbacks.AfterRequestSigned != nil {
		if cbErr := p.Callbacks.AfterRequestSigned(ctx, id, httpReq); cbErr != nil {
			return nil, kerr.New(kerr.KindUserCanceled, cbErr)
		}
	}

	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		if p.Callbacks.OnError != nil {
			_ = p.Callbacks.OnError(ctx, id, err)
		}
		return nil, kerr.FromNetwork(err)
	}

	judged, jerr := p.judge(resp)
	if jerr != nil {
		if p.Callbacks.OnError != nil {
			_ = p.Callbacks.OnError(ctx, id, jerr)
		}
		return nil, jerr
	}
	if p.Callbacks.OnSuccess != nil {
		if cbErr := p.Callbacks.OnSuccess(ctx, id, judged); cbErr != nil {
			return nil, kerr.New(kerr.KindUserCanceled, cbErr)
		}
	}
	return judged, nil
}

// judge implements spec.md §4.4 step 8.
func (p *Pipeline) judge(resp *http.Response) (*http.Response, error) {
	reqid := resp.Header.Get(RequiredResponseHeader)
	if reqid == "" {
		resp.Body.Close()
		return nil, kerr.New(kerr.KindMaliciousResponse, nil)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return resp, nil
	case resp.StatusCode >= 400:
		defer resp.Body.Close()
		limited := io.LimitReader(resp.Body, maxErrorBodyBytes)
		raw, _ := ioutil.ReadAll(limited)
		var eb errorBody
		message := ""
		if len(raw) > 0 {
			if jsonErr := rpc.DecodeJSONBytes(raw, &eb); jsonErr != nil {
				return nil, kerr.New(kerr.KindMaliciousResponse, jsonErr).WithReqid(reqid).WithStatusCode(resp.StatusCode)
			}
			message = eb.Error
		}
		e := kerr.New(kerr.KindStatusCode, nil).WithReqid(reqid).WithStatusCode(resp.StatusCode)
		e.Message = message
		if resp.StatusCode == 509 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := parsePositiveInt(ra); convErr == nil {
					e = e.WithRetryAfter(time.Duration(secs) * time.Second)
				}
			}
		}
		return nil, e
	default: // 0-199 or 300-399
		resp.Body.Close()
		return nil, kerr.New(kerr.KindUnexpectedStatusCode, nil).WithReqid(reqid).WithStatusCode(resp.StatusCode)
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid int %q", s)
	}
	return n, nil
}
