// Package proxy performs single or streaming calls against registered
// external agents. It enforces the registry's admission check (circuit
// breaker, concurrency cap), retries transport failures per the shared
// fault taxonomy, and reports every outcome back to the registry so the
// circuit state reflects real traffic.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/registry"
	"github.com/kaname-ai/kaname/internal/stream"
)

// Proxy dials out to external agents through the registry's gate.
type Proxy struct {
	registry *registry.Registry
	client   *http.Client
	logger   *slog.Logger
}

// New creates a Proxy. client may be nil for a default client; per-call
// timeouts come from each agent's configuration, not the client.
func New(reg *registry.Registry, client *http.Client, logger *slog.Logger) *Proxy {
	if client == nil {
		client = &http.Client{}
	}
	return &Proxy{registry: reg, client: client, logger: logger}
}

// Execute performs one logical call against the agent. Denied admission
// fails immediately as AgentUnavailable; callers should not hammer a broken
// circuit. Transport and 5xx failures are retried with backoff up to the
// classifier's ceiling; exhaustion is reported to the registry and surfaced.
func (p *Proxy) Execute(ctx context.Context, id string, req model.ProxyRequest) (model.ProxyResponse, error) {
	agent, admitErr := p.admit(id)
	if admitErr != nil {
		return model.ProxyResponse{}, admitErr
	}
	start := time.Now()
	resp, err := p.executeWithRetry(ctx, agent, req)
	p.registry.Release(ctx, id, time.Since(start), err)
	return resp, err
}

func (p *Proxy) executeWithRetry(ctx context.Context, agent model.ExternalAgent, req model.ProxyRequest) (model.ProxyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.ProxyResponse{}, fault.Wrap(err, fault.New(fault.CodeInvalidInput, "encode proxy request"))
	}

	var last *fault.Error
	for attempt := 1; ; attempt++ {
		resp, ferr := p.dial(ctx, agent, "/execute", body)
		if ferr == nil {
			return resp, nil
		}
		last = ferr
		if !ferr.IsRetryable() || attempt > ferr.MaxRetries {
			break
		}
		p.logger.Debug("proxy: retrying external call",
			"agent_id", agent.Config.ID, "attempt", attempt, "code", ferr.Code)
		if err := fault.Sleep(ctx, ferr.RetryAfter, attempt); err != nil {
			return model.ProxyResponse{}, fault.Classify(err)
		}
	}
	return model.ProxyResponse{}, last
}

// dial performs one HTTP attempt.
func (p *Proxy) dial(ctx context.Context, agent model.ExternalAgent, path string, body []byte) (model.ProxyResponse, *fault.Error) {
	callCtx, cancel := context.WithTimeout(ctx, agent.Config.Timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, agent.Config.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return model.ProxyResponse{}, fault.Classify(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return model.ProxyResponse{}, fault.Classify(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096)) //nolint:errcheck
		return model.ProxyResponse{}, fault.FromHTTPStatus(httpResp.StatusCode, retryAfter)
	}

	var out model.ProxyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return model.ProxyResponse{}, fault.Wrap(err,
			fault.Transient(fault.CodeUpstreamError, "malformed upstream response", fault.DefaultRetryAfter, fault.DefaultMaxRetries))
	}
	return out, nil
}

// ExecuteStream performs a streaming call, forwarding each upstream SSE chunk
// to the sink as it arrives. A mid-stream transport failure terminates the
// stream with a structured error event rather than retrying: replaying a
// partially-delivered stream is unsafe without idempotent resumption.
func (p *Proxy) ExecuteStream(ctx context.Context, id string, req model.ProxyRequest, sink stream.Sink) error {
	agent, admitErr := p.admit(id)
	if admitErr != nil {
		return admitErr
	}
	start := time.Now()
	err := p.streamOnce(ctx, agent, req, sink)
	p.registry.Release(ctx, id, time.Since(start), err)
	return err
}

func (p *Proxy) streamOnce(ctx context.Context, agent model.ExternalAgent, req model.ProxyRequest, sink stream.Sink) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fault.Wrap(err, fault.New(fault.CodeInvalidInput, "encode proxy request"))
	}

	callCtx, cancel := context.WithTimeout(ctx, agent.Config.Timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, agent.Config.Endpoint+"/stream", bytes.NewReader(body))
	if err != nil {
		return fault.Classify(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return fault.Classify(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		return fault.FromHTTPStatus(httpResp.StatusCode, retryAfter)
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	tokenIndex := 0
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}
		var ev stream.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Upstream speaks plain text chunks; forward as tokens.
			ev = stream.Event{Type: stream.EventToken, Text: data, Index: tokenIndex}
		}
		if ev.Type == stream.EventToken {
			ev.Index = tokenIndex
			tokenIndex++
		}
		if err := sink.Send(ev); err != nil {
			// Caller's transport is gone: stop consuming without failing
			// the agent.
			return nil
		}
		if ev.Type.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fault.Wrap(err,
			fault.Transient(fault.CodeNetworkError, "upstream stream interrupted", fault.DefaultRetryAfter, 0))
	}
	return nil
}

// admit reserves an in-flight slot through the registry gate, mapping a
// denial to AgentUnavailable. On success the caller owns the slot and must
// release it.
func (p *Proxy) admit(id string) (model.ExternalAgent, *fault.Error) {
	agent, ok, err := p.registry.TryAcquire(id)
	if err != nil {
		return model.ExternalAgent{}, fault.Classify(err)
	}
	if !ok {
		return model.ExternalAgent{}, fault.Newf(fault.CodeAgentUnavailable,
			"agent %q is not accepting requests", id)
	}
	return agent, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
