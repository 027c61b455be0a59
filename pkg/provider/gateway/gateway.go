// Package gateway implements the provider contract over the step gateway HTTP API:
// POST {url}{step_path} with a round request, answered by a round result.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/provider"
	"taskengine/pkg/safefetch"
	"taskengine/pkg/taskerrors"
)

// ProviderID is the id the gateway reports.
const ProviderID = "gateway"

const maxErrorBodyChars = 512

// Provider calls the step gateway through the outbound policy.
type Provider struct {
	cfg    config.GatewayConfig
	client *safefetch.Client
	logger *logx.Logger
}

// New creates a gateway provider. A nil client or an empty URL leaves the provider disabled.
func New(cfg config.GatewayConfig, client *safefetch.Client) *Provider {
	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logx.NewLogger("gateway"),
	}
}

// ID implements provider.Provider.
func (p *Provider) ID() string { return ProviderID }

// SupportsTools implements provider.Provider.
func (p *Provider) SupportsTools() bool { return true }

// Enabled implements provider.Provider.
func (p *Provider) Enabled() bool {
	return p.cfg.URL != "" && p.client != nil
}

// Notes implements provider.Provider.
func (p *Provider) Notes() string {
	switch {
	case p.cfg.URL == "":
		return "disabled: GATEWAY_URL is not set"
	case p.client == nil:
		return "disabled: no outbound client"
	default:
		return "enabled: " + p.cfg.Endpoint()
	}
}

// ExecuteRound implements provider.Provider.
func (p *Provider) ExecuteRound(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
	if !p.Enabled() {
		return nil, taskerrors.New(taskerrors.CodeGatewayConfig, p.Notes())
	}
	endpoint, err := url.Parse(p.cfg.Endpoint())
	if err != nil || endpoint.Host == "" {
		return nil, taskerrors.Newf(taskerrors.CodeGatewayConfig, "invalid gateway endpoint %q", p.cfg.Endpoint())
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.CodeInternal, err, "encoding round request")
	}
	if limit := p.client.MaxRequestBytes(); int64(len(body)) > limit {
		return nil, taskerrors.Newf(taskerrors.CodeOutboundPayloadRejected,
			"round request of %d bytes exceeds %d", len(body), limit)
	}

	timeout := provider.EffectiveTimeout(req.Timeout, p.cfg.TimeoutCeiling)
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(roundCtx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.CodeGatewayConfig, err, "building gateway request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	p.logger.Debug("POST %s request_id=%s step=%d attempt=%d timeout=%s",
		endpoint.Redacted(), req.RequestID, req.Step, req.Attempt, timeout)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyError(ctx, roundCtx, err, 0)
	}
	data, err := safefetch.ReadAll(resp)
	if err != nil {
		return nil, provider.ClassifyError(ctx, roundCtx, err, resp.StatusCode)
	}

	return decodeResult(req, resp, data)
}

// decodeResult turns a gateway response into a validated result. A foreign request_id is
// rejected before the status is even considered.
func decodeResult(req *provider.RoundRequest, resp *http.Response, data []byte) (*provider.RoundResult, error) {
	var echoed struct {
		RequestID *string `json:"request_id"`
	}
	if json.Unmarshal(data, &echoed) == nil && echoed.RequestID != nil && *echoed.RequestID != req.RequestID {
		return nil, taskerrors.Newf(taskerrors.CodeGatewayResponseInvalid,
			"request_id mismatch: sent %q, got %q (status %d)", req.RequestID, *echoed.RequestID, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, taskerrors.HTTPStatus(resp.StatusCode,
			fmt.Sprintf("gateway returned %s: %s", resp.Status, taskerrors.SanitizeBody(data, maxErrorBodyChars)))
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil, taskerrors.Newf(taskerrors.CodeGatewayResponseInvalid,
			"unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var res provider.RoundResult
	if err := dec.Decode(&res); err != nil {
		return nil, taskerrors.Wrap(taskerrors.CodeGatewayResponseInvalid, err, "malformed gateway response")
	}
	if err := provider.ValidateResult(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
