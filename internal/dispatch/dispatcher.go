// Package dispatch executes one connector flow for one payment attempt,
// independent of which connector it is. It owns HTTP execution, error
// classification and the access-token prefetch; it never writes to storage.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-router/internal/config"
	"payment-router/internal/connector"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
)

const defaultTimeoutMs = 15_000

var (
	dispatchSuccessCounter   = metrics.GetOrCreateCounter(`payment_dispatch_total{result="success"}`)
	dispatchErrorCounter     = metrics.GetOrCreateCounter(`payment_dispatch_total{result="error"}`)
	dispatchAmbiguousCounter = metrics.GetOrCreateCounter(`payment_dispatch_total{result="ambiguous"}`)
	dispatchNoopCounter      = metrics.GetOrCreateCounter(`payment_dispatch_total{result="noop"}`)

	dispatchDurationHistogram = metrics.GetOrCreateHistogram(`payment_dispatch_duration_milliseconds`)
)

// Result is the classified outcome of one flow execution. Ambiguous means a
// transport-level failure where the request may have reached the processor:
// the attempt must stay pending and be resolved by a later sync, never
// declared failed.
type Result struct {
	RouterData *connector.RouterData
	NoOp       bool
	Ambiguous  bool
}

type Dispatcher struct {
	client *http.Client
	tokens TokenStore
	logger *slog.Logger
}

func NewDispatcher(tokens TokenStore, logger *slog.Logger) *Dispatcher {
	timeout := time.Duration(config.GetInt("CONNECTOR_TIMEOUT_MS", defaultTimeoutMs)) * time.Millisecond
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		tokens: tokens,
		logger: logger,
	}
}

// Execute runs one flow against one connector. Flows execute sequentially
// within a payment: a required access token is obtained before the primary
// call, and a token failure aborts without attempting the financial call.
func (d *Dispatcher) Execute(ctx context.Context, flow connector.Flow, conn connector.Connector, rd *connector.RouterData) (*Result, error) {
	if !connector.SupportsFlow(conn, flow) {
		return nil, connector.NewNotImplemented(conn.Name(), flow)
	}

	startTime := time.Now()
	defer func() {
		dispatchDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	if tokenFlow, ok := conn.(connector.AccessTokenFlow); ok && flow != connector.FlowAccessToken {
		if err := d.ensureToken(ctx, tokenFlow, conn.Name(), rd); err != nil {
			dispatchErrorCounter.Inc()
			return nil, err
		}
	}

	wireReq, err := d.buildRequest(flow, conn, rd)
	if err != nil {
		dispatchErrorCounter.Inc()
		return nil, err
	}
	if wireReq == nil {
		// flow is logically satisfied without a network call
		d.logger.InfoContext(ctx, "Flow is a no-op for connector", "connector", conn.Name(), "flow", flow)
		dispatchNoopCounter.Inc()
		return &Result{RouterData: rd, NoOp: true}, nil
	}

	wireResp, err := d.execute(ctx, wireReq)
	if err != nil {
		// the request may have reached the processor; read-only sync flows
		// get one immediate retry, mutating flows stay ambiguous
		if flow == connector.FlowPSync || flow == connector.FlowRSync {
			d.logger.WarnContext(ctx, "Transport error on sync flow, retrying once", "connector", conn.Name(), "error", err)
			wireResp, err = d.execute(ctx, wireReq)
		}
		if err != nil {
			d.logger.WarnContext(ctx, "Transport error, outcome ambiguous", "connector", conn.Name(), "flow", flow, "error", err)
			dispatchAmbiguousCounter.Inc()
			return &Result{RouterData: rd, Ambiguous: true}, nil
		}
	}

	if wireResp.StatusCode >= 400 {
		errResp := conn.(connector.ErrorResponder).ErrorResponse(*wireResp)
		if err := rd.SetError(errResp); err != nil {
			return nil, err
		}
		dispatchErrorCounter.Inc()
		return &Result{RouterData: rd}, nil
	}

	if err := d.handleResponse(flow, conn, rd, *wireResp); err != nil {
		dispatchErrorCounter.Inc()
		return nil, err
	}

	dispatchSuccessCounter.Inc()
	return &Result{RouterData: rd}, nil
}

// ensureToken resolves a fresh access token from cache or the connector's
// token endpoint. A stale or missing token is never used for the call.
func (d *Dispatcher) ensureToken(ctx context.Context, tokenFlow connector.AccessTokenFlow, connectorName string, rd *connector.RouterData) error {
	token, err := d.tokens.Get(ctx, rd.MerchantID, connectorName)
	if err != nil {
		return err
	}
	if token != nil {
		rd.Token = token
		return nil
	}

	wireReq, err := tokenFlow.BuildAccessToken(rd)
	if err != nil {
		return err
	}

	wireResp, err := d.execute(ctx, wireReq)
	if err != nil {
		return errors.Wrap(err, "obtaining access token")
	}
	if wireResp.StatusCode >= 400 {
		return connector.NewUnexpectedResponse("access token request rejected")
	}

	token, err = tokenFlow.HandleAccessTokenResponse(*wireResp)
	if err != nil {
		return err
	}

	if err := d.tokens.Set(ctx, rd.MerchantID, connectorName, token); err != nil {
		d.logger.WarnContext(ctx, "Failed to cache access token", "connector", connectorName, "error", err)
	}

	rd.Token = token
	return nil
}

func (d *Dispatcher) buildRequest(flow connector.Flow, conn connector.Connector, rd *connector.RouterData) (*connector.WireRequest, error) {
	switch flow {
	case connector.FlowAuthorize:
		return conn.(connector.AuthorizeFlow).BuildAuthorize(rd)
	case connector.FlowPSync:
		return conn.(connector.SyncFlow).BuildSync(rd)
	case connector.FlowCapture:
		return conn.(connector.CaptureFlow).BuildCapture(rd)
	case connector.FlowVoid:
		return conn.(connector.VoidFlow).BuildVoid(rd)
	case connector.FlowRefund:
		return conn.(connector.RefundFlow).BuildRefund(rd)
	case connector.FlowRSync:
		return conn.(connector.RefundSyncFlow).BuildRefundSync(rd)
	default:
		return nil, connector.NewNotImplemented(conn.Name(), flow)
	}
}

func (d *Dispatcher) handleResponse(flow connector.Flow, conn connector.Connector, rd *connector.RouterData, resp connector.WireResponse) error {
	switch flow {
	case connector.FlowAuthorize:
		return conn.(connector.AuthorizeFlow).HandleAuthorizeResponse(rd, resp)
	case connector.FlowPSync:
		return conn.(connector.SyncFlow).HandleSyncResponse(rd, resp)
	case connector.FlowCapture:
		return conn.(connector.CaptureFlow).HandleCaptureResponse(rd, resp)
	case connector.FlowVoid:
		return conn.(connector.VoidFlow).HandleVoidResponse(rd, resp)
	case connector.FlowRefund:
		return conn.(connector.RefundFlow).HandleRefundResponse(rd, resp)
	case connector.FlowRSync:
		return conn.(connector.RefundSyncFlow).HandleRefundSyncResponse(rd, resp)
	default:
		return connector.NewNotImplemented(conn.Name(), flow)
	}
}

func (d *Dispatcher) execute(ctx context.Context, wireReq *connector.WireRequest) (*connector.WireResponse, error) {
	var body io.Reader
	if len(wireReq.Body) > 0 {
		body = bytes.NewReader(wireReq.Body)
	}

	req, err := http.NewRequestWithContext(ctx, wireReq.Method, wireReq.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "creating connector request")
	}
	for key, values := range wireReq.Headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &connector.WireResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}
