package chainfacade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/r3e-network/mixcore/infrastructure/chain"
	"github.com/r3e-network/mixcore/infrastructure/fallback"
	"github.com/r3e-network/mixcore/infrastructure/logging"
	"github.com/r3e-network/mixcore/infrastructure/ratelimit"
	"github.com/r3e-network/mixcore/infrastructure/resilience"
)

// PooledRPCClient is the production RPCClient: JSON-RPC 2.0 over HTTP with
// endpoint selection and health tracking from chain.RPCPool, a circuit
// breaker guarding each call, and next-endpoint fallback when the best
// endpoint fails.
type PooledRPCClient struct {
	pool    *chain.RPCPool
	http    *ratelimit.RateLimitedClient
	breaker *resilience.CircuitBreaker
	fb      *fallback.Handler
	logger  *logging.Logger
	reqID   uint64
}

// NewPooledRPCClient builds a client over the given endpoints.
func NewPooledRPCClient(endpoints []string, timeout time.Duration, logger *logging.Logger) (*PooledRPCClient, error) {
	cfg := chain.DefaultRPCPoolConfig()
	cfg.Endpoints = endpoints
	pool, err := chain.NewRPCPool(cfg)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PooledRPCClient{
		pool:    pool,
		http:    ratelimit.NewRateLimitedClient(&http.Client{Timeout: timeout}, ratelimit.DefaultConfig()),
		breaker: resilience.New(resilience.DefaultServiceCBConfig(logger)),
		fb:      fallback.NewHandler(fallback.DefaultConfig()),
		logger:  logger,
	}, nil
}

// Start begins the pool's endpoint health-check loop.
func (c *PooledRPCClient) Start(ctx context.Context) { c.pool.Start(ctx) }

// Stop halts health checking.
func (c *PooledRPCClient) Stop() { c.pool.Stop() }

// Call issues one JSON-RPC request against the healthiest endpoint,
// falling back to the next endpoint in the rotation when it fails.
func (c *PooledRPCClient) Call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	primary := func(ctx context.Context) (interface{}, error) {
		ep, err := c.pool.GetBestEndpoint()
		if err != nil {
			return nil, err
		}
		return c.callEndpoint(ctx, ep.URL, method, params)
	}
	secondary := func(ctx context.Context) (interface{}, error) {
		ep := c.pool.GetNextEndpoint()
		if ep == nil {
			return nil, fmt.Errorf("rpc: no endpoints available")
		}
		return c.callEndpoint(ctx, ep.URL, method, params)
	}

	result := c.fb.Execute(ctx, primary, secondary)
	if result.Err != nil {
		return nil, classifyRPCError(result.Err)
	}
	return result.Value.([]byte), nil
}

func (c *PooledRPCClient) callEndpoint(ctx context.Context, url, method string, params []interface{}) ([]byte, error) {
	var raw []byte
	err := c.breaker.Execute(ctx, func() error {
		id := atomic.AddUint64(&c.reqID, 1)
		payload, err := json.Marshal(chain.RPCRequest{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
			ID:      int(id),
		})
		if err != nil {
			return err
		}

		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.pool.MarkUnhealthy(url)
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.pool.MarkUnhealthy(url)
			return err
		}
		c.pool.MarkHealthy(url, time.Since(start))

		var envelope chain.RPCResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("rpc: malformed response from %s: %w", url, err)
		}
		if envelope.Error != nil {
			return envelope.Error
		}
		raw = envelope.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// classifyRPCError maps transport-level failures into the uniform
// ChainError taxonomy.
func classifyRPCError(err error) error {
	if _, ok := err.(*ChainError); ok {
		return err
	}
	var rpcErr *chain.RPCError
	if ok := asRPCError(err, &rpcErr); ok {
		return NewChainError(ErrRejectedRetryable, rpcErr.Message, err)
	}
	if isTimeout(err) {
		return NewChainError(ErrTimeout, "rpc call timed out", err)
	}
	return NewChainError(ErrNetwork, "rpc transport failure", err)
}

func asRPCError(err error, target **chain.RPCError) bool {
	for err != nil {
		if e, ok := err.(*chain.RPCError); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	for err != nil {
		if te, ok := err.(timeout); ok && te.Timeout() {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
