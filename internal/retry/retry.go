// Package retry implements the CandidateRetryEngine: it iterates a
// scheduler's ordered candidate list, consults per-provider failure
// cooldowns, acquires a key from the KeyPool, dispatches one attempt, and
// either returns success or advances to the next candidate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/cache"
	"github.com/jordanhubbard/llmgateway/internal/dispatch"
	"github.com/jordanhubbard/llmgateway/internal/keypool"
	"github.com/jordanhubbard/llmgateway/internal/scheduler"
)

// ErrAllProvidersFailed is returned when every candidate has been tried (or
// skipped due to cooldown) without success.
type ErrAllProvidersFailed struct {
	LogicalModel string
	LastStatus   int
	LastError    error
	SkippedCount int
	TriedCount   int
}

func (e *ErrAllProvidersFailed) Error() string {
	return fmt.Sprintf("All upstream providers failed for logical model '%s'; skipped=%d (in failure cooldown), last_status=%d, last_error=%v",
		e.LogicalModel, e.SkippedCount, e.LastStatus, e.LastError)
}

func (e *ErrAllProvidersFailed) Unwrap() error { return e.LastError }

// Response is a successful non-streaming result.
type Response struct {
	Status int
	Body   []byte
}

// StreamEvent is one unit handed back over TryStream's channel: either a raw
// upstream chunk, or a terminal error (after which the channel closes).
type StreamEvent struct {
	Data []byte
	Err  error
}

// Dispatcher performs one attempt against one candidate with one selected
// key. TransportDispatcher (C7) implements this; retry only depends on the
// interface so it never needs to know endpoint/header construction.
type Dispatcher interface {
	Dispatch(ctx context.Context, candidate scheduler.CandidateScore, sel keypool.SelectedKey, payload any) (dispatch.Result, error)
	DispatchStream(ctx context.Context, candidate scheduler.CandidateScore, sel keypool.SelectedKey, payload any) (io.ReadCloser, error)
}

// Config holds the cooldown parameters.
type Config struct {
	FailureThreshold int
	CooldownDuration time.Duration
}

// DefaultConfig returns the documented defaults (threshold 3, cooldown 60s).
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, CooldownDuration: 60 * time.Second}
}

// countsTowardCooldown reports whether a retryable failure with this status
// increments the provider's failure-cooldown counter.
func countsTowardCooldown(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Engine wires the cache, key pool, and dispatcher together into the
// iteration algorithm.
type Engine struct {
	Cache           cache.Cache
	KeyPool         *keypool.Pool
	Dispatcher      Dispatcher
	KeysForProvider func(providerID string) []keypool.KeyConfig
	Config          Config
}

// New creates a CandidateRetryEngine.
func New(c cache.Cache, kp *keypool.Pool, d Dispatcher, keysFor func(string) []keypool.KeyConfig, cfg Config) *Engine {
	return &Engine{Cache: c, KeyPool: kp, Dispatcher: d, KeysForProvider: keysFor, Config: cfg}
}

// TryNonStream iterates candidates until one succeeds or all fail.
// onSuccess is invoked with the winning (providerID, modelID) so the caller
// can bind a sticky session. logicalModelID is carried only for the
// ErrAllProvidersFailed message; it plays no role in candidate selection.
func (e *Engine) TryNonStream(ctx context.Context, candidates []scheduler.CandidateScore, payload any, logicalModelID string, onSuccess func(providerID, modelID string)) (*Response, error) {
	var skipped, tried int
	var lastStatus int
	var lastErr error

	for i, c := range candidates {
		isLast := i == len(candidates)-1
		providerID := c.Upstream.ProviderID

		failures, _ := e.Cache.GetInt(ctx, cache.FailureKey(providerID))
		if int(failures) >= e.Config.FailureThreshold {
			skipped++
			continue
		}

		tried++
		sel, err := e.KeyPool.Acquire(ctx, providerID, e.KeysForProvider(providerID))
		if err != nil {
			lastErr = err
			lastStatus = 0
			continue // no key for this candidate; try the next one
		}

		result, dispatchErr := e.Dispatcher.Dispatch(ctx, c, sel, payload)
		if dispatchErr == nil {
			_ = e.Cache.Delete(ctx, cache.FailureKey(providerID))
			e.KeyPool.RecordSuccess(sel)
			if onSuccess != nil {
				onSuccess(providerID, c.Upstream.ModelID)
			}
			return &Response{Status: result.Status, Body: result.Body}, nil
		}

		lastErr = dispatchErr
		lastStatus = result.Status
		e.KeyPool.RecordFailure(sel, result.Retryable, result.Status)

		if result.Retryable && countsTowardCooldown(result.Status) {
			_, _ = e.Cache.Incr(ctx, cache.FailureKey(providerID))
			_ = e.Cache.Expire(ctx, cache.FailureKey(providerID), e.Config.CooldownDuration)
		}

		if result.Retryable && !isLast {
			continue
		}
		// Non-retryable, or this was the last candidate: stop here.
		break
	}

	return nil, &ErrAllProvidersFailed{LogicalModel: logicalModelID, LastStatus: lastStatus, LastError: lastErr, SkippedCount: skipped, TriedCount: tried}
}

// TryStream iterates candidates for a streaming request. onFirstChunk fires
// exactly once, right before the first chunk is sent on the returned
// channel, so the caller can bind a sticky session. Once a chunk has been
// yielded, the upstream choice is locked in: a later failure on that
// candidate ends the stream with a synthetic error event instead of
// advancing to the next candidate.
func (e *Engine) TryStream(ctx context.Context, candidates []scheduler.CandidateScore, payload any, logicalModelID string, onFirstChunk func(providerID, modelID string)) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent)

	go func() {
		defer close(out)

		var skipped, tried int
		var lastStatus int
		var lastErr error
		firstChunkSent := false

		for i, c := range candidates {
			isLast := i == len(candidates)-1
			providerID := c.Upstream.ProviderID

			failures, _ := e.Cache.GetInt(ctx, cache.FailureKey(providerID))
			if int(failures) >= e.Config.FailureThreshold {
				skipped++
				continue
			}

			tried++
			sel, err := e.KeyPool.Acquire(ctx, providerID, e.KeysForProvider(providerID))
			if err != nil {
				lastErr = err
				lastStatus = 0
				continue
			}

			body, streamErr := e.Dispatcher.DispatchStream(ctx, c, sel, payload)
			if streamErr != nil {
				status, retryable := classifyStreamErr(streamErr)
				lastErr = streamErr
				lastStatus = status
				e.KeyPool.RecordFailure(sel, retryable, status)
				if retryable && countsTowardCooldown(status) {
					_, _ = e.Cache.Incr(ctx, cache.FailureKey(providerID))
					_ = e.Cache.Expire(ctx, cache.FailureKey(providerID), e.Config.CooldownDuration)
				}
				if retryable && !isLast {
					continue
				}
				break
			}

			// Stream body successfully opened; read and forward chunks.
			buf := make([]byte, 4096)
			success := true
			for {
				n, readErr := body.Read(buf)
				if n > 0 {
					if !firstChunkSent {
						firstChunkSent = true
						if onFirstChunk != nil {
							onFirstChunk(providerID, c.Upstream.ModelID)
						}
					}
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					select {
					case out <- StreamEvent{Data: chunk}:
					case <-ctx.Done():
						_ = body.Close()
						return
					}
				}
				if readErr == io.EOF {
					break
				}
				if readErr != nil {
					success = false
					lastErr = readErr
					if firstChunkSent {
						out <- StreamEvent{Err: syntheticStreamError(providerID, 0, readErr)}
						_ = body.Close()
						return
					}
					break
				}
			}
			_ = body.Close()

			if success {
				_ = e.Cache.Delete(ctx, cache.FailureKey(providerID))
				e.KeyPool.RecordSuccess(sel)
				return
			}
			if !isLast {
				continue
			}
			break
		}

		out <- StreamEvent{Err: &ErrAllProvidersFailed{LogicalModel: logicalModelID, LastStatus: lastStatus, LastError: lastErr, SkippedCount: skipped, TriedCount: tried}}
	}()

	return out, nil
}

func classifyStreamErr(err error) (status int, retryable bool) {
	var se *dispatch.StatusError
	if errors.As(err, &se) {
		return se.StatusCode, dispatch.Retryable(se.StatusCode)
	}
	return 0, true
}

func syntheticStreamError(providerID string, status int, err error) error {
	return fmt.Errorf(`data: {"error":{"type":"upstream_error","status":%d,"message":%q,"provider_id":%q}}`+"\n\n", status, err.Error(), providerID)
}
