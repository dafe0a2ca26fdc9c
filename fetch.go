package gro

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TimedFetch performs an HTTP round trip with a deadline. The where tag names
// the call site so timeout errors identify which fetch stalled. Cancellation
// of ctx propagates immediately.
func TimedFetch(ctx context.Context, client *http.Client, req *http.Request, timeout time.Duration, where string) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		// The response body outlives this function; tie the timer's release
		// to the context instead of deferring cancel here.
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("fetch timeout at %s after %s", where, timeout), Retryable: true, cause: err}
		}
		return nil, err
	}
	return resp, nil
}
