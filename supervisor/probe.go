package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/avast/retry-go/v4"
	"miren.dev/workspace/sandbox"
)

// probe asks the sandbox for its activity report. Attempts are a fixed count
// with a fixed delay between them, each bounded by its own timeout.
func (s *Supervisor) probe(ctx context.Context) (sandbox.Activity, error) {
	var act sandbox.Activity

	err := retry.Do(
		func() error {
			actx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
			defer cancel()

			a, err := s.probeOnce(actx)
			if err != nil {
				return err
			}

			act = a
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.opts.ProbeAttempts)),
		retry.Delay(s.opts.ProbeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("activity probe failed", "attempt", n+1, "error", err)
		}),
	)

	return act, err
}

func (s *Supervisor) probeOnce(ctx context.Context) (sandbox.Activity, error) {
	var act sandbox.Activity

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://sandbox"+sandbox.ActivityPath, nil)
	if err != nil {
		return act, err
	}

	req.Header.Set("Authorization", "Bearer "+s.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.sandbox.Fetch(ctx, req)
	if err != nil {
		return act, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return act, fmt.Errorf("activity endpoint returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&act); err != nil {
		return act, fmt.Errorf("decode activity report: %w", err)
	}

	return act, nil
}
