package initialize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/onehippo/hippo-repository/internal/repository"
)

// WaitMode selects how long Wait keeps polling.
type WaitMode string

const (
	// WaitBounded gives up after a fixed number of retries.
	WaitBounded WaitMode = "bounded"
	// WaitUnbounded polls until the context ends.
	WaitUnbounded WaitMode = "unbounded"

	defaultWaitRetries  = 10
	defaultWaitInterval = 500 * time.Millisecond

	waitUser = "system:initialize-wait"
)

// WaitOptions configures Wait. Zero values select 10 retries every 500ms in bounded mode.
type WaitOptions struct {
	Retries  int
	Interval time.Duration
	Mode     WaitMode
}

// ParseWaitMode maps a configuration value onto a WaitMode.
func ParseWaitMode(raw string) (WaitMode, error) {
	switch WaitMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", WaitBounded:
		return WaitBounded, nil
	case WaitUnbounded:
		return WaitUnbounded, nil
	default:
		return "", fmt.Errorf("initialize: unknown wait mode %q", raw)
	}
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Retries <= 0 {
		o.Retries = defaultWaitRetries
	}
	if o.Interval <= 0 {
		o.Interval = defaultWaitInterval
	}
	if o.Mode == "" {
		o.Mode = WaitBounded
	}
	return o
}

// Wait polls the initialize item at path until the watcher has cleared its trigger
// properties. Each attempt reads through a fresh session. In bounded mode it returns
// ErrInitializationTimeout once the retries are spent; in unbounded mode only the context
// ends the wait. An item the watcher marked failed yields ErrInitializationFailed.
func Wait(ctx context.Context, repo *repository.Repository, path string, opts WaitOptions) error {
	opts = opts.withDefaults()
	for attempt := 1; ; attempt++ {
		node, err := repo.Login(waitUser).GetNode(ctx, path)
		if err != nil {
			return err
		}
		if node.StringProperty(PropStatus) == StatusFailed && HasTrigger(node) {
			return fmt.Errorf("%w: %s: %s", ErrInitializationFailed, path, node.StringProperty(PropErrorMessage))
		}
		if !HasTrigger(node) {
			return nil
		}
		if opts.Mode == WaitBounded && attempt >= opts.Retries {
			return fmt.Errorf("%w: %s after %d attempts", ErrInitializationTimeout, path, attempt)
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
