// Package persist implements atomic JSON snapshot persistence shared by the
// task, schedule, and feedback stores.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/autonomy-core/internal/retry"
)

// saveRetry bounds retries of a transient snapshot-write failure, e.g. the
// directory momentarily unwritable under disk pressure. A marshal failure
// is never transient, so it's returned before the retry loop starts.
var saveRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Factor:       2.0,
	Jitter:       true,
}

// SaveJSON marshals v and writes it to path atomically: write to a temp file
// in the same directory, then rename over the destination. A reader never
// observes a partially written file. Write and rename failures are retried
// with backoff; a marshal failure is permanent and returned immediately.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp := path + ".tmp"
	result := retry.Do(context.Background(), saveRetry, func() error {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("persist: mkdir %s: %w", dir, err)
		}
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("persist: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("persist: rename %s: %w", path, err)
		}
		return nil
	})
	return result.Err
}

// LoadJSON unmarshals path into v. A missing file is not an error: v is left
// unmodified (the caller's zero value stands as the empty default). A file
// that exists but fails to parse is reported, so callers can log and fall
// back to an empty state explicitly rather than silently losing data.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("persist: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("persist: unmarshal %s: %w", path, err)
	}
	return nil
}
