package shared

import "fmt"

// Attempt runs fn up to max times, retrying only when retryable(err) reports
// true. Any other error propagates immediately. When the retry budget is
// exhausted the last error is returned wrapped.
func Attempt(max int, retryable func(error) bool, fn func() error) error {
	if max < 1 {
		max = 1
	}
	var err error
	for i := 0; i < max; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("retry budget of %d exhausted: %w", max, err)
}
