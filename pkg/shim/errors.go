package shim

import (
	"errors"
	"fmt"
)

// ErrAssetFetch is matched by every install-time asset failure.
var ErrAssetFetch = errors.New("asset fetch failed")

// AssetFetchError reports the manifest asset that made Install fail.
// StatusCode is set when the origin answered with a non-2xx status.
type AssetFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *AssetFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrAssetFetch, e.URL, e.Err)
	}
	return fmt.Sprintf("%v: %s: status %d", ErrAssetFetch, e.URL, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AssetFetchError) Unwrap() error {
	return e.Err
}

// Is reports AssetFetchError as ErrAssetFetch.
func (e *AssetFetchError) Is(target error) bool {
	return target == ErrAssetFetch
}
