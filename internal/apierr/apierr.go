// Package apierr holds the error taxonomy shared by the token manager and the
// Moen cloud client.
package apierr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthentication covers bad credentials, rejected refresh tokens and
	// unusable token responses.
	ErrAuthentication = errors.New("authentication failed")
	// ErrConnectivity covers transport failures and timeouts.
	ErrConnectivity = errors.New("connectivity error")
	// ErrDeviceNotFound is returned for ids that are not in the device directory.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrAPI covers unexpected statuses and response shapes.
	ErrAPI = errors.New("unexpected api response")
)

// HTTPStatusError carries a non-success HTTP status and the trimmed body.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("moen api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Connectivity marks a transport error so errors.Is(err, ErrConnectivity) holds.
func Connectivity(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

// Authentication marks err as an authentication failure.
func Authentication(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// API marks err as an unexpected API response.
func API(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAPI, err)
}

// DeviceNotFound returns an ErrDeviceNotFound naming the device.
func DeviceNotFound(id string) error {
	return fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
}
