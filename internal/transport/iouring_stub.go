//go:build !giouring

package transport

import "fmt"

// newAccelerated is available when built with -tags giouring.
func newAccelerated(cfg Config) (Transport, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}
