//go:build !linux

package gateway

import "fmt"

func platformOpenListener(mode Mode, addr string) (Listener, error) {
	return nil, fmt.Errorf("gateway: mode %v requires linux", mode)
}
