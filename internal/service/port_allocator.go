package service

import (
	"fmt"
	"math/rand"
)

// portDrawAttempts bounds the random draw loop. The range holds tens of
// thousands of ports, so exhausting the draws means the range itself is
// close to full.
const portDrawAttempts = 64

// PortAllocator draws ports for new accounts from a fixed range. The
// draw is checked against a point-in-time snapshot of in-use ports; the
// database unique index is the real guarantee, so callers must re-draw
// when the insert reports a port collision.
type PortAllocator struct {
	min int
	max int
}

func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{min: min, max: max}
}

// Draw picks a random port from the range that is absent from inUse
func (a *PortAllocator) Draw(inUse map[int]bool) (int, error) {
	span := a.max - a.min + 1
	if span <= 0 {
		return 0, fmt.Errorf("invalid port range %d-%d", a.min, a.max)
	}
	if len(inUse) >= span {
		return 0, &ConflictError{Reason: fmt.Sprintf("no free ports in range %d-%d", a.min, a.max)}
	}
	for i := 0; i < portDrawAttempts; i++ {
		port := a.min + rand.Intn(span)
		if !inUse[port] {
			return port, nil
		}
	}
	return 0, &ConflictError{Reason: fmt.Sprintf("no free port found after %d draws", portDrawAttempts)}
}
