package store

import "testing"

func TestInMemoryBackend(t *testing.T) {
	testBackend(t, func(*testing.T) Backend { return NewInMemory() })
}
