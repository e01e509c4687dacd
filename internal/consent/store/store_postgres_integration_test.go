//go:build integration

package store

import (
	"testing"

	"consentd/pkg/testutil/containers"
)

func TestPostgresBackend(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	testBackend(t, func(*testing.T) Backend { return NewPostgres(pg.DB) })
}

func TestPostgresBackendWithRetry(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	testBackend(t, func(*testing.T) Backend { return WithRetry(NewPostgres(pg.DB), DefaultRetryPolicy) })
}
