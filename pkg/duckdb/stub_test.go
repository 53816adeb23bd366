//go:build !duckdb

package duckdb

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"

	"github.com/sandboxws/batchmerge/pkg/operator"
)

func TestStubReturnsError(t *testing.T) {
	_, err := NewInstance(memory.DefaultAllocator, "", 0)
	assert.ErrorIs(t, err, ErrDuckDBNotAvailable)
}

func TestStubSinkReturnsError(t *testing.T) {
	s := NewSink(SinkOptions{})
	err := s.Open(operator.NewContext(context.Background(), nil, "q", "duckdb"))
	assert.ErrorIs(t, err, ErrDuckDBNotAvailable)
	assert.ErrorContains(t, err, `"results"`)
	assert.NoError(t, s.Close())
}
