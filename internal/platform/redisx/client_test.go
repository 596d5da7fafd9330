package redisx

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not-a-url", zerolog.New(io.Discard))
	if err == nil || !strings.Contains(err.Error(), "parse redis url") {
		t.Errorf("expected parse error, got %v", err)
	}
}
