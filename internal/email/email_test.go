package email

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogSender_NeverErrors(t *testing.T) {
	s := NewLogSender(slog.Default())
	err := s.Send(context.Background(), "ops@example.com", "queue depth high", "queue depth exceeded threshold")
	assert.NoError(t, err)
}

func TestNewSender_LocalEnvReturnsLogSender(t *testing.T) {
	s := NewSender("local", "", "alerts@example.com", slog.Default())
	_, ok := s.(*LogSender)
	assert.True(t, ok)
}

func TestNewSender_OtherEnvReturnsResendSender(t *testing.T) {
	s := NewSender("production", "re_test_key", "alerts@example.com", slog.Default())
	_, ok := s.(*ResendSender)
	assert.True(t, ok)
}
