package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePort(t *testing.T) {
	p, err := ParsePort("", 3000)
	require.NoError(t, err)
	assert.Equal(t, 3000, p)

	p, err = ParsePort(" 8080 ", 3000)
	require.NoError(t, err)
	assert.Equal(t, 8080, p)

	_, err = ParsePort("abc", 3000)
	assert.Error(t, err)

	_, err = ParsePort("70000", 3000)
	assert.Error(t, err)
}

func TestGetEnvDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("UPRELAY_TEST_DURATION", "2")
	assert.Equal(t, 2*time.Second, GetEnvDuration("UPRELAY_TEST_DURATION", time.Minute))

	t.Setenv("UPRELAY_TEST_DURATION", "750ms")
	assert.Equal(t, 750*time.Millisecond, GetEnvDuration("UPRELAY_TEST_DURATION", time.Minute))

	t.Setenv("UPRELAY_TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, GetEnvDuration("UPRELAY_TEST_DURATION", time.Minute))
}

func TestGetEnvBoolFallsBack(t *testing.T) {
	t.Setenv("UPRELAY_TEST_BOOL", "maybe")
	assert.True(t, GetEnvBool("UPRELAY_TEST_BOOL", true))

	t.Setenv("UPRELAY_TEST_BOOL", "false")
	assert.False(t, GetEnvBool("UPRELAY_TEST_BOOL", true))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "5.0 GiB", FormatBytes(5*1024*1024*1024))
}

func TestHTTPURL(t *testing.T) {
	assert.Equal(t, "http://192.168.1.20:3000", HTTPURL("192.168.1.20", 3000))
	assert.Equal(t, "http://localhost:3000", HTTPURL("localhost", 3000))
}
