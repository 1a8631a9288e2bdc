package mqttsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerAddress(t *testing.T) {
	testCases := []struct {
		name   string
		url    string
		port   int
		expect string
	}{
		{name: "bare host gets scheme and default port", url: "broker.local", expect: "tcp://broker.local:1883"},
		{name: "configured port", url: "broker.local", port: 1884, expect: "tcp://broker.local:1884"},
		{name: "explicit port wins", url: "tcp://broker.local:2883", port: 1884, expect: "tcp://broker.local:2883"},
		{name: "tls scheme kept", url: "tls://broker.local:8883", expect: "tls://broker.local:8883"},
		{name: "ip address", url: "10.0.0.5", expect: "tcp://10.0.0.5:1883"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Config{BrokerURL: tc.url, Port: tc.port}.BrokerAddress()
			require.NoError(t, err)
			assert.Equal(t, tc.expect, got)
		})
	}

	_, err := Config{}.BrokerAddress()
	assert.Error(t, err)
}

func TestUsesTLS(t *testing.T) {
	assert.True(t, usesTLS("tls://broker:1883"))
	assert.True(t, usesTLS("ssl://broker:1883"))
	assert.True(t, usesTLS("tcp://broker:8883"))
	assert.False(t, usesTLS("tcp://broker:1883"))
}

func TestNewTLSConfig_MissingCA(t *testing.T) {
	_, err := newTLSConfig(Config{CACertFile: "/does/not/exist.pem"}, nopLogger())
	assert.Error(t, err)

	cfg, err := newTLSConfig(Config{InsecureSkipVerify: true}, nopLogger())
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}
