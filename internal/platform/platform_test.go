package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rulesmith/rulesmith/internal/gateway"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Complete(ctx context.Context, prompt string, cfg gateway.CallConfig) (string, error) {
	args := m.Called(ctx, prompt, cfg)
	return args.String(0), args.Error(1)
}

func TestDetectByKeywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Platform
	}{
		{
			name: "windows",
			text: "The actor ran powershell.exe and modified the registry under HKLM\\Software. Sysmon Event ID 13 captured the write.",
			want: Windows,
		},
		{
			name: "linux",
			text: "Persistence was achieved via crontab entries and a systemd unit. The dropper wrote to /etc/cron.d and tampered with auditd.",
			want: Linux,
		},
		{
			name: "macos",
			text: "The implant installs a LaunchAgent plist and abuses the keychain. Gatekeeper was bypassed with an unsigned dylib.",
			want: MacOS,
		},
		{
			name: "multiple",
			text: "On Windows the payload is mimikatz.exe abusing lsass; on Linux hosts a bash dropper edits /etc/rc.local and installs a crontab.",
			want: Multiple,
		},
	}

	d := New(nil, false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Detect(context.Background(), tt.text, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Platform)
			assert.Equal(t, "keywords", res.Source)
		})
	}
}

func TestDetectDeterministic(t *testing.T) {
	d := New(nil, false)
	text := "powershell.exe wrote to the registry; sysmon logged it"
	first, err := d.Detect(context.Background(), text, nil)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), text, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDetectUsesHintsWithoutKeywordEvidence(t *testing.T) {
	d := New(nil, false)
	res, err := d.Detect(context.Background(), "a vague advisory with no technical detail", []string{"macos"})
	require.NoError(t, err)
	assert.Equal(t, MacOS, res.Platform)
	assert.Equal(t, "hints", res.Source)
}

func TestDetectUnknownWithoutFallback(t *testing.T) {
	d := New(nil, false)
	res, err := d.Detect(context.Background(), "a vague advisory", nil)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Platform)
	assert.Equal(t, "none", res.Source)
}

func TestDetectModelFallback(t *testing.T) {
	gw := &MockGateway{}
	gw.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return(`{"platform": "linux"}`, nil)

	d := New(gw, true)
	res, err := d.Detect(context.Background(), "a vague advisory", nil)
	require.NoError(t, err)
	assert.Equal(t, Linux, res.Platform)
	assert.Equal(t, "model", res.Source)
	gw.AssertExpectations(t)
}

func TestDetectModelFallbackRejectsNonsense(t *testing.T) {
	gw := &MockGateway{}
	gw.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return(`{"platform": "templeos"}`, nil)

	d := New(gw, true)
	_, err := d.Detect(context.Background(), "a vague advisory", nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidResponse)
}

func TestExcluded(t *testing.T) {
	targets := []string{"windows"}

	assert.False(t, Excluded(Windows, targets))
	assert.True(t, Excluded(Linux, targets))
	assert.True(t, Excluded(MacOS, targets))
	// Multiple and unknown never exclude.
	assert.False(t, Excluded(Multiple, targets))
	assert.False(t, Excluded(Unknown, targets))
}
