package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setMandatory(t *testing.T) {
	t.Setenv(twitchUsername, "ActivityBot")
	t.Setenv(twitchOauth, "oauth:secret")
	t.Setenv(twitchChannel, "#Streamer")
	t.Setenv(adminKey, "admin")
}

func TestLoadDefaults(t *testing.T) {
	setMandatory(t)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "activitybot", c.Username)
	assert.Equal(t, "secret", c.OauthToken)
	assert.Equal(t, "streamer", c.Channel)
	assert.Equal(t, "sqlite", c.DatabaseDriver)
	assert.Equal(t, "activity.db", c.DatabaseURL)
	assert.Equal(t, ":3000", c.ListenAddress)
	assert.Equal(t, 60*time.Second, c.Heartbeat)
	assert.Equal(t, 120*time.Second, c.PresenceTimeout)
	assert.Equal(t, int64(60), c.SecondsPerPoint)
	assert.Equal(t, int64(1), c.PointsPerMessage)
	assert.Equal(t, 10*time.Second, c.ChatCooldown)
	assert.Equal(t, int64(60), c.MaxChatPointsPerHour)
	assert.Equal(t, int64(6), c.MaxMessagesPerWindow)
	assert.Equal(t, 60*time.Second, c.SpamWindow)
	assert.Equal(t, 3, c.MinMessageLength)
	assert.Equal(t, int64(3), c.MaxClipsPerDay)
	assert.True(t, c.EnableChatPoints)
	assert.True(t, c.EnableViewtimePoints)
	assert.True(t, c.StreamOfflineCheck)
	assert.Equal(t, OwnershipStrict, c.ClipOwnershipMode)
	assert.Equal(t, "Europe/Berlin", c.Location.String())
	assert.False(t, c.HasAPICredentials())
}

func TestLoadMissingMandatory(t *testing.T) {
	setMandatory(t)
	t.Setenv(adminKey, "")

	_, err := Load()
	require.Error(t, err)
	var empty *EmptyValueError
	assert.ErrorAs(t, err, &empty)
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{heartbeatSeconds, "soon"},
		{enableChatPoints, "maybe"},
		{databaseDriver, "mysql"},
		{clipOwnershipMode, "lenient"},
		{secondsPerPoint, "0"},
		{timezone, "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setMandatory(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	setMandatory(t)
	t.Setenv(maxClipsPerDay, "")
	os.Unsetenv(maxClipsPerDay)
	t.Setenv(corsOrigins, "https://a.example, https://b.example")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MAX_CLIPS_PER_DAY=5\nCLIP_OWNERSHIP_MODE=Permissive\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv(maxClipsPerDay)
		os.Unsetenv(clipOwnershipMode)
	})

	c, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.MaxClipsPerDay)
	assert.Equal(t, OwnershipPermissive, c.ClipOwnershipMode)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORSOrigins)
}
