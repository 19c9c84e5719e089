package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategoryFields(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.DebugLevel)
	l := New(lg, false, nil)

	l.Debugf("Registry:onFinished", "url:%s", "http://example.test/")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "url:http://example.test/", entry.Message)
	assert.Equal(t, "Registry:onFinished", entry.Data["category"])
	assert.Contains(t, entry.Data, "elapsed")
	assert.Contains(t, entry.Data, "goroutine")
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	lg.SetLevel(logrus.WarnLevel)
	l := New(lg, false, nil)

	l.Debugf("cat", "dropped")
	l.Infof("cat", "dropped")
	l.Warnf("cat", "kept")
	l.Errorf("cat", "kept too")

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level)
	assert.Equal(t, logrus.ErrorLevel, hook.AllEntries()[1].Level)
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	lg, hook := test.NewNullLogger()
	l := New(lg, false, regexp.MustCompile(`^Session`))

	l.Infof("Registry:onCreated", "filtered")
	l.Infof("Session:open", "kept")

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "kept", hook.LastEntry().Message)
}

func TestLoggerNil(t *testing.T) {
	t.Parallel()

	var l *Logger
	assert.NotPanics(t, func() { l.Infof("cat", "nothing") })
}

func TestNewFromEnv(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		l, err := NewFromEnv(&bytes.Buffer{}, func(string) (string, bool) { return "", false })
		require.NoError(t, err)
		assert.Equal(t, logrus.InfoLevel, l.Log.GetLevel())
		assert.False(t, l.DebugMode())
	})
	t.Run("level_and_filter", func(t *testing.T) {
		t.Parallel()

		vars := map[string]string{
			"GHOST_LOG_LEVEL":           "debug",
			"GHOST_LOG_CATEGORY_FILTER": "Wait",
		}
		var buf bytes.Buffer
		l, err := NewFromEnv(&buf, func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		})
		require.NoError(t, err)
		assert.True(t, l.DebugMode())

		l.Debugf("Session:open", "hidden")
		l.Debugf("Wait:for", "shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
	t.Run("bad_level", func(t *testing.T) {
		t.Parallel()

		_, err := NewFromEnv(&bytes.Buffer{}, func(k string) (string, bool) {
			if k == "GHOST_LOG_LEVEL" {
				return "loud", true
			}
			return "", false
		})
		require.ErrorContains(t, err, "GHOST_LOG_LEVEL")
	})
}
