package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionsCan(t *testing.T) {
	table := Transitions[string]{
		"draft":     {"confirmed", "cancelled"},
		"confirmed": {"completed", "cancelled"},
	}

	require.True(t, table.Can("draft", "confirmed"))
	require.True(t, table.Can("draft", "cancelled"))
	require.False(t, table.Can("draft", "completed"))
	require.False(t, table.Can("completed", "draft"))
	require.False(t, table.Can("unknown", "draft"))
}

func TestTransitionsEnsure(t *testing.T) {
	table := Transitions[string]{
		"draft": {"confirmed"},
	}

	require.NoError(t, table.Ensure("draft", "confirmed"))

	err := table.Ensure("confirmed", "draft")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Contains(t, err.Error(), "confirmed -> draft")
}

func TestTransitionsTerminal(t *testing.T) {
	table := Transitions[string]{
		"draft":     {"confirmed"},
		"confirmed": {},
	}

	require.False(t, table.Terminal("draft"))
	require.True(t, table.Terminal("confirmed"))
	require.True(t, table.Terminal("cancelled"))
}
