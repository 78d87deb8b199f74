package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorktreeDirName(t *testing.T) {
	tests := []struct {
		name     string
		repoName string
		id       string
		want     string
	}{
		{
			name:     "owner slash repo",
			repoName: "acme/widgets",
			id:       "0f5c9a1e-8d77-4a3b-9c2f-1e0b6a7d4c3e",
			want:     "acme-widgets-0f5c9a1e",
		},
		{
			name:     "uppercase and special characters stripped",
			repoName: "Acme/My Widgets!",
			id:       "abcdef1234567890",
			want:     "acme-mywidgets-abcdef12",
		},
		{
			name:     "short id kept whole",
			repoName: "widgets",
			id:       "abc",
			want:     "widgets-abc",
		},
		{
			name:     "empty repo name falls back",
			repoName: "",
			id:       "abcdef1234567890",
			want:     "repo-abcdef12",
		},
		{
			name:     "only invalid characters falls back",
			repoName: "@@@",
			id:       "abcdef1234567890",
			want:     "repo-abcdef12",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WorktreeDirName(tc.repoName, tc.id))
		})
	}
}

func TestWorktreeDirName_Truncates(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "verylongsegment/"
	}
	got := WorktreeDirName(long, "abcdef1234567890")
	assert.LessOrEqual(t, len(got), 128)
}
