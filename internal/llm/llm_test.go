package llm

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWAFBody(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"<html><body>Access denied</body></html>", true},
		{"<!DOCTYPE html><title>Just a moment...</title>", true},
		{"Attention Required! | Cloudflare", true},
		{"The scheduler triggers reindex runs every N minutes.", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isWAFBody(tc.text), tc.text)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(fmt.Errorf("upstream returned 503")))
	assert.True(t, retryable(fmt.Errorf("request timeout exceeded")))
	assert.True(t, retryable(fmt.Errorf("read: connection reset by peer")))
	assert.False(t, retryable(fmt.Errorf("invalid api key provided")))
}

func TestEstimateUsage(t *testing.T) {
	usage := estimateUsage("gpt-4o-mini", []Message{
		System("you are helpful"),
		User("what is the answer"),
	}, "the answer is forty two")

	assert.Greater(t, usage.InputTokens, 0)
	assert.Greater(t, usage.OutputTokens, 0)
	assert.Equal(t, usage.InputTokens+usage.OutputTokens, usage.TotalTokens)
}

func TestScriptedChat(t *testing.T) {
	c := NewScriptedClient("first", "second")

	answer, usage, err := c.Chat(context.Background(), Request{Messages: []Message{User("q1")}})
	require.NoError(t, err)
	assert.Equal(t, "first", answer)
	assert.Greater(t, usage.TotalTokens, 0)

	answer, _, err = c.Chat(context.Background(), Request{Messages: []Message{User("q2")}})
	require.NoError(t, err)
	assert.Equal(t, "second", answer)

	// Past the end repeats the last response.
	answer, _, err = c.Chat(context.Background(), Request{Messages: []Message{User("q3")}})
	require.NoError(t, err)
	assert.Equal(t, "second", answer)
	assert.Equal(t, 3, c.Calls())
}

func TestScriptedChatError(t *testing.T) {
	c := NewScriptedClient("later").FailWith(fmt.Errorf("boom"))

	_, _, err := c.Chat(context.Background(), Request{Messages: []Message{User("q")}})
	require.Error(t, err)

	answer, _, err := c.Chat(context.Background(), Request{Messages: []Message{User("q")}})
	require.NoError(t, err)
	assert.Equal(t, "later", answer)
}

func TestScriptedStream(t *testing.T) {
	c := NewScriptedClient("a reasonably long streamed answer body")

	seq, result := c.ChatStream(context.Background(), Request{Messages: []Message{User("q")}})
	var got strings.Builder
	for delta, err := range seq {
		require.NoError(t, err)
		got.WriteString(delta)
	}

	assert.Equal(t, "a reasonably long streamed answer body", got.String())
	assert.True(t, result.Finished)
	assert.Equal(t, got.String(), result.Answer)
	assert.Greater(t, result.Usage.TotalTokens, 0)
}

func TestScriptedStreamEarlyStop(t *testing.T) {
	c := NewScriptedClient(strings.Repeat("chunk ", 50))

	seq, result := c.ChatStream(context.Background(), Request{Messages: []Message{User("q")}})
	count := 0
	for range seq {
		count++
		if count == 2 {
			break
		}
	}
	assert.False(t, result.Finished, "abandoned stream is not finished")
}
