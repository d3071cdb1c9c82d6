package dashboard

import (
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_SplitsLines(t *testing.T) {
	b := NewLogBuffer()
	_, err := b.Write([]byte("first\nsecond\npart"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, b.Tail(10))

	_, err = b.Write([]byte("ial\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "partial"}, b.Tail(2))
	assert.Nil(t, b.Tail(0))
}

func TestLogBuffer_KeepsMostRecent(t *testing.T) {
	b := NewLogBuffer()
	logger := log.New(b, "", 0)
	for i := 0; i < maxLogLines+5; i++ {
		logger.Printf("line %d", i)
	}
	tail := b.Tail(maxLogLines + 100)
	require.Len(t, tail, maxLogLines)
	assert.Equal(t, "line 5", tail[0])
	assert.Equal(t, fmt.Sprintf("line %d", maxLogLines+4), tail[len(tail)-1])
}

func TestLogBuffer_NotifiesListeners(t *testing.T) {
	b := NewLogBuffer()
	ch := make(chan string, 4)
	unregister := b.Listen(ch)

	_, _ = b.Write([]byte("hello\n"))
	assert.Equal(t, "hello", <-ch)

	unregister()
	_, _ = b.Write([]byte("ignored\n"))
	assert.Empty(t, ch)
}
