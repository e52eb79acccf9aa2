package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitTokensAndPayload(t *testing.T) {
	tokens, payload := Split(`REGISTER seeder alice {"files":[{"name":"a"}]}`, 3)
	assert.Equal(t, []string{"REGISTER", "seeder", "alice"}, tokens)
	assert.Equal(t, `{"files":[{"name":"a"}]}`, payload)
}

func TestSplitFewerTokensThanMax(t *testing.T) {
	tokens, payload := Split("PING", 4)
	assert.Equal(t, []string{"PING"}, tokens)
	assert.Empty(t, payload)
}

func TestSplitTrimsTrailingNewline(t *testing.T) {
	tokens, _ := Split("PING\r\n", 4)
	assert.Equal(t, []string{"PING"}, tokens)
}

func TestSplitPreservesInternalSpacesInPayload(t *testing.T) {
	_, payload := Split(`GET_PEERS movie.mp4 {"a": "has spaces"}`, 2)
	assert.Equal(t, `{"a": "has spaces"}`, payload)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "200", StatusCode("200 OK"))
	assert.Equal(t, "404", StatusCode("404 FILE_NOT_FOUND"))
	assert.Equal(t, "OK", StatusCode("OK"))
}
