package firestore

import (
	"encoding/json"
	"errors"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestExtractTelegramsSessionEnvelope(t *testing.T) {
	telegrams, err := extractTelegrams(`[[0,["c","XrzGTQGX9ETvyCg6j6Rjyg","",8,12,30000]]]`)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(telegrams), 1)
	assert.Equal(t, telegrams[0].msgNo, int64(0))
	assert.Equal(t, telegrams[0].payload, `["c","XrzGTQGX9ETvyCg6j6Rjyg","",8,12,30000]`)
}

func TestExtractTelegramsMultiple(t *testing.T) {
	telegrams, err := extractTelegrams(`[[1,["noop"]],[2,["noop"]],[3,[{"targetChange":{}}]]]`)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(telegrams), 3)
	assert.Equal(t, telegrams[0].msgNo, int64(1))
	assert.Equal(t, telegrams[1].msgNo, int64(2))
	assert.Equal(t, telegrams[2].msgNo, int64(3))
	assert.Equal(t, telegrams[2].payload, `[{"targetChange":{}}]`)
}

func TestExtractTelegramsBareObjectPayload(t *testing.T) {
	telegrams, err := extractTelegrams(`[[7,{"documentChange":{"targetIds":[4]}}]]`)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(telegrams), 1)
	assert.Equal(t, telegrams[0].msgNo, int64(7))
	assert.Equal(t, telegrams[0].payload, `{"documentChange":{"targetIds":[4]}}`)
}

func TestExtractTelegramsStructuralCharactersInStrings(t *testing.T) {
	// brackets, braces, commas and escaped quotes inside strings must not
	// move the depth counters
	telegrams, err := extractTelegrams(`[[4,[{"a":"[{,}]","b":"\"x\"","c":"]}"}]]]`)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(telegrams), 1)

	var decoded []map[string]string
	err = json.Unmarshal([]byte(telegrams[0].payload), &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded[0]["a"], "[{,}]")
	assert.Equal(t, decoded[0]["b"], `"x"`)
	assert.Equal(t, decoded[0]["c"], "]}")
}

func TestExtractTelegramsNewlineHandling(t *testing.T) {
	// newlines inside strings survive verbatim, newlines outside strings
	// are stripped
	frame := "[[5,\n[{\"text\":\"line1\\nline2\"}\n]\n]]"
	telegrams, err := extractTelegrams(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, telegrams[0].payload, `[{"text":"line1\nline2"}]`)

	frameRawNewline := "[[6,[{\"text\":\"a\nb\"}]]]"
	telegrams, err = extractTelegrams(frameRawNewline)
	assert.Equal(t, err, nil)
	assert.Equal(t, telegrams[0].payload, "[{\"text\":\"a\nb\"}]")
}

func TestExtractTelegramsMalformed(t *testing.T) {
	_, err := extractTelegrams(`{"not":"a frame"}`)
	assert.Equal(t, errors.Is(err, ErrProtocol), true)

	_, err = extractTelegrams(`[(1,["noop"])]`)
	assert.Equal(t, errors.Is(err, ErrProtocol), true)

	_, err = extractTelegrams(`[[1,x]]`)
	assert.Equal(t, errors.Is(err, ErrProtocol), true)

	_, err = extractTelegrams(`[[1]]`)
	assert.Equal(t, errors.Is(err, ErrProtocol), true)
}

func TestExtractTelegramsTruncated(t *testing.T) {
	// the frame envelope closes but the payload depth never returns to
	// zero: genuinely malformed, not a short read
	_, err := extractTelegrams(`[[8,[{"a":1]]`)
	assert.Equal(t, errors.Is(err, ErrProtocol), true)
}

func TestScanValueBareLiteral(t *testing.T) {
	value, next, err := scanValue(`"noop"]`, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, `"noop"`)
	assert.Equal(t, next, 6)
}
