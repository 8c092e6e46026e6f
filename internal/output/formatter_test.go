package output

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type row struct {
	Name    string    `json:"name" yaml:"name"`
	Count   int       `json:"count" yaml:"count"`
	Seen    time.Time `json:"seen" yaml:"seen"`
	Secret  string    `json:"-" yaml:"-"`
	private string
}

func TestNewFormatter(t *testing.T) {
	assert.IsType(t, &TableFormatter{}, NewFormatter(""))
	assert.IsType(t, &TableFormatter{}, NewFormatter("table"))
	assert.IsType(t, &JSONFormatter{}, NewFormatter("JSON"))
	assert.IsType(t, &YAMLFormatter{}, NewFormatter("yml"))

	assert.True(t, ValidFormat("yaml"))
	assert.False(t, ValidFormat("xml"))
}

func TestTableFormatterStruct(t *testing.T) {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := NewFormatter("table").Format(&row{Name: "alpha", Count: 2, Seen: seen, Secret: "s3cret", private: "x"})

	assert.Contains(t, out, "Name:")
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "private")
}

func TestTableFormatterSlice(t *testing.T) {
	out := NewFormatter("table").Format([]row{{Name: "a", Count: 1}, {Name: "b"}})
	lines := strings.Split(strings.TrimSpace(out), "\n")

	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[2], "-")

	assert.Equal(t, "Nothing to show.\n", NewFormatter("table").Format([]row{}))
}

func TestJSONAndYAML(t *testing.T) {
	r := row{Name: "alpha", Count: 3, Secret: "s3cret"}

	js := NewFormatter("json").Format(r)
	assert.Contains(t, js, `"name": "alpha"`)
	assert.NotContains(t, js, "s3cret")

	ym := NewFormatter("yaml").Format(r)
	assert.Contains(t, ym, "name: alpha")
	assert.Contains(t, ym, "count: 3")
}
