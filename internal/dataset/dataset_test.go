package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVSource_Prompts(t *testing.T) {
	dir := t.TempDir()
	content := "id,Input_Prompt,tokens\n" +
		"1,\"Explain TCP, briefly\",32\n" +
		"2,What is a goroutine?,32\n" +
		"3,,32\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dataset_32.csv"), []byte(content), 0644))

	src := NewCSVSource(dir)
	prompts, err := src.Prompts(32)
	require.NoError(t, err)
	assert.Equal(t, []string{"Explain TCP, briefly", "What is a goroutine?"}, prompts)
}

func TestCSVSource_MissingFileNamesPath(t *testing.T) {
	src := NewCSVSource(t.TempDir())
	_, err := src.Prompts(256)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Dataset_256.csv")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadPrompts_Errors(t *testing.T) {
	_, err := ReadPrompts(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyBucket)

	_, err = ReadPrompts(strings.NewReader("prompt\nhello\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = ReadPrompts(strings.NewReader("Input_Prompt\n"))
	assert.ErrorIs(t, err, ErrEmptyBucket)
}

func TestReadPrompts_BOMHeader(t *testing.T) {
	prompts, err := ReadPrompts(strings.NewReader("\ufeffInput_Prompt\nhi\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, prompts)
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{32: {"a", "b"}}

	prompts, err := src.Prompts(32)
	require.NoError(t, err)
	prompts[0] = "mutated"

	again, err := src.Prompts(32)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0])

	_, err = src.Prompts(64)
	assert.ErrorIs(t, err, ErrEmptyBucket)
}
