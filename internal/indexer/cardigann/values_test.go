package cardigann

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1 KB", 1024},
		{"1.5 GB", 1610612736},
		{"1,5 GiB", 1610612736},
		{"700 MB", 734003200},
		{"2 TB", 2199023255552},
		{"1.234.567 B", 1234567},
		{"1,234,567 bytes", 1234567},
		{"2 048 KB", 2097152},
		{"1,024.50 MB", 1074266112},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"42", 42},
		{"1,234", 1234},
		{"1.234.567", 1234567},
		{"1 234", 1234},
		{"12.5", 12},
		{" 7 ", 7},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInt(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMagnetLinks(t *testing.T) {
	magnet := BuildMagnetLink("abcdef0123456789abcdef0123456789abcdef01", "Some Title")

	assert.True(t, strings.HasPrefix(magnet, "magnet:?xt=urn:btih:ABCDEF0123456789ABCDEF0123456789ABCDEF01"))
	assert.Contains(t, magnet, "&dn=Some+Title")
	assert.Contains(t, magnet, "&tr=")
	assert.Equal(t, "ABCDEF0123456789ABCDEF0123456789ABCDEF01", InfoHashFromMagnet(magnet))

	assert.Empty(t, InfoHashFromMagnet("https://example.org/file.torrent"))
}

func TestFirstNumber(t *testing.T) {
	assert.Equal(t, 1234, firstNumber("https://www.themoviedb.org/movie/1234-title"))
	assert.Equal(t, 0, firstNumber("none"))
}

func TestSplitGenres(t *testing.T) {
	assert.Equal(t, []string{"Action", "Science Fiction", "Drama"}, splitGenres("Action, Science_Fiction | Drama"))
	assert.Empty(t, splitGenres(" , "))
}
