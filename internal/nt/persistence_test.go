package nt

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadFileRoundTrip(t *testing.T) {
	s, _, _ := newTestServerStorage(t)
	require.True(t, s.SetEntryValue("a", MakeBoolean(true)))
	require.True(t, s.SetEntryFlags("a", FlagPersistent))
	require.True(t, s.SetEntryValue("b", MakeString("hi\nthere")))
	require.True(t, s.SetEntryFlags("b", FlagPersistent))
	require.True(t, s.SetEntryValue("c", MakeDouble(-0.0)))
	require.True(t, s.SetEntryFlags("c", FlagPersistent))

	path := filepath.Join(t.TempDir(), "entries.ini")
	require.NoError(t, s.SaveFile(path))
	assert.False(t, s.Dirty())

	loaded, _, _ := newTestServerStorage(t)
	warnings, err := loaded.LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	for _, tc := range []struct {
		name string
		want Value
	}{
		{"a", MakeBoolean(true)},
		{"b", MakeString("hi\nthere")},
		{"c", MakeDouble(-0.0)},
	} {
		v, ok := loaded.GetEntryValue(tc.name)
		require.True(t, ok, tc.name)
		assert.True(t, tc.want.Equal(v), "%s: want %v got %v", tc.name, tc.want, v)

		flags, ok := loaded.GetEntryFlags(tc.name)
		require.True(t, ok)
		assert.True(t, flags.Persistent())
	}
}

func TestLoadMalformedLineDoesNotBlockRest(t *testing.T) {
	s, _, _ := newTestServerStorage(t)

	input := strings.Join([]string{
		persistentHeader,
		`double "good1"=1.5`,
		`double "bad"=not-a-number`,
		`boolean "good2"=true`,
		`unknownkw "x"=y`,
	}, "\n") + "\n"

	warnings, err := s.Load(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, warnings, 2)

	v, ok := s.GetEntryValue("good1")
	require.True(t, ok)
	assert.True(t, v.Equal(MakeDouble(1.5)))

	v, ok = s.GetEntryValue("good2")
	require.True(t, ok)
	assert.True(t, v.Equal(MakeBoolean(true)))

	_, ok = s.GetEntryValue("bad")
	assert.False(t, ok)
}

func TestLoadMissingHeaderErrors(t *testing.T) {
	s, _, _ := newTestServerStorage(t)
	_, err := s.Load(strings.NewReader(`double "x"=1`))
	assert.Error(t, err)
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"with\\backslash",
		`with"quote`,
		"with\nnewline",
		"with\ttab",
		"with\x01control",
		"",
	}
	for _, s := range cases {
		escaped := escapePersistent(s)
		got, err := unescapePersistent(escaped)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestEncodeDecodePersistentLineArrays(t *testing.T) {
	cases := []Value{
		MakeBooleanArray([]bool{true, false}),
		MakeDoubleArray([]float64{1, 2.5, -3}),
		MakeStringArray([]string{"a", "b,c", `d"e`}),
		MakeRaw([]byte{0, 1, 2, 255}),
	}
	for _, v := range cases {
		line, ok := encodePersistentLine("/k", v)
		require.True(t, ok)
		kw, name, repr, err := parsePersistentLine(line)
		require.NoError(t, err)
		assert.Equal(t, "/k", name)
		got, err := decodePersistentValue(kw, repr)
		require.NoError(t, err)
		assert.True(t, v.Equal(got), "%v != %v", v, got)
	}
}
