package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSet_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		set     TokenSet
		wantErr string
	}{
		{name: "valid", set: TokenSet{"ssh": "A", "web": "B"}},
		{name: "empty set", set: TokenSet{}, wantErr: "empty"},
		{name: "nil set", set: nil, wantErr: "empty"},
		{name: "empty token", set: TokenSet{"ssh": ""}, wantErr: `token for service "ssh" is empty`},
		{name: "blank id", set: TokenSet{" ": "A"}, wantErr: "identifier is empty"},
		{name: "padded token", set: TokenSet{"ssh": "A\n"}, wantErr: "whitespace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTokenSet_CloneAndEqual(t *testing.T) {
	t.Parallel()

	orig := TokenSet{"ssh": "A"}
	clone := orig.Clone()
	assert.True(t, orig.Equal(clone))

	clone["ssh"] = "B"
	assert.Equal(t, "A", orig["ssh"], "clone must not alias the original")
	assert.False(t, orig.Equal(clone))
	assert.False(t, orig.Equal(TokenSet{"ssh": "A", "web": "C"}))
	assert.Nil(t, TokenSet(nil).Clone())
}

func TestTokenSet_Diff(t *testing.T) {
	t.Parallel()

	set := TokenSet{"ssh": "A", "web": "B", "metrics": "C"}
	unknown, missing := set.Diff([]string{"ssh", "web", "db"})

	assert.Equal(t, []string{"metrics"}, unknown)
	assert.Equal(t, []string{"db"}, missing)
}

func TestTokenSet_ServicesSortedAndContains(t *testing.T) {
	t.Parallel()

	set := TokenSet{"web": "B", "ssh": "A"}
	assert.Equal(t, []string{"ssh", "web"}, set.Services())
	assert.True(t, set.Contains("B"))
	assert.False(t, set.Contains("Z"))
	assert.ElementsMatch(t, []string{"A", "B"}, set.Values())
}

func TestParse(t *testing.T) {
	t.Parallel()

	set, err := Parse([]string{"ssh=A", "web=B=C"})
	require.NoError(t, err)
	assert.Equal(t, TokenSet{"ssh": "A", "web": "B=C"}, set)

	_, err = Parse([]string{"ssh"})
	assert.ErrorContains(t, err, "expected service=value")

	_, err = Parse([]string{"ssh=A", "ssh=B"})
	assert.ErrorContains(t, err, "more than once")

	_, err = Parse([]string{"ssh="})
	assert.ErrorContains(t, err, "empty")
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	set, err := Generate([]string{"ssh", "web"}, 0)
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.NoError(t, set.Validate())
	assert.NotEqual(t, set["ssh"], set["web"])
	assert.Len(t, set["ssh"], 43, "32 bytes encode to 43 unpadded base64 characters")

	_, err = Generate([]string{"ssh"}, 8)
	assert.ErrorContains(t, err, "too small")

	_, err = Generate(nil, 32)
	assert.Error(t, err)
}
