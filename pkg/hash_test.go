package dircachefingerprint

import (
	"hash"
	"hash/adler32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinAlgorithmDigests(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"md5", "", "d41d8cd98f00b204e9800998ecf8427e"},
		{"sha1", "abc", "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{"sha256", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"sha256", "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"crc32", "123456789", "cbf43926"},
		{"blake3", "", "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{"xxh64", "", "ef46db3751d8e999"},
		{"sha3-256", "", "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a"},
	}

	for _, tc := range testCases {
		t.Run(tc.name+"/"+tc.input, func(t *testing.T) {
			alg, err := GetHashAlgorithm(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, HashStringToHexString(tc.input, alg))
			assert.Len(t, HashBytes([]byte(tc.input), alg), alg.Size)
		})
	}
}

func TestGetHashAlgorithm(t *testing.T) {
	alg, err := GetHashAlgorithm(" SHA256 ")
	require.NoError(t, err)
	assert.Equal(t, "sha256", alg.Name)

	byType, err := GetHashAlgorithmByType(alg.TypeID)
	require.NoError(t, err)
	assert.Same(t, alg, byType)

	_, err = GetHashAlgorithm("whirlpool")
	assert.Error(t, err)
}

func TestRegisterHashAlgorithm(t *testing.T) {
	alg, err := RegisterHashAlgorithm("adler32-test", 4, func() hash.Hash { return adler32.New() })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, alg.TypeID, HashTypeCustomBase)
	assert.Contains(t, HashAlgorithmNames(), "adler32-test")

	algorithms, err := ParseAlgorithmList("sha1,adler32-test")
	require.NoError(t, err)
	assert.Equal(t, []string{"sha1", "adler32-test"}, AlgorithmNames(algorithms))

	_, err = RegisterHashAlgorithm("adler32-test", 4, func() hash.Hash { return adler32.New() })
	assert.Error(t, err, "duplicate registration must fail")

	_, err = RegisterHashAlgorithm("bad,name", 4, func() hash.Hash { return adler32.New() })
	assert.Error(t, err)
	_, err = RegisterHashAlgorithm("zero-size", 0, func() hash.Hash { return adler32.New() })
	assert.Error(t, err)
	_, err = RegisterHashAlgorithm("no-ctor", 4, nil)
	assert.Error(t, err)
}

func TestParseAlgorithmList(t *testing.T) {
	algorithms, err := ParseAlgorithmList("blake3, sha256,blake3,,xxh3")
	require.NoError(t, err)
	assert.Equal(t, []string{"blake3", "sha256", "xxh3"}, AlgorithmNames(algorithms))

	_, err = ParseAlgorithmList(" , ")
	assert.Error(t, err)
	_, err = ParseAlgorithmList("sha256,nope")
	assert.Error(t, err)
}
