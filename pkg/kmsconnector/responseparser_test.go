package kmsconnector

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParser() *ResponseParser {
	return &ResponseParser{
		MaxSupportedCipherVersion: 1,
		MaxSupportedBlobVersion:   1,
		MaxBaseCipherLen:          32,
	}
}

func kindOf(t *testing.T, err error) kmserrors.Kind {
	t.Helper()
	var kerr *kmserrors.Error
	require.ErrorAs(t, err, &kerr)
	return kerr.Kind
}

// TestParseCipherKeyResponseHappyPath exercises S3.
func TestParseCipherKeyResponseHappyPath(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"cipher_key_details": []map[string]interface{}{
			{"encrypt_domain_id": 5, "base_cipher_id": 12345, "base_cipher": key},
		},
	})

	p := newParser()
	details, err := p.ParseCipherKeyResponse(body)
	require.NoError(t, err)
	require.Len(t, details, 1)
	d := details[0]
	assert.EqualValues(t, 5, d.EncryptDomainID)
	assert.EqualValues(t, 12345, d.BaseCipherID)
	assert.Equal(t, key, d.BaseCipher)

	sum := sha256.Sum256(key)
	assert.Equal(t, binary.BigEndian.Uint32(sum[:4]), d.KCV)
}

func TestParseCipherKeyResponseInvalidVersionIsMalformed(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{"version": InvalidVersion, "cipher_key_details": []map[string]interface{}{}})
	_, err := newParser().ParseCipherKeyResponse(body)
	require.Error(t, err)
	assert.Equal(t, kmserrors.KindMalformedResponse, kindOf(t, err))
}

func TestParseCipherKeyResponseVersionAboveMaxIsMalformed(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{"version": 2, "cipher_key_details": []map[string]interface{}{}})
	_, err := newParser().ParseCipherKeyResponse(body)
	require.Error(t, err)
	assert.Equal(t, kmserrors.KindMalformedResponse, kindOf(t, err))
}

func TestParseCipherKeyResponseErrorObjectWinsOverDetails(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"cipher_key_details": []map[string]interface{}{
			{"encrypt_domain_id": 1, "base_cipher_id": 1, "base_cipher": []byte("x")},
		},
		"error": map[string]interface{}{"err_msg": "nope", "err_code": "E1"},
	})
	_, err := newParser().ParseCipherKeyResponse(body)
	require.Error(t, err)
	assert.Equal(t, kmserrors.KindKeysFetchFailed, kindOf(t, err))
}

func TestParseCipherKeyResponseBaseCipherAtMaxLenParses(t *testing.T) {
	p := newParser()
	key := make([]byte, p.MaxBaseCipherLen)
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"cipher_key_details": []map[string]interface{}{
			{"encrypt_domain_id": 1, "base_cipher_id": 1, "base_cipher": key},
		},
	})
	_, err := p.ParseCipherKeyResponse(body)
	assert.NoError(t, err)
}

func TestParseCipherKeyResponseBaseCipherOverMaxLenFails(t *testing.T) {
	p := newParser()
	key := make([]byte, p.MaxBaseCipherLen+1)
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"cipher_key_details": []map[string]interface{}{
			{"encrypt_domain_id": 1, "base_cipher_id": 1, "base_cipher": key},
		},
	})
	_, err := p.ParseCipherKeyResponse(body)
	require.Error(t, err)
	assert.Equal(t, kmserrors.KindMaxBaseCipherLen, kindOf(t, err))
}

func TestParseCipherKeyResponseMissingFieldIsMalformed(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"cipher_key_details": []map[string]interface{}{
			{"encrypt_domain_id": 1, "base_cipher": []byte("x")},
		},
	})
	_, err := newParser().ParseCipherKeyResponse(body)
	require.Error(t, err)
	assert.Equal(t, kmserrors.KindMalformedResponse, kindOf(t, err))
}

func TestParseCipherKeyResponseRefreshAfterZeroIsAbsent(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"cipher_key_details": []map[string]interface{}{
			{"encrypt_domain_id": 1, "base_cipher_id": 1, "base_cipher": []byte("x"), "refresh_after_sec": 0},
		},
	})
	details, err := newParser().ParseCipherKeyResponse(body)
	require.NoError(t, err)
	assert.EqualValues(t, 0, details[0].RefreshAfterSec)
}

// TestParseCipherKeyResponseSideBandRefresh exercises S6.
func TestParseCipherKeyResponseSideBandRefresh(t *testing.T) {
	var refreshed []string
	p := newParser()
	p.URLRefresh = func(urls []string) { refreshed = urls }

	body := mustJSON(t, map[string]interface{}{
		"version":            1,
		"cipher_key_details":  []map[string]interface{}{{"encrypt_domain_id": 1, "base_cipher_id": 1, "base_cipher": []byte("x")}},
		"kms_urls":           []string{"https://new1", "https://new2"},
	})
	_, err := p.ParseCipherKeyResponse(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://new1", "https://new2"}, refreshed)
}

func TestParseCipherKeyResponseMalformedSideBandIsSwallowedWhenDetailsExist(t *testing.T) {
	var called bool
	p := newParser()
	p.URLRefresh = func(urls []string) { called = true }

	raw := `{"version":1,"cipher_key_details":[{"encrypt_domain_id":1,"base_cipher_id":1,"base_cipher":"eA=="}],"kms_urls":[1,2]}`
	details, err := p.ParseCipherKeyResponse([]byte(raw))
	require.NoError(t, err)
	assert.Len(t, details, 1)
	assert.False(t, called)
}

func TestParseCipherKeyResponseMalformedSideBandIsFatalWhenNoDetails(t *testing.T) {
	raw := `{"version":1,"cipher_key_details":[],"kms_urls":[1,2]}`
	_, err := newParser().ParseCipherKeyResponse([]byte(raw))
	require.Error(t, err)
	assert.Equal(t, kmserrors.KindOperationFailed, kindOf(t, err))
}

func TestParseBlobMetadataResponseConvertsToAbsoluteDeadlines(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"blob_metadata_details": []map[string]interface{}{
			{
				"domain_id":         7,
				"locations":         []map[string]interface{}{{"id": 1, "path": "/a"}},
				"refresh_after_sec": 60,
			},
		},
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	details, err := newParser().ParseBlobMetadataResponse(body, now)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.EqualValues(t, 7, details[0].DomainID)
	assert.Equal(t, now.Add(60*time.Second), details[0].RefreshAfter)
	assert.True(t, details[0].ExpireAfter.After(now.Add(100*365*24*time.Hour)))
}

// TestParseBlobMetadataResponseExpireAfterSecIsPresenceGated confirms
// expire_after_sec is converted whenever the field is present, even when
// its value is zero, matching the cipher-detail path's handling of the
// same field.
func TestParseBlobMetadataResponseExpireAfterSecIsPresenceGated(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{
		"version": 1,
		"blob_metadata_details": []map[string]interface{}{
			{
				"domain_id":        7,
				"locations":        []map[string]interface{}{{"id": 1, "path": "/a"}},
				"expire_after_sec": 0,
			},
		},
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	details, err := newParser().ParseBlobMetadataResponse(body, now)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, now, details[0].ExpireAfter)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
