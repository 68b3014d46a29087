package kmsconnector

import (
	"encoding/json"

	"github.com/distkv/restkmsconnector/pkg/tokenstore"
)

// wireToken is the validation-token shape embedded in every outgoing
// request body (spec §4.4).
type wireToken struct {
	TokenName  string `json:"token_name"`
	TokenValue string `json:"token_value"`
}

type wireKeyIDDetail struct {
	BaseCipherID    uint64 `json:"base_cipher_id"`
	EncryptDomainID *int64 `json:"encrypt_domain_id,omitempty"`
}

type wireDomainIDDetail struct {
	EncryptDomainID int64 `json:"encrypt_domain_id"`
}

type wireBlobDomainIDDetail struct {
	DomainID int64 `json:"domain_id"`
}

// cipherKeyRequestBody is the outgoing envelope for by-key-ids and
// latest-by-domain-ids requests.
type cipherKeyRequestBody struct {
	Version          uint32      `json:"version"`
	CipherKeyDetails interface{} `json:"cipher_key_details"`
	ValidationTokens []wireToken `json:"validation_tokens"`
	RefreshKmsUrls   bool        `json:"refresh_kms_urls"`
	DebugUID         string      `json:"debug_uid,omitempty"`
}

// blobMetadataRequestBody is the outgoing envelope for blob-metadata
// requests.
type blobMetadataRequestBody struct {
	Version             uint32                   `json:"version"`
	BlobMetadataDetails []wireBlobDomainIDDetail `json:"blob_metadata_details"`
	ValidationTokens    []wireToken              `json:"validation_tokens"`
	RefreshKmsUrls      bool                     `json:"refresh_kms_urls"`
	DebugUID            string                   `json:"debug_uid,omitempty"`
}

// RequestBuilder serializes typed RPC requests into the KMS wire schema
// (spec §4.4). All tokens currently held by store are embedded in every
// request; the builder only lists the store's tokens and never writes to
// it.
type RequestBuilder struct {
	Tokens TokenLister
}

// TokenLister is the minimal view onto the validation-token store that the
// builder needs: every currently-held token, name plus value.
type TokenLister interface {
	Tokens() []tokenstore.ValidationToken
}

func (b *RequestBuilder) tokens() []wireToken {
	held := b.Tokens.Tokens()
	out := make([]wireToken, len(held))
	for i, t := range held {
		out[i] = wireToken{TokenName: t.Name, TokenValue: string(t.Value)}
	}
	return out
}

// BuildByKeyIDs builds the body for a by-key-ids request.
func (b *RequestBuilder) BuildByKeyIDs(req ByKeyIDsRequest, version uint32, refreshURLs bool) ([]byte, error) {
	details := make([]wireKeyIDDetail, len(req.KeyIDs))
	for i, k := range req.KeyIDs {
		details[i] = wireKeyIDDetail{BaseCipherID: k.BaseCipherID, EncryptDomainID: k.EncryptDomainID}
	}
	body := cipherKeyRequestBody{
		Version:          version,
		CipherKeyDetails: details,
		ValidationTokens: b.tokens(),
		RefreshKmsUrls:   refreshURLs,
		DebugUID:         req.DebugID,
	}
	return json.Marshal(body)
}

// BuildLatestByDomainIDs builds the body for a latest-by-domain-ids
// (cipher) request.
func (b *RequestBuilder) BuildLatestByDomainIDs(req LatestByDomainIDsRequest, version uint32, refreshURLs bool) ([]byte, error) {
	details := make([]wireDomainIDDetail, len(req.DomainIDs))
	for i, d := range req.DomainIDs {
		details[i] = wireDomainIDDetail{EncryptDomainID: d}
	}
	body := cipherKeyRequestBody{
		Version:          version,
		CipherKeyDetails: details,
		ValidationTokens: b.tokens(),
		RefreshKmsUrls:   refreshURLs,
		DebugUID:         req.DebugID,
	}
	return json.Marshal(body)
}

// BuildBlobMetadata builds the body for a blob-metadata request.
func (b *RequestBuilder) BuildBlobMetadata(req BlobMetadataRequest, version uint32, refreshURLs bool) ([]byte, error) {
	details := make([]wireBlobDomainIDDetail, len(req.DomainIDs))
	for i, d := range req.DomainIDs {
		details[i] = wireBlobDomainIDDetail{DomainID: d}
	}
	body := blobMetadataRequestBody{
		Version:             version,
		BlobMetadataDetails: details,
		ValidationTokens:    b.tokens(),
		RefreshKmsUrls:      refreshURLs,
		DebugUID:            req.DebugID,
	}
	return json.Marshal(body)
}
