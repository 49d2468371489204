package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

//Tier identifies one of the two cache tiers.
// Curated entries are permanent, hot entries expire after the configured TTL
type Tier string

const (
	//TierCurated holds entries vetted by the crawler or an administrator, they never expire
	TierCurated Tier = "curated"

	//TierHot holds entries populated by the request pipeline, they expire after the hot TTL
	TierHot Tier = "hot"
)

//A Header is a single response header.
// Headers are kept as an ordered slice instead of a map so that duplicates
// and the original order survive a round trip through the store
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

//A CachedResponse is a fully buffered archived response as stored in a cache tier.
// The body is stored content-decoded. encoding/json base64-encodes the byte
// slice which makes the envelope safe for binary assets in a string-only store
type CachedResponse struct {
	StatusCode  int      `json:"status_code"`
	Headers     []Header `json:"headers"`
	Body        []byte   `json:"body"`
	ContentType string   `json:"content_type"`
	StoredAt    int64    `json:"stored_at"`
	SourceURL   string   `json:"source_url"`
	ArchiveDate string   `json:"archive_date"`
}

//Header returns the first value of the named header, name comparison is case-insensitive
func (resp *CachedResponse) Header(name string) string {
	for _, header := range resp.Headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}

	return ""
}

//Marshal serializes the response into its JSON envelope
func (resp *CachedResponse) Marshal() ([]byte, error) {
	return json.Marshal(resp)
}

//UnmarshalResponse parses a JSON envelope produced by Marshal
func UnmarshalResponse(data []byte) (*CachedResponse, error) {
	resp := &CachedResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("unable to unmarshal cached response: %w", err)
	}

	return resp, nil
}

//NormalizeURL normalizes a URL for use as cache key input.
// The scheme and host are lowercased and default ports are stripped.
// Path, query, fragment and the presence or absence of a trailing slash are preserved.
// Normalization is idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u)
func NormalizeURL(rawurl string) (string, error) {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return "", fmt.Errorf("unable to parse url %q: %w", rawurl, err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawurl)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	//Strip default ports, http://example.com:80/ and http://example.com/ must share a cache key
	if host, port, splitErr := splitHostPort(parsed.Host); splitErr == nil {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			parsed.Host = host
		}
	}

	return parsed.String(), nil
}

func splitHostPort(hostport string) (string, string, error) {
	index := strings.LastIndex(hostport, ":")
	if index < 0 || strings.HasSuffix(hostport, "]") {
		return hostport, "", fmt.Errorf("no port in %q", hostport)
	}

	return hostport[:index], hostport[index+1:], nil
}

//URLHash returns the cache hash for a URL: the first 16 hex characters of
// the SHA-256 digest over the normalized URL
func URLHash(rawurl string) (string, error) {
	normalized, err := NormalizeURL(rawurl)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(normalized))

	return hex.EncodeToString(digest[:])[:16], nil
}

//Key builds the storage key 'tier:hash' for a URL
func Key(tier Tier, rawurl string) (string, error) {
	hash, err := URLHash(rawurl)
	if err != nil {
		return "", err
	}

	return string(tier) + ":" + hash, nil
}
