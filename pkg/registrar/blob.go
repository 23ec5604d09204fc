package registrar

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// BlobLocation is where a registered object's payload is written. The
// service returns either a pre-signed URL for the object itself, or a
// container base URI plus a SAS query string.
type BlobLocation struct {
	URL     string
	BaseURI string
	Auth    string
}

// IsZero reports whether no location was returned.
func (b BlobLocation) IsZero() bool {
	return b.URL == "" && b.BaseURI == ""
}

// For returns the URL to PUT objectID's payload to. A non-empty suffix
// addresses a derived payload stored next to the primary one.
func (b BlobLocation) For(objectID, suffix string) (string, error) {
	switch {
	case b.BaseURI != "":
		target := strings.TrimRight(b.BaseURI, "/") + "/" + objectID + suffix
		if b.Auth != "" {
			target += "?" + strings.TrimPrefix(b.Auth, "?")
		}

		return target, nil
	case b.URL != "":
		if suffix == "" {
			return b.URL, nil
		}

		u, err := url.Parse(b.URL)
		if err != nil {
			return "", fmt.Errorf("parsing blob url: %w", err)
		}

		u.Path += suffix
		u.RawPath = ""

		return u.String(), nil
	default:
		return "", errors.New("no blob location")
	}
}

// UnmarshalJSON accepts both location shapes.
func (b *BlobLocation) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*b = BlobLocation{URL: plain}

		return nil
	}

	var sas struct {
		BaseURI string `json:"baseuri"`
		Auth    string `json:"auth"`
	}

	if err := json.Unmarshal(data, &sas); err != nil {
		return fmt.Errorf("decoding blob location: %w", err)
	}

	*b = BlobLocation{BaseURI: sas.BaseURI, Auth: sas.Auth}

	return nil
}
