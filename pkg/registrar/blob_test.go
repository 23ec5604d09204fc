package registrar

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobLocationUnmarshal(t *testing.T) {
	var resp registerResponse

	require.NoError(t, json.Unmarshal([]byte(`{"objectid":"x","blob_url":"https://b/x?sig=1"}`), &resp))
	assert.Equal(t, BlobLocation{URL: "https://b/x?sig=1"}, resp.BlobURL)

	require.NoError(t, json.Unmarshal([]byte(`{"objectid":"x","blob_url":{"baseuri":"https://b/","auth":"sig=1"}}`), &resp))
	assert.Equal(t, BlobLocation{BaseURI: "https://b/", Auth: "sig=1"}, resp.BlobURL)

	resp = registerResponse{}
	require.NoError(t, json.Unmarshal([]byte(`{"objectid":"x"}`), &resp))
	assert.True(t, resp.BlobURL.IsZero())

	require.Error(t, json.Unmarshal([]byte(`{"objectid":"x","blob_url":42}`), &resp))
}
