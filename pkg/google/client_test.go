package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/resilience"
)

func TestSearchText_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/places:searchText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "nextPageToken")

		var body searchTextBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "turkish grocery", body.TextQuery)
		assert.Equal(t, 20, body.PageSize)
		require.NotNil(t, body.LocationRestriction)
		assert.InDelta(t, 52.30, body.LocationRestriction.Rectangle.Low.Latitude, 1e-9)
		assert.InDelta(t, 4.95, body.LocationRestriction.Rectangle.High.Longitude, 1e-9)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"places": [{
				"id": "ChIJbakkal",
				"displayName": {"text": "Bakkal Ali", "languageCode": "tr"},
				"formattedAddress": "Javastraat 12, Amsterdam",
				"location": {"latitude": 52.3631, "longitude": 4.9412},
				"primaryType": "grocery_store",
				"types": ["grocery_store", "food"]
			}],
			"nextPageToken": "page-2"
		}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SearchText(context.Background(), SearchRequest{
		Query:    "turkish grocery",
		PageSize: 20,
		Rect: &Rectangle{
			Low:  LatLng{Latitude: 52.30, Longitude: 4.85},
			High: LatLng{Latitude: 52.40, Longitude: 4.95},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	p := resp.Places[0]
	assert.Equal(t, "ChIJbakkal", p.ID)
	assert.Equal(t, "Bakkal Ali", p.DisplayName.Text)
	assert.Equal(t, "grocery_store", p.PrimaryType)
	require.NotNil(t, p.Location)
	assert.InDelta(t, 52.3631, p.Location.Latitude, 1e-9)
	assert.Equal(t, "page-2", resp.NextPageToken)
}

func TestSearchText_PageToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body searchTextBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "page-2", body.PageToken)
		assert.Nil(t, body.LocationRestriction)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	resp, err := NewClient("k", WithBaseURL(srv.URL)).SearchText(context.Background(), SearchRequest{Query: "q", PageToken: "page-2"})
	require.NoError(t, err)
	assert.Empty(t, resp.Places)
	assert.Empty(t, resp.NextPageToken)
}

func TestSearchText_TransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).SearchText(context.Background(), SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "429")
}

func TestSearchText_PermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).SearchText(context.Background(), SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestSearchText_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).SearchText(context.Background(), SearchRequest{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google: unmarshal response")
}
