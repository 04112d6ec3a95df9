package reporting

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	log, _ := logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})
	return log
}

type capturedRequest struct {
	Path   string
	Bearer string
	Body   string
}

func newDataAPI(t *testing.T, status int, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = append(captured, capturedRequest{
			Path:   r.URL.Path,
			Bearer: r.Header.Get("Authorization"),
			Body:   string(body),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestQuery_OAuthIdentityPassesThrough(t *testing.T) {
	srv, captured := newDataAPI(t, http.StatusOK, `{"rows":[{"dimensionValues":[{"value":"US"}]}],"rowCount":1}`)

	c, err := NewClient(context.Background(), testLogger(t), Config{BaseURL: srv.URL})
	require.NoError(t, err)

	id := auth.NewOAuthIdentity("ann@example.com", "1234", "access-1")
	res, err := c.Query(context.Background(), id, Spec{Body: json.RawMessage(`{"dimensions":[{"name":"country"}]}`)})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"rows":[{"dimensionValues":[{"value":"US"}]}],"rowCount":1}`, string(res.Body))

	require.Len(t, *captured, 1)
	got := (*captured)[0]
	assert.Equal(t, "/v1beta/properties/1234:runReport", got.Path)
	assert.Equal(t, "Bearer access-1", got.Bearer)
	assert.JSONEq(t, `{"dimensions":[{"name":"country"}]}`, got.Body)
}

func TestQuery_Realtime(t *testing.T) {
	srv, captured := newDataAPI(t, http.StatusOK, `{}`)
	c, err := NewClient(context.Background(), testLogger(t), Config{BaseURL: srv.URL})
	require.NoError(t, err)

	id := auth.NewOAuthIdentity("ann@example.com", "1234", "access-1")
	_, err = c.Query(context.Background(), id, Spec{Realtime: true})
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	assert.Equal(t, "/v1beta/properties/1234:runRealtimeReport", (*captured)[0].Path)
	assert.Equal(t, "{}", (*captured)[0].Body)
}

func TestQuery_UpstreamErrorKeepsStatusAndBody(t *testing.T) {
	srv, _ := newDataAPI(t, http.StatusForbidden, `{"error":{"code":403,"status":"PERMISSION_DENIED"}}`)
	c, err := NewClient(context.Background(), testLogger(t), Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Query(context.Background(), auth.NewOAuthIdentity("ann@example.com", "1234", "access-1"), Spec{})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusForbidden, upErr.StatusCode)
	assert.JSONEq(t, `{"error":{"code":403,"status":"PERMISSION_DENIED"}}`, string(upErr.Body))
}

func TestQuery_NonJSONErrorBodyIsQuoted(t *testing.T) {
	srv, _ := newDataAPI(t, http.StatusBadGateway, `upstream exploded`)
	c, err := NewClient(context.Background(), testLogger(t), Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Query(context.Background(), auth.NewOAuthIdentity("ann@example.com", "1234", "access-1"), Spec{})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, `"upstream exploded"`, string(upErr.Body))
}

func TestQuery_StaticKeyWithoutServiceAccount(t *testing.T) {
	srv, captured := newDataAPI(t, http.StatusOK, `{}`)
	c, err := NewClient(context.Background(), testLogger(t), Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Query(context.Background(), auth.NewStaticKeyIdentity("alice", "1234"), Spec{})
	assert.ErrorIs(t, err, ErrNoServiceAccount)
	assert.Empty(t, *captured)
}

func TestQuery_OAuthIdentityWithoutToken(t *testing.T) {
	c, err := NewClient(context.Background(), testLogger(t), Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = c.Query(context.Background(), auth.Identity{Kind: auth.KindOAuthUser, Label: "x", PropertyRef: "1"}, Spec{})
	assert.ErrorIs(t, err, ErrNoAccessToken)
}

func serviceAccountJSON(t *testing.T, tokenURL string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "tally-test",
		"private_key_id": "key-1",
		"private_key":    string(keyPEM),
		"client_email":   "reporter@tally-test.iam.gserviceaccount.com",
		"client_id":      "1",
		"token_uri":      tokenURL,
	})
	require.NoError(t, err)
	return data
}

func TestQuery_StaticKeyUsesServiceAccount(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"sa-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	srv, captured := newDataAPI(t, http.StatusOK, `{"rowCount":0}`)
	c, err := NewClient(context.Background(), testLogger(t), Config{
		BaseURL:            srv.URL,
		ServiceAccountJSON: serviceAccountJSON(t, tokenSrv.URL),
		HTTPClient:         tokenSrv.Client(),
	})
	require.NoError(t, err)

	id := auth.NewStaticKeyIdentity("alice", "999")
	for i := 0; i < 2; i++ {
		_, err = c.Query(context.Background(), id, Spec{})
		require.NoError(t, err)
	}

	require.Len(t, *captured, 2)
	assert.Equal(t, "Bearer sa-token", (*captured)[0].Bearer)
	assert.Equal(t, "/v1beta/properties/999:runReport", (*captured)[0].Path)
	// the token is cached between calls
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestNewClient_RejectsBadServiceAccount(t *testing.T) {
	_, err := NewClient(context.Background(), testLogger(t), Config{ServiceAccountJSON: []byte(`{"type":"nonsense"}`)})
	assert.Error(t, err)
}

func TestQuery_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewClient(context.Background(), testLogger(t), Config{BaseURL: base})
	require.NoError(t, err)

	_, err = c.Query(context.Background(), auth.NewOAuthIdentity("ann@example.com", "1234", "access-1"), Spec{})
	assert.ErrorIs(t, err, ErrRequestFailed)
}
