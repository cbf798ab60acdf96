package band

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, s *MockControlServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMockControl_ListAndGet(t *testing.T) {
	radio := NewMockRadio(newTestLogger())
	radio.AddBand(DefaultDeviceName, testAddress1)
	radio.AddBand(DefaultDeviceName, testAddress2)
	s := NewMockControlServer(newTestLogger(), radio)

	rec := doRequest(t, s, http.MethodGet, "/api/bands/")
	require.Equal(t, http.StatusOK, rec.Code)
	var states []MockBandState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 2)
	assert.Equal(t, testAddress2, states[1].Address)
	assert.Equal(t, "accept", states[0].AuthBehavior)

	rec = doRequest(t, s, http.MethodGet, "/api/bands/"+testAddress1+"/")
	require.Equal(t, http.StatusOK, rec.Code)
	var state MockBandState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 70, state.HeartRate)
	assert.False(t, state.Connected)

	rec = doRequest(t, s, http.MethodGet, "/api/bands/00:00:00:00:00:00/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMockControl_DrivesBand(t *testing.T) {
	reg, radio, band := newTestRegistry(t, Options{})
	s := NewMockControlServer(newTestLogger(), radio)
	d := reg.Get(0)
	samples := make(chan HeartRateSample, 4)
	defer d.ListenHeartRate(samples)()

	rec := doRequest(t, s, http.MethodPost, "/api/bands/"+testAddress1+"/auth?behavior=refuse")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, d.Connect(context.Background()))
	assert.ErrorIs(t, d.Authenticate(context.Background()), ErrAuthenticationRefused)

	doRequest(t, s, http.MethodPost, "/api/bands/"+testAddress1+"/auth?behavior=accept")
	require.NoError(t, d.Authenticate(context.Background()))
	require.NoError(t, d.StartMeasurement(context.Background()))

	rec = doRequest(t, s, http.MethodPost, "/api/bands/"+testAddress1+"/heart-rate?value=123")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 123, band.HeartRate())

	rec = doRequest(t, s, http.MethodPost, "/api/bands/"+testAddress1+"/notify")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"delivered":true}`, rec.Body.String())
	assert.Equal(t, 123, receiveSample(t, samples).HeartRate)

	rec = doRequest(t, s, http.MethodGet, "/api/bands/"+testAddress1+"/writes")
	require.Equal(t, http.StatusOK, rec.Code)
	var writes []mockWriteView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &writes))
	require.NotEmpty(t, writes)
	assert.Equal(t, hex.EncodeToString(append([]byte{0x01, 0x08}, Secret...)), writes[0].DataHex)

	rec = doRequest(t, s, http.MethodPost, "/api/bands/"+testAddress1+"/disconnect")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, band.Connected())
}

func TestMockControl_BadRequests(t *testing.T) {
	radio := NewMockRadio(newTestLogger())
	radio.AddBand(DefaultDeviceName, testAddress1)
	s := NewMockControlServer(newTestLogger(), radio)

	rec := doRequest(t, s, http.MethodPost, "/api/bands/"+testAddress1+"/heart-rate?value=300")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/bands/"+testAddress1+"/auth?behavior=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseAuthBehavior(t *testing.T) {
	for _, b := range []AuthBehavior{AuthAccept, AuthRefuse, AuthNoTouch, AuthSilent} {
		parsed, err := ParseAuthBehavior(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, parsed)
	}
	_, err := ParseAuthBehavior("")
	assert.Error(t, err)
}
