package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topiary/internal/plant"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	c, err := New(srv.URL+"/", WithHTTPClient(srv.Client()), WithLogger(logger))
	require.NoError(t, err)
	return c
}

func TestSimulateSendsWireFormat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathSimulate, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]float64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]float64{"sulfur_in": 100, "adm1": 150, "adm2": 140, "adm3": 130}, body)
		_, _ = w.Write([]byte(`{"P_GTA1": 21.5, "MP_Pressure": 8.1, "TR1": 30,
			"meta": {"est_steam_gen": 480, "vap_dispo": 12, "total_power": 60, "global_efficiency": 57}}`))
	})

	state, err := c.Simulate(context.Background(), plant.Setpoints{SulfurIn: 100, Admission1: 150, Admission2: 140, Admission3: 130})
	require.NoError(t, err)
	assert.Equal(t, 21.5, state.PGTA1)
	assert.Equal(t, 8.1, state.MPPressure)
	assert.Equal(t, 480.0, state.Meta.EstSteamGen)
}

func TestSimulateHTTPErrorIsTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Model not trained"}`, http.StatusInternalServerError)
	})

	_, err := c.Simulate(context.Background(), plant.DefaultSetpoints())
	require.Error(t, err)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.Contains(t, te.Body, "Model not trained")
	assert.ErrorIs(t, err, ErrHTTPStatus)
	assert.True(t, IsTransport(err))
}

func TestSimulateBadJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})
	_, err := c.Simulate(context.Background(), plant.DefaultSetpoints())
	assert.ErrorIs(t, err, ErrDecode)
}

func TestUnreachableOracle(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(base)
	require.NoError(t, err)
	_, err = c.Simulate(context.Background(), plant.DefaultSetpoints())
	assert.True(t, IsTransport(err))
}

func TestChatContextData(t *testing.T) {
	var got []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathChat, r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)
		_, _ = w.Write([]byte(`{"response":"raise GTA 2"}`))
	})

	reply, err := c.Chat(context.Background(), "what now?", nil)
	require.NoError(t, err)
	assert.Equal(t, "raise GTA 2", reply)

	state := plant.PlantState{PGTA1: 12, MPPressure: 7.9}
	_, err = c.Chat(context.Background(), "and now?", &state)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "what now?", got[0]["prompt"])
	assert.Equal(t, map[string]any{}, got[0]["context_data"])
	ctxData := got[1]["context_data"].(map[string]any)
	assert.Equal(t, 12.0, ctxData["P_GTA1"])
	assert.Equal(t, 7.9, ctxData["MP_Pressure"])
}

func TestSuggestWireFormat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathSuggest, r.URL.Path)
		var body struct {
			SulfurIn   float64   `json:"sulfur_in"`
			CurrentAdm []float64 `json:"current_adm"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 90.0, body.SulfurIn)
		assert.Equal(t, []float64{10, 20, 30}, body.CurrentAdm)
		_, _ = w.Write([]byte(`{"suggestion":"open GTA 3","potential_gain":1.234,"optimal_values":[50,60,70]}`))
	})

	s, err := c.Suggest(context.Background(), 90, [3]float64{10, 20, 30})
	require.NoError(t, err)
	assert.Equal(t, "open GTA 3", s.Text)
	assert.Equal(t, 1.234, s.PotentialGain)
	assert.Equal(t, []float64{50, 60, 70}, s.OptimalValues)
}

func TestHealthAndLearnedConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case PathHealth:
			_, _ = w.Write([]byte(`{"status":"online","model_loaded":true}`))
		case PathConfig:
			_, _ = w.Write([]byte(`{"steam_ratio":2.2,"baselines":{"GTA1":6.1}}`))
		default:
			http.NotFound(w, r)
		}
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Health{Status: "online", ModelLoaded: true}, h)

	lc, err := c.LearnedConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.2, lc.SteamRatio)
	assert.Equal(t, 6.1, lc.Baselines["GTA1"])
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "ftp://plant"} {
		_, err := New(raw)
		assert.Error(t, err, raw)
	}
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Endpoint: PathChat, StatusCode: 503, Body: "AI Service Error"}
	assert.Equal(t, "oracle /ai/chat: http 503: AI Service Error", err.Error())

	err = &TransportError{Endpoint: PathSimulate, Err: errors.New("connection refused")}
	assert.Equal(t, "oracle /simulate: connection refused", err.Error())
}

func TestErrorBodyIsCutOnRuneBoundaries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("pression élevée ", 40)))
	})
	_, err := c.Simulate(context.Background(), plant.DefaultSetpoints())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, utf8.ValidString(te.Body), "body excerpt must stay valid UTF-8: %q", te.Body)
	assert.Equal(t, errorBodyChars, utf8.RuneCountInString(te.Body))
	assert.True(t, strings.HasSuffix(te.Body, "..."))

	assert.Equal(t, "éé...", compactSingleLine("éééééé", 5))
	assert.Equal(t, "éé", compactSingleLine("éé", 5))
}
