// Package oracle talks to the plant backend: the simulation oracle (/simulate) and the
// advisory oracle (/ai/chat, /get_optimization_suggestion), plus its health and learned
// configuration endpoints.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"topiary/internal/plant"
)

const (
	PathSimulate = "/simulate"
	PathChat     = "/ai/chat"
	PathSuggest  = "/get_optimization_suggestion"
	PathHealth   = "/"
	PathConfig   = "/config"

	errorBodyChars = 240
)

// Suggestion is the optimization answer. OptimalValues is the admission split the solver
// found; older backends may omit it.
type Suggestion struct {
	Text          string    `json:"suggestion" yaml:"suggestion"`
	PotentialGain float64   `json:"potential_gain" yaml:"potential_gain"`
	OptimalValues []float64 `json:"optimal_values,omitempty" yaml:"optimal_values,omitempty"`
}

type Health struct {
	Status      string `json:"status" yaml:"status"`
	ModelLoaded bool   `json:"model_loaded" yaml:"model_loaded"`
}

// LearnedConfig holds the constants the backend fitted from plant history.
type LearnedConfig struct {
	SteamRatio float64            `json:"steam_ratio" yaml:"steam_ratio"`
	Baselines  map[string]float64 `json:"baselines" yaml:"baselines"`
}

type Client struct {
	base string
	http *http.Client
	log  logrus.FieldLogger
}

type Option func(*Client)

// WithHTTPClient replaces the transport. The default client keeps Go's transport defaults
// and sets no timeout; callers bound calls with their context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("oracle base url %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("oracle base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base: trimmed,
		http: &http.Client{},
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "oracle")
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.base
}

// Simulate submits one setpoint snapshot. There is no retry: a failure is returned as a
// *TransportError for the caller to log.
func (c *Client) Simulate(ctx context.Context, sp plant.Setpoints) (plant.PlantState, error) {
	var state plant.PlantState
	err := c.do(ctx, http.MethodPost, PathSimulate, sp, &state)
	return state, err
}

// Chat forwards an operator prompt with the latest plant state as context. A nil state is
// sent as an empty object.
func (c *Client) Chat(ctx context.Context, prompt string, state *plant.PlantState) (string, error) {
	body := struct {
		Prompt      string `json:"prompt"`
		ContextData any    `json:"context_data"`
	}{Prompt: prompt, ContextData: map[string]any{}}
	if state != nil {
		body.ContextData = state
	}
	var parsed struct {
		Response string `json:"response"`
	}
	if err := c.do(ctx, http.MethodPost, PathChat, body, &parsed); err != nil {
		return "", err
	}
	return parsed.Response, nil
}

// Suggest asks for an optimization suggestion for the current feed and admission split.
func (c *Client) Suggest(ctx context.Context, sulfurIn float64, admissions [3]float64) (Suggestion, error) {
	body := struct {
		SulfurIn   float64    `json:"sulfur_in"`
		CurrentAdm [3]float64 `json:"current_adm"`
	}{SulfurIn: sulfurIn, CurrentAdm: admissions}
	var out Suggestion
	err := c.do(ctx, http.MethodPost, PathSuggest, body, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, PathHealth, nil, &out)
	return out, err
}

func (c *Client) LearnedConfig(ctx context.Context) (LearnedConfig, error) {
	var out LearnedConfig
	err := c.do(ctx, http.MethodGet, PathConfig, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	endpoint := c.base + path
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Endpoint: path, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &TransportError{Endpoint: path, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{"endpoint": path, "request_id": requestID})
	log.Debug("oracle request")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Endpoint: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Body:       compactSingleLine(string(payload), errorBodyChars),
			Err:        ErrHTTPStatus,
		}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &TransportError{Endpoint: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	log.WithField("status", resp.StatusCode).Debug("oracle response")
	return nil
}

// IsTransport reports whether err came from reaching an oracle.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// compactSingleLine folds whitespace and caps text at limit runes.
func compactSingleLine(text string, limit int) string {
	compact := []rune(strings.Join(strings.Fields(text), " "))
	if len(compact) <= limit {
		return string(compact)
	}
	if limit <= 3 {
		return string(compact[:max(limit, 0)])
	}
	return string(compact[:limit-3]) + "..."
}
