package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/fieldguard/internal/circuitbreaker"
	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/retry"
)

// FeatureVector is the classifier input derived from a set of signals.
type FeatureVector struct {
	EntityKind         EntityKind         `json:"entityKind"`
	EntityID           string             `json:"entityId"`
	SignalCounts       map[SignalType]int `json:"signalCounts"`
	RuleScore          float64            `json:"ruleScore"`
	MaxLateHours       float64            `json:"maxLateHours"`
	MaxDeviationMeters float64            `json:"maxDeviationMeters"`
}

// Features builds the feature vector for signals.
func Features(kind EntityKind, id string, signals []*Signal, ruleScore float64) FeatureVector {
	fv := FeatureVector{
		EntityKind:   kind,
		EntityID:     id,
		SignalCounts: make(map[SignalType]int),
		RuleScore:    ruleScore,
	}
	for _, s := range signals {
		fv.SignalCounts[s.Type]++
		switch s.Type {
		case SignalFlaggedLate, SignalVeryLate:
			fv.MaxLateHours = max(fv.MaxLateHours, s.Magnitude)
		case SignalRouteDeviation:
			fv.MaxDeviationMeters = max(fv.MaxDeviationMeters, s.Magnitude)
		}
	}
	return fv
}

// Classifier returns a fraud probability in [0, 1].
type Classifier interface {
	Predict(ctx context.Context, fv FeatureVector) (float64, error)
}

// HTTPClassifier calls an external scoring service at {baseURL}/predict.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	policy   retry.Policy
}

const classifierBreakerKey = "classifier"

// NewHTTPClassifier creates a classifier client for baseURL.
func NewHTTPClassifier(baseURL string) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: strings.TrimRight(baseURL, "/") + "/predict",
		client:   &http.Client{Timeout: 2 * time.Second},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		policy:   retry.Policy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond},
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *HTTPClassifier) WithHTTPClient(client *http.Client) *HTTPClassifier {
	c.client = client
	return c
}

// WithRetryPolicy overrides the retry policy.
func (c *HTTPClassifier) WithRetryPolicy(p retry.Policy) *HTTPClassifier {
	c.policy = p
	return c
}

type predictResponse struct {
	Probability *float64 `json:"probability"`
}

// Predict posts fv and returns the probability. Failures wrap
// faults.ErrDependencyUnavailable.
func (c *HTTPClassifier) Predict(ctx context.Context, fv FeatureVector) (float64, error) {
	body, err := json.Marshal(fv)
	if err != nil {
		return 0, fmt.Errorf("encode features: %w", err)
	}

	var p float64
	err = c.breaker.Do(ctx, classifierBreakerKey, func(ctx context.Context) error {
		return retry.Do(ctx, c.policy, func(ctx context.Context) error {
			v, err := c.post(ctx, body)
			if err != nil {
				return err
			}
			p = v
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: classifier: %w", faults.ErrDependencyUnavailable, err)
	}
	return p, nil
}

func (c *HTTPClassifier) post(ctx context.Context, body []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("classifier returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, retry.Permanent(fmt.Errorf("classifier returned %d", resp.StatusCode))
	}

	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return 0, retry.Permanent(fmt.Errorf("decode classifier response: %w", err))
	}
	if out.Probability == nil || *out.Probability < 0 || *out.Probability > 1 {
		return 0, retry.Permanent(fmt.Errorf("classifier probability missing or outside [0, 1]"))
	}
	return *out.Probability, nil
}
