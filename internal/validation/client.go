package validation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/requirement"
)

const (
	defaultValidatePath = "/api/validate"
	defaultAnswerPath   = "/api/clarification/answer"

	// defaultTimeout bounds each request so a stuck call cannot hold a
	// concurrency slot forever.
	defaultTimeout = 120 * time.Second

	// maxErrorBody is how much of a failed response body is kept in errors.
	maxErrorBody = 512
)

// Client is the HTTP Validator and Answerer.
type Client struct {
	baseURL      string
	validatePath string
	answerPath   string
	authToken    string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Non-positive values are ignored.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAuthToken sends token as a bearer credential.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithPaths overrides the validate and answer endpoint paths. Empty values
// keep the defaults.
func WithPaths(validatePath, answerPath string) ClientOption {
	return func(c *Client) {
		if validatePath != "" {
			c.validatePath = validatePath
		}
		if answerPath != "" {
			c.answerPath = answerPath
		}
	}
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		validatePath: defaultValidatePath,
		answerPath:   defaultAnswerPath,
		timeout:      defaultTimeout,
		httpClient:   &http.Client{},
		logger:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// validateRequest is the validate call body.
type validateRequest struct {
	RequirementID   string  `json:"requirement_id"`
	RequirementText string  `json:"requirement_text"`
	SessionID       string  `json:"session_id"`
	Threshold       float64 `json:"threshold"`
	MaxIterations   int     `json:"max_iterations"`
}

// validateResponse is the validate call result. Success and Error are
// optional envelope fields some deployments add.
type validateResponse struct {
	FinalScore    float64  `json:"final_score"`
	Passed        bool     `json:"passed"`
	FinalText     string   `json:"final_text"`
	TotalFixes    int      `json:"total_fixes"`
	SplitOccurred bool     `json:"split_occurred"`
	SplitChildren []string `json:"split_children"`
	Success       *bool    `json:"success,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Validate issues one validate call for node.
func (c *Client) Validate(ctx context.Context, node requirement.Node, sessionID string, threshold float64, maxIterations int) (requirement.NodeResult, error) {
	if err := checkValidateInput(node, threshold, maxIterations); err != nil {
		return requirement.NodeResult{}, err
	}

	body, err := sonic.Marshal(validateRequest{
		RequirementID:   node.ID,
		RequirementText: node.Text,
		SessionID:       sessionID,
		Threshold:       threshold,
		MaxIterations:   maxIterations,
	})
	if err != nil {
		return requirement.NodeResult{}, errors.Wrap(err, "marshal validate request")
	}

	respBody, err := c.post(ctx, c.validatePath, node.ID, body)
	if err != nil {
		return requirement.NodeResult{}, err
	}

	var resp validateResponse
	if err := sonic.Unmarshal(respBody, &resp); err != nil {
		return requirement.NodeResult{}, errors.NewServiceError("malformed validate response", err).WithNodeID(node.ID)
	}
	if (resp.Success != nil && !*resp.Success) || resp.Error != "" {
		msg := resp.Error
		if msg == "" {
			msg = "service reported failure"
		}
		return requirement.NodeResult{}, errors.NewServiceError(msg, nil).WithNodeID(node.ID)
	}

	return requirement.NodeResult{
		NodeID:          node.ID,
		Passed:          resp.Passed,
		Score:           resp.FinalScore,
		FinalText:       resp.FinalText,
		FixCount:        resp.TotalFixes,
		SplitOccurred:   resp.SplitOccurred,
		SplitChildTexts: resp.SplitChildren,
	}, nil
}

func checkValidateInput(node requirement.Node, threshold float64, maxIterations int) error {
	if strings.TrimSpace(node.Text) == "" {
		return errors.NewValidationError("requirement text is empty").WithField("text").WithValue(node.ID)
	}
	if threshold <= 0 || threshold > 1 {
		return errors.NewValidationError("threshold must be in (0,1]").WithField("threshold").WithValue(threshold)
	}
	if maxIterations < 1 {
		return errors.NewValidationError("max iterations must be at least 1").WithField("max_iterations").WithValue(maxIterations)
	}
	return nil
}

// SubmitAnswers posts clarification answers for a suspended node.
func (c *Client) SubmitAnswers(ctx context.Context, req AnswerRequest) error {
	if req.RequirementID == "" {
		return errors.NewValidationError("requirement id is required").WithField("requirement_id")
	}
	if len(req.Answers) == 0 {
		return errors.NewValidationError("at least one answer is required").WithField("answers")
	}

	body, err := sonic.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal answer request")
	}
	_, err = c.post(ctx, c.answerPath, req.RequirementID, body)
	return err
}

// post sends one JSON POST and returns the response body of a 2xx answer.
func (c *Client) post(ctx context.Context, path, nodeID string, body []byte) ([]byte, error) {
	url := c.baseURL + path

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(nodeID, ctx.Err())
		}
		if reqCtx.Err() != nil {
			return nil, errors.NewTimeoutError(http.MethodPost+" "+path, c.timeout).WithNodeID(nodeID)
		}
		return nil, errors.NewTransportError("send request", err).WithNodeID(nodeID).WithURL(url)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(nodeID, ctx.Err())
		}
		return nil, errors.NewTransportError("read response", err).WithNodeID(nodeID).WithURL(url)
	}

	c.logger.Debug("service call",
		"node_id", nodeID,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(respBody)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, errors.NewServiceError(fmt.Sprintf("unexpected status: %s", strings.TrimSpace(snippet)), nil).
			WithNodeID(nodeID).WithStatusCode(resp.StatusCode)
	}
	return respBody, nil
}
