package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// Tool names exposed to the model in structured-decision mode.
const (
	ToolConductResearch  = "ConductResearch"
	ToolThink            = "think_tool"
	ToolResearchComplete = "ResearchComplete"
)

// ClientConfig configures the completion provider.
type ClientConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	Provider string // provider family used for built-in rate limits
	Timeout  time.Duration
	RPM      int
	Burst    int
	Breaker  circuitbreaker.Settings
}

// Client talks to an OpenAI-compatible chat completions endpoint through
// the openai-go SDK. SDK retries are disabled; retry lives in the callers.
type Client struct {
	cfg     ClientConfig
	api     openai.Client
	breaker *circuitbreaker.Breaker
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
	newID   func() string
}

// NewClient builds a provider client. httpClient may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout, Transport: interceptors.NewRunHTTPRoundTripper(nil)}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"

	settings := cfg.Breaker
	settings.IsFailure = func(err error) bool {
		// caller cancellation says nothing about the upstream
		return !errors.Is(err, context.Canceled)
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &Client{
		cfg:     cfg,
		api:     openai.NewClient(opts...),
		breaker: circuitbreaker.New("provider:"+cfg.Provider, settings, logger),
		limiter: ratecontrol.NewLimiter(cfg.Provider, ratecontrol.RateLimit{RPM: cfg.RPM, Burst: cfg.Burst}),
		logger:  logger,
		newID:   func() string { return uuid.New().String() },
	}
}

var toolDefs = map[ActionKind]openai.ChatCompletionToolParam{
	ActionResearch: {Function: openai.FunctionDefinitionParam{
		Name:        ToolConductResearch,
		Description: openai.String("Delegate one research sub-topic to a researcher."),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"research_topic": map[string]interface{}{
					"type":        "string",
					"description": "The topic to research, described in at least a paragraph.",
				},
			},
			"required": []string{"research_topic"},
		},
	}},
	ActionReflect: {Function: openai.FunctionDefinitionParam{
		Name:        ToolThink,
		Description: openai.String("Record a reflection on progress and next steps."),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]interface{}{
				"reflection": map[string]interface{}{"type": "string"},
			},
			"required": []string{"reflection"},
		},
	}},
	ActionComplete: {Function: openai.FunctionDefinitionParam{
		Name:        ToolResearchComplete,
		Description: openai.String("Signal that research is complete."),
		Parameters:  openai.FunctionParameters{"type": "object", "properties": map[string]interface{}{}},
	}},
}

// Breaker exposes the provider circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// Invoke sends one chat completion. Status 429 and rate-limit bodies are
// retryable; any other failure, including an unknown or disallowed tool
// call, is fatal.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.invoke",
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)
	resp, err := c.invoke(ctx, req)
	tracing.EndSpan(span, err)
	return resp, err
}

// exchange records what the HTTP layer saw for one call, independent of
// how the SDK surfaces the error.
type exchange struct {
	status   int
	body     string
	rejected error
}

var errServerStatus = errors.New("provider server error")

// middleware runs the request through the breaker, stamps traceparent and
// captures error bodies for classification.
func (c *Client) middleware(x *exchange) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		tracing.InjectTraceparent(req.Context(), req)
		var resp *http.Response
		err := c.breaker.Execute(req.Context(), func(context.Context) error {
			var err error
			if resp, err = next(req); err != nil {
				return err
			}
			x.status = resp.StatusCode
			if resp.StatusCode >= 300 {
				x.body = drainBody(resp)
			}
			if resp.StatusCode >= 500 {
				return errServerStatus
			}
			return nil
		})
		switch {
		case errors.Is(err, errServerStatus):
			return resp, nil
		case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			x.rejected = err
		}
		return resp, err
	}
}

// drainBody reads the body and replaces it so the SDK can still decode it.
func drainBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))
	return strings.TrimSpace(string(b))
}

func (c *Client) invoke(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, &ProviderError{Message: "rate limiter wait: " + err.Error(), Err: err}
	}

	var x exchange
	start := time.Now()
	completion, err := c.api.Chat.Completions.New(ctx, c.buildParams(req), option.WithMiddleware(c.middleware(&x)))
	status := "error"
	if x.status > 0 {
		status = strconv.Itoa(x.status)
	}
	metrics.ProviderLatency.WithLabelValues(c.cfg.Model, status).Observe(time.Since(start).Seconds())

	if err != nil {
		return Response{}, c.classify(err, &x)
	}
	if len(completion.Choices) == 0 {
		return Response{}, NewFatal(x.status, "provider returned no choices")
	}
	return c.parseCompletion(completion, req.Actions)
}

func (c *Client) classify(err error, x *exchange) error {
	if x.rejected != nil {
		return &ProviderError{Message: "provider unavailable: " + x.rejected.Error(), Err: x.rejected}
	}
	status := x.status
	msg := x.body
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && status == 0 {
		status = apiErr.StatusCode
	}
	if msg == "" {
		msg = err.Error()
	}
	if status >= 300 {
		c.logger.Warn("Provider HTTP error", zap.Int("status", status), zap.String("body", msg))
		pe := NewFatal(status, msg)
		if status == http.StatusTooManyRequests || IsRateLimitMessage(msg) {
			pe = NewRetryable(status, msg)
		}
		pe.Err = err
		return pe
	}
	return Classify(fmt.Errorf("provider request failed: %w", err))
}

func (c *Client) buildParams(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, encodeMessage(m))
	}
	for _, k := range req.Actions {
		if def, ok := toolDefs[k]; ok {
			params.Tools = append(params.Tools, def)
		}
	}
	return params
}

func encodeMessage(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content)
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID)
	case RoleAssistant:
		if len(m.Actions) == 0 {
			return openai.AssistantMessage(m.Content)
		}
		asst := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = openai.String(m.Content)
		}
		for _, a := range m.Actions {
			asst.ToolCalls = append(asst.ToolCalls, encodeAction(a))
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	default:
		if m.Name == "" {
			return openai.UserMessage(m.Content)
		}
		user := openai.ChatCompletionUserMessageParam{Name: openai.String(m.Name)}
		user.Content.OfString = openai.String(m.Content)
		return openai.ChatCompletionMessageParamUnion{OfUser: &user}
	}
}

func encodeAction(a Action) openai.ChatCompletionMessageToolCallParam {
	var name string
	var args map[string]string
	switch a.Kind {
	case ActionResearch:
		name, args = ToolConductResearch, map[string]string{"research_topic": a.Topic}
	case ActionReflect:
		name, args = ToolThink, map[string]string{"reflection": a.Note}
	default:
		name, args = ToolResearchComplete, map[string]string{}
	}
	b, _ := json.Marshal(args)
	return openai.ChatCompletionMessageToolCallParam{
		ID:       a.ID,
		Function: openai.ChatCompletionMessageToolCallFunctionParam{Name: name, Arguments: string(b)},
	}
}

func (c *Client) parseCompletion(out *openai.ChatCompletion, allowed []ActionKind) (Response, error) {
	msg := out.Choices[0].Message
	resp := Response{Text: msg.Content, Model: out.Model, Tokens: int(out.Usage.TotalTokens)}
	seen := make(map[string]struct{}, len(msg.ToolCalls))

	for _, tc := range msg.ToolCalls {
		action, err := decodeAction(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return Response{}, err
		}
		if !containsKind(allowed, action.Kind) {
			return Response{}, NewFatal(0, fmt.Sprintf("tool %q not permitted for this request", tc.Function.Name))
		}
		if _, dup := seen[action.ID]; action.ID == "" || dup {
			action.ID = c.newID()
		}
		seen[action.ID] = struct{}{}
		resp.Actions = append(resp.Actions, action)
	}
	return resp, nil
}

func decodeAction(id, name, rawArgs string) (Action, error) {
	args := map[string]interface{}{}
	if raw := strings.TrimSpace(rawArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return Action{}, NewFatal(0, fmt.Sprintf("invalid arguments for tool %q: %v", name, err))
		}
	}
	switch name {
	case ToolConductResearch:
		topic, _ := args["research_topic"].(string)
		return Action{ID: id, Kind: ActionResearch, Topic: topic}, nil
	case ToolThink:
		note, _ := args["reflection"].(string)
		return Action{ID: id, Kind: ActionReflect, Note: note}, nil
	case ToolResearchComplete:
		return Action{ID: id, Kind: ActionComplete}, nil
	default:
		return Action{}, NewFatal(0, fmt.Sprintf("unknown tool %q", name))
	}
}

func containsKind(kinds []ActionKind, k ActionKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
