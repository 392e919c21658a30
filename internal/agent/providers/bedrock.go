package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/jmcarnahan/bondai/internal/agent"
	"github.com/jmcarnahan/bondai/pkg/models"
)

// DefaultAgentAliasID is the draft alias every Bedrock agent has.
const DefaultAgentAliasID = "TSTALIASID"

// functionBodyKey is the only response body key function results accept.
const functionBodyKey = "TEXT"

// BedrockConfig holds configuration for the Bedrock Agents provider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID for explicit credentials (optional, uses default chain if empty)
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional)
	SecretAccessKey string

	// SessionToken for temporary credentials (optional)
	SessionToken string

	// AgentID is used when a request does not name an agent.
	AgentID string

	// AgentAliasID selects the deployed alias (default: TSTALIASID)
	AgentAliasID string

	// EnableTrace asks the service to stream trace events.
	EnableTrace bool

	// Endpoint overrides the service endpoint, for local emulators.
	Endpoint string
}

type invokeAgentAPI interface {
	InvokeAgent(ctx context.Context, params *bedrockagentruntime.InvokeAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error)
}

// BedrockProvider implements agent.Provider on top of the InvokeAgent API.
//
// Retries are left to the engine; the SDK client is built with a single
// attempt so a retried call is never retried twice.
//
// BedrockProvider is safe for concurrent use across multiple goroutines.
type BedrockProvider struct {
	client  invokeAgentAPI
	aliasID string
	agentID string
	trace   bool
}

// NewBedrockProvider creates a provider from cfg.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	client := bedrockagentruntime.NewFromConfig(awsCfg, func(o *bedrockagentruntime.Options) {
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newBedrockProvider(client, cfg), nil
}

func newBedrockProvider(client invokeAgentAPI, cfg BedrockConfig) *BedrockProvider {
	alias := cfg.AgentAliasID
	if alias == "" {
		alias = DefaultAgentAliasID
	}
	return &BedrockProvider{
		client:  client,
		aliasID: alias,
		agentID: cfg.AgentID,
		trace:   cfg.EnableTrace,
	}
}

// Invoke implements agent.Provider.
func (p *BedrockProvider) Invoke(ctx context.Context, req *agent.InvokeRequest) (agent.EventStream, error) {
	input, err := p.buildInput(req)
	if err != nil {
		return nil, err
	}
	out, err := p.client.InvokeAgent(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: invoke agent: %w", err)
	}
	return newAgentStream(out.GetStream()), nil
}

func (p *BedrockProvider) buildInput(req *agent.InvokeRequest) (*bedrockagentruntime.InvokeAgentInput, error) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = p.agentID
	}
	if agentID == "" {
		return nil, errors.New("bedrock: agent id is required")
	}
	if req.SessionID == "" {
		return nil, errors.New("bedrock: session id is required")
	}

	attrs, err := decodeSessionState(req.SessionState)
	if err != nil {
		return nil, err
	}

	input := &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(agentID),
		AgentAliasId: aws.String(p.aliasID),
		SessionId:    aws.String(req.SessionID),
		EnableTrace:  aws.Bool(p.trace),
	}
	state := &types.SessionState{SessionAttributes: attrs}
	if req.IsContinuation() {
		state.InvocationId = aws.String(req.InvocationID)
		state.ReturnControlInvocationResults = InvocationResults(req.ToolResponses)
	} else {
		input.InputText = aws.String(req.Input)
	}
	if len(attrs) > 0 || req.IsContinuation() {
		input.SessionState = state
	}
	return input, nil
}

// InvocationResults wraps tool responses in the shape the service expects
// when continuing a returned-control invocation.
func InvocationResults(responses []models.ToolResponse) []types.InvocationResultMember {
	out := make([]types.InvocationResultMember, 0, len(responses))
	for _, r := range responses {
		if r.Call.Path == "" && r.Call.Function != "" {
			out = append(out, &types.InvocationResultMemberMemberFunctionResult{Value: FunctionResult(r)})
			continue
		}
		out = append(out, &types.InvocationResultMemberMemberApiResult{Value: APIResult(r)})
	}
	return out
}

// APIResult builds the result of an API-schema action group call.
func APIResult(r models.ToolResponse) types.ApiResult {
	method := r.Call.HTTPMethod
	if method == "" {
		method = "GET"
	}
	return types.ApiResult{
		ActionGroup:    aws.String(r.Call.ActionGroup),
		ApiPath:        aws.String(r.Call.Path),
		HttpMethod:     aws.String(method),
		HttpStatusCode: aws.Int32(int32(r.StatusCode)),
		ResponseBody: map[string]types.ContentBody{
			r.ContentType: {Body: aws.String(r.Body)},
		},
	}
}

// FunctionResult builds the result of a function-schema action group call.
func FunctionResult(r models.ToolResponse) types.FunctionResult {
	return types.FunctionResult{
		ActionGroup: aws.String(r.Call.ActionGroup),
		Function:    aws.String(r.Call.Function),
		ResponseBody: map[string]types.ContentBody{
			functionBodyKey: {Body: aws.String(r.Body)},
		},
	}
}

// EncodeSessionState serializes session attributes into the opaque blob the
// engine stores between turns.
func EncodeSessionState(attrs map[string]string) ([]byte, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("bedrock: encode session state: %w", err)
	}
	return data, nil
}

func decodeSessionState(state []byte) (map[string]string, error) {
	if len(state) == 0 {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal(state, &attrs); err != nil {
		return nil, fmt.Errorf("bedrock: decode session state: %w", err)
	}
	return attrs, nil
}

// eventReader is the subset of the SDK event stream the adapter needs.
type eventReader interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// agentStream adapts the SDK channel to agent.EventStream. One SDK event can
// produce several stream events, so conversions are queued.
type agentStream struct {
	reader  eventReader
	pending []models.StreamEvent

	closeOnce sync.Once
	closeErr  error
}

func newAgentStream(r eventReader) *agentStream {
	return &agentStream{reader: r}
}

func (s *agentStream) Recv() (models.StreamEvent, error) {
	for len(s.pending) == 0 {
		ev, ok := <-s.reader.Events()
		if !ok {
			if err := s.reader.Err(); err != nil {
				return nil, fmt.Errorf("bedrock: stream: %w", err)
			}
			return nil, io.EOF
		}
		s.pending = convertEvent(ev)
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

func (s *agentStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.reader.Close() })
	return s.closeErr
}

// convertEvent maps one SDK event to zero or more stream events. Unknown
// members are dropped.
func convertEvent(ev types.ResponseStream) []models.StreamEvent {
	switch v := ev.(type) {
	case *types.ResponseStreamMemberChunk:
		if len(v.Value.Bytes) == 0 {
			return nil
		}
		return []models.StreamEvent{&models.TextChunk{Text: string(v.Value.Bytes)}}

	case *types.ResponseStreamMemberFiles:
		out := make([]models.StreamEvent, 0, len(v.Value.Files))
		for _, f := range v.Value.Files {
			out = append(out, &models.FileEvent{
				Name:     aws.ToString(f.Name),
				MimeType: aws.ToString(f.Type),
				Data:     f.Bytes,
			})
		}
		return out

	case *types.ResponseStreamMemberReturnControl:
		return []models.StreamEvent{convertReturnControl(v.Value)}

	case *types.ResponseStreamMemberTrace:
		payload, err := json.Marshal(v.Value.Trace)
		if err != nil {
			payload = []byte(fmt.Sprintf("%T", v.Value.Trace))
		}
		return []models.StreamEvent{&models.TraceEvent{
			AgentID: aws.ToString(v.Value.AgentId),
			Payload: string(payload),
		}}
	}
	return nil
}

func convertReturnControl(rc types.ReturnControlPayload) *models.ToolInvocationRequested {
	req := &models.ToolInvocationRequested{InvocationID: aws.ToString(rc.InvocationId)}
	for _, in := range rc.InvocationInputs {
		switch v := in.(type) {
		case *types.InvocationInputMemberMemberApiInvocationInput:
			req.Calls = append(req.Calls, apiCall(v.Value))
		case *types.InvocationInputMemberMemberFunctionInvocationInput:
			req.Calls = append(req.Calls, functionCall(v.Value))
		}
	}
	return req
}

func apiCall(in types.ApiInvocationInput) models.ToolCall {
	call := models.ToolCall{
		ActionGroup: aws.ToString(in.ActionGroup),
		Path:        aws.ToString(in.ApiPath),
		HTTPMethod:  strings.ToUpper(aws.ToString(in.HttpMethod)),
		Params:      make(map[string]string, len(in.Parameters)),
	}
	for _, p := range in.Parameters {
		call.Params[aws.ToString(p.Name)] = aws.ToString(p.Value)
	}
	if in.RequestBody != nil {
		// Body properties are flattened next to query parameters; the first
		// content type wins when several are present.
		contentTypes := make([]string, 0, len(in.RequestBody.Content))
		for ct := range in.RequestBody.Content {
			contentTypes = append(contentTypes, ct)
		}
		sort.Strings(contentTypes)
		if len(contentTypes) > 0 {
			for _, p := range in.RequestBody.Content[contentTypes[0]].Properties {
				name := aws.ToString(p.Name)
				if _, exists := call.Params[name]; !exists {
					call.Params[name] = aws.ToString(p.Value)
				}
			}
		}
	}
	return call
}

func functionCall(in types.FunctionInvocationInput) models.ToolCall {
	call := models.ToolCall{
		ActionGroup: aws.ToString(in.ActionGroup),
		Function:    aws.ToString(in.Function),
		Params:      make(map[string]string, len(in.Parameters)),
	}
	for _, p := range in.Parameters {
		call.Params[aws.ToString(p.Name)] = aws.ToString(p.Value)
	}
	return call
}
