// Package bedrock adapts Amazon Bedrock's Converse API to provider.Adapter.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/provider"
)

type runtimeAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type controlAPI interface {
	ListFoundationModels(ctx context.Context, in *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

type clients struct {
	runtime runtimeAPI
	control controlAPI
}

// Adapter caches one pair of AWS clients per credential set. AWS config
// loading reads the environment and shared files, so it is done once.
type Adapter struct {
	mu      sync.Mutex
	cache   map[string]*clients
	newFunc func(ctx context.Context, cfg provider.Config) (*clients, error)
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a Bedrock adapter.
func New() *Adapter {
	return &Adapter{
		cache:   make(map[string]*clients),
		newFunc: loadClients,
	}
}

// Constructor is the registry hook for this adapter.
func Constructor() (provider.Adapter, error) { return New(), nil }

func cacheKey(cfg provider.Config) string {
	c := cfg.Credentials
	return strings.Join([]string{c.Region, c.AccessKeyID, c.SecretAccessKey, c.SessionToken, cfg.Endpoint}, "|")
}

func (a *Adapter) clients(ctx context.Context, cfg provider.Config) (*clients, error) {
	key := cacheKey(cfg)
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.cache[key]; ok {
		return c, nil
	}
	c, err := a.newFunc(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cache[key] = c
	return c, nil
}

func loadClients(ctx context.Context, cfg provider.Config) (*clients, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Credentials.Region))

	if cfg.Credentials.AccessKeyID != "" && cfg.Credentials.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.Credentials.AccessKeyID,
			cfg.Credentials.SecretAccessKey,
			cfg.Credentials.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	if cfg.Retry.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.Retry.MaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var rtOpts []func(*bedrockruntime.Options)
	if cfg.Endpoint != "" {
		rtOpts = append(rtOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &clients{
		runtime: bedrockruntime.NewFromConfig(awsCfg, rtOpts...),
		control: bedrock.NewFromConfig(awsCfg),
	}, nil
}

// GenerateText runs a single-turn Converse call.
func (a *Adapter) GenerateText(ctx context.Context, cfg provider.Config, prompt string, opts provider.Options) (string, error) {
	const op = "bedrock.generate"

	ctx, cancel := provider.WithTimeout(ctx, cfg)
	defer cancel()

	c, err := a.clients(ctx, cfg)
	if err != nil {
		return "", provider.Unavailable(op, err)
	}

	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(cfg.Model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(provider.MaxTokens(cfg, opts))), //nolint:gosec // bounded by config validation
		},
	}
	if cfg.Temperature > 0 {
		in.InferenceConfig.Temperature = aws.Float32(float32(cfg.Temperature))
	}
	if opts.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: opts.System}}
	}

	out, err := c.runtime.Converse(ctx, in)
	if err != nil {
		return "", classify(op, err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", fault.InvalidResponse(op, fmt.Sprintf("%T", out.Output), errors.New("converse output is not a message"))
	}

	var b strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(t.Value)
		}
	}
	if b.Len() == 0 {
		return "", fault.InvalidResponse(op, "", errors.New("response contained no text blocks"))
	}
	return b.String(), nil
}

// CheckConnection lists foundation models and looks for the configured
// model id.
func (a *Adapter) CheckConnection(ctx context.Context, cfg provider.Config) (provider.ConnectionStatus, error) {
	models, err := a.ListModels(ctx, cfg)
	if err != nil {
		return provider.ConnectionStatus{}, err
	}
	st := provider.ConnectionStatus{Connected: true}
	for _, m := range models {
		// inference profiles prefix the model id with a geography, e.g. "us."
		if m == cfg.Model || strings.HasSuffix(cfg.Model, "."+m) {
			st.ModelAvailable = true
			break
		}
	}
	return st, nil
}

// ListModels returns the foundation model ids offered in the region.
func (a *Adapter) ListModels(ctx context.Context, cfg provider.Config) ([]string, error) {
	const op = "bedrock.models"

	ctx, cancel := provider.WithTimeout(ctx, cfg)
	defer cancel()

	c, err := a.clients(ctx, cfg)
	if err != nil {
		return nil, provider.Unavailable(op, err)
	}

	out, err := c.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, classify(op, err)
	}
	ids := make([]string, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		ids = append(ids, aws.ToString(m.ModelId))
	}
	return ids, nil
}

// ValidateConfig requires a region on top of the common checks. Static
// keys are optional; the default AWS credential chain is used otherwise.
func (a *Adapter) ValidateConfig(cfg provider.Config) provider.Validation {
	problems := provider.ValidateCommon(cfg)
	if cfg.Credentials.Region == "" {
		problems = append(problems, "Credentials.Region is required")
	}
	if (cfg.Credentials.AccessKeyID == "") != (cfg.Credentials.SecretAccessKey == "") {
		problems = append(problems, "Credentials.AccessKeyID and Credentials.SecretAccessKey must be set together")
	}
	return provider.Validated(problems)
}

// BuildURL returns the runtime URL for a model operation such as
// "converse".
func (a *Adapter) BuildURL(cfg provider.Config, endpoint string) (string, error) {
	base := cfg.Endpoint
	if base == "" {
		if cfg.Credentials.Region == "" {
			return "", fmt.Errorf("region is required to build a bedrock url")
		}
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", cfg.Credentials.Region)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join("/", u.Path, "model", cfg.Model, endpoint)
	return u.String(), nil
}

func classify(op string, err error) error {
	var (
		rtThrottle   *types.ThrottlingException
		ctlThrottle  *bedrocktypes.ThrottlingException
		quota        *types.ServiceQuotaExceededException
		validation   *types.ValidationException
		modelMissing *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &rtThrottle), errors.As(err, &ctlThrottle), errors.As(err, &quota):
		return fault.Wrap(fault.KindRateLimited, op, err)
	case errors.As(err, &validation), errors.As(err, &modelMissing):
		return fault.Wrap(fault.KindProviderUnavailable, op, err)
	default:
		return provider.Unavailable(op, err)
	}
}
