package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// BedrockAPI is the subset of the Bedrock control-plane client used here.
type BedrockAPI interface {
	CreateModelCustomizationJob(ctx context.Context, params *bedrock.CreateModelCustomizationJobInput, optFns ...func(*bedrock.Options)) (*bedrock.CreateModelCustomizationJobOutput, error)
}

// BedrockConfig configures a BedrockSubmitter. Empty keys fall back to the
// default AWS credential chain.
type BedrockConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	RoleARN   string
}

// BedrockSubmitter submits model customization jobs to Amazon Bedrock.
type BedrockSubmitter struct {
	api     BedrockAPI
	roleARN string
}

// NewBedrockSubmitter loads AWS configuration and creates a Bedrock client.
func NewBedrockSubmitter(ctx context.Context, cfg BedrockConfig) (*BedrockSubmitter, error) {
	if cfg.RoleARN == "" {
		return nil, fmt.Errorf("dispatch: bedrock role ARN is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load aws config: %w", err)
	}
	return NewBedrockSubmitterFromAPI(bedrock.NewFromConfig(awsCfg), cfg.RoleARN), nil
}

// NewBedrockSubmitterFromAPI wraps an existing client.
func NewBedrockSubmitterFromAPI(api BedrockAPI, roleARN string) *BedrockSubmitter {
	return &BedrockSubmitter{api: api, roleARN: roleARN}
}

// SubmitJob creates a customization job and returns its ARN. The training
// corpus doubles as the validation set.
func (s *BedrockSubmitter) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	out, err := s.api.CreateModelCustomizationJob(ctx, &bedrock.CreateModelCustomizationJobInput{
		BaseModelIdentifier: aws.String(spec.BaseModel),
		CustomModelName:     aws.String(spec.CustomModelName),
		JobName:             aws.String(spec.JobName),
		RoleArn:             aws.String(s.roleARN),
		TrainingDataConfig:  &types.TrainingDataConfig{S3Uri: aws.String(spec.TrainingURI)},
		ValidationDataConfig: &types.ValidationDataConfig{
			Validators: []types.Validator{{S3Uri: aws.String(spec.ValidationURI)}},
		},
		OutputDataConfig: &types.OutputDataConfig{S3Uri: aws.String(spec.OutputURI)},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.JobArn), nil
}
