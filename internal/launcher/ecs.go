package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/pkg/config"
)

// ECSAPI is the subset of the ECS client the launcher uses.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

// ECS launches build jobs as Fargate tasks.
type ECS struct {
	client ECSAPI
	cfg    config.ECSConfig
	env    map[string]string
	logger *slog.Logger
}

// NewECS builds an ECS launcher using the default AWS credential chain.
// extraEnv is added to every task next to the identifying environment.
func NewECS(ctx context.Context, cfg config.ECSConfig, extraEnv map[string]string, logger *slog.Logger) (*ECS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewECSWithClient(ecs.NewFromConfig(awsCfg), cfg, extraEnv, logger), nil
}

// NewECSWithClient wraps an existing client.
func NewECSWithClient(client ECSAPI, cfg config.ECSConfig, extraEnv map[string]string, logger *slog.Logger) *ECS {
	if logger == nil {
		logger = slog.Default()
	}
	return &ECS{client: client, cfg: cfg, env: extraEnv, logger: logger}
}

// Name returns "ecs".
func (l *ECS) Name() string { return "ecs" }

// Launch runs one task. Failures reported in a successful response (no
// capacity, quota) are launch failures too.
func (l *ECS) Launch(ctx context.Context, project *models.Project, deployment *models.Deployment) (*Handle, error) {
	env := make(map[string]string, len(l.env)+3)
	for k, v := range l.env {
		env[k] = v
	}
	for k, v := range BuildEnv(project, deployment) {
		env[k] = v
	}

	assignIP := types.AssignPublicIpDisabled
	if l.cfg.AssignPublicIP {
		assignIP = types.AssignPublicIpEnabled
	}

	input := &ecs.RunTaskInput{
		Cluster:        aws.String(l.cfg.Cluster),
		TaskDefinition: aws.String(l.cfg.TaskDefinition),
		LaunchType:     types.LaunchTypeFargate,
		Count:          aws.Int32(1),
		StartedBy:      aws.String(startedBy(deployment.ID)),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        l.cfg.Subnets,
				SecurityGroups: l.cfg.SecurityGroups,
				AssignPublicIp: assignIP,
			},
		},
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{{
				Name:        aws.String(l.cfg.ContainerName),
				Environment: keyValuePairs(env),
			}},
		},
	}

	out, err := l.client.RunTask(ctx, input)
	if err != nil {
		return nil, launchError(l.Name(), describeAPIError(err))
	}
	if len(out.Failures) > 0 {
		return nil, launchError(l.Name(), failuresError(out.Failures))
	}
	if len(out.Tasks) == 0 {
		return nil, launchError(l.Name(), errors.New("no task started"))
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	l.logger.Info("build task started",
		"deployment_id", deployment.ID,
		"project_id", project.ID,
		"task_arn", arn,
	)
	return &Handle{Backend: l.Name(), ID: arn, StartedAt: time.Now().UTC()}, nil
}

// Stop stops every task started for deploymentID.
func (l *ECS) Stop(ctx context.Context, deploymentID string) error {
	out, err := l.client.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:   aws.String(l.cfg.Cluster),
		StartedBy: aws.String(startedBy(deploymentID)),
	})
	if err != nil {
		return fmt.Errorf("listing tasks: %w", describeAPIError(err))
	}

	for _, arn := range out.TaskArns {
		_, err := l.client.StopTask(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(l.cfg.Cluster),
			Task:    aws.String(arn),
			Reason:  aws.String("deployment timed out"),
		})
		if err != nil {
			return fmt.Errorf("stopping task %s: %w", arn, describeAPIError(err))
		}
		l.logger.Info("build task stopped", "deployment_id", deploymentID, "task_arn", arn)
	}
	return nil
}

// startedBy fits the deployment id into the 36 character StartedBy field.
func startedBy(deploymentID string) string {
	if len(deploymentID) > 36 {
		return deploymentID[:36]
	}
	return deploymentID
}

func keyValuePairs(env map[string]string) []types.KeyValuePair {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, types.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return pairs
}

func failuresError(failures []types.Failure) error {
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		reason := aws.ToString(f.Reason)
		if d := aws.ToString(f.Detail); d != "" {
			reason += " (" + d + ")"
		}
		reasons = append(reasons, reason)
	}
	return fmt.Errorf("task rejected: %s", strings.Join(reasons, "; "))
}

// describeAPIError prefixes AWS API errors with their error code.
func describeAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
