package launcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/pkg/config"
)

type fakeECS struct {
	runInput *ecs.RunTaskInput
	runOut   *ecs.RunTaskOutput
	runErr   error
	stopped  []string
}

func (f *fakeECS) RunTask(_ context.Context, in *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.runInput = in
	return f.runOut, f.runErr
}

func (f *fakeECS) ListTasks(_ context.Context, in *ecs.ListTasksInput, _ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	return &ecs.ListTasksOutput{TaskArns: []string{"arn:task/" + aws.ToString(in.StartedBy)}}, nil
}

func (f *fakeECS) StopTask(_ context.Context, in *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	f.stopped = append(f.stopped, aws.ToString(in.Task))
	return &ecs.StopTaskOutput{}, nil
}

func testECSConfig() config.ECSConfig {
	return config.ECSConfig{
		Cluster:        "builds",
		TaskDefinition: "builder:3",
		ContainerName:  "builder-image",
		Subnets:        []string{"subnet-a"},
		SecurityGroups: []string{"sg-1"},
		AssignPublicIP: true,
	}
}

func testJob() (*models.Project, *models.Deployment) {
	return &models.Project{ID: "p-1", GitURL: "https://github.com/acme/site.git"},
		&models.Deployment{ID: "d-1", ProjectID: "p-1"}
}

func launchTestJob(l Launcher) (*Handle, error) {
	p, d := testJob()
	return l.Launch(context.Background(), p, d)
}

func TestECSLaunch(t *testing.T) {
	client := &fakeECS{runOut: &ecs.RunTaskOutput{Tasks: []types.Task{{TaskArn: aws.String("arn:task/1")}}}}
	l := NewECSWithClient(client, testECSConfig(), map[string]string{"REDIS_URL": "redis://q"}, nil)

	h, err := launchTestJob(l)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if h.ID != "arn:task/1" || h.Backend != "ecs" {
		t.Errorf("handle = %+v", h)
	}

	in := client.runInput
	if in.LaunchType != types.LaunchTypeFargate {
		t.Errorf("LaunchType = %v", in.LaunchType)
	}
	if in.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp != types.AssignPublicIpEnabled {
		t.Error("public ip not assigned")
	}

	env := map[string]string{}
	override := in.Overrides.ContainerOverrides[0]
	if aws.ToString(override.Name) != "builder-image" {
		t.Errorf("container = %s", aws.ToString(override.Name))
	}
	for _, kv := range override.Environment {
		env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
	}
	want := map[string]string{
		"GIT_REPOSITORY_URL": "https://github.com/acme/site.git",
		"PROJECT_ID":         "p-1",
		"DEPLOYMENT_ID":      "d-1",
		"REDIS_URL":          "redis://q",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
}

func TestECSLaunchFailures(t *testing.T) {
	tests := []struct {
		name string
		out  *ecs.RunTaskOutput
		err  error
		want string
	}{
		{
			name: "api error",
			err:  &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"},
			want: "AccessDeniedException",
		},
		{
			name: "failures in response",
			out: &ecs.RunTaskOutput{Failures: []types.Failure{{
				Reason: aws.String("RESOURCE:CPU"),
				Detail: aws.String("capacity"),
			}}},
			want: "RESOURCE:CPU",
		},
		{
			name: "no tasks",
			out:  &ecs.RunTaskOutput{},
			want: "no task started",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewECSWithClient(&fakeECS{runOut: tt.out, runErr: tt.err}, testECSConfig(), nil, nil)
			_, err := launchTestJob(l)
			if !errors.Is(err, ErrLaunchFailed) {
				t.Fatalf("Launch() error = %v, want ErrLaunchFailed", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestECSStop(t *testing.T) {
	client := &fakeECS{}
	l := NewECSWithClient(client, testECSConfig(), nil, nil)

	if err := l.Stop(context.Background(), "d-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(client.stopped) != 1 || client.stopped[0] != "arn:task/d-1" {
		t.Errorf("stopped = %v", client.stopped)
	}
}
