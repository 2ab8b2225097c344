package gameserver

import (
	"context"
	"testing"

	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

const testNamespace = "games"

func formed(sessionID string) models.SessionFormed {
	return models.SessionFormed{SessionID: sessionID, Members: []string{"p1", "p2"}, GameMode: "ranked"}
}

func TestLauncher_LaunchCreatesLabelledJob(t *testing.T) {
	client := fake.NewSimpleClientset()
	launcher := NewLauncher(client, testNamespace, "registry.local/game:1", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, launcher.Launch(ctx, formed("S1")))

	job, err := client.BatchV1().Jobs(testNamespace).Get(ctx, "session-s1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "S1", job.Labels[labelSession])
	assert.Equal(t, typeGameSession, job.Labels[labelType])
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)

	container := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "registry.local/game:1", container.Image)
	env := make(map[string]string)
	for _, e := range container.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "S1", env["SESSION_ID"])
	assert.Equal(t, "ranked", env["GAME_MODE"])
	assert.Equal(t, "p1,p2", env["SESSION_MEMBERS"])

	// 재시도로 같은 세션을 다시 받아도 성공
	assert.NoError(t, launcher.Launch(ctx, formed("S1")))
}

func TestLauncher_Teardown(t *testing.T) {
	client := fake.NewSimpleClientset()
	launcher := NewLauncher(client, testNamespace, "game:1", nil)
	ctx := context.Background()

	require.NoError(t, launcher.Launch(ctx, formed("s1")))
	require.NoError(t, launcher.Teardown(ctx, "s1"))

	_, err := client.BatchV1().Jobs(testNamespace).Get(ctx, JobName("s1"), metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	assert.NoError(t, launcher.Teardown(ctx, "s1"), "missing job is not an error")
}
