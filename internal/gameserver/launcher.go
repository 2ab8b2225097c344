// Package gameserver runs formed sessions as Kubernetes Jobs and reports
// their lifecycle back as game events.
package gameserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/rephlax/clutchcrew/internal/models"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	labelApp     = "app"
	labelType    = "type"
	labelSession = "session-id"

	appName         = "clutchcrew"
	typeGameSession = "game-session"
)

// sessionSelector 게임 세션 Job만 고르는 레이블 셀렉터
var sessionSelector = fmt.Sprintf("%s=%s,%s=%s", labelApp, appName, labelType, typeGameSession)

// NewInClusterClient Pod 안에서 실행될 때의 K8s 클라이언트
func NewInClusterClient() (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

// JobName 세션의 게임 서버 Job 이름
func JobName(sessionID string) string {
	return "session-" + strings.ToLower(sessionID)
}

// Launcher 세션마다 게임 서버 Job 생성/삭제
type Launcher struct {
	client    kubernetes.Interface
	namespace string
	image     string
	logger    *zap.Logger
}

// NewLauncher Launcher 생성
func NewLauncher(client kubernetes.Interface, namespace, image string, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		client:    client,
		namespace: namespace,
		image:     image,
		logger:    logger,
	}
}

// Launch 게임 서버 Job 생성. 이미 있으면 성공으로 본다 (재시도된 작업).
func (l *Launcher) Launch(ctx context.Context, ev models.SessionFormed) error {
	job := l.sessionJob(ev)

	created, err := l.client.BatchV1().Jobs(l.namespace).Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		l.logger.Debug("Game server job already exists", zap.String("sessionId", ev.SessionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create game server job: %w", err)
	}

	l.logger.Info("Game server job created",
		zap.String("sessionId", ev.SessionID),
		zap.String("jobName", created.Name),
		zap.Int("members", len(ev.Members)))
	return nil
}

// Teardown 게임 서버 Job 삭제. 없으면 무시한다.
func (l *Launcher) Teardown(ctx context.Context, sessionID string) error {
	policy := metav1.DeletePropagationBackground
	err := l.client.BatchV1().Jobs(l.namespace).Delete(ctx, JobName(sessionID), metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete game server job: %w", err)
	}

	l.logger.Info("Game server job deleted", zap.String("sessionId", sessionID))
	return nil
}

func (l *Launcher) sessionJob(ev models.SessionFormed) *batchv1.Job {
	backoffLimit := int32(0)
	ttlSecondsAfterFinished := int32(600)

	labels := map[string]string{
		labelApp:     appName,
		labelType:    typeGameSession,
		labelSession: ev.SessionID,
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(ev.SessionID),
			Namespace: l.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			// 게임은 실패해도 다시 띄우지 않는다
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttlSecondsAfterFinished,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "game-server",
							Image: l.image,
							Env: []corev1.EnvVar{
								{Name: "SESSION_ID", Value: ev.SessionID},
								{Name: "GAME_MODE", Value: ev.GameMode},
								{Name: "SESSION_MEMBERS", Value: strings.Join(ev.Members, ",")},
							},
						},
					},
				},
			},
		},
	}
}
