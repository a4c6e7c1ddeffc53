package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8slabels "k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/errdefs"
	baytypes "github.com/cuemby/bay/pkg/types"
)

// KubeDriver runs sandbox containers as pods in a cluster namespace. Cargo
// volumes map to persistent volume claims.
type KubeDriver struct {
	clientset kubernetes.Interface
	namespace string
	cfg       config.DriverConfig
}

// NewKubeDriver builds a cluster driver from a kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewKubeDriver(cfg config.DriverConfig) (*KubeDriver, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &KubeDriver{clientset: clientset, namespace: ns, cfg: cfg}, nil
}

// Close is a no-op; the cluster client holds no long-lived resources.
func (d *KubeDriver) Close() error { return nil }

// CreateContainer creates the backing pod. The pod name doubles as the
// container id.
func (d *KubeDriver) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	name := spec.Name()

	ctr := corev1.Container{
		Name:  "runtime",
		Image: spec.Image,
		Ports: []corev1.ContainerPort{{ContainerPort: int32(spec.RuntimePort)}},
		Env:   envVars(spec.Env),
	}

	limits := corev1.ResourceList{}
	if spec.CPULimit > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.CPULimit*1000), resource.DecimalSI)
	}
	if spec.MemoryLimitMB > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemoryLimitMB*1024*1024, resource.BinarySI)
	}
	if len(limits) > 0 {
		ctr.Resources = corev1.ResourceRequirements{Limits: limits}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{ctr},
		},
	}

	if spec.Cargo != nil {
		pod.Spec.Volumes = []corev1.Volume{{
			Name: "cargo",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: spec.Cargo.DriverRef,
				},
			},
		}}
		pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{{
			Name:      "cargo",
			MountPath: baytypes.CargoMountPath,
		}}
	}

	if _, err := d.clientset.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindRuntime, "failed to create pod %s", name)
	}
	return name, nil
}

// StartContainer waits for the pod to reach Running with an address. Pods
// start on create; this is the observation half.
func (d *KubeDriver) StartContainer(ctx context.Context, containerID string, runtimePort int) (string, error) {
	var endpoint string

	timeout := d.cfg.StartupTimeout()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	err := wait.PollUntilContextTimeout(ctx, time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, containerID, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		switch pod.Status.Phase {
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, errdefs.New(errdefs.KindRuntime, "pod %s terminated before becoming ready", containerID)
		case corev1.PodRunning:
			if pod.Status.PodIP == "" {
				return false, nil
			}
			endpoint = fmt.Sprintf("http://%s:%d", pod.Status.PodIP, runtimePort)
			return true, nil
		default:
			return false, nil
		}
	})
	if err != nil {
		if endpoint == "" && wait.Interrupted(err) {
			return "", errdefs.Wrap(err, errdefs.KindTimeout, "pod %s not running within %s", containerID, timeout)
		}
		return "", errdefs.Wrap(err, errdefs.KindRuntime, "failed to await pod %s", containerID)
	}
	return endpoint, nil
}

// StopContainer deletes the pod gracefully. Pods have no stopped state to
// keep.
func (d *KubeDriver) StopContainer(ctx context.Context, containerID string) error {
	err := d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, containerID, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to delete pod %s", containerID)
	}
	return nil
}

// DestroyContainer deletes the pod immediately. Idempotent.
func (d *KubeDriver) DestroyContainer(ctx context.Context, containerID string) error {
	var zero int64
	err := d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, containerID, metav1.DeleteOptions{
		GracePeriodSeconds: &zero,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to delete pod %s", containerID)
	}
	return nil
}

// ContainerStatus maps the pod phase onto the driver state model.
func (d *KubeDriver) ContainerStatus(ctx context.Context, containerID string, runtimePort int) (*Status, error) {
	pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &Status{State: StateNotFound}, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindRuntime, "failed to get pod %s", containerID)
	}

	st := &Status{}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		st.State = StateRunning
		if pod.Status.PodIP != "" {
			st.Endpoint = fmt.Sprintf("http://%s:%d", pod.Status.PodIP, runtimePort)
		}
	case corev1.PodPending:
		st.State = StateCreated
	default:
		st.State = StateExited
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				code := int(cs.State.Terminated.ExitCode)
				st.ExitCode = &code
				break
			}
		}
	}
	return st, nil
}

// CreateVolume provisions a persistent volume claim sized to the limit.
func (d *KubeDriver) CreateVolume(ctx context.Context, name string, sizeLimitMB int64, labels map[string]string) error {
	if sizeLimitMB <= 0 {
		sizeLimitMB = 1024
	}
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(sizeLimitMB*1024*1024, resource.BinarySI),
				},
			},
		},
	}
	if _, err := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to create claim %s", name)
	}
	return nil
}

// DeleteVolume removes the claim. A missing claim is not an error.
func (d *KubeDriver) DeleteVolume(ctx context.Context, name string) error {
	err := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindRuntime, "failed to delete claim %s", name)
	}
	return nil
}

// VolumeExists reports whether the named claim exists.
func (d *KubeDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(err, errdefs.KindRuntime, "failed to get claim %s", name)
	}
	return true, nil
}

// CreateNetwork is a no-op: the pod network is flat and session members
// reach each other by pod IP.
func (d *KubeDriver) CreateNetwork(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}

// RemoveNetwork is a no-op for the cluster driver.
func (d *KubeDriver) RemoveNetwork(ctx context.Context, sessionID string) error {
	return nil
}

// CreateGroup creates a batch of pods with rollback on failure.
func (d *KubeDriver) CreateGroup(ctx context.Context, specs []CreateSpec, parallel bool) ([]string, error) {
	return createGroup(ctx, d, specs, parallel)
}

// StartGroup awaits a batch of pods with rollback on failure.
func (d *KubeDriver) StartGroup(ctx context.Context, members []GroupStart, parallel bool) ([]string, error) {
	return startGroup(ctx, d, members, parallel)
}

// ListRuntimeInstances lists pods matching all of the given labels.
func (d *KubeDriver) ListRuntimeInstances(ctx context.Context, labels map[string]string) ([]*RuntimeInstance, error) {
	selector := k8slabels.Set(labels).AsSelector().String()
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindRuntime, "failed to list pods")
	}

	out := make([]*RuntimeInstance, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		out = append(out, &RuntimeInstance{
			ID:     pod.Name,
			Name:   pod.Name,
			Labels: pod.Labels,
			State:  strings.ToLower(string(pod.Status.Phase)),
		})
	}
	return out, nil
}

// DestroyRuntimeInstance deletes a pod by name. Idempotent.
func (d *KubeDriver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return d.DestroyContainer(ctx, id)
}

func envVars(env []string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for _, e := range env {
		k, v, _ := strings.Cut(e, "=")
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	return out
}
