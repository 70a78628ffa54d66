package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/meikuraledutech/jobdag"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	LabelOwner   = "jobdag/owner"
	LabelJobID   = "jobdag/job-id"
	LabelBuildID = "jobdag/build-id"
	LabelKind    = "jobdag/kind"

	ownerSelector = LabelOwner + "=true"
)

// WorkloadName is the batch Job name used for a job id.
func WorkloadName(jobID string) string {
	return "job-" + strings.ToLower(jobID)
}

// NamespaceName is the auxiliary namespace of a docker-compose job.
func NamespaceName(jobID string) string {
	return "jobdag-" + strings.ToLower(jobID)
}

// Dispatcher implements jobdag.Dispatcher on top of one clientset per
// cluster. Workloads are keyed by job id, so dispatching twice never starts
// a second Job.
type Dispatcher struct {
	clients   map[string]kubernetes.Interface
	namespace string
	image     string
	logger    *slog.Logger
}

func NewDispatcher(clients map[string]kubernetes.Interface, namespace, image string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{clients: clients, namespace: namespace, image: image, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req jobdag.DispatchRequest) error {
	cs, ok := d.clients[req.Cluster]
	if !ok {
		return fmt.Errorf("jobdag: no client for cluster %q", req.Cluster)
	}

	if req.Kind == jobdag.KindDockerCompose {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
			Name:   NamespaceName(req.JobID),
			Labels: d.labels(req),
		}}
		_, err := cs.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("jobdag: create namespace: %w", err)
		}
	}

	_, err := cs.BatchV1().Jobs(d.namespace).Create(ctx, d.batchJob(req), metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			d.logger.Debug("Job already dispatched", slog.String("job_id", req.JobID))
			return nil
		}
		return fmt.Errorf("jobdag: create job: %w", err)
	}

	d.logger.Info("Job dispatched",
		slog.String("job_id", req.JobID),
		slog.String("cluster", req.Cluster),
		slog.String("workload", WorkloadName(req.JobID)),
	)
	return nil
}

// Delete removes the job's workload and auxiliary namespace from every
// cluster. Resources that are already gone are ignored.
func (d *Dispatcher) Delete(ctx context.Context, jobID string) error {
	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	var errs []error
	for name, cs := range d.clients {
		err := cs.BatchV1().Jobs(d.namespace).Delete(ctx, WorkloadName(jobID), opts)
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("jobdag: delete job on %s: %w", name, err))
		}
		err = cs.CoreV1().Namespaces().Delete(ctx, NamespaceName(jobID), opts)
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("jobdag: delete namespace on %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ListActive returns the ids of every job that still owns a workload or a
// namespace on any cluster.
func (d *Dispatcher) ListActive(ctx context.Context) ([]string, error) {
	opts := metav1.ListOptions{LabelSelector: ownerSelector}
	seen := make(map[string]struct{})

	for name, cs := range d.clients {
		jobs, err := cs.BatchV1().Jobs(d.namespace).List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("jobdag: list jobs on %s: %w", name, err)
		}
		for _, j := range jobs.Items {
			if id := j.Labels[LabelJobID]; id != "" {
				seen[id] = struct{}{}
			}
		}

		nss, err := cs.CoreV1().Namespaces().List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("jobdag: list namespaces on %s: %w", name, err)
		}
		for _, ns := range nss.Items {
			if id := ns.Labels[LabelJobID]; id != "" {
				seen[id] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Dispatcher) labels(req jobdag.DispatchRequest) map[string]string {
	return map[string]string{
		LabelOwner:   "true",
		LabelJobID:   req.JobID,
		LabelBuildID: req.BuildID,
		LabelKind:    string(req.Kind),
	}
}

func (d *Dispatcher) batchJob(req jobdag.DispatchRequest) *batchv1.Job {
	env := []corev1.EnvVar{
		{Name: "JOBDAG_JOB_ID", Value: req.JobID},
		{Name: "JOBDAG_BUILD_ID", Value: req.BuildID},
		{Name: "JOBDAG_JOB_KIND", Value: string(req.Kind)},
	}
	for _, kv := range req.Env {
		name, value, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}

	cpu := resource.NewMilliQuantity(int64(math.Round(req.CPU*1000)), resource.DecimalSI)
	mem := resource.NewQuantity(req.Memory*1024*1024, resource.BinarySI)
	backoff := int32(0)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName(req.JobID),
			Namespace: d.namespace,
			Labels:    d.labels(req),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: d.labels(req)},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "job",
						Image: d.image,
						Env:   env,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    *cpu,
								corev1.ResourceMemory: *mem,
							},
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: *mem,
							},
						},
					}},
				},
			},
		},
	}
}
