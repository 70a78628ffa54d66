package kube

import (
	"context"
	"log/slog"
	"time"

	"github.com/meikuraledutech/jobdag"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

// DefaultResync is how often every watched workload is synced again. A
// workload can report progress before its job has left queued; the resync
// applies that progress once the job is scheduled.
const DefaultResync = 30 * time.Second

// Watcher reports the progress of dispatched workloads of one cluster back
// to the store: an active pod moves a job to running, a succeeded or failed
// Job to finished or failure.
type Watcher struct {
	client    kubernetes.Interface
	namespace string
	store     jobdag.JobStore
	logger    *slog.Logger
	resync    time.Duration
	now       func() time.Time
}

func NewWatcher(client kubernetes.Interface, namespace string, store jobdag.JobStore, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:    client,
		namespace: namespace,
		store:     store,
		logger:    logger,
		resync:    DefaultResync,
		now:       time.Now,
	}
}

// Run watches jobdag workloads until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(w.client, w.resync,
		informers.WithNamespace(w.namespace),
		informers.WithTweakListOptions(func(o *metav1.ListOptions) { o.LabelSelector = ownerSelector }),
	)
	informer := factory.Batch().V1().Jobs().Informer()

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if job, ok := obj.(*batchv1.Job); ok {
				w.Sync(ctx, job)
			}
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			if job, ok := newObj.(*batchv1.Job); ok {
				w.Sync(ctx, job)
			}
		},
	})
	if err != nil {
		return err
	}

	w.logger.Info("Watching workloads", slog.String("namespace", w.namespace))
	factory.Start(ctx.Done())
	factory.WaitForCacheSync(ctx.Done())
	<-ctx.Done()
	factory.Shutdown()
	return ctx.Err()
}

// Sync applies the state a workload reports to its job.
func (w *Watcher) Sync(ctx context.Context, job *batchv1.Job) {
	id := job.Labels[LabelJobID]
	if id == "" {
		return
	}

	var (
		expected []jobdag.State
		next     jobdag.State
		t        jobdag.Transition
	)
	switch {
	case job.Status.Succeeded > 0:
		expected = []jobdag.State{jobdag.StateScheduled, jobdag.StateRunning}
		next = jobdag.StateFinished
		t = jobdag.Transition{StartDate: w.startTime(job), EndDate: w.now()}
	case job.Status.Failed > 0:
		expected = []jobdag.State{jobdag.StateScheduled, jobdag.StateRunning}
		next = jobdag.StateFailure
		t = jobdag.Transition{StartDate: w.startTime(job), EndDate: w.now(), Message: "Workload failed"}
	case job.Status.Active > 0:
		expected = []jobdag.State{jobdag.StateScheduled}
		next = jobdag.StateRunning
		t = jobdag.Transition{StartDate: w.startTime(job)}
	default:
		return
	}

	ok, err := w.store.CompareAndSetState(ctx, id, expected, next, t)
	if err != nil {
		w.logger.Error("Failed to record workload state", slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}
	if ok {
		w.logger.Info("Workload state recorded", slog.String("job_id", id), slog.String("state", string(next)))
	}
}

func (w *Watcher) startTime(job *batchv1.Job) time.Time {
	if job.Status.StartTime != nil {
		return job.Status.StartTime.Time
	}
	return w.now()
}
