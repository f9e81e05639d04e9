package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/xrpgate/service/metrics"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Dependencies
	API     GatewayAPI
	Metrics *metrics.Metrics // Optional: if nil, no metrics will be recorded
	Logger  *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
// The worker will process workflows and activities on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     10,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})
	register(w, NewActivities(config.API, config.Metrics, logger))

	logger.Info("registered workflows and activities",
		"workflows", []string{"ReconcileSweepWorkflow", "AwaitPaymentWorkflow"},
		"activities", []string{"TriggerSweep", "AwaitPayment"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

// register adds every workflow and activity to r. Activities are registered
// by method name, matching the ExecuteActivity calls in the workflows.
func register(r worker.Registry, activities *Activities) {
	r.RegisterWorkflow(ReconcileSweepWorkflow)
	r.RegisterWorkflow(AwaitPaymentWorkflow)
	r.RegisterActivity(activities.TriggerSweep)
	r.RegisterActivity(activities.AwaitPayment)
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an interrupt is received.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	err := w.worker.Run(worker.InterruptCh())
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.client.Close()
	w.logger.Info("temporal worker stopped")
}
