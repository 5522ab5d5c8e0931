package saga

import (
	"context"
	"time"

	"agripulse.org/internal/audit"
	"agripulse.org/internal/obs"
	"agripulse.org/internal/stream"

	"github.com/sirupsen/logrus"
)

// Reporter emits progress events, step metrics and logs for one saga run.
type Reporter struct {
	saga string
	bus  *stream.Bus
	log  *logrus.Entry
}

// NewReporter returns a Reporter. bus may be nil.
func NewReporter(ctx context.Context, saga string, bus *stream.Bus) *Reporter {
	fields := logrus.Fields{"saga": saga}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	return &Reporter{saga: saga, bus: bus, log: obs.Logger().WithFields(fields)}
}

// Log returns the saga-scoped logger.
func (r *Reporter) Log() *logrus.Entry { return r.log }

func (r *Reporter) Info(msg, link string)    { r.emit(msg, stream.Info, link) }
func (r *Reporter) Success(msg, link string) { r.emit(msg, stream.Success, link) }
func (r *Reporter) Warn(msg, link string)    { r.emit(msg, stream.Warning, link) }

func (r *Reporter) emit(msg string, sev stream.Severity, link string) {
	r.bus.Publish(r.saga, msg, sev, link)
}

// Run executes one step, timing it and reporting failures. The returned error
// is a *Error naming the step.
func (r *Reporter) Run(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	obs.ObserveSagaStep(r.saga, step, time.Since(start), err)
	if err != nil {
		r.log.WithError(err).WithField("step", step).Warn("saga step failed")
		return &Error{Saga: r.saga, Step: step, Err: err}
	}
	r.log.WithField("step", step).Debug("saga step done")
	return nil
}

// Finish records the outcome and, on failure, publishes the single
// consolidated failure event.
func (r *Reporter) Finish(err error) {
	if err == nil {
		obs.ObserveSagaRun(r.saga, "success")
		return
	}
	outcome := "failed"
	if IsPrecondition(err) {
		outcome = "rejected"
	}
	obs.ObserveSagaRun(r.saga, outcome)
	r.emit(Describe(err), stream.Error, "")
	r.log.WithError(err).Error("saga failed")
}
