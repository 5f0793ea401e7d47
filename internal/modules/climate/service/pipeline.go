package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"climalog/internal/device"
	"climalog/internal/logging"
	"climalog/internal/metrics"
	"climalog/internal/modules/climate/decoder"
	"climalog/internal/modules/climate/timeline"
	"climalog/internal/modules/climate/types"
)

// poll runs the pipeline of one device. Stages are strictly sequential; the
// whole pipeline is bounded by the poll timeout.
func (p *Poller) poll(ctx context.Context, ds *deviceState) Result {
	source := ds.dev.Source
	res := Result{Source: source}

	if !ds.busy.TryLock() {
		res.Err = ErrBusy
		res.Error = ErrBusy.Error()
		res.State = p.statusState(ds)
		return res
	}
	defer ds.busy.Unlock()

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	log := p.log.With("source", source.String(), "addr", ds.dev.Addr())
	start := p.opts.Clock.Now()
	p.update(ds, func(s *Status) {
		s.State = StateRequesting
		s.LastAttempt = start
	})

	fail := func(state State, label string, err error) Result {
		res.State = state
		res.Err = err
		res.Error = err.Error()
		res.Duration = p.opts.Clock.Since(start)
		p.update(ds, func(s *Status) {
			s.State = state
			s.LastError = err.Error()
		})
		metrics.Polls.WithLabelValues(source.String(), label).Inc()
		metrics.PollDuration.WithLabelValues(source.String()).Observe(res.Duration.Seconds())
		return res
	}

	raw, err := p.fetcher.Fetch(ctx, device.Endpoint{Source: source, Addr: ds.dev.Addr()})
	if err != nil {
		if errors.Is(err, device.ErrTimeout) {
			log.Error("device unreachable, retries exhausted", logging.Err(err))
			return fail(StateFaulted, metrics.ResultTimeout, err)
		}
		log.Warn("fetch failed", logging.Err(err))
		return fail(StateIdle, metrics.ResultError, err)
	}

	p.setState(ds, StateDecoding)
	frame, err := decoder.Decode(raw)
	if err != nil {
		reason := "unknown"
		var de *decoder.DecodeError
		if errors.As(err, &de) {
			reason = string(de.Reason)
		}
		metrics.DecodeErrs.WithLabelValues(source.String(), reason).Inc()
		log.Warn("frame discarded", "bytes", len(raw), logging.Err(err))
		return fail(StateIdle, metrics.ResultError, err)
	}

	p.setState(ds, StateValidating)
	samples := buildSamples(frame, p.opts.Location)
	kept, dropped := p.opts.Bounds.Partition(samples)
	res.Discarded = dropped
	if dropped > 0 {
		metrics.SamplesDiscarded.WithLabelValues(source.String()).Add(float64(dropped))
		log.Info("samples out of range", "dropped", dropped, "kept", len(kept))
	}

	p.setState(ds, StateWriting)
	n, err := p.store.Write(ctx, source, kept)
	if err != nil {
		metrics.StoreErrs.WithLabelValues(source.String()).Inc()
		log.Error("write failed, batch rolled back", "samples", len(kept), logging.Err(err))
		return fail(StateIdle, metrics.ResultError, fmt.Errorf("write %s: %w", source, err))
	}

	done := p.opts.Clock.Now()
	res.State = StateIdle
	res.Written = n
	res.Duration = done.Sub(start)
	status := p.update(ds, func(s *Status) {
		s.State = StateIdle
		s.LastSuccess = done
		s.LastError = ""
		s.LastWritten = n
	})
	metrics.Polls.WithLabelValues(source.String(), metrics.ResultOK).Inc()
	metrics.PollDuration.WithLabelValues(source.String()).Observe(res.Duration.Seconds())
	metrics.SamplesWritten.WithLabelValues(source.String()).Add(float64(n))
	metrics.LastSuccess.WithLabelValues(source.String()).Set(float64(done.Unix()))
	log.Info("poll committed", "written", n, "discarded", dropped, "anchor", frame.Anchor, "duration", res.Duration)

	p.publish(ctx, source, kept, status)
	return res
}

func (p *Poller) publish(ctx context.Context, source types.Source, samples []types.Sample, status Status) {
	if p.opts.Publisher == nil {
		return
	}
	if len(samples) > 0 {
		if err := p.opts.Publisher.PublishBatch(ctx, source, samples); err != nil {
			metrics.PublishErrs.WithLabelValues(source.String()).Inc()
			p.log.Warn("publish batch failed", "source", source.String(), logging.Err(err))
		}
	}
	if err := p.opts.Publisher.PublishHealth(ctx, status); err != nil {
		p.log.Warn("publish health failed", "source", source.String(), logging.Err(err))
	}
}

func (p *Poller) statusState(ds *deviceState) State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ds.status.State
}

// buildSamples pairs each reading with its reconstructed time, shown in loc.
func buildSamples(frame *types.Frame, loc *time.Location) []types.Sample {
	times := timeline.Localize(timeline.Reconstruct(frame.Anchor, frame.Offsets), loc)
	out := make([]types.Sample, frame.Len())
	for i := range out {
		out[i] = types.Sample{
			Time:        times[i],
			Temperature: frame.Temperatures[i],
			Humidity:    frame.Humidities[i],
		}
	}
	return out
}
