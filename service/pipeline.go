package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"dvr-uploader/config"
	"dvr-uploader/constant"
	"dvr-uploader/dto"
	"dvr-uploader/entities"
	"dvr-uploader/pkg/ledger"
	"dvr-uploader/pkg/watcher"
	"dvr-uploader/repository"
)

// UploadPublisher is the optional broker-side mirror of the webhook.
type UploadPublisher interface {
	PublishUpload(ctx context.Context, notification dto.UploadNotification) error
}

// Pipeline owns the per-recording state machine. It consumes stabilization
// events, drives each recording through upload, metadata persistence and
// notification, and records every transition in the ledger before acting on
// it. The ledger is the durable truth; everything here rebuilds from it.
type Pipeline struct {
	cfg       *config.Config
	led       *ledger.Ledger
	uploader  *Uploader
	sink      repository.MetadataSink
	notifier  *Notifier
	publisher UploadPublisher
	events    <-chan watcher.Event

	jobs     chan string
	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewPipeline(
	cfg *config.Config,
	led *ledger.Ledger,
	uploader *Uploader,
	sink repository.MetadataSink,
	notifier *Notifier,
	publisher UploadPublisher,
	events <-chan watcher.Event,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		led:       led,
		uploader:  uploader,
		sink:      sink,
		notifier:  notifier,
		publisher: publisher,
		events:    events,
		jobs:      make(chan string, 4096),
		inflight:  map[string]struct{}{},
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight work to wind
// down. Upload concurrency is bounded by the worker count; persistence and
// notification run in their own goroutines so a slow webhook never holds an
// upload slot.
func (p *Pipeline) Run(ctx context.Context) error {
	workers := p.cfg.Upload.Concurrency
	if workers < 1 {
		workers = 1
	}
	// Workers must be draining before resume: a large backlog would otherwise
	// fill the queue with nobody on the other end.
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.resume(ctx)

	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				p.wg.Wait()
				return nil
			}
			p.handleEvent(ctx, ev)
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Type {
	case watcher.Appeared:
		if _, ok := p.led.Get(ev.Path); ok {
			return
		}
		p.register(ctx, ev, constant.StateDetected)
	case watcher.Grew:
		entry, ok := p.led.Get(ev.Path)
		if !ok {
			p.register(ctx, ev, constant.StateStabilizing)
			return
		}
		if entry.State == constant.StateDetected {
			p.mustUpdate(ctx, ev.Path, func(e *ledger.Entry) {
				e.State = constant.StateStabilizing
				e.SizeBytes = ev.Size
			})
		}
	case watcher.Stabilized:
		p.Submit(ctx, ev)
	case watcher.Removed:
		p.handleRemoved(ctx, ev.Path)
	}
}

// Submit is idempotent: paths already in flight or already Done/DeadLetter
// are a no-op. DeadLetter entries only move again through an explicit Replay.
func (p *Pipeline) Submit(ctx context.Context, ev watcher.Event) {
	entry, known := p.led.Get(ev.Path)
	if known && entry.State.Terminal() {
		return
	}
	if !p.acquire(ev.Path) {
		return
	}

	if !known {
		streamApp, streamName, filename, err := ParseRecordingPath(p.cfg.Watch.Root, ev.Path)
		if err != nil {
			p.release(ev.Path)
			p.quarantine(ctx, ev, err)
			return
		}
		entry = ledger.Entry{
			LocalPath:  ev.Path,
			StreamApp:  streamApp,
			StreamName: streamName,
			Filename:   filename,
			State:      constant.StateStabilizing,
			DetectedAt: ev.At,
		}
	}

	entry.SizeBytes = ev.Size
	if entry.StabilizedAt.IsZero() {
		entry.StabilizedAt = ev.At
	}
	if err := p.led.Put(entry); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("path", ev.Path).Msg("failed to record stabilized file")
		p.release(ev.Path)
		return
	}

	p.enqueue(ctx, ev.Path)
}

// Replay re-enqueues a dead-lettered recording with a fresh attempt budget
// for the failed phase. Operator-triggered.
func (p *Pipeline) Replay(ctx context.Context, localPath string) error {
	entry, ok := p.led.Get(localPath)
	if !ok {
		return ledger.ErrNotFound
	}
	if entry.State != constant.StateDeadLetter {
		return fmt.Errorf("recording %q is not dead-lettered (state %s)", localPath, entry.State)
	}
	if !p.acquire(localPath) {
		return fmt.Errorf("recording %q is already in flight", localPath)
	}

	err := p.led.Update(localPath, func(e *ledger.Entry) {
		e.LastError = ""
		switch e.Phase {
		case constant.PhasePersist:
			e.State = constant.StateUploaded
			e.PersistAttempts = 0
		default:
			e.State = constant.StateStabilizing
			e.UploadAttempts = 0
		}
	})
	if err != nil {
		p.release(localPath)
		return err
	}

	zerolog.Ctx(ctx).Info().Str("path", localPath).Msg("replaying dead-lettered recording")
	p.enqueue(ctx, localPath)
	return nil
}

// resume re-enqueues work the previous process left unfinished. Entries past
// upload go straight back to their phase; entries that died before or during
// upload are left for the watcher, which re-validates stability first.
func (p *Pipeline) resume(ctx context.Context) {
	for _, e := range p.led.Entries() {
		if e.State.Terminal() {
			continue
		}
		switch {
		case e.State == constant.StateUploaded,
			e.State == constant.StatePersisting,
			e.State == constant.StateNotifying,
			e.State == constant.StateFailed && e.Phase != constant.PhaseUpload:
			if p.acquire(e.LocalPath) {
				zerolog.Ctx(ctx).Info().
					Str("path", e.LocalPath).
					Str("state", string(e.State)).
					Msg("resuming recording after restart")
				p.enqueue(ctx, e.LocalPath)
			}
		case e.State == constant.StateDetected, e.State == constant.StateStabilizing:
			// Never uploaded and no longer on disk: nothing to recover.
			if _, err := os.Stat(e.LocalPath); errors.Is(err, os.ErrNotExist) {
				if err := p.led.Delete(e.LocalPath); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Str("path", e.LocalPath).Msg("failed to drop stale entry")
				}
			}
		case e.State == constant.StateUploading,
			e.State == constant.StateFailed && e.Phase == constant.PhaseUpload:
			if _, err := os.Stat(e.LocalPath); errors.Is(err, os.ErrNotExist) {
				p.deadLetter(ctx, e.LocalPath, constant.PhaseUpload, errors.Join(ErrNonRetryable, err))
			}
			// Otherwise the watcher re-validates stability and re-submits.
		}
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-p.jobs:
			p.process(ctx, path)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, localPath string) {
	entry, ok := p.led.Get(localPath)
	if !ok || entry.State.Terminal() {
		p.release(localPath)
		return
	}

	if needsUpload(entry) {
		if !p.runUpload(ctx, localPath, entry) {
			p.release(localPath)
			return
		}
	}

	// Free the upload slot; the cheap phases run concurrently without bound.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(localPath)
		p.finalize(ctx, localPath)
	}()
}

func needsUpload(e ledger.Entry) bool {
	switch e.State {
	case constant.StateDetected, constant.StateStabilizing, constant.StateUploading:
		return true
	case constant.StateFailed:
		return e.Phase == constant.PhaseUpload
	}
	return false
}

// runUpload returns true when the recording is durably Uploaded.
func (p *Pipeline) runUpload(ctx context.Context, localPath string, entry ledger.Entry) bool {
	p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
		e.State = constant.StateUploading
		e.Phase = constant.PhaseUpload
	})

	var result UploadResult
	err := p.retryPhase(ctx, localPath, constant.PhaseUpload, p.cfg.Upload.MaxAttempts, func() error {
		var uploadErr error
		result, uploadErr = p.uploader.Upload(ctx, localPath, entry.StreamApp, entry.StreamName, entry.Filename)
		return uploadErr
	})
	if err != nil {
		p.deadLetter(ctx, localPath, constant.PhaseUpload, err)
		return false
	}

	// This write must be durable before metadata persistence starts: a crash
	// in between re-uploads to the same key, never loses the record.
	p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
		e.State = constant.StateUploaded
		e.RemoteKey = result.RemoteKey
		e.RemoteURL = result.RemoteURL
		e.Bucket = result.Bucket
		e.Region = result.Region
		e.SizeBytes = result.SizeBytes
		e.UploadedAt = time.Now()
		e.LastError = ""
	})
	return true
}

func (p *Pipeline) finalize(ctx context.Context, localPath string) {
	entry, ok := p.led.Get(localPath)
	if !ok || entry.State.Terminal() {
		return
	}

	if needsPersist(entry) {
		p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
			e.State = constant.StatePersisting
			e.Phase = constant.PhasePersist
		})

		record := recordFromEntry(entry)
		var recordID string
		err := p.retryPhase(ctx, localPath, constant.PhasePersist, p.cfg.Metadata.MaxAttempts, func() error {
			pctx := ctx
			if p.cfg.Metadata.Timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, p.cfg.Metadata.Timeout)
				defer cancel()
			}
			id, persistErr := p.sink.Persist(pctx, record)
			if persistErr != nil {
				return persistErr
			}
			recordID = id
			return nil
		})
		if err != nil {
			p.deadLetter(ctx, localPath, constant.PhasePersist, err)
			return
		}

		p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
			e.RecordID = recordID
			e.LastError = ""
		})
		entry, _ = p.led.Get(localPath)
	}

	if p.notifier != nil || p.publisher != nil {
		p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
			e.State = constant.StateNotifying
			e.Phase = constant.PhaseNotify
		})
		notification := notificationFromEntry(entry)

		if p.notifier != nil {
			err := p.retryPhase(ctx, localPath, constant.PhaseNotify, p.cfg.Webhook.MaxAttempts, func() error {
				return p.notifier.Notify(ctx, notification)
			})
			if err != nil {
				// Notification is best-effort: record the failure and let the
				// recording complete rather than stranding a finished upload.
				zerolog.Ctx(ctx).Warn().Err(err).
					Str("path", localPath).
					Msg("webhook delivery failed permanently")
				p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
					e.NotifyFailed = true
					e.LastError = err.Error()
				})
			}
		}

		if p.publisher != nil {
			if err := p.publisher.PublishUpload(ctx, notification); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("path", localPath).Msg("failed to publish upload event")
			}
		}
	}

	p.complete(ctx, localPath)
}

func needsPersist(e ledger.Entry) bool {
	switch e.State {
	case constant.StateUploaded, constant.StatePersisting:
		return true
	case constant.StateFailed:
		return e.Phase == constant.PhasePersist
	}
	return false
}

func (p *Pipeline) complete(ctx context.Context, localPath string) {
	err := p.led.Update(localPath, func(e *ledger.Entry) {
		e.State = constant.StateDone
		e.CompletedAt = time.Now()
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("path", localPath).Msg("failed to mark recording done")
		return
	}
	zerolog.Ctx(ctx).Info().Str("path", localPath).Msg("recording done")

	// Local deletion only after Done is durable on disk.
	if p.cfg.Upload.DeleteAfterUpload {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", localPath).Msg("failed to delete local file")
		}
	}
}

// retryPhase runs op under the phase's attempt budget with exponential
// backoff and jitter. Non-retryable errors stop immediately without
// consuming the budget.
//
// The budget is per invocation: a recording re-submitted after renewed
// growth, a restart, or a Replay starts over with maxAttempts fresh tries.
// Exhaustion dead-letters the recording, and DeadLetter is terminal, so a
// fresh budget is only reachable for work that was interrupted, not work
// that ran out of tries. The ledger's attempt counters are cumulative
// across invocations for operator visibility; only Replay zeroes the
// failed phase's counter.
func (p *Pipeline) retryPhase(ctx context.Context, localPath string, phase constant.Phase, maxAttempts int, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	if p.cfg.Retry.InitialInterval > 0 {
		bo.InitialInterval = p.cfg.Retry.InitialInterval
	}
	if p.cfg.Retry.MaxInterval > 0 {
		bo.MaxInterval = p.cfg.Retry.MaxInterval
	}

	operation := func() (struct{}, error) {
		p.bumpAttempt(ctx, localPath, phase)
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		p.recordFailure(ctx, localPath, phase, err)
		if errors.Is(err, ErrNonRetryable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxAttempts)))
	return err
}

func (p *Pipeline) bumpAttempt(ctx context.Context, localPath string, phase constant.Phase) {
	p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
		switch phase {
		case constant.PhaseUpload:
			e.UploadAttempts++
		case constant.PhasePersist:
			e.PersistAttempts++
		case constant.PhaseNotify:
			e.NotifyAttempts++
		}
	})
}

// recordFailure leaves the entry in Failed with the phase noted so a restart
// during backoff resumes at the right place.
func (p *Pipeline) recordFailure(ctx context.Context, localPath string, phase constant.Phase, cause error) {
	zerolog.Ctx(ctx).Warn().Err(cause).
		Str("path", localPath).
		Str("phase", string(phase)).
		Msg("phase attempt failed")
	p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
		e.State = constant.StateFailed
		e.Phase = phase
		e.LastError = cause.Error()
	})
}

func (p *Pipeline) deadLetter(ctx context.Context, localPath string, phase constant.Phase, cause error) {
	entry, _ := p.led.Get(localPath)
	zerolog.Ctx(ctx).Error().Err(cause).
		Str("path", localPath).
		Str("phase", string(phase)).
		Int("upload_attempts", entry.UploadAttempts).
		Int("persist_attempts", entry.PersistAttempts).
		Msg("recording dead-lettered")
	p.mustUpdate(ctx, localPath, func(e *ledger.Entry) {
		e.State = constant.StateDeadLetter
		e.Phase = phase
		e.LastError = cause.Error()
	})
}

// quarantine records a file the pipeline can never process (malformed path)
// so it is visible to operators instead of silently skipped.
func (p *Pipeline) quarantine(ctx context.Context, ev watcher.Event, cause error) {
	zerolog.Ctx(ctx).Error().Err(cause).Str("path", ev.Path).Msg("unprocessable recording path")
	entry := ledger.Entry{
		LocalPath:    ev.Path,
		Filename:     ev.Path,
		State:        constant.StateDeadLetter,
		Phase:        constant.PhaseUpload,
		SizeBytes:    ev.Size,
		DetectedAt:   ev.At,
		StabilizedAt: ev.At,
		LastError:    cause.Error(),
	}
	if err := p.led.Put(entry); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("path", ev.Path).Msg("failed to quarantine recording")
	}
}

func (p *Pipeline) register(ctx context.Context, ev watcher.Event, state constant.RecordingState) {
	streamApp, streamName, filename, err := ParseRecordingPath(p.cfg.Watch.Root, ev.Path)
	if err != nil {
		// Deferred until stabilization so growth of odd paths stays quiet.
		return
	}
	entry := ledger.Entry{
		LocalPath:  ev.Path,
		StreamApp:  streamApp,
		StreamName: streamName,
		Filename:   filename,
		State:      state,
		SizeBytes:  ev.Size,
		DetectedAt: ev.At,
	}
	if err := p.led.Put(entry); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("path", ev.Path).Msg("failed to record detected file")
	}
}

func (p *Pipeline) handleRemoved(ctx context.Context, localPath string) {
	entry, ok := p.led.Get(localPath)
	if !ok || entry.State.Terminal() {
		return
	}
	p.mu.Lock()
	_, busy := p.inflight[localPath]
	p.mu.Unlock()
	if busy {
		// The upload will observe the missing file and classify it itself.
		return
	}
	if entry.State == constant.StateDetected || entry.State == constant.StateStabilizing {
		if err := p.led.Delete(localPath); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", localPath).Msg("failed to drop removed file from ledger")
		}
	}
}

// enqueue blocks when the queue is full. Backpressure propagates to the
// event loop and from there to the watcher; a stabilized recording is never
// dropped on the floor.
func (p *Pipeline) enqueue(ctx context.Context, localPath string) {
	select {
	case p.jobs <- localPath:
	case <-ctx.Done():
		p.release(localPath)
	}
}

func (p *Pipeline) acquire(localPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[localPath]; ok {
		return false
	}
	p.inflight[localPath] = struct{}{}
	return true
}

func (p *Pipeline) release(localPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, localPath)
}

func (p *Pipeline) mustUpdate(ctx context.Context, localPath string, fn func(*ledger.Entry)) {
	if err := p.led.Update(localPath, fn); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("path", localPath).Msg("ledger update failed")
	}
}

func recordFromEntry(e ledger.Entry) *entities.RecordingRecord {
	rec := &entities.RecordingRecord{
		Filename:   e.Filename,
		StreamName: e.StreamName,
		StreamApp:  e.StreamApp,
		FileURL:    e.RemoteURL,
		FileSize:   e.SizeBytes,
		UploadTime: e.UploadedAt,
		Timestamp:  SessionTimestamp(e.Filename),
	}
	if e.Bucket != "" {
		b := e.Bucket
		rec.Bucket = &b
	}
	if e.Region != "" {
		r := e.Region
		rec.Region = &r
	}
	return rec
}

func notificationFromEntry(e ledger.Entry) dto.UploadNotification {
	n := dto.UploadNotification{
		Filename:   e.Filename,
		FileURL:    e.RemoteURL,
		FileSize:   e.SizeBytes,
		UploadTime: e.UploadedAt.Format(time.RFC3339),
		StreamApp:  e.StreamApp,
		StreamName: e.StreamName,
		Timestamp:  SessionTimestamp(e.Filename),
	}
	if e.Bucket != "" {
		b := e.Bucket
		n.Bucket = &b
	}
	if e.Region != "" {
		r := e.Region
		n.Region = &r
	}
	return n
}
