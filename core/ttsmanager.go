package orchestration

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/miavoice/mia-core/core/messages"
)

// ttsManager synthesizes sentences in parallel while delivering the resulting
// audio chunks strictly in submission order. Sequence numbers are assigned on
// submission; a failed or empty synthesis still emits its chunk, with an
// empty audio payload, so the client's ordering never stalls.
type ttsManager struct {
	synthesizer Synthesizer
	send        SendFunc

	mu      sync.Mutex
	run     *ttsRun
	nextSeq int
}

type sequencedPayload struct {
	sequence int
	message  messages.Outbound
}

// ttsRun is the state of one turn's synthesis batch. A fresh run is created
// lazily on the first submission after Clear.
type ttsRun struct {
	ctx    context.Context
	cancel context.CancelFunc

	completions chan sequencedPayload
	tasks       sync.WaitGroup
	senderDone  chan struct{}

	progressMu sync.Mutex
	nextToSend int
	progress   chan struct{}
}

func newTTSManager(synthesizer Synthesizer, send SendFunc) *ttsManager {
	return &ttsManager{synthesizer: synthesizer, send: send}
}

// Speak submits one sentence for synthesis. It returns as soon as the work is
// scheduled; ordering is handled by the run's sender loop. Sentences with no
// speakable text are skipped entirely and consume no sequence number.
func (m *ttsManager) Speak(ctx context.Context, sentence SentenceOutput) {
	if m == nil || sentence.TTSText == "" {
		return
	}

	m.mu.Lock()
	run := m.ensureRunLocked(ctx)
	seq := m.nextSeq
	m.nextSeq++
	m.mu.Unlock()

	run.tasks.Add(1)
	go func() {
		defer run.tasks.Done()

		audio, err := m.synthesizer.Synthesize(run.ctx, sentence.TTSText)
		if run.ctx.Err() != nil {
			return
		}

		payload := messages.NewAudioResponse("", sentence.DisplayText, sentence.Actions, seq, 0)
		if err != nil {
			logger.WarnContext(run.ctx, "synthesis failed, sending silent chunk",
				"error", err,
				"sequence", seq,
			)
		} else if len(audio) > 0 {
			payload = messages.NewAudioResponse(
				messages.EncodeWAVBase64(audio, m.synthesizer.SampleRate()),
				sentence.DisplayText,
				sentence.Actions,
				seq,
				m.synthesizer.SampleRate(),
			)
		}

		select {
		case run.completions <- sequencedPayload{sequence: seq, message: payload}:
		case <-run.ctx.Done():
		}
	}()
}

// EnqueueAudio submits pre-rendered audio through the same ordered path, so
// agent-produced segments interleave correctly with synthesized sentences.
func (m *ttsManager) EnqueueAudio(ctx context.Context, segment AudioSegment) {
	if m == nil {
		return
	}

	m.mu.Lock()
	run := m.ensureRunLocked(ctx)
	seq := m.nextSeq
	m.nextSeq++
	m.mu.Unlock()

	sampleRate := m.synthesizer.SampleRate()
	payload := messages.NewAudioResponse("", segment.DisplayText, segment.Actions, seq, 0)
	if len(segment.Audio) > 0 {
		payload = messages.NewAudioResponse(
			messages.EncodeWAVBase64(segment.Audio, sampleRate),
			segment.DisplayText,
			segment.Actions,
			seq,
			sampleRate,
		)
	}

	run.tasks.Add(1)
	go func() {
		defer run.tasks.Done()

		select {
		case run.completions <- sequencedPayload{sequence: seq, message: payload}:
		case <-run.ctx.Done():
		}
	}()
}

// Drain suspends until every submitted chunk has been sent, the run's context
// is cancelled, or ctx is cancelled.
func (m *ttsManager) Drain(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	run := m.run
	submitted := m.nextSeq
	m.mu.Unlock()

	if run == nil || submitted == 0 {
		return nil
	}

	trace.SpanFromContext(ctx).AddEvent("draining synthesis",
		trace.WithAttributes(attribute.Int("chunks.submitted", submitted)),
	)

	for {
		run.progressMu.Lock()
		sent := run.nextToSend
		progress := run.progress
		run.progressMu.Unlock()

		if sent >= submitted {
			return nil
		}

		select {
		case <-progress:
		case <-run.ctx.Done():
			return run.ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Clear cancels in-flight synthesis, waits for workers to settle, and resets
// sequence numbering. The manager is reusable afterwards. Idempotent.
func (m *ttsManager) Clear() {
	if m == nil {
		return
	}

	m.mu.Lock()
	run := m.run
	m.run = nil
	m.nextSeq = 0
	m.mu.Unlock()

	if run == nil {
		return
	}

	run.cancel()
	<-run.senderDone
	run.tasks.Wait()
}

func (m *ttsManager) ensureRunLocked(ctx context.Context) *ttsRun {
	if m.run != nil {
		return m.run
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &ttsRun{
		ctx:         runCtx,
		cancel:      cancel,
		completions: make(chan sequencedPayload, 16),
		senderDone:  make(chan struct{}),
		progress:    make(chan struct{}),
	}
	m.run = run

	go m.sendLoop(run)
	return run
}

// sendLoop reorders completed chunks and sends them out strictly by sequence
// number. Send failures are logged and counted as progress so later chunks
// are not blocked by a dead connection.
func (m *ttsManager) sendLoop(run *ttsRun) {
	defer close(run.senderDone)

	buffered := map[int]messages.Outbound{}
	for {
		select {
		case payload := <-run.completions:
			buffered[payload.sequence] = payload.message

			for {
				next, ok := buffered[run.currentNext()]
				if !ok {
					break
				}
				delete(buffered, run.currentNext())

				if err := m.send(run.ctx, next); err != nil {
					logger.WarnContext(run.ctx, "failed to send audio chunk",
						"error", err,
						"sequence", run.currentNext(),
					)
				}
				run.advance()
			}

		case <-run.ctx.Done():
			return
		}
	}
}

func (r *ttsRun) currentNext() int {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	return r.nextToSend
}

func (r *ttsRun) advance() {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	r.nextToSend++
	close(r.progress)
	r.progress = make(chan struct{})
}
