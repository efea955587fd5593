package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Environment handed to worker processes.
const (
	envWorkerTarget = "FANOUT_WORKER_TARGET"
	envWorkerConfig = "FANOUT_WORKER_CONFIG"
)

// childConfig is what a worker process needs besides its target name. It
// travels JSON-encoded in envWorkerConfig.
type childConfig struct {
	ID       int         `json:"id"`
	PerBatch bool        `json:"per_batch,omitempty"`
	Retry    RetryPolicy `json:"retry"`
}

func (cc childConfig) env() (string, error) {
	data, err := sonic.MarshalString(cc)
	if err != nil {
		return "", fmt.Errorf("encode worker config: %w", err)
	}
	return envWorkerConfig + "=" + data, nil
}

func loadChildConfig() (childConfig, error) {
	var cc childConfig
	raw := os.Getenv(envWorkerConfig)
	if raw == "" {
		return cc, nil
	}
	if err := sonic.UnmarshalString(raw, &cc); err != nil {
		return cc, fmt.Errorf("decode %s: %w", envWorkerConfig, err)
	}
	return cc, nil
}

// Frame kinds on the parent/child pipe.
const (
	frameBatch  = "batch"
	framePrint  = "print"
	frameInfo   = "info"
	frameOutput = "output"
)

type rawTarget = Target[json.RawMessage, json.RawMessage]

var registry sync.Map // name -> rawTarget

// RegisterTarget makes fn available to worker processes under name. Both the
// parent and the child must register the same names, typically from init or
// at the top of main before ServeWorker.
func RegisterTarget[T, R any](name string, fn Target[T, R]) {
	registry.Store(name, rawTarget(func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var item T
		if err := sonic.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		r, err := fn(ctx, item)
		if err != nil {
			return nil, err
		}
		return sonic.Marshal(r)
	}))
}

func lookupTarget(name string) (rawTarget, bool) {
	v, ok := registry.Load(name)
	if !ok {
		return nil, false
	}
	return v.(rawTarget), true
}

// ServeWorker turns the current process into a worker when it was started by
// a coordinator in process mode. It returns false in the parent, and true in a
// child once the parent has closed the pipe.
//
//	func main() {
//	    dispatch.RegisterTarget("square", square)
//	    if dispatch.ServeWorker() {
//	        return
//	    }
//	    ...
//	}
func ServeWorker() bool {
	name := os.Getenv(envWorkerTarget)
	if name == "" {
		return false
	}

	// The parent owns shutdown; an interactive ^C must not kill a worker
	// mid-batch.
	signal.Ignore(os.Interrupt, syscall.SIGTERM)

	if err := serveWorker(context.Background(), name, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fanout worker %s: %v\n", name, err)
		os.Exit(1)
	}
	return true
}

type frame struct {
	Kind    string        `json:"kind"`
	Header  string        `json:"header,omitempty"`
	Items   []wireItem    `json:"items,omitempty"`
	Results []wireOutcome `json:"results,omitempty"`
	Text    string        `json:"text,omitempty"`
	Level   Level         `json:"level,omitempty"`
	Delta   int64         `json:"delta,omitempty"`
}

type wireItem struct {
	Stop  bool            `json:"stop,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type wireOutcome struct {
	Value json.RawMessage `json:"value,omitempty"`
	Err   string          `json:"err,omitempty"`
}

// serveWorker is the child side: decode batches from r, run them through an
// in-process worker and write print, info and output frames to w.
func serveWorker(ctx context.Context, name string, r io.Reader, w io.Writer) error {
	target, ok := lookupTarget(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}

	cc, err := loadChildConfig()
	if err != nil {
		return err
	}
	id := cc.ID

	spec := &workerSpec[json.RawMessage, json.RawMessage]{
		lane:     "child",
		prints:   NewChannel[Print]("child.print"),
		info:     NewChannel[Info]("child.info"),
		exec:     newExecutor(target, cc.Retry),
		perBatch: cc.PerBatch,
		log:      zap.NewNop(),
	}

	br := bufio.NewReader(r)

	for {
		var f frame
		if err := readFrame(br, &f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if f.Kind != frameBatch {
			continue
		}

		b, err := decodeBatchFrame(f)
		if err != nil {
			return err
		}

		out, _ := spec.process(ctx, id, b)

		// Prints and info of this batch are already queued; send them first.
		for p, ok := spec.prints.TryRecv(); ok; p, ok = spec.prints.TryRecv() {
			if err := writeFrame(w, frame{Kind: framePrint, Header: p.Route, Text: p.Text, Level: p.Level}); err != nil {
				return err
			}
		}
		for in, ok := spec.info.TryRecv(); ok; in, ok = spec.info.TryRecv() {
			if err := writeFrame(w, frame{Kind: frameInfo, Header: in.Route, Delta: in.Delta}); err != nil {
				return err
			}
		}
		if err := writeFrame(w, encodeOutputFrame(out)); err != nil {
			return err
		}
	}
}

// Frames are single-line JSON documents.
func writeFrame(w io.Writer, f frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func readFrame(r *bufio.Reader, f *frame) error {
	line, err := r.ReadBytes('\n')
	if len(line) == 0 {
		return err
	}
	return sonic.Unmarshal(line, f)
}

func decodeBatchFrame(f frame) (Batch[json.RawMessage], error) {
	t, err := ParseHeader(f.Header)
	if err != nil {
		return Batch[json.RawMessage]{}, err
	}
	b := Batch[json.RawMessage]{Ticket: t, Items: make([]Item[json.RawMessage], 0, len(f.Items))}
	for _, it := range f.Items {
		if it.Stop {
			b.Items = append(b.Items, Stop[json.RawMessage]())
			continue
		}
		b.Items = append(b.Items, Work(it.Value))
	}
	return b, nil
}

func encodeOutputFrame(out OutputBatch[json.RawMessage]) frame {
	f := frame{Kind: frameOutput, Header: out.Ticket.Header(), Results: make([]wireOutcome, len(out.Results))}
	for i, o := range out.Results {
		if o.Err != nil {
			f.Results[i] = wireOutcome{Err: o.Err.Err.Error()}
			continue
		}
		f.Results[i] = wireOutcome{Value: o.Value}
	}
	return f
}

func encodeBatchFrame[T any](b Batch[T]) (frame, error) {
	f := frame{Kind: frameBatch, Header: b.Ticket.Header(), Items: make([]wireItem, len(b.Items))}
	for i, it := range b.Items {
		v, ok := it.Value()
		if !ok {
			f.Items[i] = wireItem{Stop: true}
			continue
		}
		raw, err := sonic.Marshal(v)
		if err != nil {
			return frame{}, fmt.Errorf("encode item %d of %s: %w", i, b.Ticket, err)
		}
		f.Items[i] = wireItem{Value: raw}
	}
	return f, nil
}

// processWorker is the parent side of one worker process.
type processWorker[T, R any] struct {
	id     int
	spec   *workerSpec[T, R]
	handle *WorkerHandle

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan frame
	quit   chan struct{}

	exited  chan struct{}
	waitErr error
}

func startProcessWorker[T, R any](id int, target string, retry RetryPolicy, spec *workerSpec[T, R], h *WorkerHandle) (*processWorker[T, R], error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	cfgEnv, err := childConfig{ID: id, PerBatch: spec.perBatch, Retry: retry}.env()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), envWorkerTarget+"="+target, cfgEnv)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	pw := &processWorker[T, R]{
		id:     id,
		spec:   spec,
		handle: h,
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan frame, 64),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	h.pid.Store(int64(cmd.Process.Pid))
	h.closeInput = func() { _ = stdin.Close() }
	h.kill = func() { _ = killProcess(cmd.Process) }

	go pw.readFrames(stdout)
	return pw, nil
}

// readFrames decodes everything the child writes. Once run has returned the
// frames are discarded. Wait is only called after the pipe is drained.
func (pw *processWorker[T, R]) readFrames(stdout io.Reader) {
	defer close(pw.exited)
	defer close(pw.frames)

	br := bufio.NewReader(stdout)
	for {
		var f frame
		if err := readFrame(br, &f); err != nil {
			break
		}
		select {
		case pw.frames <- f:
		case <-pw.quit:
		}
	}
	pw.waitErr = pw.cmd.Wait()
}

// run mirrors runWorker, shipping each batch to the child and relaying what
// comes back. A child that dies is reported as a WorkerCrash.
func (pw *processWorker[T, R]) run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-pw.exited:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	defer close(pw.quit)
	defer pw.stdin.Close()

	for {
		b, err := pw.spec.in.Recv(loopCtx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrChannelClosed) {
				return nil
			}
			return pw.crash(nil)
		}

		f, err := encodeBatchFrame(b)
		if err != nil {
			pw.spec.log.Error("dropping batch", zap.Int("worker", pw.id), zap.Error(err))
			emit(pw.spec.prints, Print{Route: b.Ticket.Route, Worker: pw.id, Level: LevelError, Text: err.Error()})
			continue
		}
		start := now()
		if err := writeFrame(pw.stdin, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return pw.crash(&b.Ticket)
		}

		if err := pw.relay(ctx, b.Ticket, start); err != nil {
			return err
		}
	}
}

// relay forwards frames until the output frame of the in-flight batch.
func (pw *processWorker[T, R]) relay(ctx context.Context, t Ticket, start time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-pw.frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return pw.crash(&t)
			}

			switch f.Kind {
			case framePrint:
				emit(pw.spec.prints, Print{Route: f.Header, Worker: pw.id, Level: f.Level, Text: f.Text})
			case frameInfo:
				if pw.spec.info != nil {
					_ = pw.spec.info.Put(Info{Route: f.Header, Worker: pw.id, Delta: f.Delta})
				}
			case frameOutput:
				out, err := pw.decodeOutput(t, f)
				if err != nil {
					return pw.crash(&t)
				}
				pw.spec.metrics.batchProcessed(t.Route, len(out.Results), now().Sub(start))
				_ = pw.spec.out.Put(out)
				return nil
			}
		}
	}
}

func (pw *processWorker[T, R]) decodeOutput(t Ticket, f frame) (OutputBatch[R], error) {
	out := OutputBatch[R]{Ticket: t, Worker: pw.id, Results: make([]Outcome[R], len(f.Results))}
	for i, w := range f.Results {
		if w.Err != "" {
			out.Results[i] = Outcome[R]{Err: &ItemError{Route: t.Route, Seq: t.Seq, Index: i, Worker: pw.id, Err: errors.New(w.Err)}}
			pw.spec.metrics.itemFailed(t.Route)
			continue
		}
		if err := sonic.Unmarshal(w.Value, &out.Results[i].Value); err != nil {
			return out, fmt.Errorf("decode result %d of %s: %w", i, t, err)
		}
	}
	return out, nil
}

// crash records the death of the child. lost is the in-flight batch, if any.
func (pw *processWorker[T, R]) crash(lost *Ticket) error {
	select {
	case <-pw.exited:
	default:
		// Still running but speaking garbage.
		_ = killProcess(pw.cmd.Process)
		<-pw.exited
	}
	cerr := &WorkerCrash{Worker: pw.id, PID: pw.handle.PID(), Err: pw.waitErr}
	if cerr.Err == nil {
		cerr.Err = errors.New("worker exited unexpectedly")
	}

	text := cerr.Error()
	if lost != nil {
		text = fmt.Sprintf("%s; batch %s lost", text, *lost)
	}
	emit(pw.spec.prints, Print{Worker: pw.id, Level: LevelError, Text: text})
	pw.spec.metrics.workerCrashed()
	pw.spec.log.Error("worker process died", zap.Int("worker", pw.id), zap.Int("pid", cerr.PID), zap.Error(cerr.Err))
	return cerr
}
