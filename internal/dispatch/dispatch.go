// Package dispatch is the single-writer event loop described in spec.md
// §4.4/§5: it owns a ready channel that every stimulus source feeds, and
// is the only component that walks a chain from one event to the next.
// Producing/terminating effects that can block (subprocess, outbound
// HTTP, file I/O, broker round-trip) run on a bounded worker pool;
// everything else — route/filter registration, the time wheel, the
// Period gate, state mutation, printing — runs inline on the dispatch
// goroutine itself, looping rather than recursing so a long synchronous
// chain never grows the call stack or round-trips through the channel.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/songokas/hvents/internal/buildinfo"
	"github.com/songokas/hvents/internal/execrunner"
	"github.com/songokas/hvents/internal/filewatch"
	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/httpcaller"
	"github.com/songokas/hvents/internal/httplisten"
	"github.com/songokas/hvents/internal/mqttpool"
	"github.com/songokas/hvents/internal/payload"
	"github.com/songokas/hvents/internal/registry"
	"github.com/songokas/hvents/internal/render"
	"github.com/songokas/hvents/internal/restorelog"
	"github.com/songokas/hvents/internal/scancode"
	"github.com/songokas/hvents/internal/timewheel"
)

// DefaultWorkerLimit bounds how many blocking effects may run at once.
// Not operator-tunable: spec.md only contracts a bound on the ready
// queue itself (dispatch.queue_size), not on worker concurrency.
const DefaultWorkerLimit = 64

// readyItem is one (event name, payload) pair awaiting a dispatch hop,
// plus the HTTP correlation fields an api_listen-originated chain needs
// however many hops later it actually terminates.
type readyItem struct {
	name    string
	payload payload.Payload

	requestID    string
	respContent  httplisten.ContentKind
	respBodyTmpl *string
}

// Deps bundles the pools and stimulus sources a Dispatcher coordinates.
// Any field may be nil when the corresponding component was never
// configured; Dispatcher only dereferences a field when an event kind
// that needs it is actually dispatched.
type Deps struct {
	Registry *registry.Registry
	Wheel    *timewheel.Wheel
	Restore  *restorelog.Log
	Location timewheel.Location

	MQTT       *mqttpool.Pool
	HTTPListen *httplisten.Pool
	HTTPCaller *httpcaller.Caller
	Files      *filewatch.Watcher
	Scan       *scancode.Reader
	Exec       *execrunner.Runner
}

// Dispatcher is the sole owner of the ready channel and the only
// component that mutates scheduling/routing state across the pools it
// wires together.
type Dispatcher struct {
	ready chan readyItem
	done  chan struct{}
	sem   chan struct{}
	wg    sync.WaitGroup

	registry *registry.Registry
	wheel    *timewheel.Wheel
	restore  *restorelog.Log
	loc      timewheel.Location

	mqtt       *mqttpool.Pool
	httpListen *httplisten.Pool
	httpCaller *httpcaller.Caller
	files      *filewatch.Watcher
	scan       *scancode.Reader
	exec       *execrunner.Runner

	logger *slog.Logger
}

// New creates a Dispatcher with a ready channel of capacity queueSize
// (config.Root.Dispatch.QueueSize) and a worker pool bounded by
// workerLimit (DefaultWorkerLimit if <= 0).
func New(deps Deps, queueSize, workerLimit int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workerLimit <= 0 {
		workerLimit = DefaultWorkerLimit
	}
	return &Dispatcher{
		ready:      make(chan readyItem, queueSize),
		done:       make(chan struct{}),
		sem:        make(chan struct{}, workerLimit),
		registry:   deps.Registry,
		wheel:      deps.Wheel,
		restore:    deps.Restore,
		loc:        deps.Location,
		mqtt:       deps.MQTT,
		httpListen: deps.HTTPListen,
		httpCaller: deps.HTTPCaller,
		files:      deps.Files,
		scan:       deps.Scan,
		exec:       deps.Exec,
		logger:     logger,
	}
}

// AttachPools wires the blocking-effect pools into an already-built
// Dispatcher. Bootstrap must construct the Dispatcher first (pools need
// its Enqueue/HTTPEnqueueFunc before they exist) and call this once the
// pools themselves are built, closing the constructor cycle. Any nil
// field in deps leaves the corresponding pool unattached.
func (d *Dispatcher) AttachPools(deps Deps) {
	if deps.MQTT != nil {
		d.mqtt = deps.MQTT
	}
	if deps.HTTPListen != nil {
		d.httpListen = deps.HTTPListen
	}
	if deps.HTTPCaller != nil {
		d.httpCaller = deps.HTTPCaller
	}
	if deps.Files != nil {
		d.files = deps.Files
	}
	if deps.Scan != nil {
		d.scan = deps.Scan
	}
	if deps.Exec != nil {
		d.exec = deps.Exec
	}
}

// Enqueue delivers (name, p) without blocking; if the ready queue is
// full the event is dropped and logged (spec.md §5: a source that must
// never stall drops and logs reason=queue_full rather than backing up).
// This is the EnqueueFunc bound to mqttpool, filewatch, and scancode,
// none of which may stall their underlying network/device read loop.
func (d *Dispatcher) Enqueue(name string, p payload.Payload) {
	select {
	case d.ready <- readyItem{name: name, payload: p}:
	case <-d.done:
	default:
		d.logger.Warn("ready queue full, dropping event", "name", name, "reason", "queue_full")
	}
}

// EnqueueBlocking delivers (name, p), blocking until there is room or
// the dispatcher stops. Used by the time wheel, restore-log replay, and
// start_with bootstrap — sources that tolerate backpressure.
func (d *Dispatcher) EnqueueBlocking(name string, p payload.Payload) {
	select {
	case d.ready <- readyItem{name: name, payload: p}:
	case <-d.done:
	}
}

// enqueueHTTP is httplisten.EnqueueFunc: it blocks like EnqueueBlocking
// (an HTTP listener hands each request its own goroutine, so blocking
// one request's enqueue never stalls the accept loop) and carries the
// request's own response settings forward so Finish needs no side-table
// to recover them.
func (d *Dispatcher) enqueueHTTP(name string, p payload.Payload, requestID string, respContent httplisten.ContentKind, respBodyTmpl *string) {
	item := readyItem{name: name, payload: p, requestID: requestID, respContent: respContent, respBodyTmpl: respBodyTmpl}
	select {
	case d.ready <- item:
	case <-d.done:
	}
}

// HTTPEnqueueFunc returns the httplisten.EnqueueFunc bound to this
// dispatcher, for bootstrap to pass into httplisten.New.
func (d *Dispatcher) HTTPEnqueueFunc() httplisten.EnqueueFunc {
	return d.enqueueHTTP
}

// Run blocks until ctx is cancelled, processing one ready item at a
// time. On cancellation it closes done (unblocking any worker or
// blocking-enqueue call waiting on the ready channel) and waits for
// in-flight workers to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(d.done)
			d.wg.Wait()
			return
		case item := <-d.ready:
			d.processChain(ctx, item)
		}
	}
}

// processChain walks a chain starting at start, looping in-process for
// every inline hop and handing off to a worker goroutine the moment it
// reaches a kind that may block. A worker reports its successor back on
// the ready channel itself rather than resuming this loop, since by
// then processChain's own goroutine has moved on to the next ready item.
//
// Every event carries its own literal data/merge_data (spec §3's merge
// law), not only successors reached via next_event: the event a chain
// starts at — root-dispatched from a source pool, the time wheel, or
// start_with — never passes through a predecessor's completeHop, so its
// own literal data is merged in here, once, the moment it is looked up.
func (d *Dispatcher) processChain(ctx context.Context, start readyItem) {
	item := start
	for {
		def, ok := d.registry.Lookup(item.name)
		if !ok {
			err := herrors.NewResolve("dispatch.processChain", item.name, fmt.Errorf("event not found"))
			d.logger.Warn("unknown event", "name", item.name)
			d.finishTerminal(item, item.payload, err)
			return
		}

		merged, err := mergeOwnData(def, item.payload)
		if err != nil {
			d.logger.Error("literal data invalid", "name", item.name, "error", err)
			d.finishTerminal(item, item.payload, err)
			return
		}
		item.payload = merged

		if def.State != nil {
			d.applyStateOp(def.State, item.payload.State)
		}

		if isWorkerKind(def.Kind) {
			d.runWorker(ctx, item, def)
			return
		}

		outData, advance, err := d.applyInline(def, item)
		next := d.completeHop(item, def, outData, advance, err)
		if next == nil {
			return
		}
		item = *next
	}
}

// mergeOwnData merges def's own literal data/merge_data into p per the
// merge law, treating p.Data as the upstream value the merge law calls
// outData. An event with neither field set is a no-op (Merge returns
// outData unchanged).
func mergeOwnData(def *registry.Definition, p payload.Payload) (payload.Payload, error) {
	data, err := registry.DataFromNode(def.Data)
	if err != nil {
		return p, err
	}
	p.Data = payload.Merge(p.Data, payload.MergeTarget{Data: data, MergeData: def.MergeData})
	return p, nil
}

// runWorker hands one blocking effect to a semaphore-bounded goroutine.
// The goroutine computes its own outData/advance/err, resolves the
// successor via completeHop, and re-enters the ready channel if the
// chain continues — processChain itself has already returned by then.
func (d *Dispatcher) runWorker(ctx context.Context, item readyItem, def *registry.Definition) {
	select {
	case d.sem <- struct{}{}:
	case <-d.done:
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		outData, advance, err := d.applyWorker(ctx, def, item)
		next := d.completeHop(item, def, outData, advance, err)
		if next == nil {
			return
		}
		select {
		case d.ready <- *next:
		case <-d.done:
		}
	}()
}

// completeHop resolves the chain's next hop, if any. advance reports
// whether def produced a value to carry forward at all (false for e.g.
// a Period gate that closed, or a kind that only registers a callback):
// when false, the chain terminates here with outData as the final
// payload but no successor lookup is attempted. The merge law itself
// (mergeOwnData) is applied to the successor when processChain looks it
// up next, not here.
func (d *Dispatcher) completeHop(item readyItem, def *registry.Definition, outData payload.Data, advance bool, hopErr error) *readyItem {
	if hopErr != nil {
		d.logger.Error("event failed", "name", item.name, "error", hopErr)
		d.finishTerminal(item, item.payload, hopErr)
		return nil
	}

	final := payload.Payload{Data: outData, State: item.payload.State, Metadata: item.payload.Metadata}

	if !advance {
		d.finishTerminal(item, final, nil)
		return nil
	}

	successor, err := d.resolveSuccessor(def, outData, item.payload)
	if err != nil {
		d.logger.Error("next_event_template render failed", "name", item.name, "error", err)
		d.finishTerminal(item, item.payload, err)
		return nil
	}
	if successor == "" {
		d.finishTerminal(item, final, nil)
		return nil
	}

	if _, ok := d.registry.Lookup(successor); !ok {
		err := herrors.NewResolve("dispatch.completeHop", successor, fmt.Errorf("unresolved successor"))
		d.logger.Error("unresolved successor", "from", item.name, "to", successor)
		d.finishTerminal(item, item.payload, err)
		return nil
	}

	// successor's own literal data/merge_data is merged when processChain
	// looks it up again on the next loop iteration, not here — the same
	// merge point a root-dispatched event goes through.
	return &readyItem{
		name:         successor,
		payload:      payload.Payload{Data: outData, State: item.payload.State, Metadata: item.payload.Metadata},
		requestID:    item.requestID,
		respContent:  item.respContent,
		respBodyTmpl: item.respBodyTmpl,
	}
}

// resolveSuccessor picks def's next event name: the rendered
// next_event_template (whitespace-trimmed) if present, otherwise the
// literal next_event.
func (d *Dispatcher) resolveSuccessor(def *registry.Definition, outData payload.Data, p payload.Payload) (string, error) {
	if def.NextEventTemplate == "" {
		return def.NextEvent, nil
	}
	scope := render.Scope{Data: outData, State: p.State.Snapshot(), Metadata: p.Metadata}
	name, err := render.Render("next_event_template", def.NextEventTemplate, scope)
	return strings.TrimSpace(name), err
}

// finishTerminal resolves an api_listen-originated HTTP response once
// its chain reaches a terminal hop. Events with no requestID (anything
// not descended from an api_listen request) are a no-op here.
func (d *Dispatcher) finishTerminal(item readyItem, final payload.Payload, err error) {
	if item.requestID == "" || d.httpListen == nil {
		return
	}
	d.httpListen.Finish(item.requestID, final, item.respContent, item.respBodyTmpl, err)
}

func (d *Dispatcher) applyStateOp(spec *registry.StateSpec, state *payload.StateMap) {
	if spec.Count != "" {
		if _, err := state.Count(spec.Count); err != nil {
			d.logger.Warn("state.count: stored value is not an integer", "key", spec.Count, "error", err)
		}
	}
	if len(spec.Replace) > 0 {
		state.Replace(spec.Replace)
	}
}

// isWorkerKind reports whether a kind's effect may block on network or
// disk I/O and must therefore run off the dispatch goroutine.
func isWorkerKind(k registry.Kind) bool {
	switch k {
	case registry.KindExecute, registry.KindApiCall, registry.KindFileRead, registry.KindFileWrite,
		registry.KindMqttPublish, registry.KindMqttSubscribe, registry.KindMqttUnsubscribe:
		return true
	default:
		return false
	}
}

// applyInline executes a non-blocking kind: registration effects that
// install a callback and otherwise pass the payload through unchanged
// (advance=false, since they have nothing to hand a successor), the
// synchronous Period gate, and Print/StateOp which always advance.
func (d *Dispatcher) applyInline(def *registry.Definition, item readyItem) (payload.Data, bool, error) {
	switch def.Kind {
	case registry.KindApiListen:
		if d.httpListen == nil {
			return item.payload.Data, false, herrors.NewConfig("dispatch.ApiListen", def.Name, fmt.Errorf("no http pools configured"))
		}
		spec := def.Raw.ApiListen
		poolID := spec.PoolID
		if poolID == "" {
			poolID = mqttpool.DefaultPoolID
		}
		var respBodyTmpl *string
		if spec.ResponseBody != "" {
			respBodyTmpl = &spec.ResponseBody
		}
		err := d.httpListen.AddRoute(poolID, spec.Method, spec.Path,
			toListenKind(spec.RequestContent), toListenKind(spec.ResponseContent), respBodyTmpl, def.NextEvent)
		return item.payload.Data, false, err

	case registry.KindFileChanged:
		if d.files == nil {
			return item.payload.Data, false, herrors.NewConfig("dispatch.FileChanged", def.Name, fmt.Errorf("no file watcher configured"))
		}
		spec := def.Raw.FileChanged
		d.files.OnChange(spec.Path, toChangeKind(spec.When), def.NextEvent)
		return item.payload.Data, false, nil

	case registry.KindWatch:
		if d.files == nil {
			return item.payload.Data, false, herrors.NewConfig("dispatch.Watch", def.Name, fmt.Errorf("no file watcher configured"))
		}
		spec := def.Raw.Watch
		if spec.Action == "stop" {
			return item.payload.Data, false, d.files.Stop(spec.Path)
		}
		return item.payload.Data, false, d.files.Start(spec.Path, spec.Recursive)

	case registry.KindTime:
		return item.payload.Data, false, d.scheduleTime(def, item.payload, *def.Raw.Time, nil)

	case registry.KindRepeat:
		return item.payload.Data, false, d.scheduleTime(def, item.payload, *def.Raw.Repeat, def.Raw.Repeat)

	case registry.KindPeriod:
		spec := def.Raw.Period
		inWindow, err := timewheel.InWindow(spec.From, spec.To, time.Now())
		if err != nil {
			return item.payload.Data, false, err
		}
		return item.payload.Data, inWindow, nil

	case registry.KindScanCodeRead:
		if d.scan == nil {
			return item.payload.Data, false, herrors.NewConfig("dispatch.ScanCodeRead", def.Name, fmt.Errorf("no input devices configured"))
		}
		spec := def.Raw.ScanCodeRead
		d.scan.OnCode(spec.Device, spec.Code, def.NextEvent)
		return item.payload.Data, false, nil

	case registry.KindPrint:
		printData(def.Raw.Print, item.payload.Data)
		return item.payload.Data, true, nil

	case registry.KindStateOp:
		return item.payload.Data, true, nil

	default:
		return item.payload.Data, true, fmt.Errorf("dispatch: kind %v is not an inline kind", def.Kind)
	}
}

// scheduleTime resolves spec to an absolute instant and schedules a
// time-wheel entry carrying the dispatching event's own current
// payload forward (cloned so Metadata mutations downstream never leak
// back into this hop's copy); repeatSpec is non-nil only for Repeat
// events, letting the wheel reschedule itself on every fire. Flushes
// the restore log immediately after, since this is the one place
// dispatch itself mutates the wheel (the wheel's own Repeat-reschedule
// is invisible to dispatch and is instead flushed from bootstrap's
// FireFunc closure).
func (d *Dispatcher) scheduleTime(def *registry.Definition, p payload.Payload, spec string, repeatSpec *string) error {
	fireAt, _, err := timewheel.ParseSpec(spec, d.loc, time.Now())
	if err != nil {
		return err
	}

	identity := def.EventID
	if identity == "" {
		identity = def.Name
	}
	var eventID *string
	if def.EventID != "" {
		eventID = &def.EventID
	}

	d.wheel.Schedule(timewheel.Entry{
		FireAt:     fireAt,
		Identity:   identity,
		Name:       def.NextEvent,
		Payload:    p.CloneMetadata(),
		RepeatSpec: repeatSpec,
		EventID:    eventID,
	})

	if d.restore != nil {
		if err := d.restore.Flush(d.wheel.Snapshot()); err != nil {
			d.logger.Warn("restore log flush failed", "error", err)
		}
	}
	return nil
}

func printData(spec *registry.PrintSpec, data payload.Data) {
	w := os.Stdout
	if spec != nil && spec.Stream == "stderr" {
		w = os.Stderr
	}
	if spec != nil && spec.Stream == "diagnostic" {
		enc := json.NewEncoder(w)
		_ = enc.Encode(buildinfo.RuntimeInfo())
		return
	}
	fmt.Fprintln(w, data.AsString())
}

// applyWorker executes a blocking kind off the dispatch goroutine.
func (d *Dispatcher) applyWorker(ctx context.Context, def *registry.Definition, item readyItem) (payload.Data, bool, error) {
	switch def.Kind {
	case registry.KindExecute:
		if d.exec == nil {
			return payload.Data{}, true, herrors.NewConfig("dispatch.Execute", def.Name, fmt.Errorf("no exec runner configured"))
		}
		spec := def.Raw.Execute
		out, err := d.exec.Run(ctx, spec.Command, spec.Args, spec.ReplaceArgs, spec.Vars, spec.DataType, item.payload)
		return out, true, err

	case registry.KindApiCall:
		if d.httpCaller == nil {
			return payload.Data{}, true, herrors.NewConfig("dispatch.ApiCall", def.Name, fmt.Errorf("no http caller configured"))
		}
		spec := def.Raw.ApiCall
		method := spec.Method
		if method == "" {
			method = "GET"
		}
		out, err := d.httpCaller.Call(ctx, method, spec.URL, spec.Headers,
			toCallerKind(spec.RequestContent), toCallerKind(spec.ResponseContent), item.payload)
		return out, true, err

	case registry.KindFileRead:
		spec := def.Raw.FileRead
		raw, err := os.ReadFile(spec.Path)
		if err != nil {
			return payload.Data{}, true, herrors.NewEffect("dispatch.FileRead", spec.Path, err)
		}
		out, err := decodeFileData(spec.DataType, raw)
		if err != nil {
			return payload.Data{}, true, herrors.NewEffect("dispatch.FileRead", spec.Path, err)
		}
		return out, true, nil

	case registry.KindFileWrite:
		spec := def.Raw.FileWrite
		if err := writeFile(spec.Path, spec.Append, item.payload.Data.AsBytes()); err != nil {
			return item.payload.Data, true, herrors.NewEffect("dispatch.FileWrite", spec.Path, err)
		}
		return item.payload.Data, true, nil

	case registry.KindMqttPublish:
		if d.mqtt == nil {
			return item.payload.Data, true, herrors.NewConfig("dispatch.MqttPublish", def.Name, fmt.Errorf("no mqtt pools configured"))
		}
		spec := def.Raw.MqttPublish
		err := d.mqtt.Publish(ctx, spec.PoolID, spec.Topic, spec.Body, item.payload)
		return item.payload.Data, true, err

	case registry.KindMqttSubscribe:
		if d.mqtt == nil {
			return item.payload.Data, false, herrors.NewConfig("dispatch.MqttSubscribe", def.Name, fmt.Errorf("no mqtt pools configured"))
		}
		spec := def.Raw.MqttSubscribe
		err := d.mqtt.Subscribe(ctx, spec.PoolID, spec.Topic, spec.MatchRule, def.NextEvent, spec.PayloadTemplate)
		return item.payload.Data, false, err

	case registry.KindMqttUnsubscribe:
		if d.mqtt == nil {
			return item.payload.Data, true, herrors.NewConfig("dispatch.MqttUnsubscribe", def.Name, fmt.Errorf("no mqtt pools configured"))
		}
		spec := def.Raw.MqttUnsubscribe
		err := d.mqtt.Unsubscribe(ctx, spec.PoolID, spec.Topic, def.NextEvent)
		return item.payload.Data, true, err

	default:
		return item.payload.Data, true, fmt.Errorf("dispatch: kind %v is not a worker kind", def.Kind)
	}
}

func decodeFileData(dataType string, raw []byte) (payload.Data, error) {
	switch dataType {
	case "json":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return payload.Data{}, err
		}
		return payload.Tree(v), nil
	case "bytes":
		return payload.Bytes(raw), nil
	default:
		return payload.String(string(raw)), nil
	}
}

func writeFile(path string, appendMode bool, data []byte) error {
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func toCallerKind(s string) httpcaller.ContentKind {
	switch s {
	case "json":
		return httpcaller.ContentJSON
	case "bytes":
		return httpcaller.ContentBytes
	default:
		return httpcaller.ContentText
	}
}

func toListenKind(s string) httplisten.ContentKind {
	switch s {
	case "json":
		return httplisten.ContentJSON
	case "bytes":
		return httplisten.ContentBytes
	default:
		return httplisten.ContentText
	}
}

func toChangeKind(s string) filewatch.ChangeKind {
	switch s {
	case "created":
		return filewatch.Created
	case "removed":
		return filewatch.Removed
	default:
		return filewatch.Written
	}
}
