// Package registry builds the immutable name→definition map described in
// spec.md §4.1: inline events, event_files, and group imports merged at
// load time, with the kind-detection and validation rules that let every
// other component treat a Definition as already-correct.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/songokas/hvents/internal/config"
	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
)

// Kind tags the closed set of event variants from spec.md §3.
type Kind int

const (
	KindUnknown Kind = iota
	KindMqttSubscribe
	KindMqttUnsubscribe
	KindMqttPublish
	KindFileRead
	KindFileWrite
	KindApiCall
	KindApiListen
	KindFileChanged
	KindWatch
	KindTime
	KindRepeat
	KindPeriod
	KindExecute
	KindScanCodeRead
	KindStateOp
	KindPrint
)

// RawEvent is the YAML shape of one event: every kind-specific field is a
// pointer so exactly-one-set can be checked, and a state sub-key can
// accompany any other kind per spec.md §4.4.
type RawEvent struct {
	NextEvent         string `yaml:"next_event"`
	NextEventTemplate string `yaml:"next_event_template"`
	Data              *yaml.Node `yaml:"data"`
	MergeData         *bool  `yaml:"merge_data"`
	EventID           string `yaml:"event_id"`

	MqttSubscribe   *MqttSubscribeSpec   `yaml:"mqtt_subscribe"`
	MqttUnsubscribe *MqttUnsubscribeSpec `yaml:"mqtt_unsubscribe"`
	MqttPublish     *MqttPublishSpec     `yaml:"mqtt_publish"`
	FileRead        *FileReadSpec        `yaml:"file_read"`
	FileWrite       *FileWriteSpec       `yaml:"file_write"`
	ApiCall         *ApiCallSpec         `yaml:"api_call"`
	ApiListen       *ApiListenSpec       `yaml:"api_listen"`
	FileChanged     *FileChangedSpec     `yaml:"file_changed"`
	Watch           *WatchSpec           `yaml:"watch"`
	Time            *string              `yaml:"time"`
	Repeat          *string              `yaml:"repeat"`
	Period          *PeriodSpec          `yaml:"period"`
	Execute         *ExecuteSpec         `yaml:"execute"`
	ScanCodeRead    *ScanCodeReadSpec    `yaml:"scan_code_read"`
	State           *StateSpec           `yaml:"state"`
	Print           *PrintSpec           `yaml:"print"`
}

// MqttSubscribeSpec is the `mqtt_subscribe` kind's options.
type MqttSubscribeSpec struct {
	Topic           string  `yaml:"topic"`
	MatchRule       string  `yaml:"match_rule"`
	PoolID          string  `yaml:"pool_id"`
	PayloadTemplate *string `yaml:"payload_template"`
}

// MqttUnsubscribeSpec is the `mqtt_unsubscribe` kind's options.
type MqttUnsubscribeSpec struct {
	Topic  string `yaml:"topic"`
	PoolID string `yaml:"pool_id"`
}

// MqttPublishSpec is the `mqtt_publish` kind's options.
type MqttPublishSpec struct {
	Topic  string  `yaml:"topic"`
	Body   *string `yaml:"body"`
	PoolID string  `yaml:"pool_id"`
}

// FileReadSpec is the `file_read` kind's options.
type FileReadSpec struct {
	Path     string `yaml:"path"`
	DataType string `yaml:"data_type"`
}

// FileWriteSpec is the `file_write` kind's options.
type FileWriteSpec struct {
	Path   string `yaml:"path"`
	Append bool   `yaml:"append"`
}

// ApiCallSpec is the `api_call` kind's options.
type ApiCallSpec struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method"`
	Headers        map[string]string `yaml:"headers"`
	RequestContent string            `yaml:"request_content"`
	ResponseContent string           `yaml:"response_content"`
}

// ApiListenSpec is the `api_listen` kind's options.
type ApiListenSpec struct {
	Path            string `yaml:"path"`
	Method          string `yaml:"method"`
	PoolID          string `yaml:"pool_id"`
	RequestContent  string `yaml:"request_content"`
	ResponseContent string `yaml:"response_content"`
	ResponseBody    string `yaml:"response_body"`
}

// FileChangedSpec is the `file_changed` kind's options.
type FileChangedSpec struct {
	Path string `yaml:"path"`
	When string `yaml:"when"`
}

// WatchSpec is the `watch` kind's options.
type WatchSpec struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
	Action    string `yaml:"action"`
}

// PeriodSpec is the `period` kind's options.
type PeriodSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ExecuteSpec is the `execute` kind's options.
type ExecuteSpec struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	ReplaceArgs map[int]string    `yaml:"replace_args"`
	Vars        map[string]string `yaml:"vars"`
	DataType    string            `yaml:"data_type"`
}

// ScanCodeReadSpec is the `scan_code_read` kind's options.
type ScanCodeReadSpec struct {
	Device string `yaml:"device"`
	Code   uint16 `yaml:"code"`
}

// StateSpec is the `state` kind's (or sub-key's) options.
type StateSpec struct {
	Count   string            `yaml:"count"`
	Replace map[string]string `yaml:"replace"`
}

// PrintSpec is the `print` kind's options.
type PrintSpec struct {
	Stream string `yaml:"stream"` // "stdout" or "stderr"
}

// Definition is one immutable, validated event after load.
type Definition struct {
	Name              string
	Kind              Kind
	NextEvent         string
	NextEventTemplate string
	Data              *yaml.Node
	MergeData         *bool
	EventID           string
	State             *StateSpec // present on any kind as a side mutation

	Raw RawEvent
}

// Registry is the immutable name→Definition map produced by Load.
type Registry struct {
	defs      map[string]*Definition
	startWith []string
}

// Lookup returns the definition for name, if any.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns every registered event name, in no particular order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	return out
}

// StartWith returns the configured bootstrap event names.
func (r *Registry) StartWith() []string {
	return r.startWith
}

// eventsFragment is the shape of one events-file document (used for both
// event_files entries and group-imported files): a top-level `events` map,
// same as Root.Events.
type eventsFragment struct {
	Events map[string]yaml.Node `yaml:"events"`
}

// Load builds a Registry from root, merging inline events, event_files,
// and groups in that order (later source wins on name collision, logged
// as a warning), then validates every definition per spec.md §4.1.
func Load(root config.Root, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	merged := map[string]yaml.Node{}
	order := []string{}
	note := func(name string) {
		if _, exists := merged[name]; exists {
			logger.Warn("duplicate event name", "name", name)
		} else {
			order = append(order, name)
		}
	}

	for name, node := range root.Events {
		note(name)
		merged[name] = node
	}

	for _, path := range root.EventFiles {
		frag, err := loadFragment(path)
		if err != nil {
			return nil, herrors.NewConfig("registry.Load", "event_files: "+path, err)
		}
		for name, node := range frag.Events {
			note(name)
			merged[name] = node
		}
	}

	for _, g := range root.Groups {
		frag, err := loadFragment(g.File)
		if err != nil {
			return nil, herrors.NewConfig("registry.Load", "groups: "+g.File, err)
		}
		for name, node := range frag.Events {
			full := g.Prefix + "_" + name
			note(full)
			merged[full] = node
		}
	}

	defs := make(map[string]*Definition, len(merged))
	for name, node := range merged {
		def, err := decodeDefinition(name, node)
		if err != nil {
			return nil, err
		}
		defs[name] = def
	}

	if err := validate(defs); err != nil {
		return nil, err
	}

	return &Registry{defs: defs, startWith: append([]string{}, root.StartWith...)}, nil
}

func loadFragment(path string) (*eventsFragment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frag := &eventsFragment{}
	if err := yaml.Unmarshal(data, frag); err != nil {
		return nil, err
	}
	return frag, nil
}

func decodeDefinition(name string, node yaml.Node) (*Definition, error) {
	raw := RawEvent{}
	if err := node.Decode(&raw); err != nil {
		return nil, herrors.NewConfig("registry.decodeDefinition", name, err)
	}

	kind, err := detectKind(raw)
	if err != nil {
		return nil, herrors.NewConfig("registry.decodeDefinition", name, err)
	}

	return &Definition{
		Name:              name,
		Kind:              kind,
		NextEvent:         raw.NextEvent,
		NextEventTemplate: raw.NextEventTemplate,
		Data:              raw.Data,
		MergeData:         raw.MergeData,
		EventID:           raw.EventID,
		State:             raw.State,
		Raw:               raw,
	}, nil
}

// detectKind finds the exactly-one non-nil kind tag on raw. A `state`
// tag that accompanies another kind is not itself a dispatch kind (it is
// carried in Definition.State and applied as a side mutation); a `state`
// tag with no other kind set makes the event a pure StateOp.
func detectKind(raw RawEvent) (Kind, error) {
	type tagged struct {
		kind Kind
		set  bool
	}
	tags := []tagged{
		{KindMqttSubscribe, raw.MqttSubscribe != nil},
		{KindMqttUnsubscribe, raw.MqttUnsubscribe != nil},
		{KindMqttPublish, raw.MqttPublish != nil},
		{KindFileRead, raw.FileRead != nil},
		{KindFileWrite, raw.FileWrite != nil},
		{KindApiCall, raw.ApiCall != nil},
		{KindApiListen, raw.ApiListen != nil},
		{KindFileChanged, raw.FileChanged != nil},
		{KindWatch, raw.Watch != nil},
		{KindTime, raw.Time != nil},
		{KindRepeat, raw.Repeat != nil},
		{KindPeriod, raw.Period != nil},
		{KindExecute, raw.Execute != nil},
		{KindScanCodeRead, raw.ScanCodeRead != nil},
		{KindPrint, raw.Print != nil},
	}

	var found []Kind
	for _, t := range tags {
		if t.set {
			found = append(found, t.kind)
		}
	}

	switch len(found) {
	case 0:
		if raw.State != nil {
			return KindStateOp, nil
		}
		return KindUnknown, fmt.Errorf("event has no recognized kind tag")
	case 1:
		return found[0], nil
	default:
		return KindUnknown, fmt.Errorf("event has %d kind tags set, want exactly 1", len(found))
	}
}

// validate applies the registry-wide checks of spec.md §4.1: self-reference
// rejection and literal next_event resolvability (unless a template is also
// present, in which case the literal is an informational fallback only).
func validate(defs map[string]*Definition) error {
	for name, def := range defs {
		if def.NextEvent != "" && def.NextEvent == name {
			return herrors.NewConfig("registry.validate", name, fmt.Errorf("event refers to itself as next_event"))
		}
		if def.NextEvent != "" && def.NextEventTemplate == "" {
			if _, ok := defs[def.NextEvent]; !ok {
				return herrors.NewConfig("registry.validate", name,
					fmt.Errorf("next_event %q does not resolve to a known event", def.NextEvent))
			}
		}
	}
	return nil
}

// IsTemplate reports whether s looks like it contains mustache tags, used
// by callers deciding whether to treat a string as literal or renderable.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// DataFromNode decodes an event's literal `data:` node into a payload.Data:
// a plain YAML scalar becomes payload.String, anything else (mapping,
// sequence) becomes payload.Tree. A nil node (no `data:` key) returns a
// nil *payload.Data, meaning "nothing to merge in".
func DataFromNode(node *yaml.Node) (*payload.Data, error) {
	if node == nil {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode {
		d := payload.String(node.Value)
		return &d, nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, herrors.NewConfig("registry.DataFromNode", "data", err)
	}
	d := payload.Tree(v)
	return &d, nil
}
