// Package alert implements inbound emergency-alert ingest, dedupe, and
// the Knowledge writes that make alert data visible to the rule engine
// and scheduler (spec.md §4.G).
package alert

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/events"
	"github.com/fennel-labs/rioagent/internal/knowledge"
)

// defaultLanguage is used when an Info block omits Language, per spec.md
// §4.G.
const defaultLanguage = "en-US"

// dedupeWindow is the interval within which a repeated alert identifier
// is considered a duplicate, per spec.md §3's dedupe entry invariant.
const dedupeWindow = 2 * time.Minute

// Parameter is one "parameter.valueName -> value" entry of an Info block.
type Parameter struct {
	ValueName string `json:"valueName"`
	Value     any    `json:"value"`
}

// Info is one info block of an inbound alert (spec.md §4.G).
type Info struct {
	Source     string      `json:"source"`
	Status     string      `json:"status"`
	MsgType    string      `json:"msgType"`
	Codes      []string    `json:"codes"`
	Addresses  []string    `json:"addresses"`
	EventType  string      `json:"eventType"`
	Language   string      `json:"language"`
	Parameters []Parameter `json:"parameters"`
}

// Alert is an inbound emergency-message record (spec.md Glossary).
type Alert struct {
	Sender     string `json:"sender"`
	Identifier string `json:"identifier"`
	Infos      []Info `json:"info"`
}

// Parse decodes a raw alert payload.
func Parse(raw []byte) (Alert, error) {
	var a Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return Alert{}, fmt.Errorf("alert: parse: %w", err)
	}
	return a, nil
}

// ManageAlert implements spec.md §9's retained ambiguity predicate exactly:
// rules are applied to an alert only when its sender is the local device
// itself, or appears in the configured device list. Do not broaden this.
func ManageAlert(a Alert, localID string, deviceList []string) bool {
	if a.Sender == localID {
		return true
	}
	for _, d := range deviceList {
		if d == a.Sender {
			return true
		}
	}
	return false
}

type dedupeEntry struct {
	identifier string
	receivedAt time.Time
}

// RuleHook is invoked for each alert that passes the self-sent check and
// dedupe and whose sender ManageAlert accepts, after its Knowledge
// writes, so the rule engine can populate its
// until-true/until-false ephemeral rulesets from the alert's content
// (spec.md §3). Supplied by the agent's wiring (see DESIGN.md).
type RuleHook func(a Alert)

// Processor implements spec.md §4.G's ingest pipeline: parse, self-drop,
// dedupe, Knowledge write, forward.
type Processor struct {
	localID    string
	knowledge  *knowledge.Store
	bus        *events.Bus
	onAlert    RuleHook
	deviceList []string

	mu      sync.Mutex
	entries []dedupeEntry
	now     func() time.Time
}

// New constructs a Processor. onAlert may be nil.
func New(localID string, know *knowledge.Store, bus *events.Bus, deviceList []string, onAlert RuleHook) *Processor {
	if onAlert == nil {
		onAlert = func(Alert) {}
	}
	return &Processor{
		localID:    localID,
		knowledge:  know,
		bus:        bus,
		onAlert:    onAlert,
		deviceList: deviceList,
		now:        time.Now,
	}
}

// Ingest processes one raw alert payload per spec.md §4.G: parse; drop if
// sender equals local id; dedupe by identifier within the 2-minute
// window; on a fresh identifier, write Knowledge and forward to the rule
// engine. Returns true if the alert was newly processed (not dropped).
func (p *Processor) Ingest(raw []byte) (bool, error) {
	a, err := Parse(raw)
	if err != nil {
		return false, err
	}

	if a.Sender == p.localID {
		p.publishDropped(a.Sender, "self_sent")
		return false, nil
	}

	if p.isDuplicate(a.Identifier) {
		p.publishDropped(a.Sender, "duplicate")
		return false, nil
	}

	p.applyToKnowledge(a)

	if ManageAlert(a, p.localID, p.deviceList) {
		p.onAlert(a)
	}

	p.publishReceived(a)
	return true, nil
}

// isDuplicate purges entries older than the dedupe window, then checks
// whether identifier was seen within it. A fresh identifier is recorded.
func (p *Processor) isDuplicate(identifier string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	kept := p.entries[:0:0]
	for _, e := range p.entries {
		if now.Sub(e.receivedAt) <= dedupeWindow {
			kept = append(kept, e)
		}
	}
	p.entries = kept

	for _, e := range p.entries {
		if e.identifier == identifier {
			return true
		}
	}
	p.entries = append(p.entries, dedupeEntry{identifier: identifier, receivedAt: now})
	return false
}

// applyToKnowledge writes each Info block's variables into Knowledge,
// namespaced by both the alert's sender and its own source field, per
// spec.md §4.G.
func (p *Processor) applyToKnowledge(a Alert) {
	for _, info := range a.Infos {
		kvs := map[string]any{
			"source":    info.Source,
			"status":    info.Status,
			"msgType":   info.MsgType,
			"codes":     strings.Join(info.Codes, ","),
			"addresses": strings.Join(info.Addresses, ","),
			"eventType": info.EventType,
			"Language":  info.Language,
		}
		if kvs["Language"] == "" {
			kvs["Language"] = defaultLanguage
		}
		for _, param := range info.Parameters {
			kvs[param.ValueName] = param.Value
		}

		p.knowledge.Set(a.Sender, kvs)
		if info.Source != "" && info.Source != a.Sender {
			p.knowledge.Set(info.Source, kvs)
		}
	}
}

func (p *Processor) publishReceived(a Alert) {
	if p.bus == nil {
		return
	}
	source := ""
	eventType := ""
	if len(a.Infos) > 0 {
		source = a.Infos[0].Source
		eventType = a.Infos[0].EventType
	}
	p.bus.Publish(events.Event{
		Timestamp: p.now(),
		Source:    events.SourceAlert,
		Kind:      events.KindAlertReceived,
		Data:      map[string]any{"sender": a.Sender, "source": source, "event_type": eventType},
	})
}

func (p *Processor) publishDropped(sender, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Timestamp: p.now(),
		Source:    events.SourceAlert,
		Kind:      events.KindAlertDropped,
		Data:      map[string]any{"sender": sender, "reason": reason},
	})
}
