// Package aggregator converts server JSON payloads into a monotone stream
// of partial and final transcript events, without re-emitting already
// committed utterances. Grounded on
// original_source/anytalk-daemon/src/asr.rs's parse_asr_texts.
package aggregator

import (
	"strings"

	"github.com/bytedance/sonic"
)

// Event is one partial or final transcript event.
type Event struct {
	Final bool
	Text  string
}

// Aggregator holds the per-session state needed to decide what's new.
type Aggregator struct {
	mode                 string
	lastCommittedEndTime int64
	lastFullText         string
}

// New constructs an Aggregator for one session. mode selects the
// bidi_async double-emission behavior (see Feed).
func New(mode string) *Aggregator {
	return &Aggregator{mode: mode, lastCommittedEndTime: -1}
}

type utterance struct {
	Definite bool   `json:"definite"`
	EndTime  int64  `json:"end_time"`
	Text     string `json:"text"`
}

type result struct {
	Utterances []utterance `json:"utterances,omitempty"`
	Text       *string     `json:"text,omitempty"`
}

type payload struct {
	Result *result `json:"result"`
}

// Feed parses one server JSON payload and returns the events it produces,
// in emission order: all finals from an utterance-list payload precede its
// (at most one) partial. Unparseable JSON or a missing "result" yields no
// events.
func (a *Aggregator) Feed(jsonText string) []Event {
	var p payload
	if err := sonic.UnmarshalString(jsonText, &p); err != nil || p.Result == nil {
		return nil
	}

	if p.Result.Utterances != nil {
		return a.feedUtteranceList(p.Result.Utterances)
	}
	if p.Result.Text != nil {
		return a.feedFullText(*p.Result.Text)
	}
	return nil
}

func (a *Aggregator) feedUtteranceList(utterances []utterance) []Event {
	var events []Event

	for _, u := range utterances {
		if !u.Definite {
			continue
		}
		if u.EndTime <= a.lastCommittedEndTime {
			continue
		}
		trimmed := strings.TrimSpace(u.Text)
		if trimmed == "" {
			continue
		}
		events = append(events, Event{Final: true, Text: trimmed})
		a.lastCommittedEndTime = u.EndTime
	}

	for i := len(utterances) - 1; i >= 0; i-- {
		u := utterances[i]
		if u.Definite {
			continue
		}
		trimmed := strings.TrimSpace(u.Text)
		if trimmed == "" {
			continue
		}
		events = append(events, Event{Final: false, Text: trimmed})
		break
	}

	return events
}

func (a *Aggregator) feedFullText(text string) []Event {
	full := strings.TrimSpace(text)
	if full == "" {
		return nil
	}

	var events []Event
	switch {
	case a.mode == "bidi_async":
		events = append(events, Event{Final: false, Text: full}, Event{Final: true, Text: full})
	case a.lastFullText != "" && strings.HasPrefix(full, a.lastFullText):
		suffix := strings.TrimSpace(full[len(a.lastFullText):])
		if suffix != "" {
			events = append(events, Event{Final: true, Text: suffix})
		}
	case full != a.lastFullText:
		events = append(events, Event{Final: true, Text: full})
	}
	a.lastFullText = full

	return events
}
