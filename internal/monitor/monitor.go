// Package monitor implements monitor spec validation and the event matching
// engine.
package monitor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"tg_monitor/internal/model"
)

// Classifier is the external AI decision service consumed as a black box.
// Judge reports whether the text matches the natural-language prompt.
type Classifier interface {
	Judge(ctx context.Context, prompt, text string) (bool, error)
}

// Compiled is a validated monitor spec with its regex patterns compiled once
// at creation time.
type Compiled struct {
	spec  model.MonitorSpec
	regex []*regexp.Regexp
	seq   int // insertion order, breaks priority ties
}

// Spec returns a copy of the underlying spec.
func (c *Compiled) Spec() model.MonitorSpec { return c.spec }

// Compile validates a monitor spec and compiles its patterns.
// Invalid specs are rejected here, never at match time.
func Compile(spec model.MonitorSpec) (*Compiled, error) {
	if err := validate(&spec); err != nil {
		return nil, err
	}

	c := &Compiled{spec: spec}
	if spec.Kind == model.KindKeyword && spec.Keyword.Mode == model.MatchRegex {
		for _, p := range spec.Keyword.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %w", p, err)
			}
			c.regex = append(c.regex, re)
		}
	}
	return c, nil
}

func validate(spec *model.MonitorSpec) error {
	variants := 0
	for _, set := range []bool{
		spec.Keyword != nil, spec.FileExt != nil, spec.AI != nil, spec.Button != nil,
	} {
		if set {
			variants++
		}
	}

	switch spec.Kind {
	case model.KindKeyword:
		if spec.Keyword == nil || variants != 1 {
			return fmt.Errorf("keyword monitor requires exactly the keyword payload")
		}
		if len(spec.Keyword.Patterns) == 0 {
			return fmt.Errorf("keyword monitor requires at least one pattern")
		}
		switch spec.Keyword.Mode {
		case model.MatchExact, model.MatchContains, model.MatchRegex:
		default:
			return fmt.Errorf("unknown match mode %q", spec.Keyword.Mode)
		}
	case model.KindFileExtension:
		if spec.FileExt == nil || variants != 1 {
			return fmt.Errorf("file-extension monitor requires exactly the extension payload")
		}
		if len(spec.FileExt.Extensions) == 0 {
			return fmt.Errorf("file-extension monitor requires at least one extension")
		}
		for i, ext := range spec.FileExt.Extensions {
			spec.FileExt.Extensions[i] = NormalizeExtension(ext)
		}
	case model.KindFullTraffic:
		if variants != 0 {
			return fmt.Errorf("full-traffic monitor takes no variant payload")
		}
	case model.KindAISemantic:
		if spec.AI == nil || variants != 1 {
			return fmt.Errorf("ai-semantic monitor requires exactly the prompt payload")
		}
		if strings.TrimSpace(spec.AI.Prompt) == "" {
			return fmt.Errorf("ai-semantic monitor requires a judging prompt")
		}
	case model.KindButtonKeyword:
		if spec.Button == nil || variants != 1 {
			return fmt.Errorf("button-keyword monitor requires exactly the button payload")
		}
		if len(spec.Button.Keywords) == 0 {
			return fmt.Errorf("button-keyword monitor requires at least one keyword")
		}
	case model.KindImageButton:
		if spec.Button == nil || variants != 1 {
			return fmt.Errorf("image-button monitor requires exactly the button payload")
		}
		if strings.TrimSpace(spec.Button.Prompt) == "" {
			return fmt.Errorf("image-button monitor requires a selection prompt")
		}
	default:
		return fmt.Errorf("unknown monitor kind %q", spec.Kind)
	}

	if spec.MaxExecutions < 0 {
		return fmt.Errorf("max executions must not be negative")
	}
	if r := spec.Actions.Reply; r != nil {
		if len(r.Phrases) == 0 {
			return fmt.Errorf("reply action requires at least one phrase")
		}
		if r.DelayMin < 0 || r.DelayMax < r.DelayMin {
			return fmt.Errorf("reply delay window [%v, %v] is invalid", r.DelayMin, r.DelayMax)
		}
	}
	if n := spec.Actions.Notify; n != nil && len(n.Recipients) == 0 {
		return fmt.Errorf("notify action requires at least one recipient")
	}
	if s := spec.Actions.Save; s != nil && s.Dir == "" {
		return fmt.Errorf("save action requires a directory")
	}
	return nil
}

// NormalizeExtension lowercases an extension and ensures the leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// matches evaluates the monitor's condition against an event.
// Scope, sender filter, and paused state are checked by the caller.
func (c *Compiled) matches(ctx context.Context, ev *model.Event, judge Classifier) (bool, error) {
	switch c.spec.Kind {
	case model.KindKeyword:
		return c.matchKeyword(ev.Text), nil
	case model.KindFileExtension:
		return c.matchExtension(ev), nil
	case model.KindFullTraffic:
		return true, nil
	case model.KindAISemantic:
		if ev.Text == "" {
			return false, nil
		}
		if judge == nil {
			return false, fmt.Errorf("no classifier configured")
		}
		return judge.Judge(ctx, c.spec.AI.Prompt, ev.Text)
	case model.KindButtonKeyword:
		return ev.HasButtons() && c.matchButtonLabels(ev.Buttons), nil
	case model.KindImageButton:
		if !ev.HasButtons() || ev.Attachment == nil || !ev.Attachment.IsImage {
			return false, nil
		}
		// Keyword pre-filter; label choice is deferred to the click executor.
		if len(c.spec.Button.Keywords) > 0 && !c.matchButtonLabels(ev.Buttons) {
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func (c *Compiled) matchKeyword(text string) bool {
	if text == "" {
		return false
	}
	switch c.spec.Keyword.Mode {
	case model.MatchExact:
		trimmed := strings.TrimSpace(text)
		for _, p := range c.spec.Keyword.Patterns {
			if strings.EqualFold(trimmed, strings.TrimSpace(p)) {
				return true
			}
		}
	case model.MatchContains:
		lower := strings.ToLower(text)
		for _, p := range c.spec.Keyword.Patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				return true
			}
		}
	case model.MatchRegex:
		for _, re := range c.regex {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

func (c *Compiled) matchExtension(ev *model.Event) bool {
	if ev.Attachment == nil {
		return false
	}
	ext := strings.ToLower(ev.Attachment.Extension)
	for _, want := range c.spec.FileExt.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

func (c *Compiled) matchButtonLabels(buttons []model.Button) bool {
	for _, b := range buttons {
		label := strings.ToLower(b.Label)
		for _, kw := range c.spec.Button.Keywords {
			if strings.Contains(label, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}
