package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/docflow/pkg/schema"
)

// TriggerExecutor seeds a run's context with the trigger event. Filter
// matching happens before a run exists (MatchEvent); by the time this
// executor runs the event has already matched.
type TriggerExecutor struct{}

func NewTriggerExecutor() *TriggerExecutor { return &TriggerExecutor{} }

func (e *TriggerExecutor) Type() schema.StepType { return schema.StepTypeTrigger }

func (e *TriggerExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	res := success()
	res.Patch = schema.ExecutionContext{schema.NSTrigger: run.TriggerEvent}
	res.Detail = fmt.Sprintf("triggered by %s event", eventField(run.TriggerEvent, "type"))
	return res, nil
}

// MatchEvent evaluates a trigger step's filters against an incoming
// event. A non-match returns false with the reason; the engine refuses
// to start a run (MATCH_MISS) without creating a run record.
//
// Each configured filter list is an allow-list; an empty list places no
// constraint. All configured filters must match.
func MatchEvent(cfg *schema.TriggerConfig, event map[string]any) (bool, string) {
	if len(cfg.Filters.FileTypes) > 0 {
		ft := normalizeFileType(eventField(event, "file_type"))
		if ft == "" {
			ft = normalizeFileType(extensionOf(eventField(event, "file_name")))
		}
		if !containsFold(cfg.Filters.FileTypes, ft) {
			return false, fmt.Sprintf("file type %q not in %v", ft, cfg.Filters.FileTypes)
		}
	}
	if len(cfg.Filters.Channels) > 0 {
		ch := eventField(event, "channel")
		if !containsFold(cfg.Filters.Channels, ch) {
			return false, fmt.Sprintf("channel %q not in %v", ch, cfg.Filters.Channels)
		}
	}
	if len(cfg.Filters.Keywords) > 0 {
		haystack := strings.ToLower(eventField(event, "subject") + " " + eventField(event, "content"))
		matched := false
		for _, kw := range cfg.Filters.Keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				matched = true
				break
			}
		}
		if !matched {
			return false, fmt.Sprintf("no keyword of %v found in event", cfg.Filters.Keywords)
		}
	}
	return true, ""
}

func eventField(event map[string]any, key string) string {
	if event == nil {
		return ""
	}
	v, ok := event[key]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func extensionOf(fileName string) string {
	idx := strings.LastIndexByte(fileName, '.')
	if idx == -1 {
		return ""
	}
	return fileName[idx+1:]
}

func normalizeFileType(ft string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ft), "."))
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(normalizeFileType(item), s) {
			return true
		}
	}
	return false
}
