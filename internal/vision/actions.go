// Package vision implements the process-wide singleton screen-control
// worker: a perceive/plan/act loop driven by a vision-capable LLM, fed by a
// FIFO goal queue and a high-priority correction queue.
package vision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType is one of the fixed actions the planner may emit.
type ActionType string

const (
	ActionClick       ActionType = "CLICK"
	ActionDoubleClick ActionType = "DOUBLE_CLICK"
	ActionRightClick  ActionType = "RIGHT_CLICK"
	ActionTypeText    ActionType = "TYPE"
	ActionHotkey      ActionType = "HOTKEY"
	ActionScroll      ActionType = "SCROLL"
	ActionMoveTo      ActionType = "MOVE_TO"
	ActionWait        ActionType = "WAIT"
	ActionAskUser     ActionType = "ASK_USER"
	ActionFinish      ActionType = "FINISH"
)

// Action is one planned step. Click-class actions carry a bounding box as
// [ymin, xmin, ymax, xmax] in the 0-1000 normalized coordinate space.
type Action struct {
	Thought   string     `json:"thought,omitempty"`
	Action    ActionType `json:"action"`
	BBox      []float64  `json:"bbox,omitempty"`
	Point     []float64  `json:"point,omitempty"` // [x, y] for MOVE_TO
	Text      string     `json:"text,omitempty"`
	Keys      []string   `json:"keys,omitempty"`
	Direction string     `json:"direction,omitempty"`
	Amount    int        `json:"amount,omitempty"`
	Duration  float64    `json:"duration,omitempty"` // seconds, for WAIT
	Question  string     `json:"question,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// isClickClass reports whether the action needs a bounding box.
func (a Action) isClickClass() bool {
	switch a.Action {
	case ActionClick, ActionDoubleClick, ActionRightClick:
		return true
	}
	return false
}

// bboxCenter converts the normalized bounding box to pixel coordinates on a
// screen of the given size.
func bboxCenter(bbox []float64, screenWidth, screenHeight int) (float64, float64, error) {
	if len(bbox) != 4 {
		return 0, 0, fmt.Errorf("bbox must be [ymin, xmin, ymax, xmax], got %v", bbox)
	}
	ymin, xmin, ymax, xmax := bbox[0], bbox[1], bbox[2], bbox[3]
	centerX := (xmin + xmax) / 2
	centerY := (ymin + ymax) / 2
	return centerX / 1000 * float64(screenWidth), centerY / 1000 * float64(screenHeight), nil
}

// ParsePlan decodes the model's response into an action list. Markdown
// fences are stripped; a single object is promoted to a one-element list.
func ParsePlan(content string) ([]Action, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil, fmt.Errorf("empty plan")
	}

	var plan []Action
	if err := json.Unmarshal([]byte(cleaned), &plan); err == nil {
		return normalizePlan(plan)
	}
	var single Action
	if err := json.Unmarshal([]byte(cleaned), &single); err == nil {
		return normalizePlan([]Action{single})
	}
	return nil, fmt.Errorf("plan is not valid JSON: %.120s", cleaned)
}

func normalizePlan(plan []Action) ([]Action, error) {
	out := make([]Action, 0, len(plan))
	for _, action := range plan {
		action.Action = ActionType(strings.ToUpper(strings.TrimSpace(string(action.Action))))
		if action.Action == "" {
			continue
		}
		out = append(out, action)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("plan has no actions")
	}
	return out, nil
}
