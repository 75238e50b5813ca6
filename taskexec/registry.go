// Package taskexec implements the durable execution driver: the workflow
// that interprets a task's step program, dispatches step activities, commits
// transitions, orchestrates composite branches as child workflows, and
// continues as a fresh run after every step. It also exposes the client
// facade services use to start, inspect, and signal executions.
package taskexec

import (
	"github.com/itsbrex/julep/activities"
	"github.com/itsbrex/julep/tasks"
)

// stepActivities is the static table mapping step variants to the activity
// computing their outcome. Variants missing from the table are interpreted
// entirely inside the driver and never dispatch.
var stepActivities = map[tasks.StepKind]string{
	tasks.KindPrompt:       activities.NamePromptStep,
	tasks.KindToolCall:     activities.NameToolCallStep,
	tasks.KindEvaluate:     activities.NameEvaluateStep,
	tasks.KindWaitForInput: activities.NameWaitForInputStep,
	tasks.KindIfElse:       activities.NameIfElseStep,
	tasks.KindSwitch:       activities.NameSwitchStep,
	tasks.KindForeach:      activities.NameForEachStep,
	tasks.KindMapReduce:    activities.NameMapReduceStep,
	tasks.KindSet:          activities.NameSetValueStep,
	tasks.KindReturn:       activities.NameReturnStep,
	tasks.KindYield:        activities.NameYieldStep,
}

// StepActivity returns the activity backing the step kind. The second result
// is false for driver-only variants (log, get, sleep, error, parallel).
func StepActivity(kind tasks.StepKind) (string, bool) {
	name, ok := stepActivities[kind]
	return name, ok
}
