package tasks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepKindPrecedence(t *testing.T) {
	ret := "$ ."
	then := Step{Log: "t"}
	cases := []struct {
		name string
		step Step
		want StepKind
	}{
		{"prompt wins over settings siblings", Step{
			Prompt:   []PromptMessage{{Role: "user", Content: "hi"}},
			Settings: &PromptSettings{Model: "m"},
		}, KindPrompt},
		{"tool wins over arguments sibling", Step{
			Tool:      "search",
			Arguments: map[string]string{"q": "x"},
		}, KindToolCall},
		{"if wins over then and else siblings", Step{
			If: "$ .x", Then: &then, Else: &then,
		}, KindIfElse},
		{"over wins over map and reduce siblings", Step{
			Over: "$ .xs", Map: &then, Reduce: "$ .acc",
		}, KindMapReduce},
		{"workflow wins over arguments sibling", Step{
			Workflow: "sub", Arguments: map[string]string{"a": "1"},
		}, KindYield},
		{"return pointer is a return even when empty", Step{
			Return: &ret,
		}, KindReturn},
		{"empty step is unknown", Step{}, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.step.Kind())
		})
	}
}

func TestStepValidate(t *testing.T) {
	do := Step{Evaluate: "$ ."}
	cases := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{"if requires then", Step{If: "$ .x"}, "then branch"},
		{"switch rejects empty condition", Step{
			Switch: []CaseThen{{Case: "", Then: &do}},
		}, "empty condition"},
		{"switch requires then", Step{
			Switch: []CaseThen{{Case: "_"}},
		}, "missing then"},
		{"foreach requires in", Step{
			Foreach: &ForeachDo{Do: &do},
		}, "in expression"},
		{"foreach requires do", Step{
			Foreach: &ForeachDo{In: "$ .xs"},
		}, "do step"},
		{"map-reduce requires map", Step{Over: "$ .xs"}, "map step"},
		{"map-reduce rejects negative parallelism", Step{
			Over: "$ .xs", Map: &do, Parallelism: -1,
		}, "negative"},
		{"sleep must be positive", Step{Sleep: &SleepFor{}}, "greater than 0"},
		{"prompt message requires role", Step{
			Prompt: []PromptMessage{{Content: "hi"}},
		}, "missing role"},
		{"unrecognized step", Step{}, "no recognized variant"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorContains(t, tc.step.Validate(), tc.wantErr)
		})
	}
}

func TestStepValidateNested(t *testing.T) {
	bad := Step{If: "$ .x"} // missing then
	step := Step{Foreach: &ForeachDo{In: "$ .xs", Do: &bad}}
	require.ErrorContains(t, step.Validate(), "foreach do")
}

func TestSleepForTotalSeconds(t *testing.T) {
	s := SleepFor{Seconds: 5, Minutes: 2, Hours: 1, Days: 1}
	require.Equal(t, 5+2*60+60*60+24*60*60, s.TotalSeconds())
}
