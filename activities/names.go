package activities

// Activity names. The driver schedules activities by name so workers and
// workflows can be versioned independently.
const (
	// Step outcome activities.
	NamePromptStep       = "prompt_step"
	NameToolCallStep     = "tool_call_step"
	NameEvaluateStep     = "evaluate_step"
	NameIfElseStep       = "if_else_step"
	NameSwitchStep       = "switch_step"
	NameForEachStep      = "for_each_step"
	NameMapReduceStep    = "map_reduce_step"
	NameSetValueStep     = "set_value_step"
	NameReturnStep       = "return_step"
	NameYieldStep        = "yield_step"
	NameWaitForInputStep = "wait_for_input_step"

	// BaseEvaluate runs a bare expression against the step context. The
	// driver uses it for map-reduce folds.
	NameBaseEvaluate = "base_evaluate"

	// Tool executors backing tool_call steps and auto-run prompt tools.
	NameExecuteIntegration = "execute_integration"
	NameExecuteAPICall     = "execute_api_call"
	NameExecuteSystem      = "execute_system"

	// NameCreateTransition commits one transition to the durable log.
	NameCreateTransition = "create_execution_transition"

	// NameSaveInputsRemote offloads or resolves step payloads between
	// workflow continuations.
	NameSaveInputsRemote = "save_inputs_remote"
)
