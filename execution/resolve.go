package execution

// Resolve completes a PartialTransition into a committable Transition.
// Unset fields get their defaults: the type becomes step, the next cursor
// becomes the successor in the current scope. A defaulted step at the last
// step of its scope is upgraded to finish (main) or finish_branch (child). A
// resume at the last step keeps a nil next; the driver follows with the
// terminal commit. The resolved pair is validated against the successor
// table before the transition is returned.
func Resolve(sc *StepContext, p PartialTransition, lastType TransitionType) (*Transition, error) {
	typ := p.Type
	if typ == "" {
		typ = TransitionStep
	}
	if !typ.Valid() {
		return nil, NewError(KindIllegalTransition, "unknown transition type %q", typ)
	}

	next := p.Next
	if next == nil && !typ.Terminal() {
		switch typ {
		case TransitionInit, TransitionInitBranch, TransitionWait:
			// The execution (re-)enters at the current step.
			cur := sc.Cursor
			next = &cur
		default:
			steps, err := ScopeSteps(sc.Execution.Task, sc.Cursor)
			if err != nil {
				return nil, err
			}
			if sc.Cursor.Step+1 < steps {
				n := sc.Cursor.Next()
				next = &n
			} else if typ == TransitionStep {
				if sc.Cursor.IsMain() {
					typ = TransitionFinish
				} else {
					typ = TransitionFinishBranch
				}
			}
		}
	}

	if err := CheckTransition(lastType, typ); err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if sc.LastError != "" {
		meta["last_error"] = sc.LastError
	}
	if len(p.UserState) > 0 {
		meta["user_state"] = p.UserState
	}
	if len(meta) == 0 {
		meta = nil
	}

	return &Transition{
		ExecutionID: sc.Execution.ExecutionID,
		Type:        typ,
		Current:     sc.Cursor,
		Next:        next,
		Output:      p.Output,
		Metadata:    meta,
	}, nil
}
