package team

import (
	"sort"
)

// capabilityMatchScore is |matched|/|required| with a 0.2 bonus when the
// agent type matches the task type, scaled by the workload penalty
// (1 - workload/100)
func capabilityMatchScore(m *MemberInfo, task *Task) float64 {
	score := 0.0
	if len(task.RequiredCapabilities) == 0 {
		score = 0.5
	} else {
		matched := 0
		for _, req := range task.RequiredCapabilities {
			if m.Profile.HasCapability(req) {
				matched++
			}
		}
		score = float64(matched) / float64(len(task.RequiredCapabilities))
	}
	if task.Type != "" && string(m.Profile.Type) == task.Type {
		score += 0.2
	}
	return score * (1 - m.Profile.Workload/100)
}

// pickBestMember returns the best member for a task. Ties break toward the
// member with fewer completed tasks, then the earliest-registered one.
func pickBestMember(members []*MemberInfo, task *Task) *MemberInfo {
	var best *MemberInfo
	bestScore := -1.0
	for _, m := range members {
		score := capabilityMatchScore(m, task)
		switch {
		case score > bestScore:
			best, bestScore = m, score
		case score == bestScore && best != nil:
			if m.CompletedTasks < best.CompletedTasks ||
				(m.CompletedTasks == best.CompletedTasks && m.RegistrationIndex < best.RegistrationIndex) {
				best = m
			}
		}
	}
	return best
}

// leastLoaded returns the member with the lowest reported workload; ties
// break by completed tasks then registration order
func leastLoaded(members []*MemberInfo) *MemberInfo {
	var best *MemberInfo
	for _, m := range members {
		if best == nil ||
			m.Profile.Workload < best.Profile.Workload ||
			(m.Profile.Workload == best.Profile.Workload && m.CompletedTasks < best.CompletedTasks) ||
			(m.Profile.Workload == best.Profile.Workload && m.CompletedTasks == best.CompletedTasks && m.RegistrationIndex < best.RegistrationIndex) {
			best = m
		}
	}
	return best
}

// capableMembers filters members to those holding at least one required
// capability; with no requirements every member is capable
func capableMembers(members []*MemberInfo, task *Task) []*MemberInfo {
	if len(task.RequiredCapabilities) == 0 {
		return members
	}
	var out []*MemberInfo
	for _, m := range members {
		for _, req := range task.RequiredCapabilities {
			if m.Profile.HasCapability(req) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Strategies returns the built-in strategies in declared (tie-break) order:
// hierarchical, flat, matrix, dynamic
func Strategies() []Strategy {
	return []Strategy{
		&hierarchicalStrategy{},
		&flatStrategy{},
		&matrixStrategy{},
		&dynamicStrategy{},
	}
}

// StrategyFor returns the built-in strategy implementing a formation
func StrategyFor(f Formation) Strategy {
	for _, s := range Strategies() {
		if s.Formation() == f {
			return s
		}
	}
	return &dynamicStrategy{}
}

// hierarchicalStrategy routes complex subtasks through the leader and
// distributes simple ones over the rest of the team. Favored for large
// teams working complex goals.
type hierarchicalStrategy struct{}

func (s *hierarchicalStrategy) Formation() Formation { return FormationHierarchical }

func (s *hierarchicalStrategy) Evaluate(ctx *StrategyContext) float64 {
	if ctx.Team == nil || len(ctx.Members) == 0 {
		return 0
	}
	score := 0.0
	if len(ctx.Members) > 5 {
		score += 0.5
	}
	if ctx.Goal != nil && RawComplexity(ctx.Goal) > 10 {
		score += 0.5
	}
	if score == 1.0 {
		return score
	}
	// Only strongly favored when both conditions hold.
	return score * 0.4
}

func (s *hierarchicalStrategy) Assign(ctx *StrategyContext, tasks []*Task) map[string][]*Task {
	plan := make(map[string][]*Task)
	leaderKey := ctx.Team.Leader.Key()
	var workers []*MemberInfo
	for _, m := range ctx.Members {
		if m.Profile.ID.Key() != leaderKey {
			workers = append(workers, m)
		}
	}

	i := 0
	for _, task := range tasks {
		complex := len(task.RequiredCapabilities) > 1 || len(task.Dependencies) > 0
		if complex || len(workers) == 0 {
			plan[leaderKey] = append(plan[leaderKey], task)
			continue
		}
		worker := workers[i%len(workers)]
		plan[worker.Profile.ID.Key()] = append(plan[worker.Profile.ID.Key()], task)
		i++
	}
	return plan
}

// flatStrategy assigns every task to the best-scoring peer. Favored for
// small teams on simple goals.
type flatStrategy struct{}

func (s *flatStrategy) Formation() Formation { return FormationFlat }

func (s *flatStrategy) Evaluate(ctx *StrategyContext) float64 {
	if ctx.Team == nil || len(ctx.Members) == 0 {
		return 0
	}
	score := 0.0
	if len(ctx.Members) <= 5 {
		score += 0.5
	}
	if ctx.Goal == nil || RawComplexity(ctx.Goal) <= 5 {
		score += 0.5
	}
	if score == 1.0 {
		return score
	}
	return score * 0.4
}

func (s *flatStrategy) Assign(ctx *StrategyContext, tasks []*Task) map[string][]*Task {
	plan := make(map[string][]*Task)
	for _, task := range tasks {
		if best := pickBestMember(ctx.Members, task); best != nil {
			key := best.Profile.ID.Key()
			plan[key] = append(plan[key], task)
		}
	}
	return plan
}

// matrixStrategy splits multi-capability work per capability, one
// collaborator slot per capability. Favored when the team spans many
// distinct capabilities.
type matrixStrategy struct{}

func (s *matrixStrategy) Formation() Formation { return FormationMatrix }

func (s *matrixStrategy) Evaluate(ctx *StrategyContext) float64 {
	if ctx.Team == nil || len(ctx.Members) == 0 {
		return 0
	}
	if ctx.UniqueCapabilities() > 3 {
		return 0.9
	}
	return 0.2
}

func (s *matrixStrategy) Assign(ctx *StrategyContext, tasks []*Task) map[string][]*Task {
	plan := make(map[string][]*Task)
	for _, task := range tasks {
		if len(task.RequiredCapabilities) <= 1 {
			if best := pickBestMember(ctx.Members, task); best != nil {
				key := best.Profile.ID.Key()
				plan[key] = append(plan[key], task)
			}
			continue
		}

		// One collaborator per required capability; the strongest holder of
		// each capability gets the task once.
		assigned := make(map[string]bool)
		caps := append([]string(nil), task.RequiredCapabilities...)
		sort.Strings(caps)
		for _, capability := range caps {
			var best *MemberInfo
			bestProf := -1.0
			for _, m := range ctx.Members {
				prof, ok := m.Profile.Capabilities[capability]
				if !ok {
					continue
				}
				if prof > bestProf || (prof == bestProf && best != nil && m.RegistrationIndex < best.RegistrationIndex) {
					best, bestProf = m, prof
				}
			}
			if best == nil {
				continue
			}
			key := best.Profile.ID.Key()
			if !assigned[key] {
				assigned[key] = true
				plan[key] = append(plan[key], task)
			}
		}
		if len(assigned) == 0 {
			if best := pickBestMember(ctx.Members, task); best != nil {
				key := best.Profile.ID.Key()
				plan[key] = append(plan[key], task)
			}
		}
	}
	return plan
}

// dynamicStrategy is the constant-baseline fallback: the least-loaded
// capable agent takes each task, falling back to the least-loaded agent
// overall when nobody holds the required capabilities.
type dynamicStrategy struct{}

func (s *dynamicStrategy) Formation() Formation { return FormationDynamic }

func (s *dynamicStrategy) Evaluate(ctx *StrategyContext) float64 {
	if ctx.Team == nil || len(ctx.Members) == 0 {
		return 0
	}
	return 0.5
}

func (s *dynamicStrategy) Assign(ctx *StrategyContext, tasks []*Task) map[string][]*Task {
	plan := make(map[string][]*Task)
	for _, task := range tasks {
		candidates := capableMembers(ctx.Members, task)
		if len(candidates) == 0 {
			candidates = ctx.Members
		}
		if m := leastLoaded(candidates); m != nil {
			key := m.Profile.ID.Key()
			plan[key] = append(plan[key], task)
		}
	}
	return plan
}

// SelectStrategy scores every strategy and returns the winner. Ties break in
// declared order. When every score is <= 0 the team's declared formation is
// used, defaulting to dynamic.
func SelectStrategy(ctx *StrategyContext) Strategy {
	strategies := Strategies()
	var best Strategy
	bestScore := 0.0
	for _, s := range strategies {
		score := s.Evaluate(ctx)
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	if best != nil {
		return best
	}
	if ctx.Team != nil && ctx.Team.Formation != "" {
		return StrategyFor(ctx.Team.Formation)
	}
	return StrategyFor(FormationDynamic)
}
