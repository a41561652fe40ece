// Package dispatch turns inbound Slack events into actions and runs them.
package dispatch

import (
	"printbot/internal/command"
	"printbot/internal/domain"
)

// ActionKind tags an Action.
type ActionKind string

const (
	ActionHelp     ActionKind = "help"
	ActionReformat ActionKind = "reformat"
	ActionGenerate ActionKind = "generate"
	ActionSeries   ActionKind = "series"
	ActionArchive  ActionKind = "archive"
)

// Action is one unit of work resolved from an event. Which fields are set
// depends on Kind:
//
//	help      none
//	reformat  File
//	generate  Mode, File (edit only)
//	series    Mode, Series, File (edit only)
//	archive   Destination
type Action struct {
	Kind        ActionKind
	Mode        domain.Mode
	File        *domain.FileRef
	Series      *command.SeriesPlan
	Destination string
}

// ActionPlan is the ordered work for one event. Rejection, when set, is the
// user input error to report instead of any generation.
type ActionPlan struct {
	Actions   []Action
	Rejection error
}

// Empty reports whether the plan neither acts nor rejects.
func (p ActionPlan) Empty() bool { return len(p.Actions) == 0 && p.Rejection == nil }

// Kinds lists the action kinds in order.
func (p ActionPlan) Kinds() []ActionKind {
	out := make([]ActionKind, len(p.Actions))
	for i, a := range p.Actions {
		out[i] = a.Kind
	}
	return out
}

// ResolveInput is everything Resolve looks at.
type ResolveInput struct {
	Type           domain.EventType
	Flags          command.FlagSet
	Files          []domain.FileRef
	Text           string // cleaned text
	ArchiveEnabled bool
	Destination    string // storage destination for the channel, if any
	FileShared     bool   // file_shared uploads take the file path without a mention
}

// Resolve maps an event to its action plan. It has no side effects.
func Resolve(in ResolveInput) ActionPlan {
	var plan ActionPlan

	if in.Flags.Has(command.FlagHelp) {
		plan.Actions = append(plan.Actions, Action{Kind: ActionHelp})
	}
	if in.Flags.Has(command.FlagArchive) && in.ArchiveEnabled && in.Destination != "" {
		plan.Actions = append(plan.Actions, Action{Kind: ActionArchive, Destination: in.Destination})
	}

	// only a mention addresses the bot; file_shared is opt-in and a plain
	// message never generates
	switch {
	case in.Type == domain.EventMention && len(in.Files) > 0:
		resolveFiles(&plan, in)
	case in.Type == domain.EventMention:
		resolvePrompt(&plan, in)
	case in.Type == domain.EventFileShared && in.FileShared && len(in.Files) > 0:
		resolveFiles(&plan, in)
	}
	return plan
}

func resolveFiles(plan *ActionPlan, in ResolveInput) {
	switch {
	case in.Flags.Has(command.FlagReformat):
		for i := range in.Files {
			plan.Actions = append(plan.Actions, Action{Kind: ActionReformat, File: &in.Files[i]})
		}
	case in.Flags.Has(command.FlagSeries):
		if len(in.Files) > 1 {
			plan.Rejection = domain.ErrSeries
			return
		}
		series, err := command.ParseSeries(in.Text)
		if err != nil {
			plan.Rejection = domain.ErrSeries
			return
		}
		plan.Actions = append(plan.Actions, Action{
			Kind:   ActionSeries,
			Mode:   domain.ModeEdit,
			File:   &in.Files[0],
			Series: &series,
		})
	default:
		for i := range in.Files {
			plan.Actions = append(plan.Actions, Action{Kind: ActionGenerate, Mode: domain.ModeEdit, File: &in.Files[i]})
		}
	}
}

func resolvePrompt(plan *ActionPlan, in ResolveInput) {
	if !in.Flags.Has(command.FlagInject) {
		if archiveOnly(*plan, in.Flags) {
			return
		}
		plan.Rejection = domain.ErrPrompt
		return
	}
	if in.Flags.Has(command.FlagSeries) {
		series, err := command.ParseSeries(in.Text)
		if err != nil {
			plan.Rejection = domain.ErrSeries
			return
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionSeries, Mode: domain.ModeCreate, Series: &series})
		return
	}
	plan.Actions = append(plan.Actions, Action{Kind: ActionGenerate, Mode: domain.ModeCreate})
}

// archiveOnly reports whether the event asked for nothing but an archive run.
func archiveOnly(plan ActionPlan, flags command.FlagSet) bool {
	if flags.Has(command.FlagSeries) || flags.Has(command.FlagReformat) {
		return false
	}
	for _, a := range plan.Actions {
		if a.Kind == ActionArchive {
			return true
		}
	}
	return false
}
