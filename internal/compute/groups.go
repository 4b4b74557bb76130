package compute

import (
	"context"

	"github.com/agentdeck/agentdeck/pkg/wire"
)

// TailAmendment rewrites the group_tail of an earlier line as a side-effect
// of a new line joining its group.
type TailAmendment struct {
	LineNum int64
	Tail    int64
}

// groupOutcome is the grouping result for one line: its own head/tail plus
// the earlier lines whose tails it rewrote.
type groupOutcome struct {
	head    *int64
	tail    *int64
	amended []TailAmendment
}

// applyGrouping advances the grouping state machine by one line.
//
// Collapsible lines join the open group or start one. An always assistant
// message that shares its message id with a member of the open group is the
// trailing text of that same API turn: it attaches, takes the group tail
// and closes the group. Any other assistant message opens a pseudo-group
// ahead of the tool calls it is about to make (head set, tail unset until
// a collapsible joins). User messages never group and end any open run.
// Debug-only lines are invisible to grouping.
func applyGrouping(ctx context.Context, tracker *Tracker, lineNum int64, level wire.DisplayLevel, kind wire.ItemKind, messageID *string) (groupOutcome, error) {
	if level == wire.DisplayDebugOnly {
		return groupOutcome{}, nil
	}

	group, err := tracker.openGroup(ctx)
	if err != nil {
		return groupOutcome{}, err
	}

	switch level {
	case wire.DisplayCollapsible:
		if group != nil {
			return joinGroup(tracker, group, lineNum, messageID), nil
		}
		head, tail := lineNum, lineNum
		tracker.setGroup(&OpenGroup{
			Head:    lineNum,
			Members: []Member{{LineNum: lineNum, MessageID: messageID}},
		})
		return groupOutcome{head: &head, tail: &tail}, nil

	case wire.DisplayAlways:
		if kind == wire.KindAssistantMessage {
			if group != nil && messageID != nil && groupSharesMessageID(group, *messageID) {
				return attachToGroup(tracker, group, lineNum), nil
			}
			head := lineNum
			tracker.setGroup(&OpenGroup{
				Head:    lineNum,
				Members: []Member{{LineNum: lineNum, MessageID: messageID}},
			})
			return groupOutcome{head: &head}, nil
		}
		tracker.setGroup(nil)
		return groupOutcome{}, nil
	}

	return groupOutcome{}, nil
}

// joinGroup appends a collapsible line to the open group. Every existing
// member's tail moves to the new line; the group stays open.
func joinGroup(tracker *Tracker, group *OpenGroup, lineNum int64, messageID *string) groupOutcome {
	head, tail := group.Head, lineNum
	outcome := groupOutcome{head: &head, tail: &tail}
	for _, m := range group.Members {
		outcome.amended = append(outcome.amended, TailAmendment{LineNum: m.LineNum, Tail: lineNum})
	}
	group.Members = append(group.Members, Member{LineNum: lineNum, MessageID: messageID})
	tracker.setGroup(group)
	return outcome
}

// attachToGroup makes an always line the closing tail of the open group.
func attachToGroup(tracker *Tracker, group *OpenGroup, lineNum int64) groupOutcome {
	head, tail := group.Head, lineNum
	outcome := groupOutcome{head: &head, tail: &tail}
	for _, m := range group.Members {
		outcome.amended = append(outcome.amended, TailAmendment{LineNum: m.LineNum, Tail: lineNum})
	}
	tracker.setGroup(nil)
	return outcome
}

func groupSharesMessageID(group *OpenGroup, messageID string) bool {
	for _, m := range group.Members {
		if m.MessageID != nil && *m.MessageID == messageID {
			return true
		}
	}
	return false
}
