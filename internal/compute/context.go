package compute

import (
	"context"
	"errors"

	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Seed supplies the session state accumulated before the current run.
// Batch recompute starts from a clean slate; live ingest seeds lazily from
// the store. Everything discovered during the run itself is tracked in
// memory by the Tracker, so both modes derive identical metadata.
type Seed interface {
	// OpenGroup returns the group the next line may still join, or nil.
	OpenGroup(ctx context.Context) (*OpenGroup, error)
	// MessageIDSeen reports whether an earlier item carries the message id.
	MessageIDSeen(ctx context.Context, messageID string) (bool, error)
	// ToolUseLine returns the earlier line carrying the tool_use id.
	ToolUseLine(ctx context.Context, toolUseID string) (int64, bool, error)
}

// OpenGroup is a collapsible run that has not been closed yet.
type OpenGroup struct {
	Head    int64
	Members []Member
}

// Member is one line already in a group.
type Member struct {
	LineNum   int64
	MessageID *string
}

type emptySeed struct{}

func (emptySeed) OpenGroup(context.Context) (*OpenGroup, error)            { return nil, nil }
func (emptySeed) MessageIDSeen(context.Context, string) (bool, error)      { return false, nil }
func (emptySeed) ToolUseLine(context.Context, string) (int64, bool, error) { return 0, false, nil }

// EmptySeed returns the clean-slate seed used by batch recompute.
func EmptySeed() Seed { return emptySeed{} }

// StoreReader is the read slice of the store the live-mode seed queries.
type StoreReader interface {
	LastVisibleItem(ctx context.Context, sessionID string) (*store.GroupMember, error)
	GroupMembers(ctx context.Context, sessionID string, head int64) ([]*store.GroupMember, error)
	MessageIDSeen(ctx context.Context, sessionID, messageID string) (bool, error)
	ToolUseLine(ctx context.Context, sessionID, toolUseID string) (int64, bool, error)
}

type storeSeed struct {
	reader    StoreReader
	sessionID string
}

// NewStoreSeed returns a Seed backed by a session's persisted items. The
// ingester hands one to each live run so new lines continue groups and
// dedup sets exactly where the previous run left them.
func NewStoreSeed(reader StoreReader, sessionID string) Seed {
	return &storeSeed{reader: reader, sessionID: sessionID}
}

// OpenGroup infers the open group from the session's last visible item:
// a trailing collapsible means its group is still open; a trailing
// assistant message heading its own group with no tail is an open
// pseudo-group; anything else closed whatever came before it.
func (s *storeSeed) OpenGroup(ctx context.Context) (*OpenGroup, error) {
	last, err := s.reader.LastVisibleItem(ctx, s.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var head int64
	switch {
	case last.DisplayLevel == wire.DisplayCollapsible && last.GroupHead != nil:
		head = *last.GroupHead
	case last.DisplayLevel == wire.DisplayAlways && last.GroupHead != nil &&
		*last.GroupHead == last.LineNum && last.GroupTail == nil:
		head = last.LineNum
	default:
		return nil, nil
	}

	members, err := s.reader.GroupMembers(ctx, s.sessionID, head)
	if err != nil {
		return nil, err
	}
	group := &OpenGroup{Head: head}
	for _, m := range members {
		group.Members = append(group.Members, Member{LineNum: m.LineNum, MessageID: m.MessageID})
	}
	return group, nil
}

func (s *storeSeed) MessageIDSeen(ctx context.Context, messageID string) (bool, error) {
	return s.reader.MessageIDSeen(ctx, s.sessionID, messageID)
}

func (s *storeSeed) ToolUseLine(ctx context.Context, toolUseID string) (int64, bool, error) {
	return s.reader.ToolUseLine(ctx, s.sessionID, toolUseID)
}

// Tracker threads per-session state through one derivation run: the open
// group, the message ids already observed and the tool_use lines seen.
// State discovered during the run shadows the seed, so a run over several
// new lines never re-reads what it just derived.
type Tracker struct {
	seed Seed

	group       *OpenGroup
	groupLoaded bool

	seenMessageIDs map[string]struct{}
	toolUseLines   map[string]int64
}

// NewTracker returns a tracker over the given seed.
func NewTracker(seed Seed) *Tracker {
	return &Tracker{
		seed:           seed,
		seenMessageIDs: make(map[string]struct{}),
		toolUseLines:   make(map[string]int64),
	}
}

func (t *Tracker) openGroup(ctx context.Context) (*OpenGroup, error) {
	if !t.groupLoaded {
		group, err := t.seed.OpenGroup(ctx)
		if err != nil {
			return nil, err
		}
		t.group = group
		t.groupLoaded = true
	}
	return t.group, nil
}

func (t *Tracker) setGroup(group *OpenGroup) {
	t.group = group
	t.groupLoaded = true
}

func (t *Tracker) messageIDSeen(ctx context.Context, messageID string) (bool, error) {
	if _, ok := t.seenMessageIDs[messageID]; ok {
		return true, nil
	}
	return t.seed.MessageIDSeen(ctx, messageID)
}

func (t *Tracker) markMessageID(messageID string) {
	t.seenMessageIDs[messageID] = struct{}{}
}

func (t *Tracker) toolUseLine(ctx context.Context, toolUseID string) (int64, bool, error) {
	if line, ok := t.toolUseLines[toolUseID]; ok {
		return line, true, nil
	}
	return t.seed.ToolUseLine(ctx, toolUseID)
}

func (t *Tracker) markToolUse(toolUseID string, lineNum int64) {
	t.toolUseLines[toolUseID] = lineNum
}
