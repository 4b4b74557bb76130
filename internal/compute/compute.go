// Package compute derives the display metadata of journal lines: display
// level and kind, grouping, token usage and cost, git attribution, and the
// tool-use/result and subagent link facts.
//
// The derivation is a pure function over (line, tracker state). Batch
// recompute walks a whole session with a clean-slate tracker; live ingest
// runs the same code with a tracker seeded from the store, so the two modes
// cannot drift apart.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/common/stringutil"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// CurrentVersion identifies the derivation rules in this build. Sessions
// stamped with an older version are revisited by the recompute worker at
// startup.
const CurrentVersion = 1

// promptKeyLen bounds the prompt strings used as subagent matching keys.
// Both sides of the match are cut to the same length, so multi-kilobyte
// prompts never land in the link table.
const promptKeyLen = 512

// Derivation is everything compute derives from one journal line.
type Derivation struct {
	DisplayLevel wire.DisplayLevel
	Kind         wire.ItemKind
	GroupHead    *int64
	GroupTail    *int64
	MessageID    *string
	Cost         *decimal.Decimal
	ContextUsage *int64
	GitDirectory *string
	GitBranch    *string

	// AmendedTails lists earlier lines whose group_tail this line rewrote.
	AmendedTails []TailAmendment
	// ToolUses are the tool_use blocks on this line, in block order.
	ToolUses []ToolUse
	// ResultFills pair tool_result blocks with resolved tool_use ids.
	ResultFills []ResultFill
	// TaskPrompts are Task tool_use blocks that spawn subagents.
	TaskPrompts []TaskPrompt

	// JSONLGitBranch is the line's own gitBranch field, when present.
	JSONLGitBranch *string
	// CWD is the line's working directory, used to create project rows.
	CWD string
	// IsSidechain marks lines of subagent journals.
	IsSidechain bool
	// SidechainToolUse is the line's own toolUseID field, linking a subagent
	// journal back to the Task tool_use that spawned it.
	SidechainToolUse string
	// PromptText is the plain text of a user message, the fallback key for
	// matching a subagent to its Task prompt.
	PromptText string
	// CustomTitle is non-empty on custom-title lines.
	CustomTitle string
}

// ToolUse is one tool_use block observed on a line.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ResultFill records that this line carries the tool_result for an earlier
// tool_use.
type ResultFill struct {
	ToolUseID string
}

// TaskPrompt is a Task tool_use that spawned (or will spawn) a subagent.
type TaskPrompt struct {
	ToolUseID string
	Prompt    string
}

// Engine derives item metadata. One engine is shared across the process;
// each batch or ingest run gets its own Run with a fresh tracker and git
// cache.
type Engine struct {
	prices PriceSource
	logger *logger.Logger
}

// NewEngine creates a compute engine over the given price source.
func NewEngine(prices PriceSource, log *logger.Logger) *Engine {
	return &Engine{
		prices: prices,
		logger: log.WithFields(zap.String("component", "compute")),
	}
}

// Run is one derivation pass over a session's lines, in line-num order.
type Run struct {
	engine   *Engine
	tracker  *Tracker
	resolver *GitResolver
}

// NewRun starts a derivation pass. Batch recompute passes EmptySeed;
// live ingest passes a store seed for the session.
func (e *Engine) NewRun(seed Seed) *Run {
	return &Run{
		engine:   e,
		tracker:  NewTracker(seed),
		resolver: NewGitResolver(),
	}
}

// Derive computes the metadata for one line. Lines must be presented in
// line-num order within a run. A malformed line yields a debug-only item
// with no derivations and a nil error; only seed (store) failures abort.
func (r *Run) Derive(ctx context.Context, lineNum int64, raw []byte, observedAt time.Time) (*Derivation, error) {
	d := &Derivation{
		DisplayLevel: wire.DisplayDebugOnly,
		Kind:         wire.KindUnknown,
	}

	var line rawLine
	if err := json.Unmarshal(raw, &line); err != nil {
		r.engine.logger.Debug("malformed journal line",
			zap.Int64("line_num", lineNum),
			zap.Error(err))
		return d, nil
	}

	blocks := line.Message.blocks()
	d.DisplayLevel, d.Kind = classify(&line, blocks)
	d.IsSidechain = line.IsSidechain
	d.SidechainToolUse = line.ToolUseID
	d.CWD = line.CWD
	d.CustomTitle = line.CustomTitle
	if d.Kind == wire.KindUserMessage {
		d.PromptText = stringutil.Clip(textContent(blocks), promptKeyLen)
	}
	if line.GitBranch != "" {
		branch := line.GitBranch
		d.JSONLGitBranch = &branch
	}
	if line.Message != nil && line.Message.ID != "" {
		id := line.Message.ID
		d.MessageID = &id
	}

	outcome, err := applyGrouping(ctx, r.tracker, lineNum, d.DisplayLevel, d.Kind, d.MessageID)
	if err != nil {
		return nil, err
	}
	d.GroupHead = outcome.head
	d.GroupTail = outcome.tail
	d.AmendedTails = outcome.amended

	if err := r.deriveUsage(ctx, d, &line, observedAt); err != nil {
		return nil, err
	}

	if err := r.deriveBlocks(ctx, d, lineNum, blocks); err != nil {
		return nil, err
	}

	return d, nil
}

// deriveUsage fills context usage, and cost on the first occurrence of the
// line's message id. Later occurrences of the same id are the other content
// blocks of one API response and must not be billed again.
func (r *Run) deriveUsage(ctx context.Context, d *Derivation, line *rawLine, observedAt time.Time) error {
	var seen bool
	if d.MessageID != nil {
		var err error
		seen, err = r.tracker.messageIDSeen(ctx, *d.MessageID)
		if err != nil {
			return err
		}
		r.tracker.markMessageID(*d.MessageID)
	}

	if line.Type != "assistant" || line.Message == nil || line.Message.Usage == nil {
		return nil
	}

	usage := contextUsage(line.Message.Usage)
	d.ContextUsage = &usage

	if d.MessageID == nil || seen {
		return nil
	}

	modelID := ModelID(line.Message.Model)
	if modelID == "" {
		return nil
	}
	price, err := r.engine.prices.LookupModelPrice(ctx, modelID, line.date(observedAt))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	cost := costForUsage(line.Message.Usage, price)
	d.Cost = &cost
	return nil
}

// deriveBlocks walks the content blocks for link facts and git paths.
func (r *Run) deriveBlocks(ctx context.Context, d *Derivation, lineNum int64, blocks []contentBlock) error {
	var infos []*GitInfo
	for _, block := range blocks {
		switch block.Type {
		case "tool_use":
			if block.ID == "" {
				continue
			}
			d.ToolUses = append(d.ToolUses, ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
			r.tracker.markToolUse(block.ID, lineNum)
			if block.Name == "Task" {
				d.TaskPrompts = append(d.TaskPrompts, TaskPrompt{
					ToolUseID: block.ID,
					Prompt:    taskPrompt(block.Input),
				})
			}
			if path := toolPath(block.Name, block.Input); path != "" {
				if info := r.resolver.Resolve(path); info != nil {
					infos = append(infos, info)
				}
			}
		case "tool_result":
			if block.ToolUseID == "" {
				continue
			}
			_, ok, err := r.tracker.toolUseLine(ctx, block.ToolUseID)
			if err != nil {
				return err
			}
			if ok {
				d.ResultFills = append(d.ResultFills, ResultFill{ToolUseID: block.ToolUseID})
			}
		}
	}

	if best := mostCommonRoot(infos); best != nil {
		dir := best.Dir
		d.GitDirectory = &dir
		if best.Branch != "" {
			branch := best.Branch
			d.GitBranch = &branch
		}
	}
	return nil
}

// toolPath extracts the filesystem path argument of the tools that take
// one: file_path for Read/Edit/Write, path for Grep/Glob.
func toolPath(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	switch name {
	case "Read", "Edit", "Write":
		return args.FilePath
	case "Grep", "Glob":
		return args.Path
	}
	return ""
}

func taskPrompt(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	return stringutil.Clip(args.Prompt, promptKeyLen)
}

// Aggregates folds per-line derivations into the session-level rollups.
// Live mode starts from the persisted session row; batch mode from zero.
type Aggregates struct {
	MessageCount   int64
	TotalCost      *decimal.Decimal
	ContextUsage   *int64
	JSONLGitBranch *string
	GitDirectory   *string
	GitBranch      *string
}

// Observe folds one line's final metadata into the rollups. Callers that
// preserve stored git fields must override the derivation before observing.
func (a *Aggregates) Observe(d *Derivation) {
	if d.Kind == wire.KindUserMessage || d.Kind == wire.KindAssistantMessage {
		a.MessageCount++
	}
	if d.Cost != nil {
		total := decimal.Zero
		if a.TotalCost != nil {
			total = *a.TotalCost
		}
		total = total.Add(*d.Cost)
		a.TotalCost = &total
	}
	if d.ContextUsage != nil {
		usage := *d.ContextUsage
		a.ContextUsage = &usage
	}
	if d.JSONLGitBranch != nil {
		branch := *d.JSONLGitBranch
		a.JSONLGitBranch = &branch
	}
	if d.GitDirectory != nil {
		dir := *d.GitDirectory
		a.GitDirectory = &dir
	}
	if d.GitBranch != nil {
		branch := *d.GitBranch
		a.GitBranch = &branch
	}
}

// ToStore converts the rollups to the store's aggregate row.
func (a *Aggregates) ToStore() store.SessionAggregates {
	return store.SessionAggregates{
		MessageCount:   a.MessageCount,
		TotalCost:      a.TotalCost,
		ContextUsage:   a.ContextUsage,
		JSONLGitBranch: a.JSONLGitBranch,
		GitDirectory:   a.GitDirectory,
		GitBranch:      a.GitBranch,
	}
}
