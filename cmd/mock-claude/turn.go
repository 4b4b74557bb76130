package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/journal"
)

const defaultModel = "claude-sonnet-4-20250514"

// session holds the state of one mock conversation: where its journal lives
// and the counters that keep message and tool ids unique.
type session struct {
	id        string
	cwd       string
	gitBranch string
	model     string
	layout    *journal.Layout
	projectID string

	turns    int
	messages int
	tools    int
}

func newSession(opts cliOpts) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	root, err := resolveJournalRoot()
	if err != nil {
		return nil, err
	}

	s := &session{
		id:        opts.sessionID,
		cwd:       cwd,
		gitBranch: "main",
		model:     defaultModel,
		layout:    journal.NewLayout(root),
		projectID: projectDirName(cwd),
	}
	if m := os.Getenv("MOCK_CLAUDE_MODEL"); m != "" {
		s.model = m
	}
	if !opts.resume {
		s.appendLine(s.id, journalLine{Type: "system", Subtype: "init", IsMeta: true})
	}
	return s, nil
}

// resolveJournalRoot mirrors the server's journal.root configuration so the
// mock writes where the watcher is looking.
func resolveJournalRoot() (string, error) {
	if root := os.Getenv("AGENTDECK_JOURNAL_ROOT"); root != "" {
		return root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// projectDirName derives the journal directory for a working directory the
// way the real CLI does: every byte outside [A-Za-z0-9] becomes a dash.
func projectDirName(cwd string) string {
	var b strings.Builder
	for _, r := range cwd {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// appendLine writes one event to a session journal, stamping the ambient
// fields every real CLI line carries.
func (s *session) appendLine(sessionID string, line journalLine) {
	if line.CWD == "" {
		line.CWD = s.cwd
	}
	if line.GitBranch == "" {
		line.GitBranch = s.gitBranch
	}
	if line.Timestamp == "" {
		line.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-claude: failed to marshal journal line: %v\n", err)
		return
	}
	if err := journal.AppendLine(s.layout.SessionPath(s.projectID, sessionID), data); err != nil {
		fmt.Fprintf(os.Stderr, "mock-claude: %v\n", err)
	}
}

func (s *session) nextMessageID() string {
	s.messages++
	return fmt.Sprintf("msg_mock_%04d", s.messages)
}

func (s *session) nextToolID() string {
	s.tools++
	return fmt.Sprintf("toolu_mock_%04d", s.tools)
}

// turnUsage grows with the conversation, the way a real context window does.
func (s *session) turnUsage() *usage {
	return &usage{
		InputTokens:              int64(900 + 450*s.turns),
		OutputTokens:             int64(120 + rand.Intn(200)),
		CacheReadInputTokens:     int64(4000 * s.turns),
		CacheCreationInputTokens: 300,
		CacheCreation:            &cacheCreation{Ephemeral5m: 200, Ephemeral1h: 100},
	}
}

func pause() {
	time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
}

func (s *session) emitInit(enc *json.Encoder) {
	_ = enc.Encode(initMsg{Type: "system", Subtype: "init", SessionID: s.id, Model: s.model})
}

func (s *session) emitResult(enc *json.Encoder, isError bool, text string) {
	result, _ := json.Marshal(text)
	_ = enc.Encode(resultMsg{Type: "result", Result: result, IsError: isError})
}

// handleTurn runs one assistant turn for a user prompt: journal the prompt,
// play the scenario it names, close with a result message.
func (s *session) handleTurn(enc *json.Encoder, scanner *bufio.Scanner, body *incomingUserBody) {
	s.turns++
	prompt := promptText(body)
	s.appendLine(s.id, journalLine{
		Type:    "user",
		Message: &messageDoc{Role: "user", Content: prompt},
	})

	customResult := false
	switch {
	case strings.EqualFold(prompt, "/error"):
		s.playError(enc)
		customResult = true
	case strings.EqualFold(prompt, "/thinking"):
		s.playThinking(enc)
	case strings.HasPrefix(prompt, "/title "):
		s.playTitle(enc, strings.TrimSpace(strings.TrimPrefix(prompt, "/title ")))
	case prompt == "/tool" || strings.HasPrefix(prompt, "/tool "):
		s.playTool(enc, scanner, strings.TrimSpace(strings.TrimPrefix(prompt, "/tool")))
	case prompt == "/ask" || strings.HasPrefix(prompt, "/ask "):
		s.playAsk(enc, scanner, strings.TrimSpace(strings.TrimPrefix(prompt, "/ask")))
	case strings.HasPrefix(prompt, "/subagent"):
		s.playSubagent(enc, prompt)
	case prompt == "/slow" || strings.HasPrefix(prompt, "/slow "):
		s.playSlow(enc, prompt)
	default:
		s.playDefault(enc, prompt)
	}

	if !customResult {
		s.emitResult(enc, false, "done")
	}
}

// promptText flattens the user content blocks into the prompt string that is
// journaled and routed.
func promptText(body *incomingUserBody) string {
	var parts []string
	for _, b := range body.Content {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "image":
			parts = append(parts, "[image]")
		case "document":
			parts = append(parts, "[document: "+b.Title+"]")
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// --- Emitters ---
//
// Each emitter writes the stream event to stdout and its twin to the journal.

// say emits one assistant text message.
func (s *session) say(enc *json.Encoder, text string) {
	pause()
	doc := messageDoc{
		ID:      s.nextMessageID(),
		Role:    "assistant",
		Model:   s.model,
		Content: []block{{Type: "text", Text: text}},
		Usage:   s.turnUsage(),
	}
	_ = enc.Encode(assistantMsg{Type: "assistant", Message: doc})
	s.appendLine(s.id, journalLine{Type: "assistant", Message: &doc})
}

// sayStreamed journals a message as multiple lines sharing one message id,
// the way the CLI streams long responses chunk by chunk.
func (s *session) sayStreamed(enc *json.Encoder, parts ...string) {
	id := s.nextMessageID()
	u := s.turnUsage()
	for _, part := range parts {
		pause()
		doc := messageDoc{
			ID:      id,
			Role:    "assistant",
			Model:   s.model,
			Content: []block{{Type: "text", Text: part}},
			Usage:   u,
		}
		_ = enc.Encode(assistantMsg{Type: "assistant", Message: doc})
		s.appendLine(s.id, journalLine{Type: "assistant", Message: &doc})
	}
}

// think emits a thinking block.
func (s *session) think(enc *json.Encoder, thought string) {
	pause()
	doc := messageDoc{
		ID:      s.nextMessageID(),
		Role:    "assistant",
		Model:   s.model,
		Content: []block{{Type: "thinking", Thinking: thought}},
		Usage:   s.turnUsage(),
	}
	_ = enc.Encode(assistantMsg{Type: "assistant", Message: doc})
	s.appendLine(s.id, journalLine{Type: "assistant", Message: &doc})
}

// toolUse emits a tool_use block and returns its id.
func (s *session) toolUse(enc *json.Encoder, name string, input map[string]any) string {
	pause()
	toolID := s.nextToolID()
	doc := messageDoc{
		ID:      s.nextMessageID(),
		Role:    "assistant",
		Model:   s.model,
		Content: []block{{Type: "tool_use", ID: toolID, Name: name, Input: input}},
		Usage:   s.turnUsage(),
	}
	_ = enc.Encode(assistantMsg{Type: "assistant", Message: doc})
	s.appendLine(s.id, journalLine{Type: "assistant", Message: &doc})
	return toolID
}

// toolResult emits the user-role result line answering a tool_use.
func (s *session) toolResult(enc *json.Encoder, toolID string, content string) {
	pause()
	doc := messageDoc{
		Role:    "user",
		Content: []block{{Type: "tool_result", ToolUseID: toolID, Content: content}},
	}
	_ = enc.Encode(userMsg{Type: "user", Message: doc})
	s.appendLine(s.id, journalLine{Type: "user", Message: &doc})
}

// --- Scenarios ---

func (s *session) playDefault(enc *json.Encoder, prompt string) {
	s.think(enc, "Considering the request and what it touches...")
	s.sayStreamed(enc,
		"Looking into \""+prompt+"\" now.",
		"Everything checks out; no further changes needed.")
}

func (s *session) playError(enc *json.Encoder) {
	s.say(enc, "Hitting a simulated failure...")
	s.emitResult(enc, true, "mock error: the request could not be completed")
}

func (s *session) playThinking(enc *json.Encoder) {
	for _, thought := range []string{
		"Breaking the problem down into smaller steps...",
		"The tricky part is the concurrent access pattern.",
		"A channel-based hand-off keeps the ownership clear.",
	} {
		s.think(enc, thought)
	}
	s.say(enc, "After thinking it through: the channel-based approach is the safest.")
}

func (s *session) playTitle(enc *json.Encoder, title string) {
	s.appendLine(s.id, journalLine{Type: "custom-title", CustomTitle: title})
	s.say(enc, "Renamed this conversation to \""+title+"\".")
}

// playTool runs the permission flow: tool_use, can_use_tool rendez-vous,
// then result or refusal depending on the decision.
func (s *session) playTool(enc *json.Encoder, scanner *bufio.Scanner, name string) {
	if name == "" {
		name = "Bash"
	}
	input := map[string]any{
		"command":     "go test ./...",
		"description": "Run the test suite",
	}
	toolID := s.toolUse(enc, name, input)

	if requestPermission(enc, scanner, name, toolID, input) {
		s.toolResult(enc, toolID, "ok  \tgithub.com/example/project\t0.031s\nPASS")
		s.say(enc, "The "+name+" call succeeded.")
	} else {
		s.toolResult(enc, toolID, "Permission denied by user")
		s.say(enc, "Skipping the "+name+" call; permission was denied.")
	}
}

// playAsk raises an AskUserQuestion control request, which the supervisor
// surfaces as a question rather than a tool approval.
func (s *session) playAsk(enc *json.Encoder, scanner *bufio.Scanner, question string) {
	if question == "" {
		question = "Which database should the new service use?"
	}
	input := map[string]any{
		"question": question,
		"options":  []string{"sqlite", "postgres"},
	}
	toolID := s.nextToolID()
	if requestPermission(enc, scanner, "AskUserQuestion", toolID, input) {
		s.say(enc, "Thanks, proceeding with your answer.")
	} else {
		s.say(enc, "No answer received; going with the default.")
	}
}

// playSubagent spawns a sidechain session file in the same project and links
// it to the Task tool_use through the toolUseID on its lines.
func (s *session) playSubagent(enc *json.Encoder, prompt string) {
	taskPrompt := "Survey the repository and report its layout"
	if rest := strings.TrimSpace(strings.TrimPrefix(prompt, "/subagent")); rest != "" {
		taskPrompt = rest
	}

	s.say(enc, "Delegating this to a subagent.")
	taskID := s.toolUse(enc, "Task", map[string]any{
		"description": "Explore codebase",
		"prompt":      taskPrompt,
	})

	subID := uuid.New().String()
	s.appendLine(subID, journalLine{
		Type:        "user",
		IsSidechain: true,
		ToolUseID:   taskID,
		Message:     &messageDoc{Role: "user", Content: taskPrompt},
	})
	subDoc := messageDoc{
		ID:      s.nextMessageID(),
		Role:    "assistant",
		Model:   s.model,
		Content: []block{{Type: "text", Text: "Survey complete: cmd/, internal/, pkg/ at the top level."}},
		Usage:   s.turnUsage(),
	}
	s.appendLine(subID, journalLine{Type: "assistant", IsSidechain: true, ToolUseID: taskID, Message: &subDoc})

	s.toolResult(enc, taskID, "Subagent finished: repository layout surveyed.")
	s.say(enc, "The subagent reported back; the layout is conventional.")
}

// playSlow stretches one turn over a configurable duration, for exercising
// activity timeouts. "/slow 2m" sleeps two minutes across five steps.
func (s *session) playSlow(enc *json.Encoder, prompt string) {
	total := 5 * time.Second
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if d, err := time.ParseDuration(parts[1]); err == nil && d > 0 {
			total = d
		}
	}
	const steps = 5
	step := total / steps

	s.think(enc, "This one needs a long look...")
	time.Sleep(step)
	for i := 1; i < steps; i++ {
		s.say(enc, fmt.Sprintf("Still working (%d/%d)...", i, steps-1))
		time.Sleep(step)
	}
}
