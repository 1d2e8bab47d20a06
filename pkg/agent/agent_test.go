package agent

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/conversation"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/llm"
	"github.com/jllopis/codeagent/pkg/permission"
	"github.com/jllopis/codeagent/pkg/resilience"
	agenttest "github.com/jllopis/codeagent/pkg/testing"
	"github.com/jllopis/codeagent/pkg/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type session struct {
	root     string
	main     *Main
	provider *agenttest.ScenarioProvider
	approver *agenttest.RecordingApprover
	perms    *permission.Manager
	events   *agenttest.Collector[Event]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.Retry = resilience.DefaultRetryConfig().
		WithMaxAttempts(2).
		WithInitialDelay(time.Millisecond).
		WithMaxDelay(2 * time.Millisecond)
	cfg.ModelTimeout = 5 * time.Second
	return cfg
}

func newSession(t *testing.T, cfg Config, opts ...Option) *session {
	t.Helper()
	root := t.TempDir()
	fs, err := workspace.NewLocal(root)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &session{
		root:     fs.Root(),
		provider: agenttest.NewScenarioProvider(),
		approver: agenttest.NewRecordingApprover(),
		perms:    permission.NewManager(context.Background(), permission.WithLogger(quiet)),
		events:   agenttest.NewCollector[Event](),
	}
	opts = append([]Option{
		WithLogger(quiet),
		WithObserver(ObserverFunc(func(_ context.Context, ev Event) { s.events.Collect(ev) })),
	}, opts...)
	s.main, err = New(Deps{
		Provider:    s.provider,
		Workspace:   fs,
		Permissions: s.perms,
		Approver:    s.approver,
	}, cfg, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func (s *session) write(t *testing.T, rel, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(s.root, rel), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (s *session) request(t *testing.T, i int) *llm.ChatRequest {
	t.Helper()
	reqs := s.provider.Requests()
	if i >= len(reqs) {
		t.Fatalf("only %d requests captured, wanted #%d", len(reqs), i)
	}
	return &reqs[i]
}

func roles(turns []conversation.Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = string(t.Role)
	}
	return strings.Join(parts, ",")
}

func TestReadWithSessionApproval(t *testing.T) {
	s := newSession(t, testConfig())
	s.write(t, "config.yaml", "port: 80\n")
	s.approver.Fallback = agenttest.Allow(permission.ScopeSession)

	s.provider.
		AddAction(action.ReadFile{Path: "config.yaml"}).
		AddAction(action.RespondToUser{Message: "The port is 80."}).
		AddAction(action.ReadFile{Path: "config.yaml"}).
		AddAction(action.RespondToUser{Message: "Still 80."})

	first := agenttest.NewScenario("first read").
		WithInput("What port does config.yaml use?").
		ExpectNoError().
		ExpectOutput(agenttest.Equals("The port is 80.")).
		ExpectPrompts(s.approver, 1).
		ExpectModelCalls(s.provider, 2)
	first.Run(t, s.main).Assert(t, first)

	turns := s.main.Turns()
	if got := roles(turns); got != "user,agent,tool,agent" {
		t.Fatalf("unexpected turns %s", got)
	}
	if !strings.HasPrefix(turns[2].Content, "[read_file config.yaml]") || !strings.Contains(turns[2].Content, "port: 80") {
		t.Fatalf("unexpected tool turn %q", turns[2].Content)
	}

	a := agenttest.NewAssertions(t)
	a.AssertRequest(s.request(t, 1)).
		HasModel("test-model").
		HasJSONFormat().
		HasMessage(llm.RoleUser, "port: 80").
		HasMessage(llm.RoleAssistant, `"read_file"`)

	second := agenttest.NewScenario("second read").
		WithInput("Check again").
		ExpectOutput(agenttest.Equals("Still 80.")).
		ExpectPrompts(s.approver, 1)
	second.Run(t, s.main).Assert(t, second)

	if got := s.perms.Check("config.yaml", permission.OpRead); got != permission.Allow {
		t.Fatalf("session grant not recorded: %s", got)
	}
}

func TestDelegationAddsOneToolTurn(t *testing.T) {
	s := newSession(t, testConfig(), WithProjectContext("Use table driven tests."))
	s.provider.
		AddAction(action.InvokeAgent{Task: "write unit tests for module X"}).
		AddAction(action.RespondToMaster{Result: "Added 3 tests to x_test.go."}).
		AddAction(action.RespondToUser{Message: "Tests added."})

	reply, err := s.main.Chat(context.Background(), "please add tests for X")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "Tests added." {
		t.Fatalf("unexpected reply %q", reply)
	}

	turns := s.main.Turns()
	if got := roles(turns); got != "system,user,agent,tool,agent" {
		t.Fatalf("unexpected turns %s", got)
	}
	if !strings.Contains(turns[3].Content, "Added 3 tests to x_test.go.") {
		t.Fatalf("sub result missing from tool turn: %q", turns[3].Content)
	}

	sub := s.request(t, 1)
	a := agenttest.NewAssertions(t)
	a.AssertRequest(sub).
		HasMessageCount(2).
		HasMessage(llm.RoleSystem, "respond_to_master").
		HasMessage(llm.RoleUser, "write unit tests for module X").
		LacksMessage("please add tests for X").
		LacksMessage("Use table driven tests.")

	tasks := s.main.Delegations()
	if len(tasks) != 1 || tasks[0].Result != "Added 3 tests to x_test.go." || tasks[0].Err != nil {
		t.Fatalf("unexpected delegation record %+v", tasks)
	}
	if tasks[0].SubID == "" || tasks[0].SubID == s.main.ID() {
		t.Fatalf("sub agent needs its own ID, got %q", tasks[0].SubID)
	}

	done := s.events.Filter(func(ev Event) bool { return ev.Type == EventDelegationDone })
	if len(done) != 1 || done[0].Message != "Added 3 tests to x_test.go." {
		t.Fatalf("unexpected delegation events %+v", done)
	}
}

func TestSubAgentCannotDelegate(t *testing.T) {
	s := newSession(t, testConfig())
	s.provider.
		AddAction(action.InvokeAgent{Task: "split the work"}).
		AddAction(action.InvokeAgent{Task: "nested"}).
		AddAction(action.RespondToMaster{Result: "did it myself"}).
		AddAction(action.RespondToUser{Message: "ok"})

	if _, err := s.main.Chat(context.Background(), "go"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	agenttest.NewAssertions(t).AssertRequest(s.request(t, 2)).
		HasMessage(llm.RoleUser, "CAPABILITY_ERROR")
	if n := len(s.main.Delegations()); n != 1 {
		t.Fatalf("expected one delegation, got %d", n)
	}
}

func TestDelegationFailureIsReported(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParseRetries = 0
	s := newSession(t, cfg)
	s.provider.
		AddAction(action.InvokeAgent{Task: "refactor"}).
		AddResponse("I am not sure what to do").
		AddAction(action.RespondToUser{Message: "The sub agent failed."})

	reply, err := s.main.Chat(context.Background(), "refactor it")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "The sub agent failed." {
		t.Fatalf("unexpected reply %q", reply)
	}
	agenttest.NewAssertions(t).AssertRequest(s.request(t, 2)).
		HasMessage(llm.RoleUser, "failed: PROTOCOL_ERROR")

	tasks := s.main.Delegations()
	if len(tasks) != 1 {
		t.Fatalf("expected one delegation, got %d", len(tasks))
	}
	var failure *DelegationFailure
	if !stderrors.As(tasks[0].Err, &failure) || failure.Code != errors.CodeProtocol {
		t.Fatalf("expected a delegation failure, got %v", tasks[0].Err)
	}
}

func TestParseFailuresEndTurnButKeepSession(t *testing.T) {
	s := newSession(t, testConfig())
	for i := 0; i < 5; i++ {
		s.provider.AddResponse("Let me think about the config file first.")
	}
	s.provider.AddAction(action.RespondToUser{Message: "hello again"})

	_, err := s.main.Chat(context.Background(), "fix the config")
	agenttest.RequireCode(t, err, errors.CodeProtocol)
	if n := s.provider.CallCount(); n != 4 {
		t.Fatalf("expected 4 model calls, got %d", n)
	}
	if n := len(s.main.Turns()); n != 9 {
		t.Fatalf("expected the failed turn to be kept (9 turns), got %d", n)
	}
	agenttest.NewAssertions(t).AssertRequest(s.request(t, 1)).
		HasMessage(llm.RoleUser, "could not be used")

	failures := s.events.Filter(func(ev Event) bool { return ev.Type == EventParseFailed })
	if len(failures) != 4 {
		t.Fatalf("expected 4 parse failure events, got %d", len(failures))
	}
	if s.main.State() != StateAwaitingUserInput {
		t.Fatalf("session left in %s", s.main.State())
	}

	reply, err := s.main.Chat(context.Background(), "hi")
	if err != nil || reply != "hello again" {
		t.Fatalf("session not usable after protocol error: %q, %v", reply, err)
	}
}

func TestIterationBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	s := newSession(t, cfg)
	s.approver.Fallback = agenttest.Allow(permission.ScopeSession)
	for i := 0; i < 5; i++ {
		s.provider.AddAction(action.ListDir{Path: "."})
	}

	_, err := s.main.Chat(context.Background(), "look around")
	agenttest.RequireCode(t, err, errors.CodeProtocol)
	if n := s.provider.CallCount(); n != 3 {
		t.Fatalf("expected 3 model calls, got %d", n)
	}
}

func TestModelErrorAfterRetries(t *testing.T) {
	s := newSession(t, testConfig())
	s.provider.WithDefaultError(stderrors.New("connection refused"))

	_, err := s.main.Chat(context.Background(), "hello")
	agenttest.RequireCode(t, err, errors.CodeModel)
	if n := s.provider.CallCount(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	retries := s.events.Filter(func(ev Event) bool { return ev.Type == EventModelRetry })
	if len(retries) != 1 {
		t.Fatalf("expected one retry event, got %d", len(retries))
	}
	if got := roles(s.main.Turns()); got != "user" {
		t.Fatalf("unexpected turns after model error: %s", got)
	}

	s.provider.AddAction(action.RespondToUser{Message: "back"})
	if reply, err := s.main.Chat(context.Background(), "again"); err != nil || reply != "back" {
		t.Fatalf("session not usable after model error: %q, %v", reply, err)
	}
}

func TestAbortDuringModelCallDiscardsTurn(t *testing.T) {
	s := newSession(t, testConfig())
	s.provider.AddBlockingResponse()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.main.Chat(ctx, "long task")
		done <- err
	}()
	for s.provider.CallCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if _, err := s.main.Chat(context.Background(), "second"); !stderrors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while a turn runs, got %v", err)
	}

	cancel()
	err := <-done
	agenttest.RequireCode(t, err, errors.CodeAborted)
	if n := len(s.main.Turns()); n != 0 {
		t.Fatalf("aborted turn left %d turns", n)
	}
	if s.main.State() != StateAwaitingUserInput {
		t.Fatalf("session left in %s", s.main.State())
	}
}

func TestAbortDuringApproval(t *testing.T) {
	s := newSession(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []State
	s.approver.OnConfirm = func(context.Context, permission.Request) error {
		seen = append(seen, s.main.State())
		cancel()
		return nil
	}
	s.provider.AddAction(action.WriteFile{Path: "out.txt", Content: "data"})

	_, err := s.main.Chat(ctx, "write it")
	agenttest.RequireCode(t, err, errors.CodeAborted)
	if len(seen) != 1 || seen[0] != StateAwaitingPermissionDecision {
		t.Fatalf("approver ran in states %v", seen)
	}
	if _, statErr := os.Stat(filepath.Join(s.root, "out.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("aborted write reached the disk: %v", statErr)
	}
	if n := len(s.main.Turns()); n != 0 {
		t.Fatalf("aborted turn left %d turns", n)
	}
}

func TestProgressMessages(t *testing.T) {
	s := newSession(t, testConfig())
	s.provider.
		AddAction(action.Respond{Message: "Looking at the parser now."}).
		AddAction(action.RespondToUser{Message: "Done."})

	if _, err := s.main.Chat(context.Background(), "check the parser"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	progress := s.events.Filter(func(ev Event) bool { return ev.Type == EventProgress })
	if len(progress) != 1 || progress[0].Message != "Looking at the parser now." {
		t.Fatalf("unexpected progress events %+v", progress)
	}
	if got := roles(s.main.Turns()); got != "user,agent,tool,agent" {
		t.Fatalf("unexpected turns %s", got)
	}
}

func TestProjectContextIsVerbatim(t *testing.T) {
	notes := "### AGENTS.md\nUse table driven tests.\n"
	s := newSession(t, testConfig(), WithProjectContext(notes))
	s.provider.AddAction(action.RespondToUser{Message: "ok"})
	if _, err := s.main.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	turns := s.main.Turns()
	if turns[0].Role != conversation.RoleSystem || turns[0].Content != notes {
		t.Fatalf("project context altered: %q", turns[0].Content)
	}
	req := s.request(t, 0)
	if len(req.Messages) < 2 || req.Messages[1].Content != notes {
		t.Fatalf("project context not sent verbatim: %+v", req.Messages)
	}
}

func TestContextTrimming(t *testing.T) {
	cfg := testConfig()
	cfg.ContextTokens = 1
	s := newSession(t, cfg,
		WithProjectContext("Always run go vet."),
		WithTokenCounter(conversation.ApproxCounter{}),
	)
	s.provider.
		AddAction(action.RespondToUser{Message: "one"}).
		AddAction(action.RespondToUser{Message: "two"})

	if _, err := s.main.Chat(context.Background(), "first question"); err != nil {
		t.Fatalf("first chat: %v", err)
	}
	if _, err := s.main.Chat(context.Background(), "second question"); err != nil {
		t.Fatalf("second chat: %v", err)
	}

	agenttest.NewAssertions(t).AssertRequest(s.request(t, 1)).
		HasMessageCount(3).
		HasMessage(llm.RoleSystem, "Always run go vet.").
		HasMessage(llm.RoleUser, "second question").
		LacksMessage("first question")

	trimmed := s.events.Filter(func(ev Event) bool { return ev.Type == EventContextTrimmed })
	if len(trimmed) == 0 {
		t.Fatalf("expected a context trimmed event")
	}
	if n := len(s.main.Turns()); n != 5 {
		t.Fatalf("trimming must not touch the history, got %d turns", n)
	}
}

func TestStateEventsFollowTheLoop(t *testing.T) {
	s := newSession(t, testConfig())
	s.provider.AddAction(action.RespondToUser{Message: "hi"})
	if _, err := s.main.Chat(context.Background(), "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	var path []string
	for _, ev := range s.events.Filter(func(ev Event) bool { return ev.Type == EventStateChanged }) {
		if !CanTransition(ev.From, ev.To) {
			t.Fatalf("illegal transition reported: %s -> %s", ev.From, ev.To)
		}
		path = append(path, string(ev.To))
	}
	want := "model_invocation,parsing_response,executing_action,responding_to_user,awaiting_user_input"
	if got := strings.Join(path, ","); got != want {
		t.Fatalf("unexpected state path\n got: %s\nwant: %s", got, want)
	}
}

func TestIllegalTransition(t *testing.T) {
	var changes int
	m := newMachine(func(State, State) { changes++ })

	err := m.to(StateExecutingAction)
	if !errors.Is(err, errors.CodeProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if m.current() != StateAwaitingUserInput || changes != 0 {
		t.Fatalf("illegal move changed state to %s", m.current())
	}

	for _, next := range []State{StateModelInvocation, StateParsingResponse, StateExecutingAction, StateAwaitingPermissionDecision} {
		if err := m.to(next); err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	if err := m.to(StateRespondingToUser); err == nil {
		t.Fatalf("permission decisions must resume into execution")
	}
	m.reset()
	if m.current() != StateAwaitingUserInput || changes != 5 {
		t.Fatalf("reset: state=%s changes=%d", m.current(), changes)
	}
}

func TestChatRejectsEmptyInput(t *testing.T) {
	s := newSession(t, testConfig())
	_, err := s.main.Chat(context.Background(), "   ")
	agenttest.RequireCode(t, err, errors.CodeInvalidInput)
	if s.provider.CallCount() != 0 {
		t.Fatalf("empty input reached the model")
	}
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}, DefaultConfig()); !errors.Is(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
