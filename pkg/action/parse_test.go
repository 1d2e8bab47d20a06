package action

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jllopis/codeagent/pkg/errors"
)

func TestParseShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Action
	}{
		{
			name: "parameters object",
			raw:  `{"action": "read_file", "parameters": {"path": "config.yaml"}}`,
			want: ReadFile{Path: "config.yaml"},
		},
		{
			name: "action_input object",
			raw:  `{"action": "read_file", "action_input": {"file_path": "main.go"}}`,
			want: ReadFile{Path: "main.go"},
		},
		{
			name: "flat fields",
			raw:  `{"action": "write_file", "path": "a.txt", "content": ""}`,
			want: WriteFile{Path: "a.txt", Content: ""},
		},
		{
			name: "legacy write format",
			raw:  `{"action": "write_file", "parameters": {"file_path_content": "notes/a.md|# Title\nbody|with pipe"}}`,
			want: WriteFile{Path: "notes/a.md", Content: "# Title\nbody|with pipe"},
		},
		{
			name: "single entry actions array",
			raw:  `{"actions": [{"action": "list_dir", "parameters": {"directory": "pkg"}}]}`,
			want: ListDir{Path: "pkg"},
		},
		{
			name: "list defaults to project root",
			raw:  `{"action": "list_dir"}`,
			want: ListDir{Path: "."},
		},
		{
			name: "recursive list gets default depth",
			raw:  `{"action": "list_files", "parameters": {"path": "src", "recursive": true}}`,
			want: ListDir{Path: "src", Recursive: true, MaxDepth: DefaultMaxDepth},
		},
		{
			name: "update file",
			raw:  `{"action": "update_file", "parameters": {"path": "x.go", "old_text": "foo", "new_text": "bar"}}`,
			want: UpdateFile{Path: "x.go", OldText: "foo", NewText: "bar"},
		},
		{
			name: "whitespace only old text",
			raw:  `{"action": "update_file", "path": "x.go", "old_text": "    ", "new_text": "\t"}`,
			want: UpdateFile{Path: "x.go", OldText: "    ", NewText: "\t"},
		},
		{
			name: "invoke agent with prompt alias",
			raw:  `{"action": "invoke_agent", "parameters": {"agent_type": "sub_agent", "prompt": "write unit tests for module X"}}`,
			want: InvokeAgent{Task: "write unit tests for module X"},
		},
		{
			name: "respond to master with response alias",
			raw:  `{"action": "respond_to_master", "parameters": {"response": "done"}}`,
			want: RespondToMaster{Result: "done"},
		},
		{
			name: "respond to user",
			raw:  `{"action": "respond_to_user", "parameters": {"message": "All set."}}`,
			want: RespondToUser{Message: "All set."},
		},
		{
			name: "progress",
			raw:  `{"action": "respond", "parameters": {"message": "Looking around"}}`,
			want: Respond{Message: "Looking around"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("unexpected action (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSurroundedByProse(t *testing.T) {
	fragment := `{"action": "read_file", "parameters": {"path": "config.yaml"}}`
	wraps := []string{
		"Sure! Let me look at the config first.\n" + fragment + "\nThat should tell us more.",
		"```json\n" + fragment + "\n```",
		"I'll use a {placeholder and then: " + fragment,
		"Notes: {not json} " + fragment + " {also: not json}",
		"The user's \"request\" is clear. " + fragment,
	}
	for i, raw := range wraps {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("case %d: Parse: %v", i, err)
		}
		if diff := cmp.Diff(ReadFile{Path: "config.yaml"}, got); diff != "" {
			t.Fatalf("case %d: (-want +got):\n%s", i, diff)
		}
	}
}

func TestParseLenientSyntax(t *testing.T) {
	cases := map[string]string{
		"single quotes":  `{'action': 'read_file', 'parameters': {'path': 'it"s.txt'}}`,
		"trailing comma": `{"action": "read_file", "parameters": {"path": "it\"s.txt",},}`,
		"comments":       "{\n // read it\n \"action\": \"read_file\", /* the file */ \"path\": \"it\\\"s.txt\"\n}",
	}
	for name, raw := range cases {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("%s: Parse: %v", name, err)
		}
		if diff := cmp.Diff(ReadFile{Path: `it"s.txt`}, got); diff != "" {
			t.Fatalf("%s: (-want +got):\n%s", name, diff)
		}
	}
}

func TestParseBracesInsideStrings(t *testing.T) {
	raw := `{"action": "write_file", "parameters": {"path": "main.go", "content": "func main() { fmt.Println(\"}\") }"}}`
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	w, ok := got.(WriteFile)
	if !ok || w.Content != `func main() { fmt.Println("}") }` {
		t.Fatalf("unexpected action %#v", got)
	}
}

func TestParseAfterBraceHeavyCode(t *testing.T) {
	var b strings.Builder
	b.WriteString("The tests look like this:\n```go\n")
	for i := 0; i < 200; i++ {
		b.WriteString("func f() { if x { return } }\n")
	}
	b.WriteString("```\nLet me read the test file.\n")
	b.WriteString(`{"action": "read_file", "path": "main_test.go"}`)

	got, err := Parse(b.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(ReadFile{Path: "main_test.go"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestParseInsideUnbalancedProse(t *testing.T) {
	raw := "Here's the bit that fails: `if x {` and I'll check it: " +
		`{"action": "read_file", "path": "it's.go"}`
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(ReadFile{Path: "it's.go"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestParseRunawayBracesIsLinear(t *testing.T) {
	raw := strings.Repeat("{", 200_000) + `{"action": "respond", "message": "still here"}`
	start := time.Now()
	got, err := Parse(raw)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Parse took %s", elapsed)
	}
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(Respond{Message: "still here"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestParseKeepsTailOfHugeReply(t *testing.T) {
	raw := strings.Repeat("{ x } ", maxScanBytes/6+10) + `{"action": "list_dir", "path": "pkg"}`
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(ListDir{Path: "pkg"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestParseLastFragmentWins(t *testing.T) {
	raw := `First {"action": "read_file", "path": "a.txt"} then {"action": "read_file", "path": "b.txt"}`
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(ReadFile{Path: "b.txt"}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestParseInvalidLastFragmentDoesNotFallBack(t *testing.T) {
	raw := `{"action": "read_file", "path": "a.txt"} and then {"action": "delete_everything"}`
	_, err := Parse(raw)
	var pe *ParseError
	if !asParseError(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !strings.Contains(pe.Reason, "delete_everything") {
		t.Fatalf("unexpected reason %q", pe.Reason)
	}
	if pe.Raw != raw {
		t.Fatalf("raw output not preserved")
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty":               "   ",
		"prose only":          "I think we should read the config file.",
		"json without action": `{"thought": "hmm"}`,
		"unbalanced":          `{"action": "read_file", "path": "a"`,
		"unknown action":      `{"action": "rm_rf", "path": "/"}`,
		"missing path":        `{"action": "read_file"}`,
		"wrong type":          `{"action": "read_file", "path": 7}`,
		"missing content":     `{"action": "write_file", "path": "a"}`,
		"missing old text":    `{"action": "update_file", "path": "a", "new_text": "b"}`,
		"empty task":          `{"action": "invoke_agent", "task": "  "}`,
		"bad agent type":      `{"action": "invoke_agent", "agent_type": "super_agent", "task": "x"}`,
		"empty result":        `{"action": "respond_to_master", "result": ""}`,
		"two actions":         `{"actions": [{"action": "respond", "message": "hi"}, {"action": "read_file", "path": "a"}]}`,
		"empty actions":       `{"actions": []}`,
		"parameters string":   `{"action": "read_file", "parameters": "a.txt"}`,
		"fractional depth":    `{"action": "list_dir", "recursive": true, "max_depth": 1.5}`,
		"bad legacy":          `{"action": "write_file", "file_path_content": "no separator"}`,
	}
	for name, raw := range cases {
		a, err := Parse(raw)
		if err == nil {
			t.Fatalf("%s: expected error, got %#v", name, a)
		}
		if a != nil {
			t.Fatalf("%s: expected no action alongside the error", name)
		}
		if !errors.Is(err, errors.CodeParse) {
			t.Fatalf("%s: expected PARSE_ERROR, got %v", name, err)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	actions := []Action{
		ReadFile{Path: "a.go"},
		WriteFile{Path: "b.go", Content: "<html>&</html>"},
		ListDir{Path: ".", Recursive: true, MaxDepth: 2},
		UpdateFile{Path: "c.go", OldText: "x", NewText: ""},
		InvokeAgent{Task: "t"},
		RespondToMaster{Result: "r"},
		RespondToUser{Message: "m"},
		Respond{Message: "p"},
	}
	for _, a := range actions {
		encoded := Encode(a)
		back, err := Parse(encoded)
		if err != nil {
			t.Fatalf("%s: Parse(Encode) failed: %v (%s)", a.Kind(), err, encoded)
		}
		if diff := cmp.Diff(a, back); diff != "" {
			t.Fatalf("%s: round trip mismatch (-want +got):\n%s", a.Kind(), diff)
		}
	}
	if got := Encode(ReadFile{Path: "a.go"}); got != `{"action":"read_file","parameters":{"path":"a.go"}}` {
		t.Fatalf("unexpected canonical form %s", got)
	}
}

func TestKindHelpers(t *testing.T) {
	if !KindWriteFile.IsFilesystem() || KindInvokeAgent.IsFilesystem() {
		t.Fatalf("unexpected filesystem classification")
	}
	if !KindRespondToUser.IsTerminal() || KindRespond.IsTerminal() {
		t.Fatalf("unexpected terminal classification")
	}
	if Describe(ListDir{Path: "pkg", Recursive: true}) != "list pkg (recursive)" {
		t.Fatalf("unexpected description")
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}
