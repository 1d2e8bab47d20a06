package agent

import (
	"fmt"
	"strings"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/executor"
)

const mainIntro = `You are a coding assistant working inside the user's project.
You act by replying with exactly one JSON object describing one action. After
each action you receive its result and choose the next action. Your turn ends
only when you use respond_to_user. A second system message, when present,
holds the project's own notes and conventions; follow them.`

const subIntro = `You are a sub agent working on one delegated task inside a
project. You act by replying with exactly one JSON object describing one
action. After each action you receive its result and choose the next action.
When the task is done, or cannot be done, report back with respond_to_master.`

const rules = `RULES:
1. Reply with a single JSON object: {"action": "<name>", "parameters": {...}}.
   No prose outside the object and never more than one action per reply.
2. Paths are relative to the project root.
3. Do not repeat an action that already succeeded; use its result.
4. If an action fails, read the error and correct the next action.`

var toolDocs = map[action.Kind]struct {
	desc    string
	example string
}{
	action.KindReadFile: {
		"Read a file.",
		`{"action": "read_file", "parameters": {"path": "src/main.go"}}`,
	},
	action.KindListDir: {
		"List a directory. Set recursive to descend up to max_depth levels.",
		`{"action": "list_dir", "parameters": {"path": ".", "recursive": true, "max_depth": 2}}`,
	},
	action.KindWriteFile: {
		"Create or fully replace a file with content.",
		`{"action": "write_file", "parameters": {"path": "hello.py", "content": "print('hi')\n"}}`,
	},
	action.KindUpdateFile: {
		"Replace every occurrence of old_text with new_text in a file.",
		`{"action": "update_file", "parameters": {"path": "app.py", "old_text": "debug = True", "new_text": "debug = False"}}`,
	},
	action.KindInvokeAgent: {
		"Delegate a self-contained task to a sub agent. It sees only the task text, so include every detail it needs. You receive its result.",
		`{"action": "invoke_agent", "parameters": {"task": "Write unit tests for pkg/parser covering empty input"}}`,
	},
	action.KindRespond: {
		"Tell the user about progress or your plan without ending the turn.",
		`{"action": "respond", "parameters": {"message": "Reading the config first."}}`,
	},
	action.KindRespondToUser: {
		"Answer the user and end your turn. Use it also to ask the user a question.",
		`{"action": "respond_to_user", "parameters": {"message": "Done: the port is now 8080."}}`,
	},
	action.KindRespondToMaster: {
		"Report the outcome of the delegated task and finish.",
		`{"action": "respond_to_master", "parameters": {"result": "Added 4 tests in parser_test.go, all cases covered."}}`,
	},
}

// SystemPrompt renders the instructions for an agent using tools.
func SystemPrompt(tools *executor.ToolSet) string {
	var b strings.Builder
	if tools.Role() == executor.RoleSub {
		b.WriteString(subIntro)
	} else {
		b.WriteString(mainIntro)
	}
	b.WriteString("\n\nACTIONS:\n")
	for i, k := range tools.Kinds() {
		doc := toolDocs[k]
		fmt.Fprintf(&b, "%d. %s: %s\n   %s\n", i+1, k, doc.desc, doc.example)
	}
	b.WriteString("\n")
	b.WriteString(rules)
	return b.String()
}

// correction is the tool note added after an unparseable reply.
func correction(reason string, tools *executor.ToolSet) string {
	names := make([]string, 0, len(tools.Kinds()))
	for _, k := range tools.Kinds() {
		names = append(names, string(k))
	}
	return fmt.Sprintf("Your last reply could not be used: %s. Reply with exactly one JSON object "+
		`{"action": "<name>", "parameters": {...}} where name is one of: %s.`,
		reason, strings.Join(names, ", "))
}
