package executor

import (
	"encoding/json"
	"fmt"

	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/tool"
)

// Control actions are exposed to the model as synthetic tools so a
// function-calling model never has to smuggle control flow through prose.
const (
	ctrlAskUser  = "ask_user"
	ctrlReplan   = "replan"
	ctrlMarkTask = "mark_task"
	ctrlComplete = "complete_mission"
)

type askUserArgs struct {
	Question string `json:"question" jsonschema:"required,description=The question the user must answer before execution can continue"`
}

type replanArgs struct {
	Reason string `json:"reason" jsonschema:"required,description=Why the current plan no longer fits"`
}

type markTaskArgs struct {
	Success bool   `json:"success" jsonschema:"description=Whether the current task met its acceptance criteria"`
	Result  string `json:"result" jsonschema:"required,description=Outcome summary for the current task"`
}

type completeArgs struct {
	Answer string `json:"answer" jsonschema:"required,description=The final answer to the mission"`
}

var controlDefs = []llm.ToolDefinition{
	{
		Name:        ctrlAskUser,
		Description: "Pause execution and ask the user a question. Use only when required information cannot be obtained with the available tools.",
		Parameters:  tool.GenerateSchema[askUserArgs](),
	},
	{
		Name:        ctrlReplan,
		Description: "Discard the current plan and build a new one. Use when the plan no longer matches reality.",
		Parameters:  tool.GenerateSchema[replanArgs](),
	},
	{
		Name:        ctrlMarkTask,
		Description: "Mark the current task finished, successfully or not, without calling another tool.",
		Parameters:  tool.GenerateSchema[markTaskArgs](),
	},
	{
		Name:        ctrlComplete,
		Description: "Declare the whole mission finished and provide the final answer.",
		Parameters:  tool.GenerateSchema[completeArgs](),
	},
}

// toolDefs advertises the given registry tools plus the control tools,
// which are always available.
func toolDefs(regDefs []tool.Definition) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(regDefs)+len(controlDefs))
	for _, d := range regDefs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return append(out, controlDefs...)
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("missing arguments")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding arguments: %w", err)
	}
	return v, nil
}
