package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"k8s.io/klog/v2"
)

// Task is the class assigned to an instruction.
type Task string

const (
	TaskSQL  Task = "sql"
	TaskChat Task = "chat"
)

const (
	classifyPrompt = "You route user requests. If answering requires querying the user's relational database, " +
		"reply with the single word sql. Otherwise reply with the single word chat."
	sqlPrompt = "You write SQL for the user's database. Reply with exactly one SQL statement and nothing else, " +
		"no explanation and no markdown."
	summarizePrompt = "You explain database query results to the user. Answer the user's request using the result below. " +
		"If the query failed, say so and explain the error briefly."
	chatPrompt = "You are a helpful assistant."
)

// SQLExecutor runs one statement in the user's sandbox and returns the raw result.
type SQLExecutor interface {
	ExecuteSQL(ctx context.Context, userID, statement string) (json.RawMessage, error)
}

// SQLExecutorFunc adapts a function to SQLExecutor.
type SQLExecutorFunc func(ctx context.Context, userID, statement string) (json.RawMessage, error)

func (f SQLExecutorFunc) ExecuteSQL(ctx context.Context, userID, statement string) (json.RawMessage, error) {
	return f(ctx, userID, statement)
}

// Agent classifies instructions and answers them, querying the user's database when needed.
type Agent struct {
	llm ChatClient
	sql SQLExecutor
}

func New(llm ChatClient, sql SQLExecutor) *Agent {
	return &Agent{llm: llm, sql: sql}
}

// Handle answers one instruction for the user. Only language model failures are returned as errors;
// a failed query is reported inside the reply.
func (a *Agent) Handle(ctx context.Context, userID, instruction string) (string, error) {
	if a == nil || a.llm == nil {
		return "", ErrNotConfigured
	}

	task, err := a.classify(ctx, instruction)
	if err != nil {
		return "", err
	}
	klog.V(2).Infof("instruction of %s classified as %s", userID, task)

	if task == TaskSQL && a.sql != nil {
		return a.answerWithSQL(ctx, userID, instruction)
	}
	return a.llm.Complete(ctx, []Message{
		{Role: "system", Content: chatPrompt},
		{Role: "user", Content: instruction},
	})
}

func (a *Agent) classify(ctx context.Context, instruction string) (Task, error) {
	answer, err := a.llm.Complete(ctx, []Message{
		{Role: "system", Content: classifyPrompt},
		{Role: "user", Content: instruction},
	})
	if err != nil {
		return "", fmt.Errorf("classify instruction: %w", err)
	}
	return parseTask(answer), nil
}

// parseTask falls back to chat for anything but a clear sql answer.
func parseTask(answer string) Task {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(answer), ".!\"'` "))
	if word == string(TaskSQL) {
		return TaskSQL
	}
	return TaskChat
}

func (a *Agent) answerWithSQL(ctx context.Context, userID, instruction string) (string, error) {
	raw, err := a.llm.Complete(ctx, []Message{
		{Role: "system", Content: sqlPrompt},
		{Role: "user", Content: instruction},
	})
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}
	statement := extractSQL(raw)

	var result string
	out, err := a.sql.ExecuteSQL(ctx, userID, statement)
	if err != nil {
		klog.Warningf("sql for %s failed: %v", userID, err)
		result = "The query could not be executed: " + err.Error()
	} else {
		result = string(out)
	}

	summary, err := a.llm.Complete(ctx, []Message{
		{Role: "system", Content: summarizePrompt},
		{Role: "user", Content: fmt.Sprintf("Request: %s\nSQL: %s\nResult: %s", instruction, statement, result)},
	})
	if err != nil {
		return "", fmt.Errorf("summarize result: %w", err)
	}
	return summary, nil
}

var fencePattern = regexp.MustCompile("(?is)```(?:sql)?\\s*(.*?)\\s*```")

// extractSQL strips a markdown fence if the model added one anyway.
func extractSQL(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}
