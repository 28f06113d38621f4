package types

// TaskType categorizes what a request is asking for. It biases model
// selection and response quality weighting.
type TaskType string

// Task type constants
const (
	TaskCodeGeneration  TaskType = "code_generation"
	TaskDataAnalysis    TaskType = "data_analysis"
	TaskConversation    TaskType = "conversation"
	TaskSummarization   TaskType = "summarization"
	TaskTranslation     TaskType = "translation"
	TaskCreativeWriting TaskType = "creative_writing"
	TaskQA              TaskType = "qa"
	TaskReasoning       TaskType = "reasoning"
	TaskMath            TaskType = "math"
	TaskGeneral         TaskType = "general"
)

// taskComplexity maps each task type to a 1-5 complexity tier.
var taskComplexity = map[TaskType]int{
	TaskCodeGeneration:  4,
	TaskDataAnalysis:    4,
	TaskConversation:    1,
	TaskSummarization:   2,
	TaskTranslation:     2,
	TaskCreativeWriting: 3,
	TaskQA:              2,
	TaskReasoning:       5,
	TaskMath:            5,
	TaskGeneral:         2,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	_, ok := taskComplexity[t]
	return ok
}

// Complexity returns the 1-5 complexity tier for the task type.
// Unknown task types get the general-purpose tier.
func (t TaskType) Complexity() int {
	if c, ok := taskComplexity[t]; ok {
		return c
	}
	return taskComplexity[TaskGeneral]
}
