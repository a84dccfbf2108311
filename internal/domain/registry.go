package domain

// Feedback is a reputation record submitted after an agent action.
type Feedback struct {
	StrategyID StrategyID        `json:"strategy_id"`
	Principal  Address           `json:"principal"`
	Type       string            `json:"type"`
	Data       map[string]string `json:"data,omitempty"`
}

// ValidationRequest asks the validation registry to audit an incident.
type ValidationRequest struct {
	StrategyID StrategyID        `json:"strategy_id"`
	Principal  Address           `json:"principal"`
	TaskType   string            `json:"task_type"`
	Data       map[string]string `json:"data,omitempty"`
}
