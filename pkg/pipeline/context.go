package pipeline

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a provider-bound conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CacheHitInfo describes a response served from the cache instead of the
// provider.
type CacheHitInfo struct {
	Response     string  `json:"response"`
	Model        string  `json:"model"`
	Type         string  `json:"type"` // "exact" or "fuzzy"
	Similarity   float64 `json:"similarity"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// Meta carries stage-to-stage and stage-to-caller state through one run.
// Fields are set by the stage named in the comment and read by later stages
// or by the caller when it records the ledger entry.
type Meta struct {
	CacheHit            *CacheHitInfo // cache
	ContextSaved        int           // trimmer: evicted tokens
	OriginalModel       string        // router / budget tier routing
	OriginalInputTokens int           // trimmer: pre-trim token count
	PrefixSaved         float64       // prefix optimizer: estimated $ saved
	RouterSaved         float64       // router: estimated $ saved
	GuardSaved          float64       // guard: would-have-cost of a blocked call
	TierRouted          bool          // budget: tier override wins over router
	ABTestHoldout       bool          // router: request held out of routing
	Complexity          int           // router: 0-100 complexity score
	UserID              string        // budget
	UserBudgetInflight  float64       // budget: reserved estimate to settle later
	Denied              bool          // admission stage blocked the request
}

// Context is the shared per-request state mutated by pipeline stages.
// It is created by the caller before each run and discarded afterwards.
type Context struct {
	Params       map[string]any
	Messages     []Message
	LastUserText string
	ModelID      string
	Meta         Meta
	Aborted      bool
	AbortReason  string
}

// Abort stops all subsequent stages. The first abort reason wins.
func (c *Context) Abort(reason string) {
	if c.Aborted {
		return
	}
	c.Aborted = true
	c.AbortReason = reason
}

// LastUser returns the content of the final user message, preferring the
// explicitly set LastUserText.
func (c *Context) LastUser() string {
	if c.LastUserText != "" {
		return c.LastUserText
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}
