package store

// CreatorUser is an educator account. Disabled accounts are rejected
// at auth-context build time before any resource lookups run.
type CreatorUser struct {
	ID               int64
	Email            string
	Name             string
	OrganizationID   int64
	Role             string // "admin" for system admin, otherwise "user"
	OrganizationRole string // "owner" | "admin" | "member" | ""
	Enabled          bool
	AuthProvider     string
	LTIID            string
}

// Organization groups creator users and carries the per-tenant config
// document. Exactly one organization has IsSystem set.
type Organization struct {
	ID       int64
	Slug     string
	Name     string
	IsSystem bool
	Status   string
	Config   string // JSON document, parsed by pkg/org
}

// Assistant is a configured pipeline owned by a creator user. The
// Metadata blob holds the pipeline declaration (connector, model,
// orchestrator, tool configs); pkg/assistant parses it.
type Assistant struct {
	ID             int64
	Name           string
	OwnerEmail     string
	OrganizationID int64
	Description    string
	SystemPrompt   string
	PromptTemplate string
	Metadata       string // JSON document
	RAGCollections string // JSON list of collection ids (legacy single-tool mode)
	RAGTopK        int
	Published      bool
}

// Chat is an internal chat session row. The Doc column mirrors the
// OWI shape: history.messages maps message id to message records.
type Chat struct {
	ID          string
	UserID      int64
	AssistantID int64
	Title       string
	Doc         string // JSON document
	CreatedAt   int64  // epoch seconds
	UpdatedAt   int64
	Archived    bool
}
