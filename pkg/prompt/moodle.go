package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// metadataIdentityKeys is the fallback order for LMS identifiers in
// request metadata.
var metadataIdentityKeys = []string{"user_id", "lti_user_id", "lis_person_sourcedid", "email", "user"}

// MoodleAugment is the identity-aware legacy processor. It resolves
// an LMS user identifier and exposes it to the template as {user_id}.
// Identity resolution is best-effort and never fails the request.
type MoodleAugment struct {
	settings   *config.Settings
	httpClient *httpclient.Client
}

func NewMoodleAugment(settings *config.Settings) *MoodleAugment {
	return &MoodleAugment{
		settings: settings,
		httpClient: httpclient.New(
			httpclient.WithTimeout(5*time.Second),
			httpclient.WithoutRetries(),
		),
	}
}

func (p *MoodleAugment) Name() string { return "moodle_augment" }

func (p *MoodleAugment) Process(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, rag *plugins.RAGContext) ([]protocol.Message, error) {
	userID := p.resolveIdentity(ctx, req)

	ragContext := ""
	if rag != nil {
		ragContext = rag.Context
	}

	messages := assembleWithIdentity(req, ar, ragContext, userID)
	return messages, nil
}

// resolveIdentity walks the identifier chain: forwarded email resolved
// against the LMS, forwarded user id, request metadata keys, then the
// literal "default".
func (p *MoodleAugment) resolveIdentity(ctx context.Context, req *plugins.Request) string {
	if email := req.Headers["x-openwebui-user-email"]; email != "" {
		if id, err := p.lookupLMSUser(ctx, email); err == nil && id != "" {
			return id
		} else if err != nil {
			slog.Warn("LMS identity lookup failed, trying next identifier", "email", email, "error", err)
		}
	}

	if id := req.Headers["x-openwebui-user-id"]; id != "" {
		return id
	}

	for _, key := range metadataIdentityKeys {
		if v, ok := req.Metadata[key]; ok {
			if s := fmt.Sprintf("%v", v); s != "" && s != "<nil>" {
				return s
			}
		}
	}

	return "default"
}

// lookupLMSUser resolves an email to an LMS user id via the Moodle
// web-service REST endpoint.
func (p *MoodleAugment) lookupLMSUser(ctx context.Context, email string) (string, error) {
	if p.settings == nil || p.settings.LMSWebServiceURL == "" {
		return "", fmt.Errorf("lms web service not configured")
	}

	params := url.Values{}
	params.Set("wstoken", p.settings.LMSWebServiceToken)
	params.Set("wsfunction", "core_user_get_users_by_field")
	params.Set("moodlewsrestformat", "json")
	params.Set("field", "email")
	params.Set("values[0]", email)

	endpoint := strings.TrimSuffix(p.settings.LMSWebServiceURL, "/") + "/webservice/rest/server.php?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.httpClient.Do(httpReq)
	if resp == nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lms returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var users []struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(body, &users); err != nil {
		return "", fmt.Errorf("unexpected lms response: %w", err)
	}
	if len(users) == 0 {
		return "", fmt.Errorf("no lms user for email")
	}
	return users[0].ID.String(), nil
}

// assembleWithIdentity is assemble with {user_id} filled before the
// generic pass erases it.
func assembleWithIdentity(req *plugins.Request, ar *plugins.AssistantRuntime, ragContext, userID string) []protocol.Message {
	runtime := *ar
	record := *ar.Record
	record.PromptTemplate = strings.ReplaceAll(record.PromptTemplate, "{user_id}", userID)
	record.SystemPrompt = strings.ReplaceAll(record.SystemPrompt, "{user_id}", userID)
	runtime.Record = &record
	return assemble(req, &runtime, ragContext)
}
